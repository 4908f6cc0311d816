package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"channelhub/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.channelhub.server"
	systemdUnit  = "channelhub.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the server as a user daemon (launchd/systemd)",
		Long:  "Writes a launchd agent or systemd user unit that runs 'channelhub serve' with the current config on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(config.ExpandPath(resolveConfigPath()))
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			d := daemonUnit{Exec: execPath, Config: cfgPath, Home: home}

			switch runtime.GOOS {
			case "darwin":
				return d.installLaunchd()
			case "linux":
				return d.installSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			d := daemonUnit{Home: home}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = d.plistPath()
			case "linux":
				path = d.unitPath()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

// daemonUnit carries the values substituted into the service templates.
type daemonUnit struct {
	Exec   string
	Config string
	Home   string
}

func (d daemonUnit) plistPath() string {
	return filepath.Join(d.Home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func (d daemonUnit) unitPath() string {
	return filepath.Join(d.Home, ".config", "systemd", "user", systemdUnit)
}

func (d daemonUnit) logDir() string {
	return filepath.Join(d.Home, ".channelhub", "logs")
}

func (d daemonUnit) render(tmpl string) string {
	r := strings.NewReplacer(
		"{{EXEC}}", d.Exec,
		"{{CONFIG}}", d.Config,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(d.logDir(), "channelhub.log"),
		"{{ERR_LOG}}", filepath.Join(d.logDir(), "channelhub-error.log"),
	)
	return r.Replace(tmpl)
}

func (d daemonUnit) installLaunchd() error {
	if err := os.MkdirAll(d.logDir(), 0o755); err != nil {
		return err
	}
	path := d.plistPath()
	if err := writeServiceFile(path, d.render(launchdTemplate)); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func (d daemonUnit) installSystemd() error {
	path := d.unitPath()
	if err := writeServiceFile(path, d.render(systemdTemplate)); err != nil {
		return err
	}
	name := strings.TrimSuffix(systemdUnit, ".service")
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", name)
	fmt.Printf("To enable: systemctl --user enable %s\n", name)
	fmt.Printf("To stop:   systemctl --user stop %s\n", name)
	return nil
}

func writeServiceFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=channelhub coordination server
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
