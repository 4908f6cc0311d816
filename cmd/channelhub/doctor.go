package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"channelhub/internal/blob"
	"channelhub/internal/config"
	"channelhub/internal/domain"
	"channelhub/internal/queue"
	"channelhub/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// checkResult tallies the outcome of the doctor checks.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResult) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkResult) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the channelhub installation",
		Long: `Verifies that the configuration, database, queue backend and
data store are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("channelhub doctor v%s\n\n", version)

			var r checkResult
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'channelhub init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config is invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Store.DBPath)
			}

			if cfg.Queue.Backend == "redis" {
				if err := checkRedis(ctx, cfg.Queue.Redis); err != nil {
					r.fail("Redis", err.Error())
				} else {
					r.pass("Redis", cfg.Queue.Redis.Addr)
				}
			}

			if cfg.Data.Backend == "pebble" {
				if err := checkPebble(cfg.Data.PebblePath); err != nil {
					// pebble holds an exclusive lock while the server runs
					r.warn("Pebble", err.Error())
				} else {
					r.pass("Pebble", cfg.Data.PebblePath)
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			if !cfg.Retention.Enabled {
				r.warn("Retention", "disabled, shared data is never purged")
			} else {
				r.pass("Retention", cfg.Retention.Cron)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Printf("\nAll checks passed.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which runs migrations, and probes a write.
func checkDatabase(ctx context.Context, dbPath string) error {
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = st.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkRedis(ctx context.Context, rc config.RedisConfig) error {
	rs, err := queue.NewRedisStore(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}, rc.Prefix)
	if err != nil {
		return err
	}
	defer rs.Close()
	if err := rs.Ping(ctx); err != nil {
		return err
	}
	_, err = rs.Depth(ctx, domain.TaskProp)
	return err
}

func checkPebble(dir string) error {
	ps, err := blob.Open(dir)
	if err != nil {
		return err
	}
	return ps.Close()
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
