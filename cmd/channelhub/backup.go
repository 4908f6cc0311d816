package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"channelhub/internal/config"

	"github.com/spf13/cobra"
)

// pebbleArchiveDir prefixes the pebble data directory inside a backup.
const pebbleArchiveDir = "pebble"

// backupPaths lists the on-disk state covered by backup and restore.
type backupPaths struct {
	Config string
	DB     string
	Pebble string // empty unless the pebble data backend is configured
}

func resolveBackupPaths() (backupPaths, error) {
	cfg, err := loadConfig()
	if err != nil {
		return backupPaths{}, fmt.Errorf("load config: %w", err)
	}
	p := backupPaths{
		Config: config.ExpandPath(resolveConfigPath()),
		DB:     cfg.Store.DBPath,
	}
	if cfg.Data.Backend == "pebble" {
		p.Pebble = cfg.Data.PebblePath
	}
	return p, nil
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of channelhub data (database, data store and config)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
the pebble data directory when configured, and the configuration file.
Stop the server first for a consistent snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolveBackupPaths()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("channelhub-backup-%s.tar.gz", ts))
			}

			entries, err := collectBackup(paths)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.DB, paths.Config)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(e.size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.channelhub/backups/channelhub-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore channelhub data from a backup archive",
		Long: `Restores the SQLite database, pebble data directory and configuration
file from a .tar.gz archive created by 'channelhub backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: channelhub restore <file.tar.gz>")
			}

			paths, err := resolveBackupPaths()
			if err != nil {
				return err
			}

			if !force {
				existing := false
				for _, p := range []string{paths.DB, paths.Config, paths.Pebble} {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", paths.DB)
					fmt.Printf("  Config:   %s\n", paths.Config)
					if paths.Pebble != "" {
						fmt.Printf("  Data:     %s\n", paths.Pebble)
					}
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// archiveEntry maps a file on disk to its name inside the archive.
type archiveEntry struct {
	path string
	name string
	size int64
}

func collectBackup(p backupPaths) ([]archiveEntry, error) {
	var entries []archiveEntry
	add := func(path, name string) {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			entries = append(entries, archiveEntry{path: path, name: name, size: info.Size()})
		}
	}

	add(p.DB, filepath.Base(p.DB))
	for _, suffix := range []string{"-wal", "-shm"} {
		add(p.DB+suffix, filepath.Base(p.DB)+suffix)
	}
	add(p.Config, filepath.Base(p.Config))

	if p.Pebble != "" {
		err := filepath.WalkDir(p.Pebble, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(p.Pebble, path)
			if err != nil {
				return err
			}
			add(path, pebbleArchiveDir+"/"+filepath.ToSlash(rel))
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("walk %s: %w", p.Pebble, err)
		}
	}
	return entries, nil
}

func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// restoreTarget maps an archive entry name back to a path on disk. Entries
// that would escape their destination are rejected.
func restoreTarget(name string, p backupPaths) (string, error) {
	name = filepath.ToSlash(filepath.Clean(name))
	if strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}

	if rest, ok := strings.CutPrefix(name, pebbleArchiveDir+"/"); ok {
		if p.Pebble == "" {
			return "", fmt.Errorf("archive contains pebble data but data.backend is not pebble")
		}
		return filepath.Join(p.Pebble, filepath.FromSlash(rest)), nil
	}

	base := filepath.Base(name)
	switch {
	case base == filepath.Base(p.Config), base == "config.json", base == "config.yaml", base == "config.yml":
		return p.Config, nil
	case strings.HasSuffix(base, ".db"):
		return p.DB, nil
	case strings.HasSuffix(base, ".db-wal"):
		return p.DB + "-wal", nil
	case strings.HasSuffix(base, ".db-shm"):
		return p.DB + "-shm", nil
	default:
		return filepath.Join(filepath.Dir(p.Config), base), nil
	}
}

func extractTarGz(archivePath string, p backupPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, err := restoreTarget(header.Name, p)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
