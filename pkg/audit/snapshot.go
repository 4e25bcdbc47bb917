package audit

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotStore captures and restores the BIND config tree. It is the C3
// BIND Controller's single dependency for rollback: Snapshot is called
// before every staged swap, Restore when a reload/restart fails.
type SnapshotStore struct {
	pool       *pgxpool.Pool
	backupsDir string
	logger     *slog.Logger
}

// NewSnapshotStore creates a SnapshotStore. backupsDir is the directory
// where tarballs live (BIND_BACKUPS_DIR, /etc/bind/backups by default,
// which is inside the BIND config tree).
func NewSnapshotStore(pool *pgxpool.Pool, backupsDir string, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{pool: pool, backupsDir: backupsDir, logger: logger}
}

// Snapshot tars and gzips configDir, names the archive by its content hash
// (ConfigSnapshot.id per spec §3), and records a pointer row. An identical
// tree produces the same id and is not re-written to disk or re-inserted.
//
// rendererHash ties the snapshot to the deploy that triggered it: it's the
// content hash of the new Files the controller is about to swap in, so a
// reviewer can tell "this is what the tree looked like right before we
// deployed render X" without cross-referencing the audit log.
func (s *SnapshotStore) Snapshot(ctx context.Context, configDir, reason, rendererHash string) (string, error) {
	id, size, err := s.snapshotNoDB(configDir)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.backupsDir, id+".tar.gz")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO config_snapshots (id, ts, source_action, path, size_bytes, renderer_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		id, time.Now(), reason, path, size, rendererHash)
	if err != nil {
		s.logger.Error("recording config snapshot metadata", "error", err, "id", id)
	}
	return id, nil
}

// snapshotNoDB does the archiving/hashing/placement work without touching
// the database, so it can be exercised directly in tests that have no
// Postgres connection available.
func (s *SnapshotStore) snapshotNoDB(configDir string) (id string, size int64, err error) {
	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating backups dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.backupsDir, ".snapshot-*.tar.gz")
	if err != nil {
		return "", 0, fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // removed after the final rename below, no-op if already gone

	hasher := sha256.New()
	size, err = writeTarGz(io.MultiWriter(tmp, hasher), configDir)
	closeErr := tmp.Close()
	if err != nil {
		return "", 0, fmt.Errorf("archiving %s: %w", configDir, err)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("closing snapshot file: %w", closeErr)
	}

	id = hex.EncodeToString(hasher.Sum(nil))
	dst := filepath.Join(s.backupsDir, id+".tar.gz")

	if _, err := os.Stat(dst); err == nil {
		// Identical tree already snapshotted; drop the redundant copy.
		return id, size, nil
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("finalizing snapshot archive: %w", err)
	}
	return id, size, nil
}

// Restore replays a previously taken snapshot back over configDir. It
// extracts into a staging directory on the same filesystem, then swaps the
// staging directory into place with the same rename-aside/rename-in
// sequence the BIND controller uses for a normal deploy, so there is never
// a window where configDir is half-written.
func (s *SnapshotStore) Restore(ctx context.Context, snapshotID, configDir string) error {
	archivePath := filepath.Join(s.backupsDir, snapshotID+".tar.gz")

	parent := filepath.Dir(configDir)
	staging, err := os.MkdirTemp(parent, ".dnsctld-restore-")
	if err != nil {
		return fmt.Errorf("creating restore staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractTarGz(archivePath, staging); err != nil {
		return fmt.Errorf("extracting snapshot %s: %w", snapshotID, err)
	}

	prev := configDir + ".prev-restore"
	os.RemoveAll(prev)
	if _, err := os.Stat(configDir); err == nil {
		if err := os.Rename(configDir, prev); err != nil {
			return fmt.Errorf("renaming live tree aside: %w", err)
		}
	}
	if err := os.Rename(staging, configDir); err != nil {
		if _, statErr := os.Stat(prev); statErr == nil {
			os.Rename(prev, configDir)
		}
		return fmt.Errorf("renaming restored tree into place: %w", err)
	}
	os.RemoveAll(prev)
	return nil
}

func writeTarGz(w io.Writer, root string) (int64, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var total int64
	if _, err := os.Stat(root); os.IsNotExist(err) {
		// Nothing to snapshot yet (first deploy on a fresh host); an empty
		// archive is a valid, restorable snapshot of "no config tree".
	} else {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := io.Copy(tw, f)
			total += n
			return err
		})
		if err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
