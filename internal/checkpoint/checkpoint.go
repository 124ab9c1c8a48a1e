// Package checkpoint stores content-addressed workspace snapshots. A
// snapshot is taken before a turn runs, keyed by the incoming user message,
// and restored when the user edits that message, so the workspace rewinds to
// the state the edited turn originally saw. Blobs are gzip tarballs named by
// their SHA-256; the message-id index lives in an embedded SQLite database.
package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoCheckpoint is returned when a message has no snapshot.
var ErrNoCheckpoint = errors.New("no checkpoint for message")

const blobDir = "blobs"

// Store persists and restores workspace checkpoints.
type Store struct {
	root   string
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the checkpoint store under root.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default().With("component", "checkpoint")
	}
	if err := os.MkdirAll(filepath.Join(root, blobDir), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(root, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			message_id TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			digest     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint index: %w", err)
	}
	return &Store{root: root, db: db, logger: logger}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, blobDir, digest+".tar.gz")
}

// Take snapshots the workspace and binds it to messageID. Identical trees
// share one blob.
func (s *Store) Take(ctx context.Context, taskID, messageID, workspace string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, blobDir), "incoming-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	if err := writeTarball(ctx, io.MultiWriter(tmp, hasher), workspace); err != nil {
		return "", fmt.Errorf("snapshot workspace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	final := s.blobPath(digest)
	if _, err := os.Stat(final); err != nil {
		if err := os.Rename(tmp.Name(), final); err != nil {
			return "", fmt.Errorf("store blob: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (message_id, task_id, digest, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET digest = excluded.digest, created_at = excluded.created_at`,
		messageID, taskID, digest, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("index checkpoint: %w", err)
	}
	s.logger.Info("took checkpoint", "task_id", taskID, "message_id", messageID, "digest", digest[:12])
	return digest, nil
}

// Has reports whether a snapshot exists for the message.
func (s *Store) Has(ctx context.Context, messageID string) (bool, error) {
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM checkpoints WHERE message_id = ?`, messageID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Restore rewinds the workspace to the snapshot bound to messageID. The
// workspace contents are replaced wholesale.
func (s *Store) Restore(ctx context.Context, messageID, workspace string) error {
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM checkpoints WHERE message_id = ?`, messageID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoCheckpoint
	}
	if err != nil {
		return fmt.Errorf("look up checkpoint: %w", err)
	}

	blob, err := os.Open(s.blobPath(digest))
	if err != nil {
		return fmt.Errorf("open blob %s: %w", digest[:12], err)
	}
	defer blob.Close()

	if err := clearDir(workspace); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	if err := extractTarball(ctx, blob, workspace); err != nil {
		return fmt.Errorf("restore workspace: %w", err)
	}
	s.logger.Info("restored checkpoint", "message_id", messageID, "digest", digest[:12])
	return nil
}

// DeleteTask drops index rows for a task. Blobs stay; they may back other
// messages and are cheap to keep.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	return err
}

func writeTarball(ctx context.Context, w io.Writer, root string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks and other irregular files are skipped; workspaces are
		// plain clones.
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		// Fixed timestamps keep identical trees content-identical.
		header.ModTime = time.Unix(0, 0)
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func extractTarball(ctx context.Context, r io.Reader, root string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(header.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("tar entry %q escapes the workspace", header.Name)
		}
		target := filepath.Join(root, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
		}
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
