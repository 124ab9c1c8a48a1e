package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestTakeAndRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workspace := writeWorkspace(t, map[string]string{
		"main.go":           "package main",
		"internal/x/api.go": "package x",
	})
	if _, err := s.Take(ctx, "task-1", "msg-1", workspace); err != nil {
		t.Fatalf("Take: %v", err)
	}

	// Mutate past the checkpoint.
	os.WriteFile(filepath.Join(workspace, "main.go"), []byte("package ruined"), 0o644)
	os.WriteFile(filepath.Join(workspace, "extra.go"), []byte("package extra"), 0o644)

	if err := s.Restore(ctx, "msg-1", workspace); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(workspace, "main.go"))
	if err != nil || string(raw) != "package main" {
		t.Errorf("main.go = %q, err %v", raw, err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "extra.go")); !os.IsNotExist(err) {
		t.Error("file created after the checkpoint survived restore")
	}
	if _, err := os.Stat(filepath.Join(workspace, "internal", "x", "api.go")); err != nil {
		t.Error("nested file missing after restore")
	}
}

func TestIdenticalTreesShareOneBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := writeWorkspace(t, map[string]string{"a.txt": "same"})
	second := writeWorkspace(t, map[string]string{"a.txt": "same"})

	d1, err := s.Take(ctx, "task-1", "msg-1", first)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Take(ctx, "task-2", "msg-2", second)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digests differ for identical trees: %s vs %s", d1, d2)
	}

	blobs, err := os.ReadDir(filepath.Join(s.root, blobDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 1 {
		t.Errorf("blob count = %d, want 1", len(blobs))
	}
}

func TestRestoreUnknownMessage(t *testing.T) {
	s := newTestStore(t)
	err := s.Restore(context.Background(), "never-seen", t.TempDir())
	if err != ErrNoCheckpoint {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}
}

func TestHasAndDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workspace := writeWorkspace(t, map[string]string{"a.txt": "x"})

	if _, err := s.Take(ctx, "task-1", "msg-1", workspace); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has(ctx, "msg-1"); !ok {
		t.Error("Has = false after Take")
	}
	if err := s.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has(ctx, "msg-1"); ok {
		t.Error("index row survived DeleteTask")
	}
}
