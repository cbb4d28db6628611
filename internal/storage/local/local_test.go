package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal("New:", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_CreatesDirectory(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "a", "b")
	if _, err := New(&config.LocalStorageConfig{BasePath: sub}); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(sub); err != nil {
		t.Errorf("New() did not create base directory: %v", err)
	}
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New(&config.LocalStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for empty base path")
	}
}

// ---------------------------------------------------------------------------
// Put / Open / Delete
// ---------------------------------------------------------------------------

func TestPutOpenDelete(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	key := "backups/inst-1/20260101T000000Z-bk.zip"

	obj, err := s.Put(ctx, key, strings.NewReader("dump-bytes"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != 10 {
		t.Errorf("Size = %d, want 10", obj.Size)
	}
	if len(obj.Checksum) != 64 {
		t.Errorf("Checksum len = %d, want 64", len(obj.Checksum))
	}

	rc, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "dump-bytes" {
		t.Errorf("Open() content = %q", got)
	}

	entries, _ := os.ReadDir(filepath.Join(s.basePath, "backups", "inst-1"))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the artifact (no partial files)", len(entries))
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, key); ok {
		t.Error("Exists() = true after Delete")
	}
	if _, err := os.Stat(filepath.Join(s.basePath, "backups")); !os.IsNotExist(err) {
		t.Error("Delete() left empty parent directories behind")
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of missing key error: %v", err)
	}
}

func TestOpen_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Open(context.Background(), "missing.zip")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestPut_RejectsTraversal(t *testing.T) {
	s := newTestStorage(t)
	for _, key := range []string{"../escape.zip", "a/../../escape.zip", ""} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) = nil error, want rejection", key)
		}
	}
}

func TestSignedURL(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.SignedURL(ctx, "nope.zip", 0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SignedURL() missing key error = %v, want ErrNotFound", err)
	}

	if _, err := s.Put(ctx, "a.zip", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	u, err := s.SignedURL(ctx, "a.zip", 0)
	if err != nil {
		t.Fatalf("SignedURL() error: %v", err)
	}
	if !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/a.zip") {
		t.Errorf("SignedURL() = %q", u)
	}
}
