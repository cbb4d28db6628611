package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "dumps"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "dumps", Region: "us-east-1", AuthMethod: "static"}},
		{"assume role without arn", appconfig.S3StorageConfig{Bucket: "dumps", Region: "us-east-1", AuthMethod: "assume_role"}},
		{"unknown auth", appconfig.S3StorageConfig{Bucket: "dumps", Region: "us-east-1", AuthMethod: "kerberos"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want validation error")
			}
		})
	}
}

func TestNew_AssumeRole(t *testing.T) {
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:     "dumps",
		Region:     "eu-west-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/backups",
		ExternalID: "ext",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.bucket != "dumps" {
		t.Errorf("bucket = %q", s.bucket)
	}
}

// ---------------------------------------------------------------------------
// Operations against a minimal path-style S3 server
// ---------------------------------------------------------------------------

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]string
}

func newFakeS3Storage(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	fs := &fakeS3{objects: map[string][]byte{}, meta: map[string]string{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"), "dumps/")
		fs.mu.Lock()
		defer fs.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			fs.objects[key] = data
			fs.meta[key] = r.Header.Get("X-Amz-Meta-Sha256")
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet, http.MethodHead:
			data, ok := fs.objects[key]
			if !ok {
				if r.Method == http.MethodHead {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				w.Write(data)
			}
		case http.MethodDelete:
			delete(fs.objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "dumps",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for fake S3: %v", err)
	}
	return s, fs
}

func TestS3_PutOpenDelete(t *testing.T) {
	s, fs := newFakeS3Storage(t)
	ctx := context.Background()
	data := []byte("pg_dump contents")

	obj, err := s.Put(ctx, "backups/i/a.zip", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", obj.Size, len(data))
	}
	if got := fs.meta["backups/i/a.zip"]; got != obj.Checksum {
		t.Errorf("stored sha256 metadata = %q, want %q", got, obj.Checksum)
	}

	rc, err := s.Open(ctx, "backups/i/a.zip")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Open() content = %q", got)
	}

	if ok, err := s.Exists(ctx, "backups/i/a.zip"); err != nil || !ok {
		t.Errorf("Exists() = %v, %v; want true", ok, err)
	}
	if err := s.Delete(ctx, "backups/i/a.zip"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, err := s.Exists(ctx, "backups/i/a.zip"); err != nil || ok {
		t.Errorf("Exists() after delete = %v, %v; want false", ok, err)
	}
}

func TestS3_OpenMissing(t *testing.T) {
	s, _ := newFakeS3Storage(t)
	_, err := s.Open(context.Background(), "nope.zip")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestS3_SignedURL(t *testing.T) {
	s, _ := newFakeS3Storage(t)
	ctx := context.Background()

	if _, err := s.SignedURL(ctx, "nope.zip", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SignedURL() missing error = %v, want ErrNotFound", err)
	}

	if _, err := s.Put(ctx, "a.zip", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	u, err := s.SignedURL(ctx, "a.zip", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL() error: %v", err)
	}
	if !strings.Contains(u, "X-Amz-Signature=") || !strings.Contains(u, "/dumps/a.zip") {
		t.Errorf("SignedURL() = %q, want presigned path-style URL", u)
	}
}
