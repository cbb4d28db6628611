package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	appconfig "github.com/odoo-orchestrator/orchestrator/internal/config"
	appstorage "github.com/odoo-orchestrator/orchestrator/internal/storage"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no GCS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.GCSStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_InvalidCredentialsJSON(t *testing.T) {
	_, err := New(&appconfig.GCSStorageConfig{Bucket: "dumps", CredentialsJSON: "{not json"})
	if err == nil {
		t.Error("New() = nil error, want error for malformed credentials JSON")
	}
}

// ---------------------------------------------------------------------------
// Metadata calls against a JSON API stub
// ---------------------------------------------------------------------------

func newEmulatedStorage(t *testing.T) *GCSStorage {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/b/dumps/o/present.zip") && r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"bucket":  "dumps",
				"name":    "present.zip",
				"size":    "3",
				"updated": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 404, "message": "No such object"},
		})
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.GCSStorageConfig{Bucket: "dumps", Endpoint: srv.URL + "/storage/v1/"})
	if err != nil {
		t.Fatalf("New() with emulator endpoint: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExists(t *testing.T) {
	s := newEmulatedStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "present.zip")
	if err != nil || !ok {
		t.Errorf("Exists(present) = %v, %v; want true", ok, err)
	}
	ok, err = s.Exists(ctx, "absent.zip")
	if err != nil || ok {
		t.Errorf("Exists(absent) = %v, %v; want false", ok, err)
	}
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	s := newEmulatedStorage(t)
	if err := s.Delete(context.Background(), "absent.zip"); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}
}

func TestSignedURL_Missing(t *testing.T) {
	s := newEmulatedStorage(t)
	_, err := s.SignedURL(context.Background(), "absent.zip", time.Minute)
	if !errors.Is(err, appstorage.ErrNotFound) {
		t.Errorf("SignedURL() error = %v, want ErrNotFound", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&googleapi.Error{Code: 404}) {
		t.Error("isNotFound(404) = false")
	}
	if isNotFound(&googleapi.Error{Code: 500}) {
		t.Error("isNotFound(500) = true")
	}
}
