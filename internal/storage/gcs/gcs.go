// Package gcs stores backup artifacts in Google Cloud Storage. Credentials come from
// a service account key (file or inline JSON) or Application Default Credentials.
// Setting an endpoint targets an emulator and disables authentication.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appconfig "github.com/odoo-orchestrator/orchestrator/internal/config"
	appstorage "github.com/odoo-orchestrator/orchestrator/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements storage.Storage on a single bucket
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates a GCS backend
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// Put spools the dump so its SHA256 can be attached as metadata before upload
func (s *GCSStorage) Put(ctx context.Context, key string, r io.Reader) (*appstorage.Object, error) {
	sp, err := appstorage.NewSpool(r)
	if err != nil {
		return nil, err
	}
	defer sp.Close()

	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.ChunkSize = 16 << 20
	w.Metadata = map[string]string{"sha256": sp.Checksum}

	if _, err := io.Copy(w, sp.File); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize GCS upload: %w", err)
	}

	return &appstorage.Object{Key: key, Size: sp.Size, Checksum: sp.Checksum}, nil
}

// Open streams the object
func (s *GCSStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, appstorage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return r, nil
}

// Delete removes the object
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists fetches the object attributes
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.object(key).Attrs(ctx); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// SignedURL returns a V4 signed GET URL. The credentials in use must be able to
// sign (a service account key, or signBlob permission under ADC).
func (s *GCSStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, appstorage.ErrNotFound)
	}

	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return u, nil
}

func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
