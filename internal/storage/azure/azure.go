// Package azure stores backup artifacts in Azure Blob Storage. Download links are
// short-lived read-only SAS URLs signed with the account key.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
)

// dumps above this size go up as staged blocks
const singlePutLimit = 256 << 20

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements storage.Storage on one container
type AzureStorage struct {
	client        *azblob.Client
	credential    *azblob.SharedKeyCredential
	containerName string
	serviceURL    string
}

// New creates an Azure Blob backend authenticated with a shared key
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		credential:    credential,
		containerName: cfg.ContainerName,
		serviceURL:    serviceURL,
	}, nil
}

func (s *AzureStorage) blockBlob(key string) *blockblob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
}

// Put spools the dump, then uploads it with its SHA256 as blob metadata
func (s *AzureStorage) Put(ctx context.Context, key string, r io.Reader) (*storage.Object, error) {
	sp, err := storage.NewSpool(r)
	if err != nil {
		return nil, err
	}
	defer sp.Close()

	checksum := sp.Checksum
	meta := map[string]*string{"sha256": &checksum}
	bb := s.blockBlob(key)

	if sp.Size <= singlePutLimit {
		_, err = bb.Upload(ctx, streaming.NopCloser(sp.File), &blockblob.UploadOptions{Metadata: meta})
	} else {
		_, err = bb.UploadFile(ctx, sp.File, &blockblob.UploadFileOptions{Metadata: meta})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.Object{Key: key, Size: sp.Size, Checksum: checksum}, nil
}

// Open streams the blob
func (s *AzureStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blockBlob(key).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes the blob
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.blockBlob(key).Delete(ctx, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// Exists reads the blob properties
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blockBlob(key).GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob: %w", err)
	}
	return true, nil
}

// SignedURL returns a read-only HTTPS SAS URL
func (s *AzureStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      key,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	return fmt.Sprintf("%s%s/%s?%s", s.serviceURL, s.containerName, url.PathEscape(key), params.Encode()), nil
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}
