// Package odoosh is a small client for the Odoo.sh project API, used to snapshot
// and restore Odoo.sh hosted branches. Requests carry the project's API token as
// an OAuth2 bearer token.
package odoosh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrUnauthorized = errors.New("odoo.sh rejected the API token")
	ErrNotFound     = errors.New("odoo.sh resource not found")
	ErrBackupFailed = errors.New("odoo.sh backup failed")
)

// Backup states reported by Odoo.sh
const (
	BackupStatePending = "pending"
	BackupStateRunning = "running"
	BackupStateDone    = "done"
	BackupStateFailed  = "failed"
)

// APIError is an unexpected non-2xx answer
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("odoo.sh API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Backup is a branch snapshot held by Odoo.sh
type Backup struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Size        int64     `json:"size"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"create_date"`
}

// Client calls the Odoo.sh API
type Client struct {
	baseURL string
	base    *http.Client
	// PollInterval is the delay between backup status checks
	PollInterval time.Duration
}

// NewClient creates a client. base may be nil to use a client with the given timeout.
func NewClient(baseURL string, timeout time.Duration, base *http.Client) *Client {
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		base:         base,
		PollInterval: 5 * time.Second,
	}
}

func (c *Client) authorized(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

func (c *Client) backupsPath(project, branch string) string {
	return fmt.Sprintf("%s/projects/%s/branches/%s/backups", c.baseURL, url.PathEscape(project), url.PathEscape(branch))
}

// CreateBackup asks Odoo.sh for a new snapshot of the branch
func (c *Client) CreateBackup(ctx context.Context, token, project, branch string) (*Backup, error) {
	var b Backup
	if err := c.do(ctx, token, http.MethodPost, c.backupsPath(project, branch), map[string]string{"mode": "manual"}, &b); err != nil {
		return nil, fmt.Errorf("failed to create odoo.sh backup: %w", err)
	}
	return &b, nil
}

// GetBackup fetches the current state of a snapshot
func (c *Client) GetBackup(ctx context.Context, token, project, branch, id string) (*Backup, error) {
	var b Backup
	if err := c.do(ctx, token, http.MethodGet, c.backupsPath(project, branch)+"/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, fmt.Errorf("failed to get odoo.sh backup %s: %w", id, err)
	}
	return &b, nil
}

// WaitForBackup polls until the snapshot is done or failed, or ctx ends
func (c *Client) WaitForBackup(ctx context.Context, token, project, branch, id string) (*Backup, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		b, err := c.GetBackup(ctx, token, project, branch, id)
		if err != nil {
			return nil, err
		}
		switch b.State {
		case BackupStateDone:
			return b, nil
		case BackupStateFailed:
			return b, fmt.Errorf("backup %s: %w", id, ErrBackupFailed)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RestoreBackup restores the branch from a snapshot
func (c *Client) RestoreBackup(ctx context.Context, token, project, branch, id string) error {
	endpoint := c.backupsPath(project, branch) + "/" + url.PathEscape(id) + "/restore"
	if err := c.do(ctx, token, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to restore odoo.sh backup %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, token, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.authorized(ctx, token).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode odoo.sh response: %w", err)
	}
	return nil
}
