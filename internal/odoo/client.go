// Package odoo is an XML-RPC client for the Odoo external API.
//
// A Client is bound to one database and one set of credentials. It authenticates
// lazily, caches the returned uid and reuses it for every object call until Close.
// Every HTTP round-trip gets its own deadline and transient failures are retried
// with exponential backoff; credential problems and server faults are returned
// immediately.
package odoo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

const (
	serviceCommon = "common"
	serviceObject = "object"
	serviceDB     = "db"

	defaultTimeout          = 10 * time.Second
	defaultBatchConcurrency = 8
)

// Config describes how to reach one Odoo database
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	// Timeout bounds a single round-trip; defaults to 10s
	Timeout time.Duration
	// DumpTimeout bounds db.dump and db.restore; defaults to Timeout
	DumpTimeout      time.Duration
	Retry            RetryConfig
	BatchConcurrency int
	HTTPClient       *http.Client
}

// Client talks to one Odoo database over XML-RPC. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string

	mu  sync.Mutex
	uid int64
}

// NewClient creates a client; no network traffic happens until the first call
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = cfg.Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
	}
}

// Database returns the database name the client is bound to
func (c *Client) Database() string {
	return c.cfg.Database
}

// Authenticate logs in with the configured credentials and caches the uid.
// A cached uid is returned without a round-trip.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid > 0 {
		return c.uid, nil
	}

	var result interface{}
	err := c.call(ctx, serviceCommon, "authenticate", "authenticate", c.cfg.Timeout, &result,
		c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]interface{}{})
	if err != nil {
		return 0, err
	}

	uid, ok := asInt64(result)
	if !ok || uid <= 0 {
		return 0, &AuthenticationError{
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Reason:   "credentials rejected",
		}
	}
	c.uid = uid
	return uid, nil
}

// ExecuteKw calls model.method through object.execute_kw, authenticating first
// when no uid is cached.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	uid, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	var result interface{}
	err = c.call(ctx, serviceObject, "execute_kw", method, c.cfg.Timeout, &result,
		c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", model, method, err)
	}
	return result, nil
}

// VersionInfo is the payload of common.version
type VersionInfo struct {
	ServerVersion   string
	ServerSerie     string
	ProtocolVersion int64
}

// ServerVersion queries common.version, which needs no authentication
func (c *Client) ServerVersion(ctx context.Context) (*VersionInfo, error) {
	var raw interface{}
	if err := c.call(ctx, serviceCommon, "version", "version", c.cfg.Timeout, &raw); err != nil {
		return nil, err
	}
	result, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected common.version payload %T", raw)
	}
	info := &VersionInfo{}
	info.ServerVersion, _ = result["server_version"].(string)
	info.ServerSerie, _ = result["server_serie"].(string)
	info.ProtocolVersion, _ = asInt64(result["protocol_version"])
	return info, nil
}

// Close forgets the cached uid
func (c *Client) Close() {
	c.mu.Lock()
	c.uid = 0
	c.mu.Unlock()
}

// call performs one logical XML-RPC call with retries. label names the call in
// metrics; for execute_kw it is the Odoo method rather than "execute_kw".
func (c *Client) call(ctx context.Context, service, method, label string, timeout time.Duration, result interface{}, args ...interface{}) error {
	return c.cfg.Retry.retry(ctx, service, label, func() error {
		return c.roundTrip(ctx, service, method, label, timeout, result, args)
	})
}

// roundTrip performs exactly one HTTP exchange under its own deadline
func (c *Client) roundTrip(ctx context.Context, service, method, label string, timeout time.Duration, result interface{}, args []interface{}) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.OdooRPCCallsTotal.WithLabelValues(service, label, outcome).Inc()
		telemetry.OdooRPCDuration.WithLabelValues(service, label).Observe(time.Since(start).Seconds())
	}()

	x, outcome, err := c.send(ctx, service, method, label, timeout, args)
	if err != nil {
		return err
	}
	defer x.close()

	raw, err := io.ReadAll(x.resp.Body)
	if err != nil {
		if x.timedOut(ctx) {
			outcome = "timeout"
			return &TimeoutError{Service: service, Method: label, Timeout: timeout}
		}
		outcome = "transport"
		return fmt.Errorf("failed to read %s.%s response: %w", service, label, err)
	}

	response := xmlrpc.Response(raw)
	if ferr := response.Err(); ferr != nil {
		outcome, err = c.fault(service, label, ferr)
		return err
	}

	if result != nil {
		if err := response.Unmarshal(result); err != nil {
			outcome = "transport"
			return fmt.Errorf("failed to decode %s.%s response: %w", service, label, err)
		}
	}
	return nil
}

// exchange is an HTTP response whose body is still open. The call deadline
// stays armed until close.
type exchange struct {
	resp    *http.Response
	callCtx context.Context
	cancel  context.CancelFunc
}

func (x *exchange) close() {
	x.resp.Body.Close()
	x.cancel()
}

// timedOut reports whether the call deadline, not the caller, ended the exchange
func (x *exchange) timedOut(parent context.Context) bool {
	return parent.Err() == nil && errors.Is(x.callCtx.Err(), context.DeadlineExceeded)
}

// send posts one XML-RPC request and returns the open 200 response. On error
// the returned outcome labels the failure for metrics.
func (c *Client) send(ctx context.Context, service, method, label string, timeout time.Duration, args []interface{}) (*exchange, string, error) {
	body, err := xmlrpc.EncodeMethodCall(method, args...)
	if err != nil {
		return nil, "transport", fmt.Errorf("failed to encode %s.%s: %w", service, method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/xmlrpc/2/"+service, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, "transport", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		timedOut := ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if timedOut {
			return nil, "timeout", &TimeoutError{Service: service, Method: label, Timeout: timeout}
		}
		return nil, "transport", fmt.Errorf("odoo %s.%s: %w", service, label, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, "transport", &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return &exchange{resp: resp, callCtx: callCtx, cancel: cancel}, "ok", nil
}

// fault maps an XML-RPC fault to the package's error types
func (c *Client) fault(service, label string, ferr error) (string, error) {
	var fault xmlrpc.FaultError
	if !errors.As(ferr, &fault) {
		return "transport", fmt.Errorf("failed to decode %s.%s fault: %w", service, label, ferr)
	}
	if isAuthFailure(fault.String) {
		return "auth", &AuthenticationError{Database: c.cfg.Database, Username: c.cfg.Username, Reason: firstLine(fault.String)}
	}
	return "fault", &FaultError{Code: fault.Code, Message: fault.String, Method: label}
}
