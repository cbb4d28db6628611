package odoo

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrModuleNotFound is returned by InstallModule when the module is not in the
// target instance's module list.
var ErrModuleNotFound = errors.New("module not available on instance")

// AuthenticationError means the remote rejected the credentials. It is never retried.
type AuthenticationError struct {
	Database string
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("authentication failed for %s on %s", e.Username, e.Database)
	}
	return fmt.Sprintf("authentication failed for %s on %s: %s", e.Username, e.Database, e.Reason)
}

// TimeoutError means a single round-trip exceeded its deadline
type TimeoutError struct {
	Service string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("odoo %s.%s timed out after %s", e.Service, e.Method, e.Timeout)
}

// FaultError is an XML-RPC fault raised by the Odoo server
type FaultError struct {
	Code    int
	Message string
	Method  string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("odoo fault in %s (code %d): %s", e.Method, e.Code, firstLine(e.Message))
}

// HTTPError is a non-200 response from the XML-RPC endpoint
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("odoo endpoint returned HTTP %s", e.Status)
}

// WriteFailure describes one write call of a batch that did not return true
type WriteFailure struct {
	IDs []int64
	Err error
}

// BatchWriteError reports a partially applied BatchWrite. Callers that need to
// know the final state must read the records back.
type BatchWriteError struct {
	Model    string
	Total    int
	Failures []WriteFailure
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("batch write on %s: %d of %d writes failed (ids %v)", e.Model, len(e.Failures), e.Total, e.FailedIDs())
}

// FailedIDs flattens the record ids of every failed write
func (e *BatchWriteError) FailedIDs() []int64 {
	var ids []int64
	for _, f := range e.Failures {
		ids = append(ids, f.IDs...)
	}
	return ids
}

// authMarkers are fault texts Odoo uses for rejected credentials or revoked access
var authMarkers = []string{"access denied", "accessdenied", "authentication", "invalid password", "wrong login"}

// isAuthFailure reports whether text describes a credential problem
func isAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
