package odoo

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	methodNameRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)
	stringArgRx  = regexp.MustCompile(`<string>([^<]*)</string>`)
)

// rpcCall is one decoded request seen by the fake server
type rpcCall struct {
	Service string
	Method  string // Odoo method for execute_kw, XML-RPC method otherwise
	Model   string
	Body    string
}

// fakeOdoo is an httptest XML-RPC endpoint. handler returns an HTTP status and
// an XML body; a zero status means 200.
type fakeOdoo struct {
	server  *httptest.Server
	mu      sync.Mutex
	hmu     sync.Mutex // serialises handler invocations
	calls   []rpcCall
	handler func(c rpcCall) (int, string)
}

func newFakeOdoo(t *testing.T, handler func(c rpcCall) (int, string)) *fakeOdoo {
	t.Helper()
	f := &fakeOdoo{handler: handler}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOdoo) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)
	call := rpcCall{Service: strings.TrimPrefix(r.URL.Path, "/xmlrpc/2/"), Body: body}
	if m := methodNameRx.FindStringSubmatch(body); m != nil {
		call.Method = m[1]
	}
	if call.Method == "execute_kw" {
		// strings in order: db, password, model, method
		if s := stringArgRx.FindAllStringSubmatch(body, 4); len(s) == 4 {
			call.Model, call.Method = s[2][1], s[3][1]
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	f.hmu.Lock()
	status, resp := f.handler(call)
	f.hmu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}

func (f *fakeOdoo) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeOdoo) client(cfg Config) *Client {
	cfg.URL = f.server.URL
	if cfg.Database == "" {
		cfg.Database = "acme"
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "secret"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	}
	return NewClient(cfg)
}

// ---------------------------------------------------------------------------
// XML builders
// ---------------------------------------------------------------------------

func xmlResponse(value string) string {
	return `<?xml version="1.0"?><methodResponse><params><param><value>` + value +
		`</value></param></params></methodResponse>`
}

func xmlFault(code int, msg string) string {
	return fmt.Sprintf(`<?xml version="1.0"?><methodResponse><fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault></methodResponse>`, code, msg)
}

func xmlInt(n int64) string     { return fmt.Sprintf("<int>%d</int>", n) }
func xmlString(s string) string { return "<string>" + s + "</string>" }

func xmlBool(b bool) string {
	if b {
		return "<boolean>1</boolean>"
	}
	return "<boolean>0</boolean>"
}

func xmlArray(values ...string) string {
	var sb strings.Builder
	sb.WriteString("<array><data>")
	for _, v := range values {
		sb.WriteString("<value>" + v + "</value>")
	}
	sb.WriteString("</data></array>")
	return sb.String()
}

func xmlStruct(kv ...string) string {
	var sb strings.Builder
	sb.WriteString("<struct>")
	for i := 0; i+1 < len(kv); i += 2 {
		sb.WriteString("<member><name>" + kv[i] + "</name><value>" + kv[i+1] + "</value></member>")
	}
	sb.WriteString("</struct>")
	return sb.String()
}

// authOK answers common.authenticate with uid 7
func authOK(c rpcCall) (int, string, bool) {
	if c.Method == "authenticate" {
		return 0, xmlResponse(xmlInt(7)), true
	}
	return 0, "", false
}
