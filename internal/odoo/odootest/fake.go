// Package odootest provides an in-memory odoo.Transport for tests of code that
// drives an Odoo instance.
package odootest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
)

// Transport is an in-memory odoo.Transport. Records live per model; search
// domains support "=" and "in" conditions joined by implicit AND.
type Transport struct {
	mu sync.Mutex

	Version string
	UID     int64
	AuthErr error

	// Dump is returned by DumpDatabase; Restored captures RestoreDatabase input
	Dump     []byte
	Restored []byte

	Params  map[string]string
	Calls   []string
	// Aborted lists the calls refused because their context was done
	Aborted []string
	Closed  int
	records map[string][]odoo.Record
	nextID  int64
	fail    map[string]error
	// BeforeCall runs before every method with its name, under no lock
	BeforeCall func(method, model string)
}

var _ odoo.Transport = (*Transport)(nil)

// New returns an empty fake that authenticates as uid 2
func New() *Transport {
	return &Transport{
		Version: "17.0",
		UID:     2,
		Params:  make(map[string]string),
		records: make(map[string][]odoo.Record),
		nextID:  100,
		fail:    make(map[string]error),
	}
}

// Seed stores a record and returns its id
func (t *Transport) Seed(model string, rec odoo.Record) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(model, rec)
}

// SeedModel registers a model in ir.model
func (t *Transport) SeedModel(model string) int64 {
	return t.Seed("ir.model", odoo.Record{"model": model, "name": model})
}

// SeedModule registers a module with a state
func (t *Transport) SeedModule(name, state string) int64 {
	return t.Seed("ir.module.module", odoo.Record{"name": name, "state": state})
}

// FailOn makes method fail with err. An empty model matches every model.
func (t *Transport) FailOn(method, model string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[method+":"+model] = err
}

// Records returns a copy of the stored records of a model, ordered by id
func (t *Transport) Records(model string) []odoo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]odoo.Record, 0, len(t.records[model]))
	for _, r := range t.records[model] {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(int64) < out[j]["id"].(int64) })
	return out
}

// CallCount reports how many times method was invoked
func (t *Transport) CallCount(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.Calls {
		if c == method {
			n++
		}
	}
	return n
}

// enter records the call and, like a real transport, refuses to run once ctx
// is done
func (t *Transport) enter(ctx context.Context, method, model string) error {
	if t.BeforeCall != nil {
		t.BeforeCall(method, model)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, method)
	if err := ctx.Err(); err != nil {
		t.Aborted = append(t.Aborted, method)
		return err
	}
	if err, ok := t.fail[method+":"+model]; ok {
		return err
	}
	if err, ok := t.fail[method+":"]; ok {
		return err
	}
	return nil
}

func (t *Transport) insert(model string, rec odoo.Record) int64 {
	t.nextID++
	stored := copyRecord(rec)
	applyReplaceCommands(stored)
	stored["id"] = t.nextID
	t.records[model] = append(t.records[model], stored)
	return t.nextID
}

func (t *Transport) match(model string, domain odoo.Domain) []odoo.Record {
	var out []odoo.Record
	for _, rec := range t.records[model] {
		if matches(rec, domain) {
			out = append(out, rec)
		}
	}
	return out
}

func matches(rec odoo.Record, domain odoo.Domain) bool {
	for _, term := range domain {
		cond, ok := term.([]interface{})
		if !ok || len(cond) != 3 {
			continue
		}
		field, _ := cond[0].(string)
		op, _ := cond[1].(string)
		switch op {
		case "=":
			if fmt.Sprint(rec[field]) != fmt.Sprint(cond[2]) {
				return false
			}
		case "in":
			found := false
			if vals, ok := cond[2].([]interface{}); ok {
				for _, v := range vals {
					if fmt.Sprint(rec[field]) == fmt.Sprint(v) {
						found = true
					}
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// applyReplaceCommands stores x2many values given as a single (6, 0, ids)
// command as the plain id list read returns
func applyReplaceCommands(rec odoo.Record) {
	for k, v := range rec {
		list, ok := v.([]interface{})
		if !ok || len(list) != 1 {
			continue
		}
		cmd, ok := list[0].([]interface{})
		if !ok || len(cmd) != 3 || fmt.Sprint(cmd[0]) != "6" {
			continue
		}
		ids, _ := cmd[2].([]interface{})
		rec[k] = append([]interface{}(nil), ids...)
	}
}

func copyRecord(r odoo.Record) odoo.Record {
	out := make(odoo.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// odoo.Transport
// ---------------------------------------------------------------------------

func (t *Transport) Authenticate(ctx context.Context) (int64, error) {
	if err := t.enter(ctx, "Authenticate", ""); err != nil {
		return 0, err
	}
	if t.AuthErr != nil {
		return 0, t.AuthErr
	}
	return t.UID, nil
}

// ExecuteKw supports ir.config_parameter.set_param/get_param; other calls return true
func (t *Transport) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if err := t.enter(ctx, "ExecuteKw", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if model == "ir.config_parameter" && len(args) > 0 {
		key := fmt.Sprint(args[0])
		switch method {
		case "set_param":
			if len(args) > 1 {
				t.Params[key] = fmt.Sprint(args[1])
			}
			return true, nil
		case "get_param":
			return t.Params[key], nil
		}
	}
	return true, nil
}

func (t *Transport) Create(ctx context.Context, model string, values map[string]interface{}) (int64, error) {
	if err := t.enter(ctx, "Create", model); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(model, values), nil
}

func (t *Transport) Read(ctx context.Context, model string, ids []int64, fields []string) ([]odoo.Record, error) {
	if err := t.enter(ctx, "Read", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []odoo.Record
	for _, rec := range t.records[model] {
		if want[rec["id"].(int64)] {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (t *Transport) Search(ctx context.Context, model string, domain odoo.Domain, opts *odoo.SearchOptions) ([]int64, error) {
	if err := t.enter(ctx, "Search", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int64
	for _, rec := range t.match(model, domain) {
		ids = append(ids, rec["id"].(int64))
		if opts != nil && opts.Limit > 0 && len(ids) == opts.Limit {
			break
		}
	}
	return ids, nil
}

func (t *Transport) SearchRead(ctx context.Context, model string, domain odoo.Domain, fields []string, opts *odoo.SearchOptions) ([]odoo.Record, error) {
	if err := t.enter(ctx, "SearchRead", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []odoo.Record
	for _, rec := range t.match(model, domain) {
		out = append(out, copyRecord(rec))
		if opts != nil && opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (t *Transport) SearchCount(ctx context.Context, model string, domain odoo.Domain) (int64, error) {
	if err := t.enter(ctx, "SearchCount", model); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.match(model, domain))), nil
}

func (t *Transport) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error) {
	if err := t.enter(ctx, "Write", model); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.write(model, ids, values)
	return true, nil
}

func (t *Transport) write(model string, ids []int64, values map[string]interface{}) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, rec := range t.records[model] {
		if want[rec["id"].(int64)] {
			for k, v := range values {
				rec[k] = v
			}
			applyReplaceCommands(rec)
		}
	}
}

func (t *Transport) Unlink(ctx context.Context, model string, ids []int64) (bool, error) {
	if err := t.enter(ctx, "Unlink", model); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := t.records[model][:0]
	for _, rec := range t.records[model] {
		if !drop[rec["id"].(int64)] {
			kept = append(kept, rec)
		}
	}
	t.records[model] = kept
	return true, nil
}

func (t *Transport) FieldsGet(ctx context.Context, model string, attributes []string) (map[string]odoo.Record, error) {
	if err := t.enter(ctx, "FieldsGet", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]odoo.Record)
	for _, rec := range t.records["ir.model.fields"] {
		if fmt.Sprint(rec["model"]) == model {
			out[fmt.Sprint(rec["name"])] = odoo.Record{"type": rec["ttype"], "string": rec["field_description"]}
		}
	}
	return out, nil
}

func (t *Transport) BatchCreate(ctx context.Context, model string, records []map[string]interface{}) ([]int64, error) {
	if err := t.enter(ctx, "BatchCreate", model); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, t.insert(model, rec))
	}
	return ids, nil
}

func (t *Transport) BatchWrite(ctx context.Context, model string, ops []odoo.WriteOp) error {
	if err := t.enter(ctx, "BatchWrite", model); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range ops {
		t.write(model, op.IDs, op.Values)
	}
	return nil
}

// InstallModule flips a known module to installed
func (t *Transport) InstallModule(ctx context.Context, technicalName string) error {
	if err := t.enter(ctx, "InstallModule", technicalName); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records["ir.module.module"] {
		if rec["name"] == technicalName {
			rec["state"] = odoo.ModuleStateInstalled
			return nil
		}
	}
	return fmt.Errorf("%s: %w", technicalName, odoo.ErrModuleNotFound)
}

func (t *Transport) ModuleState(ctx context.Context, technicalName string) (string, error) {
	if err := t.enter(ctx, "ModuleState", technicalName); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records["ir.module.module"] {
		if rec["name"] == technicalName {
			state, _ := rec["state"].(string)
			return state, nil
		}
	}
	return "", nil
}

func (t *Transport) ModelExists(ctx context.Context, model string) (bool, error) {
	if err := t.enter(ctx, "ModelExists", model); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.match("ir.model", odoo.Domain{odoo.Cond("model", "=", model)})) > 0, nil
}

func (t *Transport) ServerVersion(ctx context.Context) (*odoo.VersionInfo, error) {
	if err := t.enter(ctx, "ServerVersion", ""); err != nil {
		return nil, err
	}
	return &odoo.VersionInfo{ServerVersion: t.Version, ServerSerie: t.Version, ProtocolVersion: 1}, nil
}

func (t *Transport) DumpDatabase(ctx context.Context, masterPassword, format string) (io.ReadCloser, error) {
	if err := t.enter(ctx, "DumpDatabase", ""); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(t.Dump)), nil
}

func (t *Transport) RestoreDatabase(ctx context.Context, masterPassword string, data []byte) error {
	if err := t.enter(ctx, "RestoreDatabase", ""); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Restored = append([]byte(nil), data...)
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed++
}
