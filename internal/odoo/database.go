package odoo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// Dump formats accepted by db.dump
const (
	DumpFormatZip  = "zip"
	DumpFormatDump = "dump"
)

// DumpDatabase streams a backup of the bound database through the db service.
// The base64 payload is decoded as it arrives; the caller must Close the
// reader, and DumpTimeout bounds the whole transfer. Requires the server master
// password.
func (c *Client) DumpDatabase(ctx context.Context, masterPassword, format string) (io.ReadCloser, error) {
	if format == "" {
		format = DumpFormatZip
	}
	var dump io.ReadCloser
	err := c.cfg.Retry.retry(ctx, serviceDB, "dump", func() error {
		var err error
		dump, err = c.openDump(ctx, masterPassword, format)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dump database %s: %w", c.cfg.Database, err)
	}
	return dump, nil
}

// maxDumpPrelude bounds the XML read before the payload starts or a fault is found
const maxDumpPrelude = 64 << 10

func (c *Client) openDump(ctx context.Context, masterPassword, format string) (_ io.ReadCloser, err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.OdooRPCCallsTotal.WithLabelValues(serviceDB, "dump", outcome).Inc()
		telemetry.OdooRPCDuration.WithLabelValues(serviceDB, "dump").Observe(time.Since(start).Seconds())
	}()

	x, outcome, err := c.send(ctx, serviceDB, "dump", "dump", c.cfg.DumpTimeout, []interface{}{masterPassword, c.cfg.Database, format})
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(x.resp.Body, 32<<10)
	var prelude bytes.Buffer
	for {
		chunk, err := br.ReadString('>')
		prelude.WriteString(chunk)
		if err != nil {
			x.close()
			if x.timedOut(ctx) {
				outcome = "timeout"
				return nil, &TimeoutError{Service: serviceDB, Method: "dump", Timeout: c.cfg.DumpTimeout}
			}
			outcome = "transport"
			return nil, fmt.Errorf("failed to read db.dump response: %w", err)
		}
		switch {
		case strings.HasSuffix(chunk, "<fault>"):
			rest, _ := io.ReadAll(io.LimitReader(br, maxDumpPrelude))
			x.close()
			prelude.Write(rest)
			ferr := xmlrpc.Response(prelude.Bytes()).Err()
			if ferr == nil {
				ferr = errors.New("malformed fault")
			}
			outcome, err = c.fault(serviceDB, "dump", ferr)
			return nil, err
		case strings.HasSuffix(chunk, "<string>"):
			return newDumpReader(x, br), nil
		case strings.HasSuffix(chunk, "<value>"):
			// an untyped value is a string
			if next, err := br.Peek(1); err == nil && next[0] != '<' {
				return newDumpReader(x, br), nil
			}
		}
		if prelude.Len() > maxDumpPrelude {
			x.close()
			outcome = "transport"
			return nil, errors.New("db.dump response carries no payload")
		}
	}
}

// dumpReader decodes the base64 text of a db.dump response body
type dumpReader struct {
	x       *exchange
	decoder io.Reader
}

func newDumpReader(x *exchange, br *bufio.Reader) *dumpReader {
	return &dumpReader{x: x, decoder: base64.NewDecoder(base64.StdEncoding, &textReader{br: br})}
}

func (d *dumpReader) Read(p []byte) (int, error) {
	n, err := d.decoder.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("failed to decode dump: %w", err)
	}
	return n, err
}

func (d *dumpReader) Close() error {
	d.x.close()
	return nil
}

// textReader yields character data up to the next tag
type textReader struct {
	br   *bufio.Reader
	done bool
}

func (t *textReader) Read(p []byte) (int, error) {
	if t.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := t.br.Peek(1); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	chunk, _ := t.br.Peek(t.br.Buffered())
	end := bytes.IndexByte(chunk, '<')
	if end >= 0 {
		chunk = chunk[:end]
	}
	n := copy(p, chunk)
	_, _ = t.br.Discard(n)
	if end >= 0 && n == end {
		t.done = true
		if n == 0 {
			return 0, io.EOF
		}
	}
	return n, nil
}

// RestoreDatabase replaces the bound database with data. The dump is restored
// under a temporary name first so a failed restore leaves the original intact;
// only then is the original dropped and the copy renamed into place.
func (c *Client) RestoreDatabase(ctx context.Context, masterPassword string, data []byte) error {
	temp := fmt.Sprintf("%s_restore_%s", c.cfg.Database, time.Now().UTC().Format("20060102150405"))
	encoded := base64.StdEncoding.EncodeToString(data)

	var ok interface{}
	if err := c.call(ctx, serviceDB, "restore", "restore", c.cfg.DumpTimeout, &ok, masterPassword, temp, encoded, false); err != nil {
		return fmt.Errorf("failed to restore into %s: %w", temp, err)
	}
	if err := c.call(ctx, serviceDB, "drop", "drop", c.cfg.DumpTimeout, &ok, masterPassword, c.cfg.Database); err != nil {
		return fmt.Errorf("failed to drop %s before swap: %w", c.cfg.Database, err)
	}
	if err := c.call(ctx, serviceDB, "rename", "rename", c.cfg.DumpTimeout, &ok, masterPassword, temp, c.cfg.Database); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", temp, c.cfg.Database, err)
	}
	// the restored database may carry different session state
	c.Close()
	return nil
}
