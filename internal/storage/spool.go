package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Spool is a temporary on-disk copy of a stream, hashed while written.
// Object stores that need a seekable body with a known length upload from it.
type Spool struct {
	*os.File
	Size     int64
	Checksum string
}

// NewSpool copies r into a temp file and rewinds it
func NewSpool(r io.Reader) (*Spool, error) {
	f, err := os.CreateTemp("", "orchestrator-dump-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to spool artifact: %w", err)
	}

	return &Spool{File: f, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

// Close closes and removes the temp file
func (s *Spool) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.Name()); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}

// HashingReader computes a SHA256 of everything read through it
type HashingReader struct {
	r io.Reader
	h hashWriter
	n int64
}

type hashWriter interface {
	io.Writer
	Sum(b []byte) []byte
}

// NewHashingReader wraps r
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Size is the number of bytes read so far
func (hr *HashingReader) Size() int64 { return hr.n }

// Checksum is the hex SHA256 of the bytes read so far
func (hr *HashingReader) Checksum() string { return hex.EncodeToString(hr.h.Sum(nil)) }
