// Package blobstore provides a content-addressed, gzip-compressed blob
// store on the local filesystem.
//
// Blobs are keyed by their content hash, so storing the same filename
// twice is a no-op. Files are fanned out into two-character prefix
// directories to keep directory sizes manageable:
//
//	<root>/ab/abcdef....gz
package blobstore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/logging"
)

var log = logging.Component("blobstore")

// Store is a filesystem blob provider.
// It is safe for concurrent use.
type Store struct {
	root string

	mu     sync.Mutex
	closed bool
}

// New creates the root directory and an empty store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// StoreBlob writes the blob under its content-hash filename. An existing
// file with that name is left untouched; identical content hashes carry
// identical content.
func (s *Store) StoreBlob(ctx context.Context, filename string, blob []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrProviderClosed
	}
	s.mu.Unlock()

	path, err := s.blobPath(filename)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		log.Debug("blob already stored", "filename", filename)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a partial
	// blob under its final name.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("compress blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("finish compression: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

// FlushCache is a no-op; blobs are durable once StoreBlob returns.
func (s *Store) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrProviderClosed
	}
	return nil
}

// Shutdown marks the store closed.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ReadBlob reads and decompresses a stored blob. Exposed for verification
// tooling and tests.
func (s *Store) ReadBlob(filename string) ([]byte, error) {
	path, err := s.blobPath(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open compressed blob: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return out, nil
}

// blobPath maps a content hash onto its fan-out path.
func (s *Store) blobPath(filename string) (string, error) {
	if len(filename) < 2 || filepath.Base(filename) != filename {
		return "", fmt.Errorf("blob filename %q: %w", filename, errors.ErrMalformedRecord)
	}
	return filepath.Join(s.root, filename[:2], filename+".gz"), nil
}
