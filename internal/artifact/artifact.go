// Package artifact stores binary stage outputs behind opaque locators.
//
// A Locator is a store-agnostic reference: callers never see filesystem
// paths, so the backing store can change without touching the pipeline
// contract.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound       = errors.New("artifact not found")
	ErrInvalidLocator = errors.New("invalid artifact locator")
)

const locatorPrefix = "art:"

// Locator is an opaque reference to a stored artifact.
type Locator string

// String returns the locator as a string.
func (l Locator) String() string { return string(l) }

// Valid reports whether the locator has the expected shape.
func (l Locator) Valid() bool {
	id, ok := strings.CutPrefix(string(l), locatorPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Parse validates a raw string and returns it as a Locator.
func Parse(s string) (Locator, error) {
	l := Locator(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	return l, nil
}

// Store persists binary artifacts.
type Store interface {
	// Put writes the contents of r and returns a new locator.
	Put(ctx context.Context, r io.Reader) (Locator, error)
	// Open returns a reader for the artifact; ErrNotFound if unknown.
	Open(ctx context.Context, loc Locator) (io.ReadCloser, error)
	// Stat reports the artifact size; ErrNotFound if unknown.
	Stat(ctx context.Context, loc Locator) (int64, error)
	// Remove deletes the artifact. Removing an unknown locator is not an error.
	Remove(ctx context.Context, loc Locator) error
}

// DiskStore is a Store backed by a local directory, sharded by the
// first two characters of the artifact id.
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) path(loc Locator) (string, error) {
	id, ok := strings.CutPrefix(string(loc), locatorPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, loc)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, loc)
	}
	return filepath.Join(s.root, id[:2], id), nil
}

// Put writes the contents of r under a freshly allocated locator.
func (s *DiskStore) Put(ctx context.Context, r io.Reader) (Locator, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	loc := Locator(locatorPrefix + uuid.NewString())
	path, err := s.path(loc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	// Write to a temp file first so a partial write never becomes
	// visible under the locator.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize artifact: %w", err)
	}

	return loc, nil
}

// Open returns a reader for the artifact.
func (s *DiskStore) Open(ctx context.Context, loc Locator) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
		}
		return nil, err
	}
	return f, nil
}

// Stat reports the artifact size in bytes.
func (s *DiskStore) Stat(ctx context.Context, loc Locator) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.path(loc)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, loc)
		}
		return 0, err
	}
	return fi.Size(), nil
}

// Remove deletes the artifact if present.
func (s *DiskStore) Remove(ctx context.Context, loc Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
