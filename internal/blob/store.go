// Package blob stores expense attachments on the local filesystem,
// keyed by generated opaque names. Callers only ever hold the key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MaxSize caps a single attachment at 5 MiB.
const MaxSize = 5 << 20

var ErrTooLarge = errors.New("attachment exceeds size limit")

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put writes the attachment and returns its opaque key. The original
// filename contributes only its extension.
func (s *Store) Put(ctx context.Context, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := uuid.NewString() + filepath.Ext(filepath.Base(filename))
	path := filepath.Join(s.dir, key)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, MaxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if n > MaxSize {
		os.Remove(path)
		return "", ErrTooLarge
	}

	return key, nil
}

// Open returns the attachment contents for key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.Base(key)))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

// Remove deletes the blob for key. Removing an absent key is an error
// the caller decides how seriously to take.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, filepath.Base(key))); err != nil {
		return fmt.Errorf("remove blob %s: %w", key, err)
	}
	return nil
}
