package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/sandeepkandula/geosync/batch"
)

// DirSpool keeps one zstd-compressed file per deferred batch under a local
// directory.
type DirSpool struct {
	dir string
}

// NewDirSpool creates dir if needed and returns a spool rooted there.
func NewDirSpool(dir string) (*DirSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &DirSpool{dir: dir}, nil
}

// Path returns the file b is stored in.
func (s *DirSpool) Path(b *batch.Batch) string {
	return filepath.Join(s.dir, filepath.FromSlash(SpoolKey(b))) + ".zst"
}

// Store writes b to a temporary file and links it into place, so readers
// never observe a partial entry and an existing entry is never replaced.
func (s *DirSpool) Store(ctx context.Context, b *batch.Batch, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := newSpoolEntry(b, reason)
	if err != nil {
		return err
	}

	final := s.Path(b)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".spool-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeZstd(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", final, ErrSpoolExists)
		}
		return fmt.Errorf("link %s: %w", final, err)
	}
	return nil
}

func writeZstd(f *os.File, data []byte) error {
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
