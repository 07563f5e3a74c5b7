package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/sandeepkandula/geosync/batch"
)

func TestSpoolKey(t *testing.T) {
	b := testBatch(t)
	key := SpoolKey(b)
	if !strings.HasPrefix(key, b.NodeID+"/") || !strings.HasSuffix(key, "-"+b.BatchID+".json") {
		t.Errorf("unexpected key %q", key)
	}
	if strings.Contains(key, "\\") {
		t.Errorf("key %q contains backslash", key)
	}
}

func readDirEntry(t *testing.T, path string) spoolEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	var e spoolEntry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDirSpool_store(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	s, err := NewDirSpool(dir)
	if err != nil {
		t.Fatal(err)
	}

	b := testBatch(t)
	if err := s.Store(context.Background(), b, "attempt 3: connection refused"); err != nil {
		t.Fatal(err)
	}

	e := readDirEntry(t, s.Path(b))
	if e.Reason != "attempt 3: connection refused" {
		t.Errorf("reason = %q", e.Reason)
	}
	got, err := batch.Decode(e.Batch)
	if err != nil {
		t.Fatalf("stored batch does not verify: %v", err)
	}
	if got.BatchID != b.BatchID || got.IntegrityHash != b.IntegrityHash {
		t.Errorf("stored batch differs: %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path(b)))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the spooled file, found %d entries", len(entries))
	}
}

func TestDirSpool_appendOnly(t *testing.T) {
	s, err := NewDirSpool(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t)
	if err := s.Store(context.Background(), b, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(context.Background(), b, "second"); !errors.Is(err, ErrSpoolExists) {
		t.Fatalf("want ErrSpoolExists, got %v", err)
	}
	if e := readDirEntry(t, s.Path(b)); e.Reason != "first" {
		t.Errorf("existing entry was replaced: reason %q", e.Reason)
	}
}

func TestSQLiteSpool_store(t *testing.T) {
	s, err := OpenSQLiteSpool(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	a := testBatch(t)
	b := testBatch(t)
	for _, x := range []*batch.Batch{a, b} {
		if err := s.Store(ctx, x, "status 503"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Count(ctx, a.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	var body []byte
	if err := s.db.QueryRow(`SELECT body FROM deferred_batches WHERE batch_id = ?`, a.BatchID).Scan(&body); err != nil {
		t.Fatal(err)
	}
	if _, err := batch.Decode(body); err != nil {
		t.Errorf("stored body does not verify: %v", err)
	}
}

func TestSQLiteSpool_appendOnly(t *testing.T) {
	s, err := OpenSQLiteSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := testBatch(t)
	if err := s.Store(context.Background(), b, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(context.Background(), b, "second"); !errors.Is(err, ErrSpoolExists) {
		t.Errorf("want ErrSpoolExists, got %v", err)
	}
}
