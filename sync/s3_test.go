package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestS3Spool_fullKey(t *testing.T) {
	tests := []struct {
		prefix string
		rel    string
		want   string
	}{
		{"", "abc/t-1.json", "abc/t-1.json"},
		{"deferred", "abc/t-1.json", "deferred/abc/t-1.json"},
		{"deferred/", "abc/t-1.json", "deferred/abc/t-1.json"},
		{"a/b", "abc/t-1.json", "a/b/abc/t-1.json"},
		{"", "/abc/t-1.json", "abc/t-1.json"}, // leading slash stripped
	}

	for _, tt := range tests {
		d := &S3Spool{prefix: tt.prefix}
		if got := d.fullKey(tt.rel); got != tt.want {
			t.Errorf("fullKey(prefix=%q, rel=%q) = %q, want %q", tt.prefix, tt.rel, got, tt.want)
		}
	}
}

type s3Object struct {
	header http.Header
	body   []byte
}

// fakeS3 serves HEAD and PUT for path-style object URLs.
type fakeS3 struct {
	mu      gosync.Mutex
	objects map[string]s3Object
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.puts++
		f.objects[r.URL.Path] = s3Object{header: r.Header.Clone(), body: body}
		w.Header().Set("ETag", `"0123"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Spool(t *testing.T, f *fakeS3) *S3Spool {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client := s3.NewFromConfig(aws.Config{
		Region:      "us-east-1",
		Credentials: aws.AnonymousCredentials{},
	}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.UsePathStyle = true
	})
	return NewS3Spool(client, "spool-bucket", "deferred", types.StorageClassStandardIa)
}

func TestS3Spool_store(t *testing.T) {
	f := &fakeS3{objects: map[string]s3Object{}}
	s := newFakeS3Spool(t, f)
	b := testBatch(t)

	if err := s.Store(context.Background(), b, "endpoint down"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	obj, ok := f.objects["/spool-bucket/deferred/"+SpoolKey(b)]
	if !ok {
		t.Fatalf("object not stored; have %v", f.objects)
	}
	if got := obj.header.Get("X-Amz-Storage-Class"); got != string(types.StorageClassStandardIa) {
		t.Errorf("storage class = %q", got)
	}
	if got := obj.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	for name, want := range map[string]string{
		"X-Amz-Meta-Node-Id":        b.NodeID,
		"X-Amz-Meta-Batch-Id":       b.BatchID,
		"X-Amz-Meta-Integrity-Hash": b.IntegrityHash,
	} {
		if got := obj.header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	var e spoolEntry
	if err := json.Unmarshal(obj.body, &e); err != nil {
		t.Fatalf("stored body: %v", err)
	}
	if e.Reason != "endpoint down" || !strings.Contains(string(e.Batch), b.IntegrityHash) {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestS3Spool_neverOverwrites(t *testing.T) {
	f := &fakeS3{objects: map[string]s3Object{}}
	s := newFakeS3Spool(t, f)
	b := testBatch(t)

	if err := s.Store(context.Background(), b, "first"); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	err := s.Store(context.Background(), b, "second")
	if !errors.Is(err, ErrSpoolExists) {
		t.Fatalf("second Store = %v, want ErrSpoolExists", err)
	}
	if f.puts != 1 {
		t.Errorf("puts = %d, want 1", f.puts)
	}
}
