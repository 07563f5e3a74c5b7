package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandeepkandula/geosync/geo"
)

// fakeGeo serves geotags from memory, keyed by base name.
type fakeGeo struct {
	mu    sync.Mutex
	tags  map[string]*geo.RawGeoTag
	errs  map[string]error
	calls []string
}

func (f *fakeGeo) ReadGeoTag(path string) (*geo.RawGeoTag, error) {
	name := filepath.Base(path)
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return f.tags[name], nil
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		t.Fatal(err)
	}
}

func filenames(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Filename
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScan_filtersByExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")
	writeFile(t, root, "b.png")
	writeFile(t, root, "c.jpeg")
	writeFile(t, root, "notes.txt")
	writeFile(t, root, "UPPER.JPG")
	writeFile(t, root, "noext")
	writeFile(t, root, "sub/d.jpg")

	s := New(Options{}, nil, zerolog.Nop(), nil)
	res, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a.jpg", "b.png", "c.jpeg"}
	if got := filenames(res.Records); !equal(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
	if res.Processed != 3 {
		t.Errorf("Processed = %d, want 3", res.Processed)
	}
}

func TestScan_onlyNonImages(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.txt")
	writeFile(t, root, "report.pdf")

	res, err := New(Options{}, nil, zerolog.Nop(), nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 0 || res.Processed != 0 {
		t.Errorf("expected empty inventory, got %+v", res)
	}
}

func TestScan_customExtensions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")
	writeFile(t, root, "b.heic")
	writeFile(t, root, "c.tiff")

	s := New(Options{Extensions: []string{".heic", "tiff"}}, nil, zerolog.Nop(), nil)
	res, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := filenames(res.Records), []string{"b.heic", "c.tiff"}; !equal(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestScan_recursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")
	writeFile(t, root, "x/b.png")
	writeFile(t, root, "x/y/c.jpg")
	writeFile(t, root, "x/y/skip.txt")

	s := New(Options{Recursive: true}, nil, zerolog.Nop(), nil)
	res, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.jpg", "x/b.png", "x/y/c.jpg"}
	if got := filenames(res.Records); !equal(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestScan_tags(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")

	s := New(Options{OriginTag: "field-kit", GridTag: "none"}, nil, zerolog.Nop(), nil)
	res, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	r := res.Records[0]
	if r.OriginTag != "field-kit" || r.GridTag != "none" || r.Coordinates != nil {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestScan_geotags(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"a.jpg", "b.jpg", "c.jpg", "d.png", "e.jpg"} {
		writeFile(t, root, n)
	}

	fg := &fakeGeo{
		tags: map[string]*geo.RawGeoTag{
			"a.jpg": {Latitude: []float64{39, 54, 15.12}, LatitudeRef: "N", Longitude: []float64{116, 24, 26.64}, LongitudeRef: "E"},
			"b.jpg": {Latitude: []float64{39, 54}, LatitudeRef: "N", Longitude: []float64{116, 24, 26}, LongitudeRef: "E"},
			"e.jpg": {Latitude: []float64{0, 0, 0}, Longitude: []float64{0, 0, 0}},
		},
		errs: map[string]error{"c.jpg": errors.New("truncated file")},
	}

	res, err := New(Options{Workers: 2}, fg, zerolog.Nop(), nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 5 || res.Decoded != 2 || res.Failed != 2 {
		t.Errorf("counts = processed %d decoded %d failed %d, want 5/2/2", res.Processed, res.Decoded, res.Failed)
	}

	byName := make(map[string]Record)
	for _, r := range res.Records {
		byName[r.Filename] = r
	}
	if c := byName["a.jpg"].Coordinates; c == nil || byName["a.jpg"].GridTag != "N39E116" {
		t.Errorf("a.jpg: want coordinates in N39E116, got %+v", byName["a.jpg"])
	}
	for _, n := range []string{"b.jpg", "c.jpg", "d.png"} {
		if byName[n].Coordinates != nil {
			t.Errorf("%s: coordinates should be absent", n)
		}
		if byName[n].GridTag != DefaultGridTag {
			t.Errorf("%s: grid tag = %q, want %q", n, byName[n].GridTag, DefaultGridTag)
		}
	}
	if c := byName["e.jpg"].Coordinates; c == nil || c.Latitude != 0 || c.Longitude != 0 {
		t.Errorf("e.jpg: (0,0) must be present, got %+v", c)
	}
}

func TestScan_orderStableUnderConcurrency(t *testing.T) {
	root := t.TempDir()
	var want []string
	for i := 0; i < 40; i++ {
		n := fmt.Sprintf("img%03d.jpg", i)
		writeFile(t, root, n)
		want = append(want, n)
	}

	for _, workers := range []int{1, 3, 16} {
		res, err := New(Options{Workers: workers}, &fakeGeo{}, zerolog.Nop(), nil).Scan(context.Background(), root)
		if err != nil {
			t.Fatal(err)
		}
		if got := filenames(res.Records); !equal(got, want) {
			t.Errorf("workers=%d: order differs: %v", workers, got)
		}
	}
}

func TestScan_invalidRoot(t *testing.T) {
	fg := &fakeGeo{}
	s := New(Options{}, fg, zerolog.Nop(), nil)

	_, err := s.Scan(context.Background(), "/nonexistent/path")
	var ire *InvalidRootError
	if !errors.As(err, &ire) {
		t.Fatalf("want *InvalidRootError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}

	f := filepath.Join(t.TempDir(), "file.jpg")
	writeFile(t, filepath.Dir(f), "file.jpg")
	if _, err := s.Scan(context.Background(), f); !errors.As(err, &ire) {
		t.Errorf("file root: want *InvalidRootError, got %v", err)
	}
	if len(fg.calls) != 0 {
		t.Errorf("no artifact should be read for an invalid root, got %v", fg.calls)
	}
}

func TestScan_cancelledDuringDelay(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")
	writeFile(t, root, "b.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := New(Options{Delay: time.Minute, Workers: 1}, nil, zerolog.Nop(), nil)
	if _, err := s.Scan(ctx, root); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline exceeded, got %v", err)
	}
}
