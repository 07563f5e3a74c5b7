// Package scan discovers image artifacts under a root directory and extracts
// one metadata record per artifact.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sandeepkandula/geosync/geo"
	"github.com/sandeepkandula/geosync/telemetry"
)

// DefaultExtensions is the extension allow-list used when Options leaves it
// empty. Matching is case-sensitive.
var DefaultExtensions = []string{"jpg", "jpeg", "png"}

const (
	DefaultWorkers   = 4
	DefaultOriginTag = "geosync"
	DefaultGridTag   = "unplaced"
)

// Record is the metadata extracted from one artifact.
type Record struct {
	Filename    string          `json:"filename"`
	Coordinates *geo.Coordinate `json:"coordinates,omitempty"`
	OriginTag   string          `json:"origin_tag"`
	GridTag     string          `json:"grid_tag"`
}

// Result is the inventory gathered by one Scan.
type Result struct {
	Records   []Record
	Processed int // artifacts visited
	Decoded   int // artifacts with coordinates attached
	Failed    int // artifacts whose geotag could not be read or decoded
}

// Options configures a Scanner.
type Options struct {
	Extensions []string      // allow-list without leading dots
	Recursive  bool          // descend into subdirectories
	Workers    int           // concurrent artifact workers
	Delay      time.Duration // pause before each artifact, zero to disable
	OriginTag  string        // stamped on every record
	GridTag    string        // used when a record has no coordinates
}

// GeoReader returns the raw geotag of a file, or (nil, nil) when it has none.
type GeoReader interface {
	ReadGeoTag(path string) (*geo.RawGeoTag, error)
}

// InvalidRootError reports a scan root that is missing or not a directory.
type InvalidRootError struct {
	Root string
	Err  error
}

func (e *InvalidRootError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid root %q: %v", e.Root, e.Err)
	}
	return fmt.Sprintf("invalid root %q: not a directory", e.Root)
}

func (e *InvalidRootError) Unwrap() error { return e.Err }

// Scanner enumerates eligible files and builds their records.
type Scanner struct {
	opts    Options
	exts    map[string]bool
	geo     GeoReader
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// New returns a Scanner. geo may be nil, in which case no record carries
// coordinates.
func New(opts Options, geo GeoReader, log zerolog.Logger, metrics *telemetry.Metrics) *Scanner {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.OriginTag == "" {
		opts.OriginTag = DefaultOriginTag
	}
	if opts.GridTag == "" {
		opts.GridTag = DefaultGridTag
	}

	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.TrimPrefix(strings.TrimSpace(e), ".")] = true
	}

	return &Scanner{opts: opts, exts: exts, geo: geo, log: log, metrics: metrics}
}

// Scan returns one record per eligible file under root, in enumeration
// order. Per-artifact failures are counted, never returned.
func (s *Scanner) Scan(ctx context.Context, root string) (Result, error) {
	if err := ValidateRoot(root); err != nil {
		return Result{}, err
	}

	names, err := s.enumerate(root)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate %s: %w", root, err)
	}
	s.log.Info().Int("artifacts", len(names)).Str("root", root).Msg("found potential artifacts")

	records := make([]Record, len(names))
	results := make([]string, len(names))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, name := range names {
		g.Go(func() error {
			if err := s.pause(ctx); err != nil {
				return err
			}
			records[i], results[i] = s.process(root, name)
			s.log.Debug().Int("index", i+1).Int("total", len(names)).Str("artifact", name).Msg("processed artifact")
			s.metrics.ObserveArtifact(results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Records: records, Processed: len(records)}
	for _, r := range results {
		switch r {
		case telemetry.GeotagDecoded:
			res.Decoded++
		case telemetry.GeotagFailed:
			res.Failed++
		}
	}
	return res, nil
}

func (s *Scanner) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.opts.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scanner) process(root, name string) (Record, string) {
	rec := Record{Filename: name, OriginTag: s.opts.OriginTag, GridTag: s.opts.GridTag}
	if s.geo == nil {
		return rec, telemetry.GeotagNone
	}

	raw, err := s.geo.ReadGeoTag(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		s.log.Warn().Err(err).Str("artifact", name).Msg("read geotag")
		return rec, telemetry.GeotagFailed
	}
	if raw == nil {
		return rec, telemetry.GeotagNone
	}

	c, err := geo.Decode(*raw)
	if err != nil {
		s.log.Warn().Err(err).Str("artifact", name).Msg("geotag decode failed")
		return rec, telemetry.GeotagFailed
	}
	rec.Coordinates = &c
	rec.GridTag = c.Cell()
	return rec, telemetry.GeotagDecoded
}

// enumerate lists eligible files as slash-separated paths relative to root.
func (s *Scanner) enumerate(root string) ([]string, error) {
	if !s.opts.Recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && s.eligible(e.Name()) {
				names = append(names, e.Name())
			}
		}
		return names, nil
	}

	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !s.eligible(d.Name()) {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}

func (s *Scanner) eligible(name string) bool {
	ext := filepath.Ext(name)
	return ext != "" && s.exts[ext[1:]]
}

// ValidateRoot checks that root exists and is a directory.
func ValidateRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &InvalidRootError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return &InvalidRootError{Root: root}
	}
	return nil
}
