package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"time"

	"github.com/sandeepkandula/geosync/batch"
)

// ErrSpoolExists is returned when a spool already holds a batch under the
// same key. Spools are append-only.
var ErrSpoolExists = errors.New("spool: batch already stored")

// Spool is the local fallback for batches the endpoint did not accept.
type Spool interface {
	// Store appends b with the reason delivery was deferred.
	Store(ctx context.Context, b *batch.Batch, reason string) error
}

// SpoolKey returns the slash-separated key a batch is stored under:
// <node id>/<batch timestamp>-<batch id>.json
func SpoolKey(b *batch.Batch) string {
	ts := b.CreatedAt.UTC().Format("20060102T150405.000000000Z")
	return path.Join(b.NodeID, ts+"-"+b.BatchID+".json")
}

// spoolEntry is the stored form of a deferred batch.
type spoolEntry struct {
	Reason   string          `json:"reason"`
	StoredAt time.Time       `json:"stored_at"`
	Batch    json.RawMessage `json:"batch"`
}

func newSpoolEntry(b *batch.Batch, reason string) ([]byte, error) {
	body, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(spoolEntry{Reason: reason, StoredAt: time.Now().UTC(), Batch: body})
}
