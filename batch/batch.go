// Package batch assembles scan records into one integrity-hashed payload.
//
// The canonical form of a batch's records is the compact JSON encoding of
// the record slice, with fields in struct order. IntegrityHash is the hex
// SHA-256 of exactly those bytes, and Encode embeds them verbatim in the
// transmitted body, so any holder of the body can recompute the hash.
package batch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/sandeepkandula/geosync/identity"
	"github.com/sandeepkandula/geosync/scan"
)

// HashAlg names the digest used for IntegrityHash.
const HashAlg = "sha256"

var (
	// ErrEmptyInventory is returned by Assemble when there is nothing to sync.
	ErrEmptyInventory = errors.New("empty inventory: nothing to sync")

	// ErrIntegrity is returned by Decode when a body's hash does not match
	// its records.
	ErrIntegrity = errors.New("integrity hash mismatch")
)

// Batch is the unit of transmission. It is not modified after Assemble.
type Batch struct {
	NodeID        string
	BatchID       string
	CreatedAt     time.Time
	Records       []scan.Record
	HashAlg       string
	IntegrityHash string

	canonical []byte
}

type wireBatch struct {
	NodeID        string          `json:"node_id"`
	BatchID       string          `json:"batch_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Records       json.RawMessage `json:"records"`
	HashAlg       string          `json:"hash_alg"`
	IntegrityHash string          `json:"integrity_hash"`
}

// Assemble builds the batch for session from records, which must be in their
// final order. An empty inventory yields ErrEmptyInventory.
func Assemble(session identity.Session, records []scan.Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, ErrEmptyInventory
	}

	recs := slices.Clone(records)
	canonical, err := Canonical(recs)
	if err != nil {
		return nil, err
	}

	return &Batch{
		NodeID:        session.ID,
		BatchID:       uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Records:       recs,
		HashAlg:       HashAlg,
		IntegrityHash: HashRecords(canonical),
		canonical:     canonical,
	}, nil
}

// Canonical returns the deterministic encoding of records that is hashed and
// transmitted.
func Canonical(records []scan.Record) ([]byte, error) {
	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return b, nil
}

// HashRecords returns the hex SHA-256 digest of a canonical record encoding.
func HashRecords(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Encode returns the transmitted body. The records are embedded as the exact
// bytes that were hashed. A Batch built outside Assemble and Decode is
// encoded from its Records, and an empty IntegrityHash is filled in.
func (b *Batch) Encode() ([]byte, error) {
	canonical := b.canonical
	if canonical == nil {
		var err error
		if canonical, err = Canonical(b.Records); err != nil {
			return nil, err
		}
	}
	alg, hash := b.HashAlg, b.IntegrityHash
	if hash == "" {
		alg, hash = HashAlg, HashRecords(canonical)
	}

	return json.Marshal(wireBatch{
		NodeID:        b.NodeID,
		BatchID:       b.BatchID,
		CreatedAt:     b.CreatedAt,
		Records:       canonical,
		HashAlg:       alg,
		IntegrityHash: hash,
	})
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.Records) }

// Decode parses a body produced by Encode and verifies its integrity hash.
func Decode(body []byte) (*Batch, error) {
	var w wireBatch
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if w.HashAlg != HashAlg {
		return nil, fmt.Errorf("decode batch: unsupported hash algorithm %q", w.HashAlg)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, w.Records); err != nil {
		return nil, fmt.Errorf("decode batch records: %w", err)
	}
	canonical := compact.Bytes()
	if HashRecords(canonical) != w.IntegrityHash {
		return nil, ErrIntegrity
	}

	var recs []scan.Record
	if err := json.Unmarshal(canonical, &recs); err != nil {
		return nil, fmt.Errorf("decode batch records: %w", err)
	}

	return &Batch{
		NodeID:        w.NodeID,
		BatchID:       w.BatchID,
		CreatedAt:     w.CreatedAt,
		Records:       recs,
		HashAlg:       w.HashAlg,
		IntegrityHash: w.IntegrityHash,
		canonical:     canonical,
	}, nil
}
