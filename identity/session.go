// Package identity produces the per-run node identifier.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// IDLength is the number of hex characters in a session id.
const IDLength = 12

var seq atomic.Uint64

// Session identifies one collection run. It is never mutated after creation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// New returns a session seeded from the current high-resolution clock reading
// and the process id.
func New() Session {
	return newSession(time.Now(), os.Getpid(), seq.Add(1))
}

// NewAt returns the session derived from t and pid. The same inputs always
// yield the same id.
func NewAt(t time.Time, pid int) Session {
	return newSession(t, pid, 0)
}

func newSession(t time.Time, pid int, n uint64) Session {
	seed := strconv.FormatInt(t.UnixNano(), 10) + ":" + strconv.Itoa(pid)
	if n > 0 {
		seed += ":" + strconv.FormatUint(n, 10)
	}
	sum := sha256.Sum256([]byte(seed))
	return Session{
		ID:        hex.EncodeToString(sum[:])[:IDLength],
		CreatedAt: t,
	}
}
