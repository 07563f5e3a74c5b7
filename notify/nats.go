// Package notify announces finished runs on a NATS subject.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandeepkandula/geosync/pipeline"
)

// RunEvent is the message published for every finished run.
type RunEvent struct {
	NodeID        string    `json:"node_id"`
	State         string    `json:"state"`
	Endpoint      string    `json:"endpoint"`
	Processed     int       `json:"processed"`
	Decoded       int       `json:"decoded"`
	Failed        int       `json:"failed"`
	Records       int       `json:"records"`
	NothingToSync bool      `json:"nothing_to_sync,omitempty"`
	Transmitted   bool      `json:"transmitted"`
	Delivery      string    `json:"delivery,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// NewRunEvent converts an outcome to its published form. The root path is
// deliberately left out; only counts and identity leave the host.
func NewRunEvent(out pipeline.Outcome, finished time.Time) RunEvent {
	ev := RunEvent{
		NodeID:        out.NodeID,
		State:         out.State.String(),
		Endpoint:      out.Endpoint,
		Processed:     out.Processed,
		Decoded:       out.Decoded,
		Failed:        out.Failed,
		Records:       out.Records,
		NothingToSync: out.NothingToSync,
		Transmitted:   out.Transmitted,
		Delivery:      out.Delivery,
		Attempts:      out.Attempts,
		DurationMS:    out.Duration.Milliseconds(),
		FinishedAt:    finished.UTC(),
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	return ev
}

// NATSNotifier publishes run events over a core NATS connection.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, subject string, opts ...nats.Option) (*NATSNotifier, error) {
	if subject == "" {
		return nil, errors.New("notify: subject is required")
	}
	opts = append([]nats.Option{nats.Name("geosync")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return &NATSNotifier{conn: nc, subject: subject}, nil
}

// Notify publishes out and waits for the server to acknowledge the flush.
func (n *NATSNotifier) Notify(ctx context.Context, out pipeline.Outcome) error {
	data, err := json.Marshal(NewRunEvent(out, time.Now()))
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
