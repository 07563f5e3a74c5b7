// Package pipeline runs one collection pass: scan, assemble, transmit, and
// report a single outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandeepkandula/geosync/batch"
	"github.com/sandeepkandula/geosync/identity"
	"github.com/sandeepkandula/geosync/scan"
	"github.com/sandeepkandula/geosync/sync"
	"github.com/sandeepkandula/geosync/telemetry"
)

// State is a step of the run state machine.
type State int

const (
	Idle State = iota
	Scanning
	Assembling
	Transmitting
	Done
	DeferredDone
	Failed
)

var stateNames = [...]string{"idle", "scanning", "assembling", "transmitting", "done", "deferred_done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Done || s == DeferredDone || s == Failed
}

// Scanner produces the inventory for a root directory.
type Scanner interface {
	Scan(ctx context.Context, root string) (scan.Result, error)
}

// Transmitter delivers a batch or defers it.
type Transmitter interface {
	Transmit(ctx context.Context, b *batch.Batch) sync.Receipt
	Endpoint() string
}

// Notifier announces a finished run.
type Notifier interface {
	Notify(ctx context.Context, out Outcome) error
}

// Outcome summarizes a finished run.
type Outcome struct {
	State         State
	NodeID        string
	Root          string
	Endpoint      string
	Processed     int
	Decoded       int
	Failed        int
	Records       int
	NothingToSync bool
	Transmitted   bool
	Delivery      string
	Attempts      int
	Spooled       bool
	Duration      time.Duration
	Err           error
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	if o.State == Failed {
		return 1
	}
	return 0
}

// String renders the outcome as one key=value line.
func (o Outcome) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "state=%s node=%s processed=%d decoded=%d failed=%d records=%d transmitted=%t",
		o.State, o.NodeID, o.Processed, o.Decoded, o.Failed, o.Records, o.Transmitted)
	if o.Delivery != "" {
		fmt.Fprintf(&sb, " delivery=%s attempts=%d spooled=%t", o.Delivery, o.Attempts, o.Spooled)
	}
	if o.NothingToSync {
		sb.WriteString(" nothing_to_sync=true")
	}
	fmt.Fprintf(&sb, " endpoint=%s duration=%s", o.Endpoint, o.Duration.Round(time.Millisecond))
	if o.Err != nil {
		fmt.Fprintf(&sb, " error=%q", o.Err.Error())
	}
	return sb.String()
}

// MarshalZerologObject lets an Outcome be embedded in a log event.
func (o Outcome) MarshalZerologObject(e *zerolog.Event) {
	e.Str("state", o.State.String()).
		Str("node_id", o.NodeID).
		Str("root", o.Root).
		Str("endpoint", o.Endpoint).
		Int("processed", o.Processed).
		Int("decoded", o.Decoded).
		Int("failed", o.Failed).
		Int("records", o.Records).
		Bool("transmitted", o.Transmitted).
		Dur("duration", o.Duration)
	if o.Delivery != "" {
		e.Str("delivery", o.Delivery).Int("attempts", o.Attempts).Bool("spooled", o.Spooled)
	}
	if o.NothingToSync {
		e.Bool("nothing_to_sync", true)
	}
	if o.Err != nil {
		e.AnErr("error", o.Err)
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithSessionFunc replaces identity.New, for deterministic tests.
func WithSessionFunc(f func() identity.Session) Option {
	return func(o *Orchestrator) { o.newSession = f }
}

// Orchestrator composes scanner, assembler and transmitter into runs.
type Orchestrator struct {
	scanner     Scanner
	transmitter Transmitter
	notifier    Notifier
	metrics     *telemetry.Metrics
	log         zerolog.Logger
	tracer      trace.Tracer
	newSession  func() identity.Session
}

// New returns an Orchestrator.
func New(scanner Scanner, transmitter Transmitter, log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scanner:     scanner,
		transmitter: transmitter,
		log:         log,
		tracer:      otel.Tracer("geosync/pipeline"),
		newSession:  identity.New,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run performs one pass over root. Stages run strictly in sequence: the
// batch is assembled only from a complete scan, and nothing is sent before
// the batch is known to be non-empty.
func (o *Orchestrator) Run(ctx context.Context, root string) Outcome {
	start := time.Now()
	session := o.newSession()
	log := o.log.With().Str("node_id", session.ID).Logger()

	out := Outcome{
		State:    Idle,
		NodeID:   session.ID,
		Root:     root,
		Endpoint: o.transmitter.Endpoint(),
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("geosync.node_id", session.ID),
		attribute.String("geosync.root", root),
	))
	defer span.End()

	o.advance(log, &out, Scanning)
	res, err := o.scan(ctx, root)
	if err != nil {
		return o.finish(ctx, log, span, start, out, Failed, err)
	}
	out.Processed, out.Decoded, out.Failed = res.Processed, res.Decoded, res.Failed

	o.advance(log, &out, Assembling)
	b, err := batch.Assemble(session, res.Records)
	if errors.Is(err, batch.ErrEmptyInventory) {
		out.NothingToSync = true
		log.Info().Msg("nothing to sync")
		return o.finish(ctx, log, span, start, out, Done, nil)
	}
	if err != nil {
		return o.finish(ctx, log, span, start, out, Failed, err)
	}
	out.Records = b.Len()
	o.metrics.ObserveBatch(b.Len())
	log.Info().Str("batch_id", b.BatchID).Int("records", b.Len()).Str("integrity_hash", b.IntegrityHash).Msg("batch assembled")

	o.advance(log, &out, Transmitting)
	rc := o.transmitter.Transmit(ctx, b)
	out.Delivery = rc.Status.String()
	out.Attempts = rc.Attempts
	out.Spooled = rc.Spooled

	if rc.Status == sync.Delivered {
		out.Transmitted = true
		return o.finish(ctx, log, span, start, out, Done, nil)
	}
	return o.finish(ctx, log, span, start, out, DeferredDone, rc.SpoolErr)
}

func (o *Orchestrator) scan(ctx context.Context, root string) (scan.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.Scan")
	defer span.End()

	if err := scan.ValidateRoot(root); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return scan.Result{}, err
	}
	res, err := o.scanner.Scan(ctx, root)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return scan.Result{}, err
	}
	span.SetAttributes(
		attribute.Int("geosync.processed", res.Processed),
		attribute.Int("geosync.decoded", res.Decoded),
	)
	return res, nil
}

func (o *Orchestrator) advance(log zerolog.Logger, out *Outcome, next State) {
	log.Debug().Stringer("from", out.State).Stringer("to", next).Msg("state transition")
	out.State = next
}

func (o *Orchestrator) finish(ctx context.Context, log zerolog.Logger, span trace.Span, start time.Time, out Outcome, final State, err error) Outcome {
	o.advance(log, &out, final)
	out.Err = err
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("geosync.state", final.String()))
	if final == Failed {
		span.SetStatus(codes.Error, err.Error())
		log.Error().EmbedObject(out).Msg("run failed")
	} else {
		log.Info().EmbedObject(out).Msg("run complete")
	}
	o.metrics.ObserveRun(final.String(), out.Duration)

	if o.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.notifier.Notify(nctx, out); err != nil {
			log.Warn().Err(err).Msg("notify run outcome")
		}
	}
	return out
}
