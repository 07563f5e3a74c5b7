// Package sync delivers assembled batches to the collection endpoint and
// spools them locally when delivery fails.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sandeepkandula/geosync/batch"
	"github.com/sandeepkandula/geosync/telemetry"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
	DefaultAgentName   = "GeoSync"

	spoolTimeout = 30 * time.Second
)

// ErrNoSpool is reported when a batch is deferred but no spool is configured.
var ErrNoSpool = errors.New("no spool configured")

// Status is the final delivery state of a batch.
type Status int

const (
	Delivered Status = iota + 1
	Deferred
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Receipt describes what happened to one batch.
type Receipt struct {
	Status     Status
	Attempts   int
	StatusCode int    // last HTTP status seen, 0 if none
	Reason     string // why delivery was deferred
	Spooled    bool
	SpoolErr   error
}

// TransportError is one failed delivery attempt.
type TransportError struct {
	Attempt    int
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("attempt %d: status %d: %v", e.Attempt, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures a Transmitter. Endpoint identity and header values are
// deployment settings and have no compiled-in defaults.
type Config struct {
	Endpoint          string
	Timeout           time.Duration // per attempt
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	AgentName         string
	Version           string
	ProjectID         string
	APIToken          string
	Compress          bool // gzip request bodies
	AllowInsecureHTTP bool
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffBase)
	}
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
}

// Option customizes a Transmitter.
type Option func(*Transmitter)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transmitter) { t.client = c }
}

// WithMetrics records attempts and deliveries on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Transmitter) { t.metrics = m }
}

// Transmitter posts batches to one endpoint.
type Transmitter struct {
	cfg     Config
	client  *http.Client
	spool   Spool
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewTransmitter validates cfg and returns a Transmitter that hands
// undeliverable batches to spool.
func NewTransmitter(cfg Config, spool Spool, log zerolog.Logger, opts ...Option) (*Transmitter, error) {
	cfg.setDefaults()
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("transmitter: endpoint is required")
	}
	if err := ensureHTTPS(cfg.Endpoint, cfg.AllowInsecureHTTP); err != nil {
		return nil, fmt.Errorf("transmitter: %w", err)
	}

	t := &Transmitter{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		spool:  spool,
		log:    log.With().Str("component", "transmitter").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Endpoint returns the configured endpoint URL.
func (t *Transmitter) Endpoint() string { return t.cfg.Endpoint }

// Transmit delivers b, retrying transient failures. A batch that is not
// accepted, including one whose context is cancelled, is Deferred and
// stored in the spool exactly once.
func (t *Transmitter) Transmit(ctx context.Context, b *batch.Batch) Receipt {
	ctx, span := otel.Tracer("geosync/sync").Start(ctx, "sync.Transmit")
	defer span.End()
	span.SetAttributes(
		attribute.String("geosync.node_id", b.NodeID),
		attribute.String("geosync.batch_id", b.BatchID),
		attribute.Int("geosync.records", b.Len()),
	)

	var rc Receipt
	err := t.deliver(ctx, b, &rc)
	if err == nil {
		rc.Status = Delivered
		t.metrics.ObserveDelivery(Delivered.String())
		t.log.Info().Str("batch_id", b.BatchID).Int("attempts", rc.Attempts).Int("status", rc.StatusCode).Msg("batch delivered")
		return rc
	}

	rc.Status = Deferred
	rc.Reason = err.Error()
	if ctx.Err() != nil {
		rc.Reason = "cancelled: " + rc.Reason
	}
	span.SetStatus(codes.Error, rc.Reason)
	t.metrics.ObserveDelivery(Deferred.String())
	t.spoolBatch(ctx, b, &rc)
	return rc
}

func (t *Transmitter) deliver(ctx context.Context, b *batch.Batch, rc *Receipt) error {
	body, err := b.Encode()
	if err != nil {
		return err
	}
	encoding := ""
	if t.cfg.Compress {
		if body, err = gzipBody(body); err != nil {
			return err
		}
		encoding = "gzip"
	}

	return retry.Do(ctx, newBackoff(t.cfg), func(ctx context.Context) error {
		rc.Attempts++
		code, err := t.attempt(ctx, b, body, encoding, rc.Attempts)
		rc.StatusCode = code
		if err == nil {
			t.metrics.ObserveAttempt("ok")
			t.log.Debug().Int("attempt", rc.Attempts).Int("status", code).Msg("attempt succeeded")
			return nil
		}

		t.metrics.ObserveAttempt("error")
		t.log.Warn().Err(err).Int("attempt", rc.Attempts).Int("max_attempts", t.cfg.MaxAttempts).Msg("attempt failed")

		// Every rejected or failed attempt is retried until the attempt cap;
		// only cancellation stops early.
		var te *TransportError
		if ctx.Err() == nil && errors.As(err, &te) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// newBackoff returns the retry schedule: exponential from BackoffBase,
// capped at BackoffMax, allowing MaxAttempts attempts in total. Delays never
// decrease.
func newBackoff(cfg Config) retry.Backoff {
	b := retry.NewExponential(cfg.BackoffBase)
	b = retry.WithCappedDuration(cfg.BackoffMax, b)
	return retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
}

func (t *Transmitter) attempt(ctx context.Context, b *batch.Batch, body []byte, encoding string, n int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s (Node:%s)", t.cfg.AgentName, t.cfg.Version, b.NodeID))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", b.BatchID)
	req.Header.Set("X-Integrity-Hash", b.HashAlg+":"+b.IntegrityHash)
	if t.cfg.ProjectID != "" {
		req.Header.Set("X-Project-ID", t.cfg.ProjectID)
	}
	if token := strings.TrimSpace(t.cfg.APIToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	t.log.Info().Int("attempt", n).Int("bytes", len(body)).Str("endpoint", t.cfg.Endpoint).Msg("sending batch")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, &TransportError{Attempt: n, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &TransportError{
			Attempt:    n,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(data))),
		}
	}

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		t.log.Debug().Err(err).Msg("drain response body")
	}
	return resp.StatusCode, nil
}

// spoolBatch stores a deferred batch. The write is detached from ctx so a
// shutdown signal cannot leave a partial entry behind.
func (t *Transmitter) spoolBatch(ctx context.Context, b *batch.Batch, rc *Receipt) {
	if t.spool == nil {
		rc.SpoolErr = ErrNoSpool
		t.log.Error().Str("batch_id", b.BatchID).Str("reason", rc.Reason).Msg("batch deferred but no spool configured; batch dropped")
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spoolTimeout)
	defer cancel()

	if err := t.spool.Store(sctx, b, rc.Reason); err != nil {
		rc.SpoolErr = err
		t.log.Error().Err(err).Str("batch_id", b.BatchID).Msg("spool deferred batch")
		return
	}
	rc.Spooled = true
	t.log.Warn().Str("batch_id", b.BatchID).Str("key", SpoolKey(b)).Str("reason", rc.Reason).Msg("delivery deferred; batch spooled")
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint must be an absolute URL: %s", raw)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("endpoint must use https: %s", raw)
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}
