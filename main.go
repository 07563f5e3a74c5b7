package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sandeepkandula/geosync/config"
	"github.com/sandeepkandula/geosync/geo"
	"github.com/sandeepkandula/geosync/notify"
	"github.com/sandeepkandula/geosync/pipeline"
	"github.com/sandeepkandula/geosync/scan"
	"github.com/sandeepkandula/geosync/sync"
	"github.com/sandeepkandula/geosync/telemetry"
)

var version = "0.2.1"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "geosync:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geosync [flags] <dir>",
		Short: "Collect image geotags from a directory and sync them to a collector",
		Long: `geosync scans a directory for images, extracts their GPS position where
present, and posts the inventory as one integrity-hashed batch to the
configured collector endpoint. Batches the endpoint does not accept are kept
in a local spool.

Settings come from GEOSYNC_* environment variables (optionally via .env);
flags override them.`,
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return run(cmd.Context(), cfg, args[0], stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.String("endpoint", "", "collector URL (GEOSYNC_ENDPOINT)")
	f.String("project", "", "project id sent as X-Project-ID (GEOSYNC_PROJECT_ID)")
	f.StringSlice("ext", nil, "eligible file extensions, case-sensitive (GEOSYNC_SCAN_EXTENSIONS)")
	f.BoolP("recursive", "r", false, "descend into subdirectories (GEOSYNC_SCAN_RECURSIVE)")
	f.Int("workers", 0, "concurrent artifact workers (GEOSYNC_SCAN_WORKERS)")
	f.Duration("delay", 0, "pause before each artifact (GEOSYNC_SCAN_DELAY)")
	f.Duration("timeout", 0, "per-attempt request timeout (GEOSYNC_TRANSMIT_TIMEOUT)")
	f.Int("max-attempts", 0, "delivery attempts before deferring (GEOSYNC_TRANSMIT_MAX_ATTEMPTS)")
	f.Bool("insecure", false, "allow a plain http endpoint (GEOSYNC_TRANSMIT_ALLOW_INSECURE_HTTP)")
	f.String("spool", "", "spool backend: dir, sqlite or s3 (GEOSYNC_SPOOL_BACKEND)")
	f.String("spool-dir", "", "directory for the dir spool (GEOSYNC_SPOOL_DIR)")
	f.String("log-level", "", "log level (GEOSYNC_LOG_LEVEL)")
	f.String("log-format", "", "console or json (GEOSYNC_LOG_FORMAT)")

	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("endpoint") {
		cfg.Endpoint, _ = f.GetString("endpoint")
	}
	if f.Changed("project") {
		cfg.ProjectID, _ = f.GetString("project")
	}
	if f.Changed("ext") {
		cfg.Scan.Extensions, _ = f.GetStringSlice("ext")
	}
	if f.Changed("recursive") {
		cfg.Scan.Recursive, _ = f.GetBool("recursive")
	}
	if f.Changed("workers") {
		cfg.Scan.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("delay") {
		cfg.Scan.Delay, _ = f.GetDuration("delay")
	}
	if f.Changed("timeout") {
		cfg.Transmit.Timeout, _ = f.GetDuration("timeout")
	}
	if f.Changed("max-attempts") {
		cfg.Transmit.MaxAttempts, _ = f.GetInt("max-attempts")
	}
	if f.Changed("insecure") {
		cfg.Transmit.AllowInsecureHTTP, _ = f.GetBool("insecure")
	}
	if f.Changed("spool") {
		cfg.Spool.Backend, _ = f.GetString("spool")
	}
	if f.Changed("spool-dir") {
		cfg.Spool.Dir, _ = f.GetString("spool-dir")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
}

func run(ctx context.Context, cfg *config.Config, root string, stdout, stderr io.Writer) error {
	log, err := telemetry.NewLogger(stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	metrics := telemetry.NewMetrics()

	spool, closeSpool, err := openSpool(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSpool()

	transmitter, err := sync.NewTransmitter(sync.Config{
		Endpoint:          cfg.Endpoint,
		Timeout:           cfg.Transmit.Timeout,
		MaxAttempts:       cfg.Transmit.MaxAttempts,
		BackoffBase:       cfg.Transmit.BackoffBase,
		BackoffMax:        cfg.Transmit.BackoffMax,
		Version:           version,
		ProjectID:         cfg.ProjectID,
		APIToken:          cfg.APIToken,
		Compress:          cfg.Transmit.Compress,
		AllowInsecureHTTP: cfg.Transmit.AllowInsecureHTTP,
	}, spool, log, sync.WithMetrics(metrics))
	if err != nil {
		return err
	}

	scanner := scan.New(scan.Options{
		Extensions: cfg.Scan.Extensions,
		Recursive:  cfg.Scan.Recursive,
		Workers:    cfg.Scan.Workers,
		Delay:      cfg.Scan.Delay,
		OriginTag:  cfg.Scan.OriginTag,
		GridTag:    cfg.Scan.GridTag,
	}, geo.ExifReader{}, log, metrics)

	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn().Err(err).Msg("run notifications disabled")
		} else {
			defer n.Close()
			opts = append(opts, pipeline.WithNotifier(n))
		}
	}

	log.Info().Str("version", version).Str("root", root).Msg("geosync starting")
	out := pipeline.New(scanner, transmitter, log, opts...).Run(ctx, root)
	fmt.Fprintln(stdout, out)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := metrics.Push(pctx, cfg.Pushgateway, out.NodeID); err != nil {
		log.Warn().Err(err).Msg("push metrics")
	}

	if out.State == pipeline.Failed {
		return out.Err
	}
	return nil
}

func openSpool(ctx context.Context, cfg *config.Config) (sync.Spool, func(), error) {
	noop := func() {}
	switch cfg.Spool.Backend {
	case config.SpoolSQLite:
		s, err := sync.OpenSQLiteSpool(cfg.Spool.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.SpoolS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Spool.S3Region))
		if err != nil {
			return nil, noop, fmt.Errorf("load AWS config: %w", err)
		}
		return sync.NewS3Spool(
			s3.NewFromConfig(awsCfg),
			cfg.Spool.S3Bucket,
			cfg.Spool.S3Prefix,
			types.StorageClass(cfg.Spool.S3StorageClass),
		), noop, nil
	case config.SpoolDir:
		s, err := sync.NewDirSpool(cfg.Spool.Dir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		return nil, noop, errors.New("unknown spool backend " + cfg.Spool.Backend)
	}
}
