package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rawingest/distribution"
	"github.com/zsiec/rawingest/ingest"
	"github.com/zsiec/rawingest/internal/config"
	"github.com/zsiec/rawingest/internal/metrics"
	"github.com/zsiec/rawingest/source"
	"github.com/zsiec/rawingest/stream"
)

const (
	appName = "rawingest"
	appDesc = "raw H.264/H.265/AAC frame ingest server"
)

var version = "dev"

func main() {
	app := cli.App(appName, appDesc)
	app.Version("v version", version)

	defaults := config.Default()

	apiAddr := app.String(cli.StringOpt{
		Name:   "api-addr",
		Desc:   "address for the HTTPS and HTTP/3 API",
		EnvVar: "API_ADDR",
		Value:  defaults.APIAddr,
	})
	grace := app.String(cli.StringOpt{
		Name:   "grace-window",
		Desc:   "how long a source waits for more track declarations",
		EnvVar: "GRACE_WINDOW",
		Value:  defaults.GraceWindow.String(),
	})
	noReaders := app.String(cli.StringOpt{
		Name:   "no-reader-timeout",
		Desc:   "close sources without consumers after this long (0 disables)",
		EnvVar: "NO_READER_TIMEOUT",
		Value:  "0s",
	})
	reapInterval := app.String(cli.StringOpt{
		Name:   "reap-interval",
		Desc:   "how often the no-reader policy runs",
		EnvVar: "REAP_INTERVAL",
		Value:  defaults.ReapInterval.String(),
	})
	certFile := app.String(cli.StringOpt{
		Name:   "cert",
		Desc:   "PEM certificate file (self-signed when empty)",
		EnvVar: "TLS_CERT",
	})
	keyFile := app.String(cli.StringOpt{
		Name:   "key",
		Desc:   "PEM private key file",
		EnvVar: "TLS_KEY",
	})
	certHosts := app.String(cli.StringOpt{
		Name:   "cert-hosts",
		Desc:   "comma-separated extra names for the self-signed certificate",
		EnvVar: "CERT_HOSTS",
	})
	debug := app.Bool(cli.BoolOpt{
		Name:   "debug",
		Desc:   "enable debug logging",
		EnvVar: "DEBUG",
	})

	app.Action = func() {
		cfg := defaults
		cfg.APIAddr = *apiAddr
		cfg.CertFile = *certFile
		cfg.KeyFile = *keyFile
		cfg.CertHosts = config.SplitList(*certHosts)
		cfg.Debug = *debug

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

		var err error
		for _, d := range []struct {
			name string
			raw  string
			dst  *time.Duration
		}{
			{"grace-window", *grace, &cfg.GraceWindow},
			{"no-reader-timeout", *noReaders, &cfg.NoReaderTimeout},
			{"reap-interval", *reapInterval, &cfg.ReapInterval},
		} {
			if *d.dst, err = time.ParseDuration(d.raw); err != nil {
				slog.Error("invalid duration", "flag", d.name, "value", d.raw, "error", err)
				cli.Exit(2)
			}
		}
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			cli.Exit(2)
		}

		if err := run(cfg); err != nil {
			slog.Error("server error", "error", err)
			cli.Exit(1)
		}
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	cert, err := cfg.Certificate()
	if err != nil {
		return err
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	registry := ingest.NewRegistry(nil,
		ingest.WithNoReaderTimeout(cfg.NoReaderTimeout),
		ingest.WithReapInterval(cfg.ReapInterval),
		ingest.WithOnRegister(func(src *source.Source) {
			slog.Info("source discoverable", "key", src.Key().String(), "tracks", len(src.Tracks()))
		}),
	)
	streams := stream.NewManager(nil,
		source.WithDirectory(registry),
		source.WithGraceWindow(cfg.GraceWindow),
		source.WithMetrics(m),
	)
	defer streams.ReleaseAll()

	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:     cfg.APIAddr,
		Cert:     cert,
		Registry: registry,
		Streams:  streams,
		Gatherer: promReg,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	slog.Info("rawingest starting",
		"version", version,
		"api", cfg.APIAddr,
		"grace_window", cfg.GraceWindow,
		"no_reader_timeout", cfg.NoReaderTimeout,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	err = g.Wait()
	slog.Info("shutting down", "sources", registry.Len(), "handles", streams.Len())
	return err
}
