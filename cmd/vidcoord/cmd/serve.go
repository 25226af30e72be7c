package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/vidcoord/pkg/api"
	"github.com/psantana5/vidcoord/pkg/auth"
	"github.com/psantana5/vidcoord/pkg/blob"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/config"
	"github.com/psantana5/vidcoord/pkg/jobs"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/maintenance"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/outbox"
	"github.com/psantana5/vidcoord/pkg/query"
	"github.com/psantana5/vidcoord/pkg/queue"
	"github.com/psantana5/vidcoord/pkg/ratelimit"
	"github.com/psantana5/vidcoord/pkg/shutdown"
	"github.com/psantana5/vidcoord/pkg/store"
	"github.com/psantana5/vidcoord/pkg/tlsutil"
	"github.com/psantana5/vidcoord/pkg/tracing"
)

const limiterIdle = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator: the HTTP API, the outbox relay that publishes job
descriptors to the dispatch queue, and the maintenance sweeper.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return err
	}
	shut := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	shut.Register("logger", shutdown.CloseResource(logger))
	defer func() {
		if err := shut.Shutdown(); err != nil {
			logger.Error("Shutdown finished with errors", logging.Fields{"error": err})
		}
	}()

	ctx, stop := shutdown.NotifyContext(cmd.Context())
	defer stop()

	logger.Info("Starting vidcoord", logging.Fields{
		"version":  Version,
		"addr":     cfg.Server.Addr,
		"database": cfg.Database.Type,
		"queue":    cfg.Queue.Backend,
		"blob":     cfg.Blob.Backend,
	})

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = Version
	}
	tp, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shut.Register("tracer", tp.Shutdown)

	m := metrics.New()

	st, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	shut.Register("store", shutdown.CloseResource(st))

	pub, err := queue.New(ctx, cfg.QueueConfig())
	if err != nil {
		return fmt.Errorf("failed to connect dispatch queue: %w", err)
	}
	shut.Register("queue", shutdown.CloseResource(pub))

	var blobs blob.Store
	if cfg.Blob.Backend != "none" {
		blobs, err = blob.New(ctx, cfg.BlobConfig())
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}
		if c, ok := blobs.(io.Closer); ok {
			shut.Register("blob", shutdown.CloseResource(c))
		}
	}

	users, err := auth.NewJWTGateway(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	workers, err := auth.ParseWorkerGateway(cfg.Auth.WorkerCredentials)
	if err != nil {
		return fmt.Errorf("invalid worker credentials: %w", err)
	}
	logger.Info("Authentication configured", logging.Fields{"workers": workers.Len()})

	cat := catalog.New(st, blobs, logger, catalog.WithMetrics(m))
	relay := outbox.NewRelay(st, pub, cfg.RelayConfig(), logger, m, tp)
	mgr := jobs.NewManager(st, cat, relay, logger, jobs.WithMetrics(m), jobs.WithTracing(tp))
	sweeper := maintenance.NewSweeper(st, cat, cfg.Maintenance, logger)

	checks := map[string]api.Checker{"database": st}
	if hc, ok := pub.(queue.HealthChecker); ok {
		checks["queue"] = hc
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	srv := api.NewServer(api.Deps{
		Catalog:   cat,
		Jobs:      mgr,
		Query:     query.New(st, cat),
		Auth:      &auth.Authenticator{Users: users, Workers: workers},
		Logger:    logger,
		Metrics:   m,
		Limiter:   limiter,
		Tracing:   tp,
		Checks:    checks,
		Version:   Version,
		MaxUpload: cfg.Server.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.TLS.Enabled() {
		tlsCfg, err := tlsutil.ServerConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	shut.Register("http", shutdown.StopHTTPServer(httpServer))

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		shut.Register("metrics", shutdown.StopHTTPServer(metricsServer))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API listening", logging.Fields{"addr": cfg.Server.Addr, "tls": cfg.Server.TLS.Enabled()})
		var err error
		if cfg.Server.TLS.Enabled() {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Metrics listening", logging.Fields{"addr": cfg.Server.MetricsAddr})
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n := limiter.Cleanup(limiterIdle); n > 0 {
						logger.Debug("Evicted idle rate limiters", logging.Fields{"count": n})
					}
				}
			}
		})
	}

	// Stop the listeners once a signal arrives or any component fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if metricsServer != nil {
			metricsServer.Shutdown(stopCtx)
		}
		return httpServer.Shutdown(stopCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Coordinator stopped")
	return nil
}
