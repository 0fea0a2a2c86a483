package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/api"
	"github.com/qube-labs/qube/internal/app/conversion"
	"github.com/qube-labs/qube/internal/infra/geo"
	"github.com/qube-labs/qube/internal/infra/postback"
	"github.com/qube-labs/qube/internal/infra/sqlite"
)

// Daemon owns the assembled service graph and the HTTP listener.
type Daemon struct {
	cfg    Config
	logger *zap.Logger
	db     *sqlite.DB
	server *http.Server
}

// New opens the store and wires the pipeline and API server.
func New(cfg Config, logger *zap.Logger) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	notifier := postback.New(cfg.Postback.RelayURL, cfg.Postback.Environment, cfg.Postback.Timeout(), logger)

	var resolver geo.Resolver
	if cfg.Geo.Enabled && cfg.Geo.Endpoint != "" {
		resolver = geo.NewHTTPResolver(cfg.Geo.Endpoint, 5*time.Second)
	}

	pipeline := conversion.New(db, notifier, resolver, conversion.Config{
		RateLimitWindow: cfg.RateLimit.WindowDuration(),
		RateLimitMax:    cfg.RateLimit.MaxRequests,
	}, logger)

	server := api.NewServer(pipeline, logger)
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}

	return &Daemon{
		cfg:    cfg,
		logger: logger.Named("daemon"),
		db:     db,
		server: &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// DB exposes the store for CLI commands that share a daemon config.
func (d *Daemon) DB() *sqlite.DB { return d.db }

// Run serves HTTP until ctx is cancelled, then drains connections.
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", zap.String("addr", d.cfg.API.Addr()))
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return d.db.Close()
}
