package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keukalabs/updaterd/internal/config"
	"github.com/keukalabs/updaterd/internal/execrun"
	"github.com/keukalabs/updaterd/internal/httpapi"
	"github.com/keukalabs/updaterd/internal/logging"
	"github.com/keukalabs/updaterd/internal/runlog"
	"github.com/keukalabs/updaterd/internal/telemetry"
	"github.com/keukalabs/updaterd/internal/updater"
	"github.com/keukalabs/updaterd/internal/version"
)

var telemetryInit = telemetry.Init

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logging.Init(cfg.LogLevel, cfg.ServiceLog); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, shutdown, err := setup(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("updaterd %s (%s) listening on http://%s", version.Version, version.Commit, cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	log.Info("updaterd stopped")
}

// setup wires the daemon's dependencies and returns the admin handler plus a
// shutdown hook that flushes telemetry.
func setup(ctx context.Context, cfg config.Config) (http.Handler, func(context.Context) error, error) {
	shutdown := func(context.Context) error { return nil }
	if cfg.OTLPEndpoint != "" {
		flush, err := telemetryInit(ctx, telemetry.Config{
			ServiceName:    "updaterd",
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.OTLPEndpoint,
		})
		if err != nil {
			log.Warnf("tracing disabled: %v", err)
		} else {
			shutdown = flush
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.UpdateLogFile), 0o755); err != nil {
		return nil, nil, err
	}

	exe := execrun.StreamRunner{}
	res := version.NewResolver(exe, cfg.Subtree, cfg.RemoteTimeout)
	mgr := updater.New(updater.Config{
		RepoURL:      cfg.RepoURL,
		AppRoot:      cfg.AppRoot,
		Subtree:      cfg.Subtree,
		ServiceName:  cfg.ServiceName,
		UpdateScript: cfg.UpdateScript,
		Sudo:         cfg.Sudo,
		SweepMaxAge:  cfg.SweepMaxAge,
	}, exe, res, runlog.New(cfg.UpdateLogFile))

	handler := httpapi.NewServer(mgr, res, cfg.RepoURL, cfg.AppRoot).Router()
	return handler, shutdown, nil
}
