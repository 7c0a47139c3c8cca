package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/handlers"
	"github.com/Brownie44l1/leafdoc-api/internal/ingest"
	"github.com/Brownie44l1/leafdoc-api/internal/objectstore"
	"github.com/Brownie44l1/leafdoc-api/internal/service"
	"github.com/Brownie44l1/leafdoc-api/internal/store"
)

const shutdownTimeout = 15 * time.Second

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional camera ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	engine := a.engine()
	defer func() {
		if err := engine.Close(); err != nil {
			a.log.Warn("model engine close failed", zap.Error(err))
		}
	}()
	// Warm the model in the background; requests that arrive first wait on it.
	go func() {
		if err := engine.LoadModel(ctx); err != nil {
			a.log.Error("model warm-up failed, will retry on first request", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store.Path, a.log)
	if err != nil {
		return err
	}
	defer st.Close()

	exporter := a.exporter()
	opts := []service.Option{
		service.WithLogger(a.log),
		service.WithExporter(exporter),
		service.WithNormalizer(diagnosis.NewNormalizer(a.log, a.metrics)),
	}
	if cfg.ObjectStore.AccessKey != "" {
		objects, err := objectstore.NewMinIO(ctx, cfg.ObjectStore, a.log)
		if err != nil {
			return err
		}
		opts = append(opts, service.WithObjectStore(objects))
	} else {
		a.log.Warn("object store disabled, diagnoses are stored without images")
	}
	svc := service.New(engine, st, opts...)

	if cfg.MQTT.Enabled {
		sub, err := ingest.Dial(ctx, cfg.MQTT, svc,
			ingest.WithLogger(a.log),
			ingest.WithMetrics(a.metrics),
			ingest.WithMaxPayload(int(cfg.Server.MaxUploadBytes)))
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	h := handlers.NewHandler(engine, svc,
		handlers.WithLogger(a.log),
		handlers.WithMetrics(a.metrics),
		handlers.WithReportLabels(exporter.Labels),
		handlers.WithMaxUpload(cfg.Server.MaxUploadBytes))
	e := handlers.NewServer(h, handlers.ServerOptions{
		Server:    cfg.Server,
		RateLimit: cfg.RateLimit,
		Auth:      a.jwt(),
		Metrics:   a.metrics.Handler(),
		Logger:    a.log,
	})
	srv := handlers.NewHTTPServer(e, cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
