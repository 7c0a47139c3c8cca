package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/config"
	"github.com/Brownie44l1/leafdoc-api/internal/logger"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/report"
)

// app holds what every command shares: config, logger and metrics.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, metrics: metrics.New()}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

// engine builds the model engine. The model is loaded on first use.
func (a *app) engine() *model.Engine {
	var source model.ArtifactSource
	if a.cfg.Model.BaseURL != "" {
		source = &model.HTTPSource{
			BaseURL: a.cfg.Model.BaseURL,
			Client:  &http.Client{Timeout: a.cfg.Model.FetchTimeout},
		}
	} else {
		source = &model.FileSource{Dir: a.cfg.Model.Dir}
	}
	a.log.Info("model source", zap.Stringer("source", source))
	return model.NewEngine(source, model.NewONNXRuntime(a.cfg.Model.SharedLibraryPath),
		model.WithLogger(a.log),
		model.WithMetrics(a.metrics))
}

func (a *app) exporter() *report.Exporter {
	fetcher := report.NewFetcher(&http.Client{Timeout: a.cfg.Report.FetchTimeout}, a.cfg.Report.CacheTTL, a.log, a.metrics)
	return report.NewExporter(fetcher, a.cfg.Report.FontDir, a.log, a.metrics)
}

func (a *app) jwt() *auth.JWTService {
	if a.cfg.Auth.JWTSecret == "" {
		a.log.Warn("auth.jwt_secret is empty, every bearer token will be rejected")
	}
	return auth.NewJWTService(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.TokenTTL)
}
