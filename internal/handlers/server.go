package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/config"
)

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	Server    config.ServerConfig
	RateLimit config.RateLimitConfig
	Auth      *auth.JWTService
	Metrics   http.Handler
	Logger    *zap.Logger
}

// NewServer builds the echo instance with middleware and every route.
func NewServer(h *Handler, opts ServerOptions) *echo.Echo {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	httpLog := log.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(httpLog)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(requestLogger(httpLog))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  opts.Server.AllowOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, "Accept-Language"},
		ExposeHeaders: []string{echo.HeaderContentDisposition, echo.HeaderXRequestID},
	}))
	if limit := opts.Server.MaxUploadBytes; limit > 0 {
		// Multipart framing on top of the file itself.
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", (limit+1<<20)/1024)))
	}
	if opts.RateLimit.RequestsPerSecond > 0 {
		e.Use(rateLimiter(opts.RateLimit))
	}

	e.GET("/health", h.Health)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	authn := auth.Middleware(opts.Auth, log)
	e.POST("/predict", h.Predict)
	e.POST("/predict/image", h.PredictFromImage, authn)

	api := e.Group("/api/v1", authn)
	api.GET("/model", h.ModelInfo)

	api.GET("/diagnoses", h.ListDiagnoses, auth.RequireIdentity)
	api.GET("/diagnoses/export.pdf", h.ExportDiagnoses, auth.RequireIdentity)
	api.GET("/diagnoses/:id", h.GetDiagnosis, auth.RequireIdentity)
	api.DELETE("/diagnoses/:id", h.DeleteDiagnosis, auth.RequireVerified)
	api.GET("/statistics", h.Statistics, auth.RequireIdentity)
	api.GET("/dashboard", h.Dashboard, auth.RequireIdentity)
	api.POST("/devices/:device/captures", h.Capture, auth.RequireVerified)

	return e
}

// NewHTTPServer wraps e with the configured address and timeouts.
func NewHTTPServer(e *echo.Echo, cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           e,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func rateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond) + 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: store,
		ErrorHandler: rateLimitIdentifierError,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests)
		},
	})
}

// rateLimitIdentifierError answers a request whose client could not be
// identified for rate limiting.
func rateLimitIdentifierError(c echo.Context, err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
}

// requestLogger logs one line per request; the level follows the status.
func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:          true,
		LogStatus:       true,
		LogLatency:      true,
		LogRemoteIP:     true,
		LogMethod:       true,
		LogError:        true,
		LogResponseSize: true,
		LogRequestID:    true,
		HandleError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := zapcore.InfoLevel
			switch {
			case v.Status >= 500:
				level = zapcore.ErrorLevel
			case v.Status >= 400:
				level = zapcore.WarnLevel
			}
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.Int64("bytes_out", v.ResponseSize),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Log(level, "request", fields...)
			return nil
		},
	})
}
