package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata" // tz query parameter on hosts without zoneinfo

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/report"
	"github.com/Brownie44l1/leafdoc-api/internal/service"
	"github.com/Brownie44l1/leafdoc-api/internal/store"
)

const component = "handlers"

// Engine is the part of the model engine the raw tensor endpoint needs.
type Engine interface {
	PredictRaw(ctx context.Context, input []float32) (model.PredictionResult, error)
	Metadata(ctx context.Context) (model.Metadata, error)
	Loaded() bool
}

// Service is the diagnosis service behind the API.
type Service interface {
	Diagnose(ctx context.Context, uploads []service.Upload, platform diagnosis.Platform) ([]service.Outcome, error)
	History(ctx context.Context, ownerID string, f diagnosis.Filter) ([]diagnosis.Record, error)
	Get(ctx context.Context, ownerID, id string) (diagnosis.Record, error)
	Delete(ctx context.Context, ownerID, id string) error
	Statistics(ctx context.Context, ownerID string) (store.Statistics, error)
	Dashboard(ctx context.Context, ownerID string) (diagnosis.Dashboard, error)
	Export(ctx context.Context, ownerID, ownerName string, f diagnosis.Filter, labels report.Labels, w io.Writer) (report.RenderStats, error)
	ExportOutcomes(ctx context.Context, ownerName string, outcomes []service.Outcome, labels report.Labels, w io.Writer) (report.RenderStats, error)
}

type Handler struct {
	engine    Engine
	svc       Service
	labels    func(acceptLanguage string) report.Labels
	metrics   *metrics.Metrics
	log       *zap.Logger
	maxUpload int64
}

type Option func(*Handler)

func WithLogger(log *zap.Logger) Option { return func(h *Handler) { h.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// WithReportLabels sets how report labels are chosen from Accept-Language.
func WithReportLabels(f func(string) report.Labels) Option {
	return func(h *Handler) { h.labels = f }
}

// WithMaxUpload caps a single uploaded image, in bytes.
func WithMaxUpload(n int64) Option { return func(h *Handler) { h.maxUpload = n } }

func NewHandler(engine Engine, svc Service, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		svc:       svc,
		labels:    report.LabelsFor,
		log:       zap.NewNop(),
		maxUpload: 10 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.Named(component)
	return h
}

func invalid(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component(component).
		Category(errors.CategoryValidation).
		Build()
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "healthy",
		"model_loaded": h.engine.Loaded(),
	})
}

// Predict classifies a preprocessed tensor sent as {"image": [...]}.
func (h *Handler) Predict(c echo.Context) error {
	var req model.PredictionRequest
	if err := c.Bind(&req); err != nil {
		return invalid("invalid JSON body")
	}
	if len(req.Image) == 0 {
		return invalid("image tensor is required")
	}

	result, err := h.engine.PredictRaw(c.Request().Context(), req.Image)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ItemView is one entry of a batch response.
type ItemView struct {
	Name       string                  `json:"name"`
	OK         bool                    `json:"ok"`
	Prediction *model.PredictionResult `json:"prediction,omitempty"`
	Record     *diagnosis.Record       `json:"record,omitempty"`
	Error      *ErrorBody              `json:"error,omitempty"`
}

// BatchView is the response of the image endpoints.
type BatchView struct {
	Status string     `json:"status"`
	Saved  bool       `json:"saved"`
	Items  []ItemView `json:"items"`
}

func (h *Handler) batchView(outcomes []service.Outcome, acceptLanguage string) BatchView {
	view := BatchView{Status: "ok", Items: make([]ItemView, len(outcomes))}
	for i, o := range outcomes {
		item := ItemView{Name: o.Name, OK: o.OK(), Prediction: o.Result, Record: o.Record}
		if o.Err != nil {
			_, body := errorBody(o.Err, acceptLanguage)
			item.Error = &body
		}
		if o.Record != nil {
			view.Saved = true
		}
		view.Items[i] = item
	}
	return view
}

// PredictFromImage diagnoses one or more uploaded images sent in the
// multipart field "image". With ?format=pdf the batch is returned as a
// report instead of JSON.
func (h *Handler) PredictFromImage(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return invalid("failed to parse multipart form: %v", err)
	}
	files := form.File["image"]
	if len(files) == 0 {
		return invalid("no image file provided, use 'image' as the form field name")
	}

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		up, err := h.readUpload(fh)
		if err != nil {
			return err
		}
		uploads = append(uploads, up)
	}

	platform := platformParam(c.FormValue("platform"))
	h.log.Debug("diagnosing uploads", zap.Int("count", len(uploads)), zap.String("platform", string(platform)))

	outcomes, err := h.svc.Diagnose(c.Request().Context(), uploads, platform)
	if err != nil {
		return err
	}

	lang := c.Request().Header.Get("Accept-Language")
	if c.QueryParam("format") == "pdf" {
		id, _ := auth.FromContext(c.Request().Context())
		return h.pdf(c, "diagnosis.pdf", func(w io.Writer) (report.RenderStats, error) {
			return h.svc.ExportOutcomes(c.Request().Context(), ownerName(id), outcomes, h.labels(lang), w)
		})
	}
	return c.JSON(http.StatusOK, h.batchView(outcomes, lang))
}

func (h *Handler) readUpload(fh *multipart.FileHeader) (service.Upload, error) {
	if fh.Size > h.maxUpload {
		return service.Upload{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return service.Upload{}, invalid("failed to open %s", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return service.Upload{}, invalid("failed to read %s", fh.Filename)
	}
	if int64(len(data)) > h.maxUpload {
		return service.Upload{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	}
	return service.Upload{Name: fh.Filename, ContentType: fh.Header.Get(echo.HeaderContentType), Data: data}, nil
}

// platformParam reads the client-declared platform; browsers are the default.
func platformParam(v string) diagnosis.Platform {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mobile", "flutter":
		return diagnosis.PlatformMobile
	default:
		return diagnosis.PlatformWeb
	}
}

// Capture diagnoses a raw JPEG body posted by a camera device.
func (h *Handler) Capture(c echo.Context) error {
	device := c.Param("device")
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxUpload+1))
	if err != nil {
		return invalid("failed to read capture body")
	}
	if int64(len(data)) > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	}
	if len(data) == 0 {
		return invalid("capture body is empty")
	}

	name := fmt.Sprintf("%s-%d.jpg", device, time.Now().UnixMilli())
	outcomes, err := h.svc.Diagnose(c.Request().Context(), []service.Upload{{
		Name:        name,
		ContentType: "image/jpeg",
		Data:        data,
	}}, diagnosis.PlatformCamera)
	h.observeCapture(outcomes, err)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.batchView(outcomes, c.Request().Header.Get("Accept-Language")))
}

func (h *Handler) observeCapture(outcomes []service.Outcome, err error) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if err != nil || len(outcomes) == 0 || !outcomes[0].OK() {
		status = "error"
	}
	h.metrics.CaptureTotal.WithLabelValues(status).Inc()
}

// filterParams reads q, from, to and tz. Dates are YYYY-MM-DD in tz, which
// defaults to UTC.
func filterParams(c echo.Context) (diagnosis.Filter, error) {
	f := diagnosis.Filter{Query: c.QueryParam("q"), Location: time.UTC}
	if tz := c.QueryParam("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return f, invalid("unknown time zone %q", tz)
		}
		f.Location = loc
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.ParseInLocation(time.DateOnly, v, f.Location)
		if err != nil {
			return f, invalid("%s must be a date in YYYY-MM-DD form", p.name)
		}
		*p.dst = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, invalid("to is before from")
	}
	return f, nil
}

// identity returns the caller; routes using it sit behind auth.RequireIdentity.
func identity(c echo.Context) auth.Identity {
	id, _ := auth.FromContext(c.Request().Context())
	return id
}

func ownerName(id auth.Identity) string {
	if id.Email != "" {
		return id.Email
	}
	return id.UserID
}

// ListDiagnoses returns the caller's history, newest first.
func (h *Handler) ListDiagnoses(c echo.Context) error {
	f, err := filterParams(c)
	if err != nil {
		return err
	}
	records, err := h.svc.History(c.Request().Context(), identity(c).UserID, f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"count":  len(records),
		"items":  records,
	})
}

func (h *Handler) GetDiagnosis(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), identity(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteDiagnosis(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), identity(c).UserID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ExportDiagnoses streams the caller's filtered history as a PDF report.
func (h *Handler) ExportDiagnoses(c echo.Context) error {
	f, err := filterParams(c)
	if err != nil {
		return err
	}
	id := identity(c)
	labels := h.labels(c.Request().Header.Get("Accept-Language"))
	return h.pdf(c, "leafdoc-history.pdf", func(w io.Writer) (report.RenderStats, error) {
		return h.svc.Export(c.Request().Context(), id.UserID, ownerName(id), f, labels, w)
	})
}

// pdf renders into memory first so a failed export still gets a JSON error.
func (h *Handler) pdf(c echo.Context, filename string, render func(io.Writer) (report.RenderStats, error)) error {
	var buf bytes.Buffer
	stats, err := render(&buf)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	c.Response().Header().Set("X-Report-Pages", fmt.Sprint(stats.Pages))
	return c.Blob(http.StatusOK, "application/pdf", buf.Bytes())
}

func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.svc.Statistics(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// ModelInfo describes the loaded model contract.
func (h *Handler) ModelInfo(c echo.Context) error {
	meta, err := h.engine.Metadata(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}
