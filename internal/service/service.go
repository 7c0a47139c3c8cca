// Package service runs diagnoses end to end and serves a grower's history.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/objectstore"
	"github.com/Brownie44l1/leafdoc-api/internal/report"
	"github.com/Brownie44l1/leafdoc-api/internal/store"
)

const component = "service"

type Predictor interface {
	Predict(ctx context.Context, img image.Image) (model.PredictionResult, error)
}

type DocumentStore interface {
	RecordPrediction(ctx context.Context, ownerID, collection string, body []byte, p store.Prediction) (store.Document, error)
	Get(ctx context.Context, ownerID, id string) (store.Document, error)
	List(ctx context.Context, ownerID string, collections ...string) ([]store.Document, error)
	Delete(ctx context.Context, ownerID, id string) error
	Statistics(ctx context.Context, ownerID string) (store.Statistics, error)
}

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (objectstore.Object, error)
	Delete(ctx context.Context, key string) error
}

type Exporter interface {
	Export(ctx context.Context, meta report.Meta, labels report.Labels, rows []report.Row, w io.Writer) (report.RenderStats, error)
}

// Upload is one submitted image.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outcome is the result of one upload. Result is set whenever inference
// succeeded; Record is set when the diagnosis was persisted.
type Outcome struct {
	Name   string
	Result *model.PredictionResult
	Record *diagnosis.Record
	Err    error
}

func (o Outcome) OK() bool { return o.Err == nil }

type Service struct {
	predictor  Predictor
	docs       DocumentStore
	objects    ObjectStore
	exporter   Exporter
	normalizer *diagnosis.Normalizer
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Service)

// WithObjectStore enables image upload. Without it records are stored with
// no image reference.
func WithObjectStore(o ObjectStore) Option { return func(s *Service) { s.objects = o } }

func WithExporter(e Exporter) Option { return func(s *Service) { s.exporter = e } }

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

func WithNormalizer(n *diagnosis.Normalizer) Option { return func(s *Service) { s.normalizer = n } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(predictor Predictor, docs DocumentStore, opts ...Option) *Service {
	s := &Service{
		predictor: predictor,
		docs:      docs,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named(component)
	if s.normalizer == nil {
		s.normalizer = diagnosis.NewNormalizer(s.log, nil)
	}
	return s
}

// Diagnose runs every upload through the model in order. An item that fails
// to decode, infer or persist is recorded in its outcome and the batch moves
// on. A model that cannot load ends the batch: the outcomes so far are
// returned together with the load error.
//
// Diagnoses are persisted only for a verified identity in ctx.
func (s *Service) Diagnose(ctx context.Context, uploads []Upload, platform diagnosis.Platform) ([]Outcome, error) {
	id, ok := auth.FromContext(ctx)
	persist := ok && id.Verified

	outcomes := make([]Outcome, 0, len(uploads))
	for _, up := range uploads {
		outcome := Outcome{Name: up.Name}

		img, err := imaging.Decode(bytes.NewReader(up.Data), imaging.AutoOrientation(true))
		if err != nil {
			outcome.Err = errors.New(fmt.Errorf("decode %s: %w", up.Name, err)).
				Component(component).
				Category(errors.CategoryValidation).
				Context("upload", up.Name).
				Build()
			outcomes = append(outcomes, outcome)
			continue
		}

		res, err := s.predictor.Predict(ctx, img)
		if errors.IsCategory(err, errors.CategoryModelLoad) {
			s.log.Error("model unavailable, batch stopped", zap.Error(err), zap.Int("done", len(outcomes)), zap.Int("total", len(uploads)))
			return outcomes, err
		}
		if err != nil {
			s.log.Warn("inference failed", zap.String("upload", up.Name), zap.Error(err))
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Result = &res

		if persist {
			rec, err := s.persist(ctx, id.UserID, up, platform, res)
			if err != nil {
				outcome.Err = err
			} else {
				outcome.Record = &rec
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) persist(ctx context.Context, ownerID string, up Upload, platform diagnosis.Platform, res model.PredictionResult) (diagnosis.Record, error) {
	at := s.now().UTC()

	var obj objectstore.Object
	if s.objects != nil {
		contentType := up.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		var err error
		obj, err = s.objects.Put(ctx, objectstore.PredictionKey(ownerID, res.DiseaseLabel, at), up.Data, contentType)
		if err != nil {
			s.log.Error("image upload failed", zap.String("owner", ownerID), zap.Error(err))
			return diagnosis.Record{}, err
		}
	}

	rec := diagnosis.NewRecord(ownerID, obj.URL, obj.Key, platform, res, at)
	body, err := diagnosis.EncodeDocument(rec)
	if err != nil {
		return diagnosis.Record{}, errors.New(err).Component(component).Category(errors.CategoryDatabase).Build()
	}

	doc, err := s.docs.RecordPrediction(ctx, ownerID, diagnosis.CollectionFor(platform), body, store.Prediction{
		Label:      rec.DiseaseLabel,
		Confidence: rec.Confidence,
		Healthy:    diagnosis.IsHealthy(rec.DiseaseLabel),
		At:         at,
	})
	if err != nil {
		s.log.Error("record write failed", zap.String("owner", ownerID), zap.Error(err))
		if obj.Key != "" {
			if derr := s.objects.Delete(ctx, obj.Key); derr != nil {
				s.log.Warn("orphaned image left in bucket", zap.String("key", obj.Key), zap.Error(derr))
			}
		}
		return diagnosis.Record{}, err
	}

	rec.ID = doc.ID
	s.log.Info("diagnosis stored",
		zap.String("id", rec.ID),
		zap.String("owner", ownerID),
		zap.String("label", rec.DiseaseLabel),
		zap.String("platform", string(platform)))
	return rec, nil
}

// History returns the owner's records from every collection, newest first,
// narrowed by f.
func (s *Service) History(ctx context.Context, ownerID string, f diagnosis.Filter) ([]diagnosis.Record, error) {
	docs, err := s.docs.List(ctx, ownerID, diagnosis.CollectionDiagnosis, diagnosis.CollectionCamera)
	if err != nil {
		return nil, err
	}
	records := make([]diagnosis.Record, len(docs))
	for i, d := range docs {
		records[i] = s.normalizer.Document(d.ID, d.OwnerID, d.Body)
	}
	diagnosis.SortNewestFirst(records)
	return f.Apply(records), nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (diagnosis.Record, error) {
	doc, err := s.docs.Get(ctx, ownerID, id)
	if err != nil {
		return diagnosis.Record{}, err
	}
	return s.normalizer.Document(doc.ID, doc.OwnerID, doc.Body), nil
}

// Delete removes a record and then its stored image. A failure to remove
// the image is logged only.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	rec, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	if rec.StoragePath != "" && s.objects != nil {
		if err := s.objects.Delete(ctx, rec.StoragePath); err != nil {
			s.log.Warn("stored image not removed", zap.String("id", id), zap.String("key", rec.StoragePath), zap.Error(err))
		}
	}
	s.log.Info("diagnosis deleted", zap.String("id", id), zap.String("owner", ownerID))
	return nil
}

func (s *Service) Statistics(ctx context.Context, ownerID string) (store.Statistics, error) {
	return s.docs.Statistics(ctx, ownerID)
}

func (s *Service) Dashboard(ctx context.Context, ownerID string) (diagnosis.Dashboard, error) {
	records, err := s.History(ctx, ownerID, diagnosis.Filter{})
	if err != nil {
		return diagnosis.Dashboard{}, err
	}
	return diagnosis.BuildDashboard(records), nil
}

// Export writes the PDF report of the owner's filtered history to w.
func (s *Service) Export(ctx context.Context, ownerID, ownerName string, f diagnosis.Filter, labels report.Labels, w io.Writer) (report.RenderStats, error) {
	if s.exporter == nil {
		return report.RenderStats{}, errors.Newf("report export is not configured").
			Component(component).
			Category(errors.CategoryConfiguration).
			Build()
	}
	records, err := s.History(ctx, ownerID, f)
	if err != nil {
		return report.RenderStats{}, err
	}
	if ownerName == "" {
		ownerName = ownerID
	}
	meta := report.Meta{Owner: ownerName, ExportedAt: s.now(), Location: f.Location}
	return s.exporter.Export(ctx, meta, labels, report.Rows(records), w)
}

// ExportOutcomes writes a report of one batch, error items included.
func (s *Service) ExportOutcomes(ctx context.Context, ownerName string, outcomes []Outcome, labels report.Labels, w io.Writer) (report.RenderStats, error) {
	if s.exporter == nil {
		return report.RenderStats{}, errors.Newf("report export is not configured").
			Component(component).
			Category(errors.CategoryConfiguration).
			Build()
	}
	rows := make([]report.Row, 0, len(outcomes))
	for i, o := range outcomes {
		switch {
		case o.Record != nil:
			rows = append(rows, report.Success(*o.Record))
		case o.Result != nil:
			r := diagnosis.NewRecord("", "", "", diagnosis.PlatformUnknown, *o.Result, s.now())
			if o.Err != nil {
				rows = append(rows, report.Unsaved(r))
			} else {
				rows = append(rows, report.Success(r))
			}
		default:
			rows = append(rows, report.Failure(fmt.Sprintf("item-%d", i+1), o.Err))
		}
	}
	return s.exporter.Export(ctx, report.Meta{Owner: ownerName, ExportedAt: s.now()}, labels, rows, w)
}
