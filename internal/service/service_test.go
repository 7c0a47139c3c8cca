package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/objectstore"
	"github.com/Brownie44l1/leafdoc-api/internal/report"
	"github.com/Brownie44l1/leafdoc-api/internal/store"
)

var clock = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// fakePredictor answers by image width: 1 scab, 2 inference failure,
// 3 model load failure, anything else healthy.
type fakePredictor struct{}

func (fakePredictor) Predict(_ context.Context, img image.Image) (model.PredictionResult, error) {
	switch img.Bounds().Dx() {
	case 1:
		return model.PredictionResult{DiseaseLabel: "scab", Confidence: 0.83, TreatmentText: model.Treatment("scab"), PreventionText: model.Prevention("scab")}, nil
	case 2:
		return model.PredictionResult{}, errors.Newf("run failed").Category(errors.CategoryInference).Build()
	case 3:
		return model.PredictionResult{}, errors.Newf("fetch failed").Category(errors.CategoryModelLoad).Build()
	}
	return model.PredictionResult{DiseaseLabel: "healthy", Confidence: 0.97, TreatmentText: "-", PreventionText: "-"}, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: map[string][]byte{}} }

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) (objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return objectstore.Object{}, f.putErr
	}
	f.objects[key] = data
	return objectstore.Object{Key: key, URL: "https://objects.example.com/leaves/" + key}, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// failingDocs fails every prediction write.
type failingDocs struct{ *store.Store }

func (failingDocs) RecordPrediction(context.Context, string, string, []byte, store.Prediction) (store.Document, error) {
	return store.Document{}, errors.Newf("disk full").Category(errors.CategoryDatabase).Build()
}

type captureExporter struct {
	meta report.Meta
	rows []report.Row
}

func (c *captureExporter) Export(_ context.Context, meta report.Meta, _ report.Labels, rows []report.Row, w io.Writer) (report.RenderStats, error) {
	c.meta, c.rows = meta, rows
	_, err := w.Write([]byte("%PDF-fake"))
	return report.RenderStats{Pages: 1}, err
}

func upload(t *testing.T, name string, width int) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(width, 4, color.NRGBA{G: 120, A: 255}), imaging.PNG))
	return Upload{Name: name, ContentType: "image/png", Data: buf.Bytes()}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.Store, *fakeObjects) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "leafdoc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	objects := newFakeObjects()
	opts = append([]Option{WithObjectStore(objects), WithClock(func() time.Time { return clock })}, opts...)
	return New(fakePredictor{}, st, opts...), st, objects
}

func verified(uid string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: uid, Verified: true})
}

func TestDiagnoseAnonymousIsNotPersisted(t *testing.T) {
	svc, st, objects := newTestService(t)

	outcomes, err := svc.Diagnose(context.Background(), []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformWeb)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Result)
	assert.Equal(t, "scab", outcomes[0].Result.DiseaseLabel)
	assert.Nil(t, outcomes[0].Record)
	assert.Zero(t, objects.count())

	docs, err := st.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDiagnoseUnverifiedIsNotPersisted(t *testing.T) {
	svc, _, objects := newTestService(t)
	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "u1"})

	outcomes, err := svc.Diagnose(ctx, []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformWeb)
	require.NoError(t, err)
	assert.Nil(t, outcomes[0].Record)
	assert.Zero(t, objects.count())
}

func TestDiagnosePersistsAndRoundTrips(t *testing.T) {
	svc, st, objects := newTestService(t)
	ctx := verified("u1")

	outcomes, err := svc.Diagnose(ctx, []Upload{upload(t, "a.png", 1), upload(t, "b.png", 5)}, diagnosis.PlatformWeb)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	rec := outcomes[0].Record
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "users/u1/predictions/scab/1717236000000.jpg", rec.StoragePath)
	assert.Equal(t, "https://objects.example.com/leaves/"+rec.StoragePath, rec.ImageRef)
	assert.Equal(t, 2, objects.count())

	got, err := svc.Get(ctx, "u1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *rec, got)
	assert.Equal(t, diagnosis.Record{
		ID: rec.ID, OwnerID: "u1", ImageRef: rec.ImageRef, StoragePath: rec.StoragePath,
		DiseaseLabel: "scab", Confidence: 0.83, TreatmentText: model.Treatment("scab"), PreventionText: model.Prevention("scab"),
		CapturedAt: clock, SourcePlatform: diagnosis.PlatformWeb,
	}, got)

	stats, err := st.Statistics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPredictions)
	assert.Equal(t, 1, stats.HealthyCount)
}

func TestDiagnoseBatchSemantics(t *testing.T) {
	svc, _, _ := newTestService(t)

	uploads := []Upload{
		upload(t, "ok.png", 1),
		{Name: "garbage.png", Data: []byte("not an image")},
		upload(t, "broken.png", 2),
		upload(t, "ok2.png", 5),
		upload(t, "load.png", 3),
		upload(t, "never.png", 1),
	}
	outcomes, err := svc.Diagnose(context.Background(), uploads, diagnosis.PlatformWeb)

	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
	require.Len(t, outcomes, 4)

	assert.True(t, outcomes[0].OK())
	assert.True(t, errors.IsCategory(outcomes[1].Err, errors.CategoryValidation))
	assert.True(t, errors.IsCategory(outcomes[2].Err, errors.CategoryInference))
	assert.Nil(t, outcomes[2].Result)
	assert.True(t, outcomes[3].OK())
	assert.Equal(t, "healthy", outcomes[3].Result.DiseaseLabel)
	assert.Equal(t, []string{"ok.png", "garbage.png", "broken.png", "ok2.png"},
		[]string{outcomes[0].Name, outcomes[1].Name, outcomes[2].Name, outcomes[3].Name})
}

func TestDiagnosePersistenceFailures(t *testing.T) {
	t.Run("upload", func(t *testing.T) {
		svc, _, objects := newTestService(t)
		objects.putErr = errors.Newf("bucket gone").Category(errors.CategoryStorage).Build()

		outcomes, err := svc.Diagnose(verified("u1"), []Upload{upload(t, "a.png", 1), upload(t, "b.png", 5)}, diagnosis.PlatformWeb)
		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		for _, o := range outcomes {
			assert.True(t, errors.IsCategory(o.Err, errors.CategoryStorage))
			assert.NotNil(t, o.Result, "prediction is still reported")
		}
	})

	t.Run("record write removes the uploaded image", func(t *testing.T) {
		st, err := store.Open(filepath.Join(t.TempDir(), "leafdoc.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		objects := newFakeObjects()
		svc := New(fakePredictor{}, failingDocs{st}, WithObjectStore(objects), WithClock(func() time.Time { return clock }))

		outcomes, err := svc.Diagnose(verified("u1"), []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformWeb)
		require.NoError(t, err)
		assert.True(t, errors.IsCategory(outcomes[0].Err, errors.CategoryDatabase))
		assert.Zero(t, objects.count())
	})
}

func TestDiagnoseWithoutObjectStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "leafdoc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := New(fakePredictor{}, st)

	outcomes, err := svc.Diagnose(verified("u1"), []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformCamera)
	require.NoError(t, err)
	require.NotNil(t, outcomes[0].Record)
	assert.Empty(t, outcomes[0].Record.ImageRef)

	docs, err := st.List(context.Background(), "u1", diagnosis.CollectionCamera)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestHistoryMergesCollections(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := verified("u1")

	_, err := st.Import(ctx, []store.Document{
		{ID: "legacy-web", OwnerID: "u1", Collection: diagnosis.CollectionDiagnosis,
			Body: []byte(`{"diseaseName":"rust","confidence":0.7,"timestamp":"2024-05-01T08:00:00Z","platform":"web"}`)},
		{ID: "legacy-cam", OwnerID: "u1", Collection: diagnosis.CollectionCamera,
			Body: []byte(`{"result":{"disease":"Black Rot","confidence":0.9},"timestamp":{"seconds":1717000000,"nanoseconds":0},"platform":"esp32cam"}`)},
		{ID: "other-owner", OwnerID: "u2", Collection: diagnosis.CollectionDiagnosis, Body: []byte(`{"diseaseName":"scab"}`)},
		{ID: "elsewhere", OwnerID: "u1", Collection: "drafts", Body: []byte(`{"diseaseName":"scab"}`)},
	})
	require.NoError(t, err)
	_, err = svc.Diagnose(ctx, []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformMobile)
	require.NoError(t, err)

	records, err := svc.History(ctx, "u1", diagnosis.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "scab", records[0].DiseaseLabel)
	assert.Equal(t, diagnosis.PlatformMobile, records[0].SourcePlatform)
	assert.Equal(t, "legacy-cam", records[1].ID)
	assert.Equal(t, diagnosis.PlatformCamera, records[1].SourcePlatform)
	assert.Equal(t, "legacy-web", records[2].ID)

	filtered, err := svc.History(ctx, "u1", diagnosis.Filter{Query: "rot"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "legacy-cam", filtered[0].ID)

	dash, err := svc.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, dash.Total)
	assert.Equal(t, 3, dash.Diseased)
}

func TestDeleteRemovesImage(t *testing.T) {
	svc, _, objects := newTestService(t)
	ctx := verified("u1")

	outcomes, err := svc.Diagnose(ctx, []Upload{upload(t, "a.png", 1)}, diagnosis.PlatformWeb)
	require.NoError(t, err)
	id := outcomes[0].Record.ID
	require.Equal(t, 1, objects.count())

	err = svc.Delete(ctx, "u2", id)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, 1, objects.count())

	require.NoError(t, svc.Delete(ctx, "u1", id))
	assert.Zero(t, objects.count())

	_, err = svc.Get(ctx, "u1", id)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestExport(t *testing.T) {
	exporter := &captureExporter{}
	svc, _, _ := newTestService(t, WithExporter(exporter))
	ctx := verified("u1")

	_, err := svc.Diagnose(ctx, []Upload{upload(t, "a.png", 1), upload(t, "b.png", 5)}, diagnosis.PlatformWeb)
	require.NoError(t, err)

	var out bytes.Buffer
	stats, err := svc.Export(ctx, "u1", "grower@example.com", diagnosis.Filter{Query: "scab"}, report.English, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, "%PDF-fake", out.String())
	assert.Equal(t, "grower@example.com", exporter.meta.Owner)
	require.Len(t, exporter.rows, 1)
	assert.Equal(t, "scab", exporter.rows[0].Record.DiseaseLabel)

	outcomes := []Outcome{
		{Name: "a", Result: &model.PredictionResult{DiseaseLabel: "rust", Confidence: 0.5}},
		{Name: "b", Err: assert.AnError},
		{Name: "c", Result: &model.PredictionResult{DiseaseLabel: "scab", Confidence: 0.7}, Err: assert.AnError},
	}
	_, err = svc.ExportOutcomes(ctx, "", outcomes, report.English, &out)
	require.NoError(t, err)
	require.Len(t, exporter.rows, 3)
	assert.True(t, exporter.rows[0].OK())
	assert.False(t, exporter.rows[0].Unsaved)
	assert.False(t, exporter.rows[1].OK())
	assert.True(t, exporter.rows[2].OK())
	assert.True(t, exporter.rows[2].Unsaved)
	assert.Equal(t, "scab", exporter.rows[2].Record.DiseaseLabel)
}

func TestExportRequiresExporter(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Export(verified("u1"), "u1", "", diagnosis.Filter{}, report.English, io.Discard)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
