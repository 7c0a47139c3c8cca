package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
)

type ThumbStatus int

const (
	ThumbReady ThumbStatus = iota
	// ThumbMissing means the row has no image reference.
	ThumbMissing
	// ThumbUnavailable means the fetch or decode failed.
	ThumbUnavailable
)

// Thumbnail is a prefetched, re-encoded image ready for embedding.
type Thumbnail struct {
	Status ThumbStatus
	JPEG   []byte
	Width  int
	Height int
	Err    error
}

const (
	maxImageBytes  = 16 << 20
	thumbMaxSide   = 320
	defaultWorkers = 8
)

// Fetcher downloads record images for embedding. Successful fetches are
// cached by URL.
type Fetcher struct {
	client  *http.Client
	cache   *cache.Cache
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewFetcher(client *http.Client, ttl time.Duration, log *zap.Logger, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		cache:   cache.New(ttl, 2*ttl),
		workers: defaultWorkers,
		log:     log.Named("prefetch"),
		metrics: m,
	}
}

// Prefetch fetches every row's image concurrently and returns once all
// fetches have settled. The result is aligned with rows. A failed fetch
// yields a ThumbUnavailable entry and never affects other rows.
func (f *Fetcher) Prefetch(ctx context.Context, rows []Row) []Thumbnail {
	thumbs := make([]Thumbnail, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, row := range rows {
		switch {
		case !row.OK():
			thumbs[i] = Thumbnail{Status: ThumbUnavailable, Err: row.Err}
			continue
		case row.Record.ImageRef == "":
			thumbs[i] = Thumbnail{Status: ThumbMissing}
			continue
		}

		g.Go(func() error {
			thumb, err := f.fetch(gctx, row.Record.ImageRef)
			if err != nil {
				f.log.Warn("image prefetch failed",
					zap.String("record_id", row.Record.ID),
					zap.String("url", row.Record.ImageRef),
					zap.Error(err))
				if f.metrics != nil {
					f.metrics.ExportImageFailures.WithLabelValues("fetch").Inc()
				}
				thumb = Thumbnail{Status: ThumbUnavailable, Err: err}
			}
			thumbs[i] = thumb
			return nil
		})
	}
	_ = g.Wait()
	return thumbs
}

func (f *Fetcher) fetch(ctx context.Context, url string) (Thumbnail, error) {
	if cached, ok := f.cache.Get(url); ok {
		return cached.(Thumbnail), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Thumbnail{}, fetchError(err, url)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Thumbnail{}, fetchError(err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Thumbnail{}, fetchError(fmt.Errorf("unexpected status %d", resp.StatusCode), url)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes), imaging.AutoOrientation(true))
	if err != nil {
		return Thumbnail{}, fetchError(fmt.Errorf("decode: %w", err), url)
	}
	img = imaging.Fit(img, thumbMaxSide, thumbMaxSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return Thumbnail{}, fetchError(fmt.Errorf("encode: %w", err), url)
	}

	b := img.Bounds()
	thumb := Thumbnail{Status: ThumbReady, JPEG: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}
	f.cache.SetDefault(url, thumb)
	return thumb, nil
}

func fetchError(err error, url string) error {
	return errors.New(err).
		Component("report").
		Category(errors.CategoryImageFetch).
		Context("url", url).
		Build()
}
