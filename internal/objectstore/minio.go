// Package objectstore keeps uploaded leaf images in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/config"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

const component = "objectstore"

// Object is a stored image: its key in the bucket and the URL it is served at.
type Object struct {
	Key string
	URL string
}

type MinIO struct {
	client     *minio.Client
	bucket     string
	publicBase string
	log        *zap.Logger
}

// NewMinIO connects to cfg.Endpoint and creates the bucket when missing.
func NewMinIO(ctx context.Context, cfg config.ObjectStoreConfig, log *zap.Logger) (*MinIO, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, storageError(err, "connect").Context("endpoint", cfg.Endpoint).Build()
	}

	exists, err := c.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, storageError(err, "bucket_exists").Context("bucket", cfg.Bucket).Build()
	}
	if !exists {
		if err := c.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, storageError(err, "make_bucket").Context("bucket", cfg.Bucket).Build()
		}
		log.Info("bucket created", zap.String("bucket", cfg.Bucket))
	}

	publicBase := cfg.PublicBase
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBase = scheme + "://" + cfg.Endpoint
	}

	return &MinIO{
		client:     c,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		log:        log.Named(component),
	}, nil
}

func storageError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(component).
		Category(errors.CategoryStorage).
		Context("operation", op)
}

// Put uploads data under key and returns its public URL.
func (m *MinIO) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, storageError(err, "put").Context("key", key).Build()
	}
	m.log.Debug("object stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return Object{Key: key, URL: PublicURL(m.publicBase, m.bucket, key)}, nil
}

func (m *MinIO) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return storageError(err, "delete").Context("key", key).Build()
	}
	return nil
}

// PublicURL joins base, bucket and key into the URL an object is served at.
func PublicURL(base, bucket, key string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + path.Join(bucket, key)
	}
	u.Path = path.Join("/", u.Path, bucket, key)
	return u.String()
}

var nonSafe = regexp.MustCompile(`[^a-z0-9\-_.]+`)

func sanitizeSegment(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Join(strings.Fields(name), "_")
	name = nonSafe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-_.")
	if name == "" {
		name = "unknown"
	}
	return name
}

// PredictionKey is the key of the image behind one diagnosis:
// users/{owner}/predictions/{label folder}/{epoch millis}.jpg
func PredictionKey(ownerID, label string, at time.Time) string {
	return fmt.Sprintf("users/%s/predictions/%s/%d.jpg", sanitizeSegment(ownerID), sanitizeSegment(label), at.UnixMilli())
}
