// Package store persists diagnosis documents and per-owner statistics in
// SQLite through gorm.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

const component = "store"

// Document is one stored diagnosis body. Bodies are kept exactly as written
// so older layouts survive until they are read.
type Document struct {
	ID         string         `gorm:"primaryKey;type:text" json:"id"`
	OwnerID    string         `gorm:"type:text;not null;index:idx_documents_owner_collection,priority:1" json:"ownerId"`
	Collection string         `gorm:"type:text;not null;index:idx_documents_owner_collection,priority:2" json:"collection"`
	Body       datatypes.JSON `gorm:"not null" json:"body"`
	CreatedAt  time.Time      `gorm:"index" json:"createdAt"`
}

// Statistics are the cumulative prediction counters of one owner.
type Statistics struct {
	OwnerID           string    `gorm:"primaryKey;type:text" json:"-"`
	TotalPredictions  int       `json:"totalPredictions"`
	HealthyCount      int       `json:"healthyCount"`
	TotalConfidence   float64   `json:"-"`
	AverageConfidence float64   `json:"averageConfidence"`
	UpdatedAt         time.Time `json:"updatedAt"`

	Diseases []DiseaseStatistic `gorm:"foreignKey:OwnerID;references:OwnerID" json:"diseases"`
}

// DiseaseStatistic counts predictions of one label for one owner.
type DiseaseStatistic struct {
	OwnerID           string    `gorm:"primaryKey;type:text" json:"-"`
	Label             string    `gorm:"primaryKey;type:text" json:"label"`
	Count             int       `json:"count"`
	TotalConfidence   float64   `json:"-"`
	AverageConfidence float64   `json:"averageConfidence"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

// Prediction is the statistics input of one persisted diagnosis.
type Prediction struct {
	Label      string
	Confidence float64
	Healthy    bool
	At         time.Time
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named(component)

	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dbError(err, "mkdir").Context("path", path).Build()
		}
	}

	gormLog := gormlogger.New(zap.NewStdLog(log), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open").Context("path", path).Build()
	}
	if err := db.AutoMigrate(&Document{}, &Statistics{}, &DiseaseStatistic{}); err != nil {
		return nil, dbError(fmt.Errorf("failed to auto-migrate database: %w", err), "migrate").Build()
	}

	log.Info("document store ready", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dbError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(component).
		Category(errors.CategoryDatabase).
		Context("operation", op)
}

func notFound(id string) error {
	return errors.New(fmt.Errorf("document %s: %w", id, errors.ErrNotFound)).
		Component(component).
		Category(errors.CategoryNotFound).
		Context("id", id).
		Build()
}

func newDocument(ownerID, collection string, body []byte) Document {
	return Document{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Collection: collection,
		Body:       datatypes.JSON(body),
		CreatedAt:  time.Now().UTC(),
	}
}

// Create stores body without touching statistics.
func (s *Store) Create(ctx context.Context, ownerID, collection string, body []byte) (Document, error) {
	doc := newDocument(ownerID, collection, body)
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return Document{}, dbError(err, "create").Context("collection", collection).Build()
	}
	return doc, nil
}

// RecordPrediction stores body and folds p into the owner's statistics in
// one transaction. Either both are written or neither is.
func (s *Store) RecordPrediction(ctx context.Context, ownerID, collection string, body []byte, p Prediction) (Document, error) {
	doc := newDocument(ownerID, collection, body)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return updateStatistics(tx, ownerID, p)
	})
	if err != nil {
		return Document{}, dbError(err, "record_prediction").Context("collection", collection).Build()
	}

	s.log.Debug("prediction recorded",
		zap.String("id", doc.ID),
		zap.String("owner", ownerID),
		zap.String("label", p.Label))
	return doc, nil
}

func updateStatistics(tx *gorm.DB, ownerID string, p Prediction) error {
	at := p.At.UTC()

	var stats Statistics
	err := tx.Where("owner_id = ?", ownerID).First(&stats).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	stats.OwnerID = ownerID
	stats.TotalPredictions++
	stats.TotalConfidence += p.Confidence
	stats.AverageConfidence = stats.TotalConfidence / float64(stats.TotalPredictions)
	if p.Healthy {
		stats.HealthyCount++
	}
	stats.UpdatedAt = at
	if err := tx.Omit(clause.Associations).Save(&stats).Error; err != nil {
		return err
	}

	var disease DiseaseStatistic
	err = tx.Where("owner_id = ? AND label = ?", ownerID, p.Label).First(&disease).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	disease.OwnerID = ownerID
	disease.Label = p.Label
	disease.Count++
	disease.TotalConfidence += p.Confidence
	disease.AverageConfidence = disease.TotalConfidence / float64(disease.Count)
	disease.LastSeenAt = at
	return tx.Save(&disease).Error
}

// Get returns the owner's document with id.
func (s *Store) Get(ctx context.Context, ownerID, id string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return Document{}, notFound(id)
	}
	if err != nil {
		return Document{}, dbError(err, "get").Context("id", id).Build()
	}
	return doc, nil
}

// List returns the owner's documents in the given collections, oldest first.
func (s *Store) List(ctx context.Context, ownerID string, collections ...string) ([]Document, error) {
	var docs []Document
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if len(collections) > 0 {
		q = q.Where("collection IN ?", collections)
	}
	if err := q.Order("created_at ASC").Find(&docs).Error; err != nil {
		return nil, dbError(err, "list").Build()
	}
	return docs, nil
}

// Delete removes the owner's document with id. Statistics are cumulative
// and are not rolled back.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&Document{})
	if res.Error != nil {
		return dbError(res.Error, "delete").Context("id", id).Build()
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// Statistics returns the owner's counters, or the zero value with an empty
// disease list when nothing was recorded.
func (s *Store) Statistics(ctx context.Context, ownerID string) (Statistics, error) {
	var stats Statistics
	err := s.db.WithContext(ctx).
		Preload("Diseases", func(db *gorm.DB) *gorm.DB { return db.Order("count DESC, label ASC") }).
		Where("owner_id = ?", ownerID).
		First(&stats).Error
	if err == gorm.ErrRecordNotFound {
		return Statistics{OwnerID: ownerID, Diseases: []DiseaseStatistic{}}, nil
	}
	if err != nil {
		return Statistics{}, dbError(err, "statistics").Build()
	}
	if stats.Diseases == nil {
		stats.Diseases = []DiseaseStatistic{}
	}
	return stats, nil
}

// Import inserts documents as they are. Missing ids are generated and ids
// already present are skipped. It returns the number of rows inserted.
func (s *Store) Import(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
		if docs[i].CreatedAt.IsZero() {
			docs[i].CreatedAt = time.Now().UTC()
		}
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(docs, 200)
	if res.Error != nil {
		return 0, dbError(res.Error, "import").Context("documents", len(docs)).Build()
	}
	s.log.Info("documents imported", zap.Int64("inserted", res.RowsAffected), zap.Int("received", len(docs)))
	return int(res.RowsAffected), nil
}
