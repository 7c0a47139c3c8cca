// Package diagnosis defines the canonical diagnosis record, the historical
// document shapes it is recovered from, and the aggregations built on it.
package diagnosis

import (
	"time"

	"github.com/Brownie44l1/leafdoc-api/internal/model"
)

// Placeholder stands in for any text field absent from stored data.
const Placeholder = "N/A"

// Platform is the provenance tag of a record. Values outside the known set
// are legacy free-form source strings carried through unchanged.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformMobile  Platform = "mobile"
	PlatformCamera  Platform = "camera-device"
	PlatformUnknown Platform = "unknown"
)

// DisplayName is the label shown in listings and reports.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformWeb:
		return "Web"
	case PlatformMobile:
		return "Mobile App"
	case PlatformCamera:
		return "ESP32-CAM"
	case PlatformUnknown, "":
		return "Unknown"
	}
	return string(p)
}

// Collections holding diagnosis documents, by producing surface.
const (
	CollectionDiagnosis = "diagnosis"
	CollectionCamera    = "esp32cam"
)

// CollectionFor returns the collection records of platform p are written to.
func CollectionFor(p Platform) string {
	if p == PlatformCamera {
		return CollectionCamera
	}
	return CollectionDiagnosis
}

// Record is the canonical diagnosis. Every listing, aggregation and export
// reads records through this shape only.
type Record struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	ImageRef       string    `json:"imageUrl"`
	StoragePath    string    `json:"storagePath,omitempty"`
	DiseaseLabel   string    `json:"disease"`
	Confidence     float64   `json:"confidence"`
	TreatmentText  string    `json:"treatment"`
	PreventionText string    `json:"prevention"`
	CapturedAt     time.Time `json:"capturedAt"`
	SourcePlatform Platform  `json:"source"`
}

// NewRecord builds the record for a finished prediction. The id is assigned
// by the store.
func NewRecord(ownerID, imageRef, storagePath string, platform Platform, res model.PredictionResult, at time.Time) Record {
	return Record{
		OwnerID:        ownerID,
		ImageRef:       imageRef,
		StoragePath:    storagePath,
		DiseaseLabel:   nonEmpty(res.DiseaseLabel),
		Confidence:     res.Confidence,
		TreatmentText:  nonEmpty(res.TreatmentText),
		PreventionText: nonEmpty(res.PreventionText),
		CapturedAt:     at.UTC(),
		SourcePlatform: platform,
	}
}

func nonEmpty(s string) string {
	if s == "" {
		return Placeholder
	}
	return s
}
