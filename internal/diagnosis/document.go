package diagnosis

import (
	"encoding/json"
)

type documentResult struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
	Treatment  string  `json:"treatment"`
	Prevention string  `json:"prevention"`
}

type documentTimestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int64 `json:"nanoseconds"`
}

type document struct {
	UserID      string            `json:"userId,omitempty"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	StoragePath string            `json:"storagePath,omitempty"`
	Result      documentResult    `json:"result"`
	Timestamp   documentTimestamp `json:"timestamp"`
	Platform    string            `json:"platform,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// platformTags are the values historically written to the "platform" field.
var platformTags = map[Platform]string{
	PlatformWeb:    "web",
	PlatformMobile: "flutter",
	PlatformCamera: "esp32cam",
}

// EncodeDocument writes r in the nested layout. Normalizing the result
// yields r again, id and owner aside, which the store supplies.
func EncodeDocument(r Record) ([]byte, error) {
	at := r.CapturedAt.UTC()
	doc := document{
		UserID:      r.OwnerID,
		ImageURL:    r.ImageRef,
		StoragePath: r.StoragePath,
		Result: documentResult{
			Disease:    r.DiseaseLabel,
			Confidence: r.Confidence,
			Treatment:  r.TreatmentText,
			Prevention: r.PreventionText,
		},
		Timestamp: documentTimestamp{Seconds: at.Unix(), Nanoseconds: int64(at.Nanosecond())},
	}
	if tag, ok := platformTags[r.SourcePlatform]; ok {
		doc.Platform = tag
	} else if r.SourcePlatform != PlatformUnknown {
		doc.Source = string(r.SourcePlatform)
	}
	return json.Marshal(doc)
}
