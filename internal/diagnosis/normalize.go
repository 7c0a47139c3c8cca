package diagnosis

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
)

// Fallback records a field that was defaulted during normalization.
type Fallback struct {
	Field  string
	Reason string
}

// Normalize maps a decoded document to the canonical record. It never fails:
// missing or bad fields take their defaults, and each default taken is
// reported in the returned fallbacks. now is the value used for an
// unrecoverable timestamp.
func Normalize(l Legacy, now time.Time) (Record, []Fallback) {
	var fallbacks []Fallback
	fallback := func(field, reason string) {
		fallbacks = append(fallbacks, Fallback{Field: field, Reason: reason})
	}

	var nested NestedResult
	if l.Nested != nil {
		nested = *l.Nested
	}

	r := Record{
		ID:          l.ID,
		OwnerID:     l.OwnerID,
		ImageRef:    l.ImageRef,
		StoragePath: l.StoragePath,
	}

	if label, ok := firstText(nested.Disease, l.Flat.DiseaseName); ok {
		r.DiseaseLabel = label
	} else {
		r.DiseaseLabel = Placeholder
		fallback("diseaseLabel", "missing")
	}

	switch {
	case nested.Confidence != nil:
		r.Confidence = *nested.Confidence
	case l.Flat.Confidence != nil:
		r.Confidence = *l.Flat.Confidence
	default:
		fallback("confidence", "missing")
	}
	if c := r.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		fallback("confidence", fmt.Sprintf("out of range: %v", c))
		r.Confidence = clamp(c)
	}

	if text, ok := firstText(nested.Treatment, l.Flat.Treatment, l.Flat.Recommendation); ok {
		r.TreatmentText = text
	} else {
		r.TreatmentText = Placeholder
		fallback("treatmentText", "missing")
	}

	if text, ok := firstText(nested.Prevention, l.Flat.Prevention); ok {
		r.PreventionText = text
	} else {
		r.PreventionText = Placeholder
		fallback("preventionText", "missing")
	}

	at, reason := resolveTimestamp(l.Stamp)
	if reason != "" {
		at = now.UTC()
		fallback("capturedAt", reason)
	}
	r.CapturedAt = at

	r.SourcePlatform = resolvePlatform(l.Platform, l.Source)
	return r, fallbacks
}

func firstText(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c, true
		}
	}
	return "", false
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// isoLayouts are tried in order; zone-less values are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 time: %q", s)
}

// resolveTimestamp returns the point in time, or a non-empty reason when the
// caller must fall back. Times outside years 0-9999 cannot be encoded and
// are rejected.
func resolveTimestamp(ts Timestamp) (time.Time, string) {
	t, reason := decodeTimestamp(ts)
	if reason == "" && (t.Year() < 0 || t.Year() > 9999) {
		return time.Time{}, fmt.Sprintf("out of range: year %d", t.Year())
	}
	return t, reason
}

func decodeTimestamp(ts Timestamp) (time.Time, string) {
	switch v := ts.(type) {
	case ServerTimestamp:
		return time.Unix(v.Seconds, v.Nanos).UTC(), ""
	case ISOTimestamp:
		t, err := parseISO(string(v))
		if err != nil {
			return time.Time{}, err.Error()
		}
		return t, ""
	case EpochMillis:
		return time.UnixMilli(int64(v)).UTC(), ""
	case TimeValue:
		t := time.Time(v)
		if t.IsZero() {
			return time.Time{}, "zero time"
		}
		return t.UTC(), ""
	case MalformedTimestamp:
		return time.Time{}, fmt.Sprintf("unrecognized timestamp %s", v.Raw)
	}
	return time.Time{}, "missing"
}

func resolvePlatform(platform, source string) Platform {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "web":
		return PlatformWeb
	case "flutter", "mobile":
		return PlatformMobile
	case "esp32cam", "camera-device":
		return PlatformCamera
	}
	if source = strings.TrimSpace(source); source != "" {
		return Platform(source)
	}
	return PlatformUnknown
}

// Normalizer applies Normalize to stored documents and reports every
// fallback it takes.
type Normalizer struct {
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewNormalizer(log *zap.Logger, m *metrics.Metrics) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{now: time.Now, log: log.Named("normalizer"), metrics: m}
}

// WithClock replaces the clock used for timestamp fallbacks.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Document normalizes one stored body.
func (n *Normalizer) Document(id, ownerID string, body []byte) Record {
	legacy, fallbacks := ParseDocument(id, ownerID, body)
	record, more := Normalize(legacy, n.now())
	n.report(id, legacy.Shape(), append(fallbacks, more...))
	return record
}

func (n *Normalizer) report(id string, shape Shape, fallbacks []Fallback) {
	for _, f := range fallbacks {
		if n.metrics != nil {
			n.metrics.NormalizationFallback.WithLabelValues(f.Field).Inc()
		}
		// Advisory text is routinely absent from older documents.
		level := zap.DebugLevel
		if f.Field == "capturedAt" || f.Field == "document" || f.Field == "confidence" || f.Field == "result" {
			level = zap.WarnLevel
		}
		n.log.Check(level, "normalization fallback").Write(
			zap.String("record_id", id),
			zap.String("shape", string(shape)),
			zap.String("field", f.Field),
			zap.String("reason", f.Reason))
	}
}
