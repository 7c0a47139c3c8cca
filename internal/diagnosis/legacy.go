package diagnosis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stored documents went through several layouts:
//
//   - nested: {"result": {"disease", "confidence", "treatment", "prevention"}, ...}
//   - flat:   {"diseaseName", "confidence", "recommendation" | "treatment", "prevention", ...}
//   - mixed:  both of the above in one document
//
// and the timestamp was written as a server timestamp object, an ISO-8601
// string, epoch milliseconds, or not at all.

// NestedResult is the "result" object of the nested layout.
type NestedResult struct {
	Disease    string
	Confidence *float64
	Treatment  string
	Prevention string
}

// FlatFields are the top-level fields of the flat layout.
type FlatFields struct {
	DiseaseName    string
	Confidence     *float64
	Treatment      string
	Recommendation string
	Prevention     string
}

// Timestamp is one of ServerTimestamp, ISOTimestamp, EpochMillis, TimeValue,
// NoTimestamp or MalformedTimestamp.
type Timestamp interface {
	isTimestamp()
}

type ServerTimestamp struct {
	Seconds int64
	Nanos   int64
}

type ISOTimestamp string

type EpochMillis int64

type TimeValue time.Time

type NoTimestamp struct{}

type MalformedTimestamp struct {
	Raw string
}

func (ServerTimestamp) isTimestamp()    {}
func (ISOTimestamp) isTimestamp()       {}
func (EpochMillis) isTimestamp()        {}
func (TimeValue) isTimestamp()          {}
func (NoTimestamp) isTimestamp()        {}
func (MalformedTimestamp) isTimestamp() {}

// Shape names which layouts a document carries.
type Shape string

const (
	ShapeNested Shape = "nested"
	ShapeFlat   Shape = "flat"
	ShapeMixed  Shape = "mixed"
	ShapeEmpty  Shape = "empty"
)

// Legacy is a stored document decoded without interpretation.
type Legacy struct {
	ID          string
	OwnerID     string
	ImageRef    string
	StoragePath string
	Nested      *NestedResult
	Flat        FlatFields
	Stamp       Timestamp
	Platform    string
	Source      string
}

func (l Legacy) Shape() Shape {
	flat := l.Flat != (FlatFields{})
	switch {
	case l.Nested != nil && flat:
		return ShapeMixed
	case l.Nested != nil:
		return ShapeNested
	case flat:
		return ShapeFlat
	}
	return ShapeEmpty
}

// ParseDocument decodes a stored JSON body field by field. A field of the
// wrong type is treated as absent; only an unparseable body is reported.
func ParseDocument(id, ownerID string, body []byte) (Legacy, []Fallback) {
	l := Legacy{ID: id, OwnerID: ownerID, Stamp: NoTimestamp{}}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return l, []Fallback{{Field: "document", Reason: fmt.Sprintf("unparseable body: %v", err)}}
	}

	if l.OwnerID == "" {
		l.OwnerID = rawString(fields["userId"])
	}
	l.ImageRef = rawString(fields["imageUrl"])
	l.StoragePath = rawString(fields["storagePath"])
	l.Platform = rawString(fields["platform"])
	l.Source = rawString(fields["source"])

	var fallbacks []Fallback
	if raw, ok := fields["result"]; ok && !isNull(raw) {
		var result map[string]json.RawMessage
		if err := json.Unmarshal(raw, &result); err != nil {
			fallbacks = append(fallbacks, Fallback{Field: "result", Reason: "not an object"})
		} else {
			l.Nested = &NestedResult{
				Disease:    rawString(result["disease"]),
				Confidence: rawNumber(result["confidence"]),
				Treatment:  rawString(result["treatment"]),
				Prevention: rawString(result["prevention"]),
			}
		}
	}

	l.Flat = FlatFields{
		DiseaseName:    rawString(fields["diseaseName"]),
		Confidence:     rawNumber(fields["confidence"]),
		Treatment:      rawString(fields["treatment"]),
		Recommendation: rawString(fields["recommendation"]),
		Prevention:     rawString(fields["prevention"]),
	}
	l.Stamp = parseTimestamp(fields["timestamp"])
	return l, fallbacks
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func rawString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// rawNumber returns nil unless raw is a JSON number.
func rawNumber(raw json.RawMessage) *float64 {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '-' && (trimmed[0] < '0' || trimmed[0] > '9')) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil
	}
	return &f
}

func parseTimestamp(raw json.RawMessage) Timestamp {
	if isNull(raw) {
		return NoTimestamp{}
	}
	trimmed := bytes.TrimSpace(raw)

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return MalformedTimestamp{Raw: string(trimmed)}
		}
		return ISOTimestamp(s)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return MalformedTimestamp{Raw: string(trimmed)}
		}
		seconds := firstNumber(obj, "seconds", "_seconds")
		if seconds == nil {
			return MalformedTimestamp{Raw: string(trimmed)}
		}
		var nanos int64
		if n := firstNumber(obj, "nanoseconds", "_nanoseconds", "nanos"); n != nil {
			nanos = int64(*n)
		}
		return ServerTimestamp{Seconds: int64(*seconds), Nanos: nanos}
	}

	if n := rawNumber(trimmed); n != nil {
		return EpochMillis(int64(*n))
	}
	return MalformedTimestamp{Raw: string(trimmed)}
}

func firstNumber(obj map[string]json.RawMessage, keys ...string) *float64 {
	for _, k := range keys {
		if n := rawNumber(obj[k]); n != nil {
			return n
		}
	}
	return nil
}
