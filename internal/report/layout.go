package report

import (
	"fmt"
	"time"

	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
)

// Meta describes the export itself.
type Meta struct {
	Owner      string
	ExportedAt time.Time
	Location   *time.Location
}

// Document is a fully laid out report, independent of the PDF backend.
type Document struct {
	Labels    Labels
	Title     string
	OwnerLine string
	DateLine  string
	Summary   []SummaryLine
	Details   []DetailLine
}

type SummaryLine struct {
	Label string
	Count string
}

// DetailLine is one table row. Thumb is drawn when ready; otherwise
// ImageNote takes its place.
type DetailLine struct {
	When       string
	Source     string
	Disease    string
	Confidence string
	Treatment  string
	Thumb      Thumbnail
	ImageNote  string
	Failed     bool
}

// Build lays out rows with their prefetched thumbnails. thumbs must be
// aligned with rows; missing entries are treated as unavailable.
func Build(meta Meta, labels Labels, rows []Row, thumbs []Thumbnail) Document {
	loc := meta.Location
	if loc == nil {
		loc = time.UTC
	}

	doc := Document{
		Labels:    labels,
		Title:     labels.Title,
		OwnerLine: fmt.Sprintf("%s: %s", labels.Owner, meta.Owner),
		DateLine:  fmt.Sprintf("%s: %s", labels.ExportDate, meta.ExportedAt.In(loc).Format(labels.DateLayout)),
	}

	for _, s := range Summarize(rows) {
		switch s.Kind {
		case SummaryDisease:
			doc.Summary = append(doc.Summary, SummaryLine{Label: s.Label, Count: fmt.Sprint(s.Count)})
		case SummaryHealthy:
			doc.Summary = append(doc.Summary, SummaryLine{Label: labels.Healthy, Count: fmt.Sprint(s.Count)})
		case SummaryNoDisease:
			doc.Summary = append(doc.Summary, SummaryLine{Label: labels.NoDisease})
		case SummaryNoRecords:
			doc.Summary = append(doc.Summary, SummaryLine{Label: labels.NoRecords})
		}
	}

	doc.Details = make([]DetailLine, len(rows))
	for i, row := range rows {
		thumb := Thumbnail{Status: ThumbUnavailable}
		if i < len(thumbs) {
			thumb = thumbs[i]
		}
		doc.Details[i] = detailLine(row, thumb, labels, loc)
	}
	return doc
}

func detailLine(row Row, thumb Thumbnail, labels Labels, loc *time.Location) DetailLine {
	if !row.OK() {
		return DetailLine{
			When:       diagnosis.Placeholder,
			Source:     labels.Unknown,
			Disease:    labels.Error,
			Confidence: diagnosis.Placeholder,
			Treatment:  diagnosis.Placeholder,
			Thumb:      thumb,
			ImageNote:  labels.ImageUnavailable,
			Failed:     true,
		}
	}

	r := row.Record
	line := DetailLine{
		When:       diagnosis.Placeholder,
		Source:     r.SourcePlatform.DisplayName(),
		Disease:    r.DiseaseLabel,
		Confidence: fmt.Sprintf("%.2f%%", r.Confidence*100),
		Treatment:  r.TreatmentText,
		Thumb:      thumb,
	}
	if !r.CapturedAt.IsZero() {
		line.When = r.CapturedAt.In(loc).Format(labels.DateTimeLayout)
	}
	if r.SourcePlatform == diagnosis.PlatformUnknown || r.SourcePlatform == "" {
		line.Source = labels.Unknown
	}
	if row.Unsaved {
		line.Source = fmt.Sprintf("%s (%s)", line.Source, labels.NotSaved)
	}

	switch thumb.Status {
	case ThumbMissing:
		line.ImageNote = labels.NoImage
	case ThumbUnavailable:
		line.ImageNote = labels.ImageUnavailable
	}
	return line
}
