package report

import (
	"strings"

	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
)

type SummaryKind int

const (
	SummaryDisease SummaryKind = iota
	SummaryHealthy
	// SummaryNoDisease is the placeholder when valid records exist but none
	// names a disease.
	SummaryNoDisease
	// SummaryNoRecords is the placeholder when no valid record exists.
	SummaryNoRecords
)

type SummaryRow struct {
	Kind  SummaryKind
	Label string
	Count int
}

// HealthyLabel is the summary key under which healthy records are counted.
const HealthyLabel = "healthy"

// Summarize counts valid rows per disease label in first-seen order and
// appends one healthy row when any record is healthy. The result is never
// empty.
func Summarize(rows []Row) []SummaryRow {
	var (
		out     []SummaryRow
		index   = make(map[string]int)
		healthy int
		valid   int
	)

	for _, row := range rows {
		if !row.OK() {
			continue
		}
		valid++
		label := strings.TrimSpace(row.Record.DiseaseLabel)
		switch {
		case diagnosis.IsHealthy(label):
			healthy++
		case diagnosis.NamesDisease(label):
			if i, ok := index[label]; ok {
				out[i].Count++
				continue
			}
			index[label] = len(out)
			out = append(out, SummaryRow{Kind: SummaryDisease, Label: label, Count: 1})
		}
	}

	if healthy > 0 {
		out = append(out, SummaryRow{Kind: SummaryHealthy, Label: HealthyLabel, Count: healthy})
	}
	if len(out) == 0 {
		if valid > 0 {
			return []SummaryRow{{Kind: SummaryNoDisease}}
		}
		return []SummaryRow{{Kind: SummaryNoRecords}}
	}
	return out
}
