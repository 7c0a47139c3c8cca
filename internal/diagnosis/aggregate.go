package diagnosis

import (
	"sort"
	"strings"
	"time"
)

// healthySentinels are the labels counted as healthy, case-insensitively.
var healthySentinels = []string{"healthy", "khỏe mạnh"}

func IsHealthy(label string) bool {
	label = strings.TrimSpace(label)
	for _, s := range healthySentinels {
		if strings.EqualFold(label, s) {
			return true
		}
	}
	return false
}

// NamesDisease reports whether label identifies a disease: it is neither
// empty, the placeholder, nor a healthy sentinel.
func NamesDisease(label string) bool {
	label = strings.TrimSpace(label)
	return label != "" && label != Placeholder && !IsHealthy(label)
}

type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type DailyConfidence struct {
	Date              string  `json:"date"`
	Count             int     `json:"count"`
	AverageConfidence float64 `json:"averageConfidence"`
}

// Dashboard is the aggregate view over one owner's history.
type Dashboard struct {
	Total             int               `json:"total"`
	Healthy           int               `json:"healthy"`
	Diseased          int               `json:"diseased"`
	AverageConfidence float64           `json:"averageConfidence"`
	Distribution      []LabelCount      `json:"distribution"`
	Daily             []DailyConfidence `json:"daily"`
	LastCapturedAt    *time.Time        `json:"lastCapturedAt,omitempty"`
}

// BuildDashboard aggregates records. Distribution keeps first-seen label
// order; the daily series is ascending by UTC date.
func BuildDashboard(records []Record) Dashboard {
	d := Dashboard{Total: len(records), Distribution: []LabelCount{}, Daily: []DailyConfidence{}}
	if len(records) == 0 {
		return d
	}

	index := make(map[string]int)
	type day struct {
		count int
		sum   float64
	}
	days := make(map[string]*day)
	var sum float64

	for _, r := range records {
		sum += r.Confidence
		switch {
		case IsHealthy(r.DiseaseLabel):
			d.Healthy++
		case NamesDisease(r.DiseaseLabel):
			d.Diseased++
		}

		if i, ok := index[r.DiseaseLabel]; ok {
			d.Distribution[i].Count++
		} else {
			index[r.DiseaseLabel] = len(d.Distribution)
			d.Distribution = append(d.Distribution, LabelCount{Label: r.DiseaseLabel, Count: 1})
		}

		key := r.CapturedAt.UTC().Format(time.DateOnly)
		if days[key] == nil {
			days[key] = &day{}
		}
		days[key].count++
		days[key].sum += r.Confidence

		if d.LastCapturedAt == nil || r.CapturedAt.After(*d.LastCapturedAt) {
			at := r.CapturedAt
			d.LastCapturedAt = &at
		}
	}
	d.AverageConfidence = sum / float64(len(records))

	for key, v := range days {
		d.Daily = append(d.Daily, DailyConfidence{Date: key, Count: v.count, AverageConfidence: v.sum / float64(v.count)})
	}
	sort.Slice(d.Daily, func(i, j int) bool { return d.Daily[i].Date < d.Daily[j].Date })
	return d
}

// SortNewestFirst orders records by capture time, newest first. Ties keep
// their relative order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CapturedAt.After(records[j].CapturedAt)
	})
}

// Filter selects history entries. Query matches the disease label as a
// case-insensitive substring. From and To are whole days in Location; when
// only one is set, the filter selects that single day.
type Filter struct {
	Query    string
	From     time.Time
	To       time.Time
	Location *time.Location
}

func (f Filter) loc() *time.Location {
	if f.Location == nil {
		return time.UTC
	}
	return f.Location
}

func (f Filter) window() (start, end time.Time, ok bool) {
	from, to := f.From, f.To
	switch {
	case from.IsZero() && to.IsZero():
		return time.Time{}, time.Time{}, false
	case from.IsZero():
		from = to
	case to.IsZero():
		to = from
	}
	loc := f.loc()
	from, to = from.In(loc), to.In(loc)
	start = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return start, end, true
}

func (f Filter) Match(r Record) bool {
	if q := strings.TrimSpace(f.Query); q != "" {
		if !strings.Contains(strings.ToLower(r.DiseaseLabel), strings.ToLower(q)) {
			return false
		}
	}
	if start, end, ok := f.window(); ok {
		if r.CapturedAt.Before(start) || !r.CapturedAt.Before(end) {
			return false
		}
	}
	return true
}

// Apply returns the matching records in their original order.
func (f Filter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
