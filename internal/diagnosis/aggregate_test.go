package diagnosis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(label string, conf float64, at time.Time) Record {
	return Record{DiseaseLabel: label, Confidence: conf, CapturedAt: at}
}

func TestHealthySentinels(t *testing.T) {
	for _, label := range []string{"healthy", "Healthy", " HEALTHY ", "khỏe mạnh", "Khỏe Mạnh"} {
		assert.True(t, IsHealthy(label), label)
		assert.False(t, NamesDisease(label), label)
	}
	for _, label := range []string{"", "  ", Placeholder} {
		assert.False(t, IsHealthy(label), label)
		assert.False(t, NamesDisease(label), label)
	}
	assert.True(t, NamesDisease("rust"))
}

func TestBuildDashboard(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	d := BuildDashboard([]Record{
		rec("rust", 0.9, day2),
		rec("healthy", 0.7, day1),
		rec("rust", 0.5, day1),
		rec(Placeholder, 0.1, day2.Add(time.Hour)),
	})

	assert.Equal(t, 4, d.Total)
	assert.Equal(t, 1, d.Healthy)
	assert.Equal(t, 2, d.Diseased)
	assert.InDelta(t, 0.55, d.AverageConfidence, 1e-9)
	assert.Equal(t, []LabelCount{{"rust", 2}, {"healthy", 1}, {Placeholder, 1}}, d.Distribution)

	require.Len(t, d.Daily, 2)
	assert.Equal(t, "2024-03-01", d.Daily[0].Date)
	assert.InDelta(t, 0.6, d.Daily[0].AverageConfidence, 1e-9)
	assert.Equal(t, "2024-03-02", d.Daily[1].Date)
	assert.Equal(t, 2, d.Daily[1].Count)

	require.NotNil(t, d.LastCapturedAt)
	assert.Equal(t, day2.Add(time.Hour), *d.LastCapturedAt)
}

func TestBuildDashboardEmpty(t *testing.T) {
	d := BuildDashboard(nil)
	assert.Zero(t, d.Total)
	assert.Empty(t, d.Distribution)
	assert.NotNil(t, d.Distribution)
	assert.Nil(t, d.LastCapturedAt)
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "old", CapturedAt: base},
		{ID: "new", CapturedAt: base.Add(2 * time.Hour)},
		{ID: "mid-a", CapturedAt: base.Add(time.Hour)},
		{ID: "mid-b", CapturedAt: base.Add(time.Hour)},
	}
	SortNewestFirst(records)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"new", "mid-a", "mid-b", "old"}, ids)
}

func TestFilter(t *testing.T) {
	mar1 := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	mar2 := time.Date(2024, 3, 2, 0, 15, 0, 0, time.UTC)
	mar5 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "1", DiseaseLabel: "Black Rot", CapturedAt: mar1},
		{ID: "2", DiseaseLabel: "rust", CapturedAt: mar2},
		{ID: "3", DiseaseLabel: "frog_eye_leaf_spot", CapturedAt: mar5},
	}

	ids := func(rs []Record) []string {
		out := []string{}
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter", Filter{}, []string{"1", "2", "3"}},
		{"query is case insensitive", Filter{Query: "ROT"}, []string{"1"}},
		{"query substring", Filter{Query: "eye"}, []string{"3"}},
		{"range inclusive of whole days", Filter{From: mar1, To: mar2}, []string{"1", "2"}},
		{"only from selects that day", Filter{From: mar2}, []string{"2"}},
		{"only to selects that day", Filter{To: mar5}, []string{"3"}},
		{"query and range", Filter{Query: "ro", From: mar1, To: mar2}, []string{"1"}},
		{
			"location shifts day boundaries",
			Filter{From: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), Location: time.FixedZone("ICT", 7*3600)},
			[]string{"1", "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.filter.Apply(records)))
		})
	}
}
