package trend

import (
	"fmt"
	"slices"
	"time"
)

// Row is one hour-of-day bucket of the trailing week.
type Row struct {
	Hour          int   `json:"hour"`
	DistinctCount int64 `json:"distinctCount"`
}

// Result holds rows ordered ascending by hour, one per hour with activity.
// Hours without activity are absent. An empty Result is a valid state.
type Result struct {
	Rows      []Row     `json:"rows"`
	FetchedAt time.Time `json:"fetchedAt,omitzero"`
}

func (r Result) Empty() bool {
	return len(r.Rows) == 0
}

func (r Result) Hours() []int {
	hours := make([]int, len(r.Rows))
	for i, row := range r.Rows {
		hours[i] = row.Hour
	}
	return hours
}

// Normalize validates warehouse rows and orders them by hour. Rows outside
// 0..23, negative counts and repeated hours are rejected.
func Normalize(rows []Row) ([]Row, error) {
	out := slices.Clone(rows)
	for _, row := range out {
		if row.Hour < 0 || row.Hour > 23 {
			return nil, fmt.Errorf("hour %d out of range", row.Hour)
		}
		if row.DistinctCount < 0 {
			return nil, fmt.Errorf("hour %d: negative count %d", row.Hour, row.DistinctCount)
		}
	}

	slices.SortStableFunc(out, func(a, b Row) int { return a.Hour - b.Hour })
	for i := 1; i < len(out); i++ {
		if out[i].Hour == out[i-1].Hour {
			return nil, fmt.Errorf("duplicate hour %d", out[i].Hour)
		}
	}
	return out, nil
}
