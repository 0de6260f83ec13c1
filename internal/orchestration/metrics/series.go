package metrics

import (
	"math"
	"time"
)

// Series is a rolling aggregate of observations: count, sum, min, peak and
// last value. The zero value is empty and ready to use.
type Series struct {
	Count   int       `json:"count"`
	Sum     float64   `json:"sum"`
	Min     float64   `json:"min"`
	Peak    float64   `json:"peak"`
	Last    float64   `json:"last"`
	FirstAt time.Time `json:"first_at,omitzero"`
	LastAt  time.Time `json:"last_at,omitzero"`
}

// Observe adds v observed at at. NaN values are ignored.
func (s *Series) Observe(v float64, at time.Time) {
	if math.IsNaN(v) {
		return
	}
	if s.Count == 0 {
		s.Min = v
		s.Peak = v
		s.FirstAt = at
	}
	s.Count++
	s.Sum += v
	s.Min = min(s.Min, v)
	s.Peak = max(s.Peak, v)
	s.Last = v
	if at.After(s.LastAt) {
		s.LastAt = at
	}
}

// Average returns Sum/Count, or 0 for an empty series.
func (s Series) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Merge returns a series holding the observations of both s and other. Last
// comes from whichever series was observed most recently.
func (s Series) Merge(other Series) Series {
	switch {
	case other.Count == 0:
		return s
	case s.Count == 0:
		return other
	}
	out := Series{
		Count:   s.Count + other.Count,
		Sum:     s.Sum + other.Sum,
		Min:     min(s.Min, other.Min),
		Peak:    max(s.Peak, other.Peak),
		Last:    s.Last,
		FirstAt: s.FirstAt,
		LastAt:  s.LastAt,
	}
	if other.FirstAt.Before(out.FirstAt) {
		out.FirstAt = other.FirstAt
	}
	if other.LastAt.After(out.LastAt) {
		out.Last = other.Last
		out.LastAt = other.LastAt
	}
	return out
}

// Summary is the average/peak view of a Series used in reports.
type Summary struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
}

// Summary returns the report view of s.
func (s Series) Summary() Summary {
	return Summary{Count: s.Count, Average: s.Average(), Peak: s.Peak}
}
