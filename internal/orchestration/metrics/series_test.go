package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSeries_Observe(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var s Series
	require.Equal(t, 0.0, s.Average(), "empty series")

	s.Observe(4, base)
	s.Observe(10, base.Add(time.Second))
	s.Observe(1, base.Add(2*time.Second))
	s.Observe(math.NaN(), base.Add(3*time.Second))

	require.Equal(t, 3, s.Count)
	require.Equal(t, 15.0, s.Sum)
	require.Equal(t, 5.0, s.Average())
	require.Equal(t, 1.0, s.Min)
	require.Equal(t, 10.0, s.Peak)
	require.Equal(t, 1.0, s.Last)
	require.Equal(t, base, s.FirstAt)
	require.Equal(t, base.Add(2*time.Second), s.LastAt)
}

func TestSeries_NegativeValues(t *testing.T) {
	var s Series
	s.Observe(-3, time.Now())
	s.Observe(-7, time.Now())
	require.Equal(t, -3.0, s.Peak)
	require.Equal(t, -7.0, s.Min)
}

func TestSeries_Merge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var a, b Series
	a.Observe(2, base)
	a.Observe(4, base.Add(time.Minute))
	b.Observe(9, base.Add(-time.Minute))
	b.Observe(1, base.Add(2*time.Minute))

	m := a.Merge(b)
	require.Equal(t, 4, m.Count)
	require.Equal(t, 16.0, m.Sum)
	require.Equal(t, 9.0, m.Peak)
	require.Equal(t, 1.0, m.Min)
	require.Equal(t, 1.0, m.Last, "b was observed last")
	require.Equal(t, base.Add(-time.Minute), m.FirstAt)

	require.Equal(t, a, a.Merge(Series{}))
	require.Equal(t, b, Series{}.Merge(b))
}

func TestSeries_Summary(t *testing.T) {
	var s Series
	s.Observe(1, time.Now())
	s.Observe(3, time.Now())
	require.Equal(t, Summary{Count: 2, Average: 2, Peak: 3}, s.Summary())
}

// TestSeries_AggregateProperty checks the aggregates against a direct
// computation over the observed values, and that merging two halves equals
// observing them all.
func TestSeries_AggregateProperty(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		values := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 1, 100).Draw(r, "values")
		split := rapid.IntRange(0, len(values)).Draw(r, "split")

		base := time.Unix(0, 0)
		var all, left, right Series
		peak, low, sum := values[0], values[0], 0.0
		for i, v := range values {
			at := base.Add(time.Duration(i) * time.Second)
			all.Observe(v, at)
			if i < split {
				left.Observe(v, at)
			} else {
				right.Observe(v, at)
			}
			peak = max(peak, v)
			low = min(low, v)
			sum += v
		}

		if all.Peak != peak || all.Min != low || all.Count != len(values) {
			r.Fatalf("aggregate mismatch: %+v", all)
		}
		if math.Abs(all.Sum-sum) > 1e-6 {
			r.Fatalf("sum %v != %v", all.Sum, sum)
		}
		if all.Peak < all.Average()-1e-6 {
			r.Fatalf("peak %v below average %v", all.Peak, all.Average())
		}

		merged := left.Merge(right)
		if merged.Count != all.Count || merged.Peak != all.Peak || merged.Min != all.Min || merged.Last != all.Last {
			r.Fatalf("merge mismatch: %+v vs %+v", merged, all)
		}
	})
}
