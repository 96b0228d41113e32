package tsdb

import (
	"sort"
	"strings"

	pmodel "github.com/prometheus/common/model"
)

// point is one (timestamp, value) observation within a series.
type point struct {
	ts int64
	v  float64
}

// memSeries is the in-memory history of one uniquely-labeled metric.
// Points are kept in non-decreasing timestamp order; append is the only
// mutation apart from retention trimming.
type memSeries struct {
	metric string
	labels map[string]string
	points []point
}

// add appends a point, keeping timestamp order. Out-of-order points only
// occur while replaying segments after a restart; the live write path is
// naturally ordered because each series has exactly one writing target.
func (m *memSeries) add(ts int64, v float64) {
	n := len(m.points)
	if n == 0 || m.points[n-1].ts <= ts {
		m.points = append(m.points, point{ts: ts, v: v})
		return
	}

	i := sort.Search(n, func(i int) bool { return m.points[i].ts > ts })
	m.points = append(m.points, point{})
	copy(m.points[i+1:], m.points[i:])
	m.points[i] = point{ts: ts, v: v}
}

// rangePoints returns the points with timestamp in [start, end].
func (m *memSeries) rangePoints(start, end int64) []point {
	lo := sort.Search(len(m.points), func(i int) bool { return m.points[i].ts >= start })
	hi := sort.Search(len(m.points), func(i int) bool { return m.points[i].ts > end })
	if lo >= hi {
		return nil
	}
	return m.points[lo:hi]
}

// at returns the most recent point at or before ts.
func (m *memSeries) at(ts int64) (point, bool) {
	i := sort.Search(len(m.points), func(i int) bool { return m.points[i].ts > ts })
	if i == 0 {
		return point{}, false
	}
	return m.points[i-1], true
}

// seriesKey computes the identity of a series from its metric name and label
// set. Two samples with the same name and labels always map to the same key.
func seriesKey(metric string, labels map[string]string) pmodel.Fingerprint {
	ls := make(pmodel.LabelSet, len(labels)+1)
	ls[pmodel.MetricNameLabel] = pmodel.LabelValue(metric)
	for k, v := range labels {
		ls[pmodel.LabelName(k)] = pmodel.LabelValue(v)
	}
	return ls.Fingerprint()
}

// matchesSelector reports whether labels is a superset of selector: every
// selector pair must be present with an exactly equal value.
func matchesSelector(labels, selector map[string]string) bool {
	for k, want := range selector {
		if got, ok := labels[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// labelsSignature renders labels as a sorted k=v string for deterministic
// result ordering.
func labelsSignature(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
