package tsdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesKey(t *testing.T) {
	a := seriesKey("gpu_util", map[string]string{"gpu": "0", "job": "gpu"})
	b := seriesKey("gpu_util", map[string]string{"job": "gpu", "gpu": "0"})
	assert.Equal(t, a, b, "key must not depend on map iteration order")

	assert.NotEqual(t, a, seriesKey("gpu_util", map[string]string{"gpu": "1", "job": "gpu"}))
	assert.NotEqual(t, a, seriesKey("gpu_mem", map[string]string{"gpu": "0", "job": "gpu"}))
	assert.NotEqual(t,
		seriesKey("m", nil),
		seriesKey("m", map[string]string{"a": "b"}))
}

func TestMemSeries_AddKeepsOrder(t *testing.T) {
	var m memSeries
	m.add(10, 1)
	m.add(20, 2)
	m.add(30, 3)
	// Out-of-order insert happens during replay.
	m.add(15, 1.5)

	require.Len(t, m.points, 4)
	var prev int64
	for _, p := range m.points {
		assert.GreaterOrEqual(t, p.ts, prev)
		prev = p.ts
	}
	assert.Equal(t, 1.5, m.points[1].v)
}

func TestMemSeries_RangePoints(t *testing.T) {
	var m memSeries
	for ts := int64(10); ts <= 50; ts += 10 {
		m.add(ts, float64(ts))
	}

	// Bounds are inclusive on both ends.
	pts := m.rangePoints(20, 40)
	require.Len(t, pts, 3)
	assert.Equal(t, int64(20), pts[0].ts)
	assert.Equal(t, int64(40), pts[2].ts)

	assert.Len(t, m.rangePoints(10, 50), 5)
	assert.Empty(t, m.rangePoints(51, 100))
	assert.Empty(t, m.rangePoints(0, 9))
	assert.Len(t, m.rangePoints(30, 30), 1)
}

func TestMemSeries_At(t *testing.T) {
	var m memSeries
	m.add(10, 1)
	m.add(20, 2)

	p, ok := m.at(20)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.v)

	// Most recent at or before.
	p, ok = m.at(15)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.v)

	p, ok = m.at(100)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.v)

	_, ok = m.at(9)
	assert.False(t, ok)
}

func TestMatchesSelector(t *testing.T) {
	labels := map[string]string{"job": "gpu", "instance": "10.0.0.1:9400", "gpu": "0"}

	assert.True(t, matchesSelector(labels, nil), "empty selector matches everything")
	assert.True(t, matchesSelector(labels, map[string]string{"job": "gpu"}))
	assert.True(t, matchesSelector(labels, map[string]string{"job": "gpu", "gpu": "0"}))
	assert.False(t, matchesSelector(labels, map[string]string{"job": "node"}))
	assert.False(t, matchesSelector(labels, map[string]string{"missing": "x"}))
	assert.False(t, matchesSelector(nil, map[string]string{"job": "gpu"}))
	assert.True(t, matchesSelector(nil, nil))
}

func TestLabelsSignature(t *testing.T) {
	a := labelsSignature(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "a=1,b=2,", a)
	assert.Equal(t, "", labelsSignature(nil))
}
