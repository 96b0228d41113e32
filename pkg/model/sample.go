package model

// Sample represents a single scraped metric value at a point in time.
// Samples are immutable once appended to the store.
type Sample struct {
	Metric    string            `json:"metric"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds, scrape time
	Value     float64           `json:"value"`
}

// SamplePoint is a (timestamp, value) pair within a series result.
type SamplePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// SeriesResult holds the matched samples of one uniquely-labeled series.
type SeriesResult struct {
	Metric  string            `json:"metric"`
	Labels  map[string]string `json:"labels,omitempty"`
	Samples []SamplePoint     `json:"samples"`
}
