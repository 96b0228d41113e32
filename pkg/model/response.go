package model

// QueryResponse is the envelope for instant and range query results.
// A query that matches no series returns Status "success" with an empty
// Result slice — "no data" is not an error.
type QueryResponse struct {
	Status   string         `json:"status"`
	Degraded bool           `json:"degraded,omitempty"`
	Result   []SeriesResult `json:"result"`
}

// TargetStatus describes one scrape target and its current health.
// A target in Down state is always listed with its last error; it never
// disappears from the response.
type TargetStatus struct {
	Address        string `json:"address"`
	Job            string `json:"job"`
	Health         string `json:"health"`
	ScrapeInterval string `json:"scrape_interval"`
	LastScrape     int64  `json:"last_scrape,omitempty"` // unix milliseconds, 0 = never scraped
	LastError      string `json:"last_error,omitempty"`
}

// TargetsResponse lists all registered scrape targets.
type TargetsResponse struct {
	Targets []TargetStatus `json:"targets"`
}

// StoreStats summarizes the series store contents.
type StoreStats struct {
	Series         int   `json:"series"`
	Samples        int64 `json:"samples"`
	SealedSegments int   `json:"sealed_segments"`
	Degraded       bool  `json:"degraded"`
}

// ProcessError is an active process-level error reported on the status endpoint.
type ProcessError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
}

// StatusResponse is the payload of the status endpoint: store statistics
// plus currently active process errors.
type StatusResponse struct {
	InstanceID string         `json:"instance_id"`
	Store      StoreStats     `json:"store"`
	Errors     []ProcessError `json:"errors"`
}
