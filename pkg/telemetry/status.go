// Cumulative telemetry status exposed to diagnostics surfaces
// Snapshots are plain values; callers never see collector state
package telemetry

// DurationStats accumulates observed durations in milliseconds.
type DurationStats struct {
	Count   int64
	TotalMs float64
	LastMs  float64
}

func (d *DurationStats) observe(ms float64) {
	d.Count++
	d.TotalMs += ms
	d.LastMs = ms
}

// UsageTotals counts tokens by category.
type UsageTotals struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
}

// CostTotals sums monetary cost by category.
type CostTotals struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
	Total      float64
}

// Durations groups duration statistics per unit of work.
type Durations struct {
	Session DurationStats
	Turn    DurationStats
	Tool    DurationStats
}

// Status is a snapshot of everything the collector has aggregated.
// TraceID and LastError are empty when absent.
type Status struct {
	Sessions    int64
	Turns       int64
	ToolCalls   int64
	ToolResults int64
	Prompts     int64
	Tokens      UsageTotals
	Cost        CostTotals
	Durations   Durations
	Provider    string
	Model       string
	TraceID     string
	LastError   string
}

// Usage is the token and cost usage reported for one assistant message.
type Usage struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
	Cost       CostTotals
}

func newStatus() Status {
	return Status{
		Provider: "unknown",
		Model:    "unknown",
	}
}
