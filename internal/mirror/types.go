package mirror

// SpeedResult holds the outcome of probing one CDN base.
type SpeedResult struct {
	URL            string  `json:"url"`
	LatencyMs      int     `json:"latency_ms"`
	ThroughputKBps float64 `json:"throughput_kbps"`
	Label          string  `json:"label,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// OK reports whether the probe succeeded.
func (r SpeedResult) OK() bool {
	return r.Error == ""
}
