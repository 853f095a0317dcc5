package db

// QueryLatencyStats returns per-query latency distributions, slowest p95
// first. Samples come from the instrumented querier's rolling window.
func (c *Database) QueryLatencyStats() []queryLatencyStats {
	return c.TopQueryLatencies(0)
}

// TopQueryLatencies returns at most n of the slowest queries by p95. A
// non-positive n returns the full snapshot.
func (c *Database) TopQueryLatencies(n int) []queryLatencyStats {
	if c == nil || c.tracker == nil {
		return nil
	}
	stats := c.tracker.snapshot()
	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}
