package database

import (
	"context"
	"time"
)

// HealthStatus describes database connectivity for the health endpoint.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Replica   bool   `json:"replica_configured"`
	Error     string `json:"error,omitempty"`
}

// Health pings the primary and reports latency.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.primary.PingContext(ctx)
	status := HealthStatus{
		Reachable: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		Replica:   c.replica != nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
