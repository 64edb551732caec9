// Package monitoring - metrics.go provides simple in-memory counters.
//
// Lightweight atomics for operational metrics, surfaced on the health
// endpoint. For production scraping, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational counters for the gateway.
type MetricsCollector struct {
	startedAt time.Time

	requests    atomic.Int64
	successes   atomic.Int64
	errors      atomic.Int64
	cancelled   atomic.Int64
	rateLimited atomic.Int64
	streamed    atomic.Int64

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// RecordRequest records one finished request.
func (mc *MetricsCollector) RecordRequest(status string, streamed bool) {
	mc.requests.Add(1)
	if streamed {
		mc.streamed.Add(1)
	}
	switch status {
	case "done":
		mc.successes.Add(1)
	case "cancelled":
		mc.cancelled.Add(1)
	default:
		mc.errors.Add(1)
	}
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (mc *MetricsCollector) RecordRateLimited() {
	mc.rateLimited.Add(1)
}

// RecordTokens accumulates token usage reported by upstreams.
func (mc *MetricsCollector) RecordTokens(prompt, completion int) {
	mc.promptTokens.Add(int64(prompt))
	mc.completionTokens.Add(int64(completion))
}

// Snapshot returns the current counter values for the health endpoint.
func (mc *MetricsCollector) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_seconds":    int64(time.Since(mc.startedAt).Seconds()),
		"requests":          mc.requests.Load(),
		"successes":         mc.successes.Load(),
		"errors":            mc.errors.Load(),
		"cancelled":         mc.cancelled.Load(),
		"rate_limited":      mc.rateLimited.Load(),
		"streamed":          mc.streamed.Load(),
		"prompt_tokens":     mc.promptTokens.Load(),
		"completion_tokens": mc.completionTokens.Load(),
	}
}
