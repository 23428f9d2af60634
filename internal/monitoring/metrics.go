// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:  Total and successful chat request counts
//   - compactions:         Context compaction operations
//   - research jobs:       Kickoffs, completions, fallbacks
//   - cache_hits/misses:   Research answer cache performance
//   - retries:             Upstream rate-limit retries
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64
	aborted   atomic.Int64

	// Memory counters
	compactions    atomic.Int64
	summaryMerges  atomic.Int64
	tokensIssued   atomic.Int64
	tokensAccepted atomic.Int64
	tokensRejected atomic.Int64

	// Research counters
	researchJobs      atomic.Int64
	researchCompleted atomic.Int64
	researchFallbacks atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64

	// Upstream counters
	retries atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a chat request.
func (mc *MetricsCollector) RecordRequest(success bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordAborted records a client-cancelled request.
func (mc *MetricsCollector) RecordAborted() { mc.aborted.Add(1) }

// RecordCompaction records a user-message condensation.
func (mc *MetricsCollector) RecordCompaction() { mc.compactions.Add(1) }

// RecordSummaryMerge records a post-turn summary merge.
func (mc *MetricsCollector) RecordSummaryMerge() { mc.summaryMerges.Add(1) }

// RecordTokenIssued records a freshly minted memory token.
func (mc *MetricsCollector) RecordTokenIssued() { mc.tokensIssued.Add(1) }

// RecordTokenAccepted records a presented token that verified.
func (mc *MetricsCollector) RecordTokenAccepted() { mc.tokensAccepted.Add(1) }

// RecordTokenRejected records a presented token that failed verification.
func (mc *MetricsCollector) RecordTokenRejected() { mc.tokensRejected.Add(1) }

// RecordResearchJob records a deep-research kickoff.
func (mc *MetricsCollector) RecordResearchJob() { mc.researchJobs.Add(1) }

// RecordResearchCompleted records a deep-research job that produced a result.
func (mc *MetricsCollector) RecordResearchCompleted() { mc.researchCompleted.Add(1) }

// RecordResearchFallback records a research request served by the search model.
func (mc *MetricsCollector) RecordResearchFallback() { mc.researchFallbacks.Add(1) }

// RecordCacheHit records a research cache hit.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Add(1) }

// RecordCacheMiss records a research cache miss.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Add(1) }

// RecordRetry records an upstream rate-limit retry.
func (mc *MetricsCollector) RecordRetry() { mc.retries.Add(1) }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":     mc.requests.Load(),
		"successes":    mc.successes.Load(),
		"aborted":      mc.aborted.Load(),
		"compactions":  mc.compactions.Load(),
		"cache_hits":   mc.cacheHits.Load(),
		"cache_misses": mc.cacheMisses.Load(),
	}
}

// FullStats returns all metrics in a structured format for the /api/stats
// endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()
	hits := mc.cacheHits.Load()
	misses := mc.cacheMisses.Load()

	var cacheHitRate float64
	if total := hits + misses; total > 0 {
		cacheHitRate = float64(hits) / float64(total) * 100
	}

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
			Aborted:    mc.aborted.Load(),
		},
		Memory: MemoryStats{
			Compactions:    mc.compactions.Load(),
			SummaryMerges:  mc.summaryMerges.Load(),
			TokensIssued:   mc.tokensIssued.Load(),
			TokensAccepted: mc.tokensAccepted.Load(),
			TokensRejected: mc.tokensRejected.Load(),
		},
		Research: ResearchStats{
			Jobs:         mc.researchJobs.Load(),
			Completed:    mc.researchCompleted.Load(),
			Fallbacks:    mc.researchFallbacks.Load(),
			CacheHits:    hits,
			CacheMisses:  misses,
			CacheHitRate: cacheHitRate,
		},
		Upstream: UpstreamStats{
			Retries: mc.retries.Load(),
		},
	}
}

// StatsResponse is the structured response for the /api/stats endpoint.
type StatsResponse struct {
	Uptime        string        `json:"uptime"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartedAt     string        `json:"started_at"`
	Requests      RequestStats  `json:"requests"`
	Memory        MemoryStats   `json:"memory"`
	Research      ResearchStats `json:"research"`
	Upstream      UpstreamStats `json:"upstream"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Aborted    int64 `json:"aborted"`
}

// MemoryStats holds conversation-memory metrics.
type MemoryStats struct {
	Compactions    int64 `json:"compactions"`
	SummaryMerges  int64 `json:"summary_merges"`
	TokensIssued   int64 `json:"tokens_issued"`
	TokensAccepted int64 `json:"tokens_accepted"`
	TokensRejected int64 `json:"tokens_rejected"`
}

// ResearchStats holds deep-research pipeline metrics.
type ResearchStats struct {
	Jobs         int64   `json:"jobs"`
	Completed    int64   `json:"completed"`
	Fallbacks    int64   `json:"fallbacks"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// UpstreamStats holds upstream client metrics.
type UpstreamStats struct {
	Retries int64 `json:"retries"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
