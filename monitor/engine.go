package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liveide/logging"
	"liveide/storage"

	"golang.org/x/sync/errgroup"
)

// System status values
const (
	StatusOK       = "OK"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// Threshold rule table
const (
	cpuWarningPercent     = 75
	cpuCriticalPercent    = 90
	memoryWarningPercent  = 80
	memoryCriticalPercent = 90
	latencyWarningMs      = 500
	latencyCriticalMs     = 1000
)

const (
	cacheTTL          = 10 * time.Second
	snapshotRetention = 24 * time.Hour
	maxHistoryHours   = 24
)

// Trend holds signed percentage strings versus the baseline snapshot
type Trend struct {
	CPU      string `json:"cpu,omitempty"`
	Memory   string `json:"memory,omitempty"`
	Messages string `json:"messages,omitempty"`
}

// SystemMetrics is the sampled counter set of one monitor poll
type SystemMetrics struct {
	CPU              float64 `json:"cpu"`
	Memory           float64 `json:"memory"`
	DBLatencyMs      int64   `json:"dbLatencyMs"`
	ActiveWebSockets int     `json:"activeWebSockets"`
	ActiveSessions   int64   `json:"activeSessions"`
	MessagesLastHour int64   `json:"messagesLastHour"`
	Trend            *Trend  `json:"trend,omitempty"`
}

// MonitorResponse is the full payload of a monitor poll
type MonitorResponse struct {
	Summary string        `json:"summary"`
	Status  string        `json:"status"`
	Metrics SystemMetrics `json:"metrics"`
	Alerts  []Alert       `json:"alerts"`
}

// HistoryPoint is one snapshot in the history series
type HistoryPoint struct {
	Timestamp string  `json:"timestamp"`
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	Messages  int64   `json:"messages"`
}

// EngineStore is the persistence consumed by the metrics engine
type EngineStore interface {
	Ping(ctx context.Context) error
	CountSessionsByStatus(ctx context.Context, status string) (int64, error)
	CountMessagesSince(ctx context.Context, since time.Time) (int64, error)
	LatestSnapshotBetween(ctx context.Context, from, to time.Time) (*storage.MetricSnapshot, error)
	LatestSnapshotBefore(ctx context.Context, t time.Time) (*storage.MetricSnapshot, error)
	InsertSnapshot(ctx context.Context, snapshot *storage.MetricSnapshot) error
	PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) error
	ListSnapshotsSince(ctx context.Context, since time.Time) ([]storage.MetricSnapshot, error)
}

// ConnectionCounter reports the number of live relay connections
type ConnectionCounter interface {
	Count() int
}

// Engine computes the monitor payload on demand: it samples runtime and
// database counters, derives trends against a historical snapshot, evaluates
// threshold and heuristic rules, and caches the result. Pull model only; no
// background scheduler.
type Engine struct {
	store      EngineStore
	tracker    ConnectionCounter
	analyzer   *Analyzer
	summarizer Summarizer

	now          func() time.Time
	sampleCPU    func(ctx context.Context) (float64, error)
	sampleMemory func(ctx context.Context) (float64, error)

	// Single shared cache slot; concurrent misses may both recompute, the
	// last write wins
	mu       sync.Mutex
	cached   *MonitorResponse
	cachedAt time.Time
}

// NewEngine creates a metrics engine over the given collaborators
func NewEngine(store EngineStore, tracker ConnectionCounter, analyzer *Analyzer, summarizer Summarizer) *Engine {
	if summarizer == nil {
		summarizer = NoopSummarizer{}
	}
	return &Engine{
		store:        store,
		tracker:      tracker,
		analyzer:     analyzer,
		summarizer:   summarizer,
		now:          func() time.Time { return time.Now().UTC() },
		sampleCPU:    sampleCPU,
		sampleMemory: sampleMemory,
	}
}

// GetSystemMetrics returns the monitor payload, serving a cached copy when
// one younger than the TTL exists. It cannot fail: every probe degrades in
// place and the snapshot write is best-effort.
func (e *Engine) GetSystemMetrics(ctx context.Context) *MonitorResponse {
	e.mu.Lock()
	if e.cached != nil && e.now().Sub(e.cachedAt) < cacheTTL {
		cached := e.cached
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	metrics := e.gather(ctx)

	baseline := e.loadBaseline(ctx)
	metrics.Trend = computeTrend(metrics, baseline)

	alerts := e.analyzer.Analyze(ctx)
	alerts = append(alerts, systemAlerts(metrics)...)

	status := determineStatus(metrics, alerts)
	summary := computedSummary(status, alerts)
	if enriched, err := e.summarizer.Summarize(ctx, metrics, alerts); err != nil {
		logging.Logger.Debug("Summary enrichment failed", "error", err)
	} else if enriched != "" {
		summary = enriched
	}

	response := &MonitorResponse{
		Summary: summary,
		Status:  status,
		Metrics: metrics,
		Alerts:  alerts,
	}

	e.mu.Lock()
	e.cached = response
	e.cachedAt = e.now()
	e.mu.Unlock()

	// Best-effort history write: the snapshot table may not exist yet on
	// first run, and a monitoring read must never fail because of it
	snapshot := &storage.MetricSnapshot{
		CPU:       metrics.CPU,
		Memory:    metrics.Memory,
		Messages:  metrics.MessagesLastHour,
		Timestamp: e.now(),
	}
	if err := e.store.InsertSnapshot(ctx, snapshot); err != nil {
		logging.Logger.Warn("Failed to store metric snapshot", "error", err)
	}
	if err := e.store.PruneSnapshotsBefore(ctx, e.now().Add(-snapshotRetention)); err != nil {
		logging.Logger.Warn("Failed to prune metric snapshots", "error", err)
	}

	return response
}

// GetMetricsHistory returns snapshots within the last hours hours, ascending
// by timestamp and clamped to the retention window. A missing or failing
// snapshot store yields an empty series, not an error.
func (e *Engine) GetMetricsHistory(ctx context.Context, hours int) []HistoryPoint {
	if hours <= 0 || hours > maxHistoryHours {
		hours = maxHistoryHours
	}
	since := e.now().Add(-time.Duration(hours) * time.Hour)

	snapshots, err := e.store.ListSnapshotsSince(ctx, since)
	if err != nil {
		logging.Logger.Warn("Failed to fetch metrics history", "error", err)
		return []HistoryPoint{}
	}

	points := make([]HistoryPoint, len(snapshots))
	for i, snap := range snapshots {
		points[i] = HistoryPoint{
			Timestamp: snap.Timestamp.UTC().Format(time.RFC3339),
			CPU:       snap.CPU,
			Memory:    snap.Memory,
			Messages:  snap.Messages,
		}
	}
	return points
}

// gather samples every counter concurrently. Individual probes degrade to
// zero (or -1 for latency) rather than failing the poll.
func (e *Engine) gather(ctx context.Context) SystemMetrics {
	var metrics SystemMetrics
	metrics.ActiveWebSockets = e.tracker.Count()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		value, err := e.sampleCPU(gctx)
		if err != nil {
			logging.Logger.Warn("CPU sampling failed", "error", err)
			return nil
		}
		metrics.CPU = value
		return nil
	})

	g.Go(func() error {
		value, err := e.sampleMemory(gctx)
		if err != nil {
			logging.Logger.Warn("Memory sampling failed", "error", err)
			return nil
		}
		metrics.Memory = value
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		if err := e.store.Ping(gctx); err != nil {
			metrics.DBLatencyMs = -1
			return nil
		}
		metrics.DBLatencyMs = time.Since(start).Milliseconds()
		return nil
	})

	g.Go(func() error {
		count, err := e.store.CountSessionsByStatus(gctx, storage.StatusOnline)
		if err != nil {
			logging.Logger.Warn("Active session count failed", "error", err)
			return nil
		}
		metrics.ActiveSessions = count
		return nil
	})

	g.Go(func() error {
		count, err := e.store.CountMessagesSince(gctx, e.now().Add(-time.Hour))
		if err != nil {
			logging.Logger.Warn("Message count failed", "error", err)
			return nil
		}
		metrics.MessagesLastHour = count
		return nil
	})

	_ = g.Wait() // probes never return errors, they degrade in place
	return metrics
}

// loadBaseline fetches the trend comparison point: the most recent snapshot
// between one and two hours old, falling back to the most recent snapshot
// older than an hour. Nil when no usable baseline exists (first runs).
func (e *Engine) loadBaseline(ctx context.Context) *storage.MetricSnapshot {
	now := e.now()
	baseline, err := e.store.LatestSnapshotBetween(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		logging.Logger.Debug("Baseline snapshot lookup failed", "error", err)
		return nil
	}
	if baseline != nil {
		return baseline
	}

	baseline, err = e.store.LatestSnapshotBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		logging.Logger.Debug("Fallback baseline lookup failed", "error", err)
		return nil
	}
	return baseline
}

// computeTrend formats deltas against the baseline: percentage points for
// CPU and memory, percent change for messages. A zero message baseline with
// current traffic is rendered as a raw +N count.
func computeTrend(metrics SystemMetrics, baseline *storage.MetricSnapshot) *Trend {
	if baseline == nil {
		return nil
	}

	trend := &Trend{
		CPU:    fmt.Sprintf("%+.1f%%", metrics.CPU-baseline.CPU),
		Memory: fmt.Sprintf("%+.1f%%", metrics.Memory-baseline.Memory),
	}
	if baseline.Messages > 0 {
		delta := float64(metrics.MessagesLastHour-baseline.Messages) / float64(baseline.Messages) * 100
		trend.Messages = fmt.Sprintf("%+.1f%%", delta)
	} else if metrics.MessagesLastHour > 0 {
		trend.Messages = fmt.Sprintf("+%d", metrics.MessagesLastHour)
	}
	return trend
}

// systemAlerts evaluates the fixed threshold rule table
func systemAlerts(metrics SystemMetrics) []Alert {
	var alerts []Alert

	if metrics.CPU > cpuCriticalPercent {
		alerts = append(alerts, Alert{
			Type:     "cpu_high",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("CPU usage is critically high: %.1f%%", metrics.CPU),
		})
	} else if metrics.CPU > cpuWarningPercent {
		alerts = append(alerts, Alert{
			Type:     "cpu_high",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("CPU usage is elevated: %.1f%%", metrics.CPU),
		})
	}

	if metrics.Memory > memoryCriticalPercent {
		alerts = append(alerts, Alert{
			Type:     "memory_high",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("Memory usage is critically high: %.1f%%", metrics.Memory),
		})
	} else if metrics.Memory > memoryWarningPercent {
		alerts = append(alerts, Alert{
			Type:     "memory_high",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Memory usage is elevated: %.1f%%", metrics.Memory),
		})
	}

	if metrics.DBLatencyMs > latencyCriticalMs {
		alerts = append(alerts, Alert{
			Type:     "db_latency",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("Database latency is very high: %dms", metrics.DBLatencyMs),
		})
	} else if metrics.DBLatencyMs > latencyWarningMs {
		alerts = append(alerts, Alert{
			Type:     "db_latency",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Database latency is elevated: %dms", metrics.DBLatencyMs),
		})
	}

	return alerts
}

// determineStatus derives the overall status from alerts and raw thresholds
func determineStatus(metrics SystemMetrics, alerts []Alert) string {
	criticalCount := 0
	warningCount := 0
	for _, alert := range alerts {
		switch alert.Severity {
		case SeverityCritical:
			criticalCount++
		case SeverityWarning:
			warningCount++
		}
	}

	if criticalCount > 0 ||
		metrics.CPU > cpuCriticalPercent ||
		metrics.Memory > memoryCriticalPercent ||
		metrics.DBLatencyMs > latencyCriticalMs {
		return StatusCritical
	}

	if warningCount > 0 ||
		metrics.CPU > cpuWarningPercent ||
		metrics.Memory > memoryWarningPercent ||
		metrics.DBLatencyMs > latencyWarningMs {
		return StatusWarning
	}

	return StatusOK
}

// computedSummary builds the default summary text from alert counts
func computedSummary(status string, alerts []Alert) string {
	criticalCount := 0
	warningCount := 0
	for _, alert := range alerts {
		switch alert.Severity {
		case SeverityCritical:
			criticalCount++
		case SeverityWarning:
			warningCount++
		}
	}

	switch status {
	case StatusCritical:
		return fmt.Sprintf("System critical. %d critical alert%s detected.", criticalCount, plural(criticalCount))
	case StatusWarning:
		return fmt.Sprintf("System stable with warnings. %d warning%s detected.", warningCount, plural(warningCount))
	default:
		return "System operating normally. All metrics within acceptable ranges."
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
