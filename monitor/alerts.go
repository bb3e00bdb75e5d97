package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"liveide/logging"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a transient finding, generated fresh on each evaluation and never
// persisted
type Alert struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Heuristic thresholds
const (
	spikeWarningPercent  = 100 // hour-over-hour message increase
	spikeCriticalPercent = 200
	sessionsPerUserLimit = 10
	staleSessionLimit    = 5  // online, inactive > 24h
	idleSessionLimit     = 10 // online, inactive > 1h
)

// AnalyzerStore is the persistence consumed by the alert analyzer
type AnalyzerStore interface {
	CountMessagesBetween(ctx context.Context, from, to time.Time) (int64, error)
	FindUserOverSessionLimit(ctx context.Context, limit int) (string, int64, error)
	CountOnlineSessionsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// Analyzer derives heuristic alerts from usage counters
type Analyzer struct {
	store AnalyzerStore
	now   func() time.Time
}

// NewAnalyzer creates an analyzer over the given store
func NewAnalyzer(store AnalyzerStore) *Analyzer {
	return &Analyzer{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Analyze runs every rule and returns the alerts that fired. Each rule is
// independent; a rule whose trigger condition is absent contributes nothing.
// A store failure ends the evaluation early with whatever fired so far.
func (a *Analyzer) Analyze(ctx context.Context) []Alert {
	alerts := []Alert{}

	checks := []func(ctx context.Context) (*Alert, error){
		a.checkMessageVolumeSpike,
		a.checkExcessiveSessions,
		a.checkStaleSessions,
		a.checkIdleSessions,
	}
	for _, check := range checks {
		alert, err := check(ctx)
		if err != nil {
			logging.Logger.Warn("Alert analysis aborted", "error", err)
			return alerts
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	return alerts
}

// checkMessageVolumeSpike compares message volume in the last hour against
// the hour before. A zero prior-hour baseline yields no alert: the ratio is
// undefined.
func (a *Analyzer) checkMessageVolumeSpike(ctx context.Context) (*Alert, error) {
	now := a.now()
	oneHourAgo := now.Add(-time.Hour)
	twoHoursAgo := now.Add(-2 * time.Hour)

	recentCount, err := a.store.CountMessagesBetween(ctx, oneHourAgo, now)
	if err != nil {
		return nil, err
	}
	previousCount, err := a.store.CountMessagesBetween(ctx, twoHoursAgo, oneHourAgo)
	if err != nil {
		return nil, err
	}

	if previousCount == 0 {
		return nil, nil
	}

	increase := float64(recentCount-previousCount) / float64(previousCount) * 100
	if increase <= spikeWarningPercent {
		return nil, nil
	}

	severity := SeverityWarning
	if increase > spikeCriticalPercent {
		severity = SeverityCritical
	}
	rounded := int64(math.Round(increase))
	return &Alert{
		Type:      "activity_spike",
		Severity:  severity,
		Message:   fmt.Sprintf("Message volume increased by +%d%% in the last hour.", rounded),
		Timestamp: a.now().Format(time.RFC3339),
		Details: map[string]interface{}{
			"recentCount":   recentCount,
			"previousCount": previousCount,
			"increase":      rounded,
		},
	}, nil
}

// checkExcessiveSessions reports the first user owning more sessions than the
// per-user limit
func (a *Analyzer) checkExcessiveSessions(ctx context.Context) (*Alert, error) {
	userID, sessionCount, err := a.store.FindUserOverSessionLimit(ctx, sessionsPerUserLimit)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}

	return &Alert{
		Type:      "excessive_sessions",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("User has %d active sessions (threshold: %d).", sessionCount, sessionsPerUserLimit),
		Timestamp: a.now().Format(time.RFC3339),
		Details: map[string]interface{}{
			"userId":       userID,
			"sessionCount": sessionCount,
		},
	}, nil
}

// checkStaleSessions flags sessions still marked online after a day without
// activity, which usually means a missed offline transition
func (a *Analyzer) checkStaleSessions(ctx context.Context) (*Alert, error) {
	cutoff := a.now().Add(-24 * time.Hour)
	staleCount, err := a.store.CountOnlineSessionsInactiveSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if staleCount <= staleSessionLimit {
		return nil, nil
	}

	return &Alert{
		Type:      "connection_anomaly",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("High number of idle sessions detected (%d).", staleCount),
		Timestamp: a.now().Format(time.RFC3339),
		Details: map[string]interface{}{
			"inactiveCount": staleCount,
		},
	}, nil
}

// checkIdleSessions counts online sessions inactive for over an hour
func (a *Analyzer) checkIdleSessions(ctx context.Context) (*Alert, error) {
	cutoff := a.now().Add(-time.Hour)
	idleCount, err := a.store.CountOnlineSessionsInactiveSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if idleCount <= idleSessionLimit {
		return nil, nil
	}

	return &Alert{
		Type:      "idle_sessions",
		Severity:  SeverityInfo,
		Message:   fmt.Sprintf("%d sessions have been idle for over an hour.", idleCount),
		Timestamp: a.now().Format(time.RFC3339),
		Details: map[string]interface{}{
			"idleCount": idleCount,
		},
	}, nil
}
