package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"liveide/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngineStore serves canned counters and snapshots to the engine. It also
// satisfies AnalyzerStore with all-zero answers so heuristic rules stay quiet.
type fakeEngineStore struct {
	pingErr     error
	onlineCount int64
	msgCount    int64

	baselineBetween *storage.MetricSnapshot
	baselineBefore  *storage.MetricSnapshot

	inserted    []storage.MetricSnapshot
	pruneCutoff time.Time

	snapshots []storage.MetricSnapshot
	listErr   error
	lastSince time.Time
}

func (f *fakeEngineStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngineStore) CountSessionsByStatus(ctx context.Context, status string) (int64, error) {
	return f.onlineCount, nil
}

func (f *fakeEngineStore) CountMessagesSince(ctx context.Context, since time.Time) (int64, error) {
	return f.msgCount, nil
}

func (f *fakeEngineStore) LatestSnapshotBetween(ctx context.Context, from, to time.Time) (*storage.MetricSnapshot, error) {
	return f.baselineBetween, nil
}

func (f *fakeEngineStore) LatestSnapshotBefore(ctx context.Context, t time.Time) (*storage.MetricSnapshot, error) {
	return f.baselineBefore, nil
}

func (f *fakeEngineStore) InsertSnapshot(ctx context.Context, snapshot *storage.MetricSnapshot) error {
	f.inserted = append(f.inserted, *snapshot)
	return nil
}

func (f *fakeEngineStore) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) error {
	f.pruneCutoff = cutoff
	return nil
}

func (f *fakeEngineStore) ListSnapshotsSince(ctx context.Context, since time.Time) ([]storage.MetricSnapshot, error) {
	f.lastSince = since
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.snapshots, nil
}

func (f *fakeEngineStore) CountMessagesBetween(ctx context.Context, from, to time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeEngineStore) FindUserOverSessionLimit(ctx context.Context, limit int) (string, int64, error) {
	return "", 0, nil
}

func (f *fakeEngineStore) CountOnlineSessionsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeCounter struct{ n int }

func (f fakeCounter) Count() int { return f.n }

type fakeSummarizer struct {
	text string
	err  error
}

func (f fakeSummarizer) Summarize(ctx context.Context, metrics SystemMetrics, alerts []Alert) (string, error) {
	return f.text, f.err
}

// testClock lets tests advance the engine's notion of now
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(store *fakeEngineStore, cpu, memory float64) (*Engine, *testClock) {
	clock := &testClock{t: fixedNow()}
	engine := NewEngine(store, fakeCounter{n: 2}, NewAnalyzer(store), nil)
	engine.now = clock.now
	engine.sampleCPU = func(ctx context.Context) (float64, error) { return cpu, nil }
	engine.sampleMemory = func(ctx context.Context) (float64, error) { return memory, nil }
	return engine, clock
}

func TestEngineGathersCounters(t *testing.T) {
	store := &fakeEngineStore{onlineCount: 3, msgCount: 42}
	engine, _ := newTestEngine(store, 12.5, 34.5)
	engine.tracker = fakeCounter{n: 7}

	response := engine.GetSystemMetrics(context.Background())

	assert.Equal(t, StatusOK, response.Status)
	assert.Equal(t, "System operating normally. All metrics within acceptable ranges.", response.Summary)
	assert.Equal(t, 12.5, response.Metrics.CPU)
	assert.Equal(t, 34.5, response.Metrics.Memory)
	assert.Equal(t, 7, response.Metrics.ActiveWebSockets)
	assert.EqualValues(t, 3, response.Metrics.ActiveSessions)
	assert.EqualValues(t, 42, response.Metrics.MessagesLastHour)
	assert.GreaterOrEqual(t, response.Metrics.DBLatencyMs, int64(0))
	assert.Empty(t, response.Alerts)
	assert.Nil(t, response.Metrics.Trend)
}

func TestEngineCachesWithinTTL(t *testing.T) {
	store := &fakeEngineStore{}
	engine, clock := newTestEngine(store, 10, 20)

	first := engine.GetSystemMetrics(context.Background())

	clock.advance(5 * time.Second)
	second := engine.GetSystemMetrics(context.Background())
	assert.Same(t, first, second, "fresh cache must be served as-is")
	assert.Len(t, store.inserted, 1, "cache hits must not write snapshots")

	clock.advance(6 * time.Second)
	third := engine.GetSystemMetrics(context.Background())
	assert.NotSame(t, first, third)
	assert.Len(t, store.inserted, 2)
}

func TestEngineCriticalCPU(t *testing.T) {
	store := &fakeEngineStore{}
	engine, _ := newTestEngine(store, 95, 20)

	response := engine.GetSystemMetrics(context.Background())

	assert.Equal(t, StatusCritical, response.Status)
	assert.Equal(t, "System critical. 1 critical alert detected.", response.Summary)
	require.Len(t, response.Alerts, 1)
	assert.Equal(t, "cpu_high", response.Alerts[0].Type)
	assert.Equal(t, SeverityCritical, response.Alerts[0].Severity)
	assert.Equal(t, "CPU usage is critically high: 95.0%", response.Alerts[0].Message)
}

func TestEngineWarningMemory(t *testing.T) {
	store := &fakeEngineStore{}
	engine, _ := newTestEngine(store, 10, 85)

	response := engine.GetSystemMetrics(context.Background())

	assert.Equal(t, StatusWarning, response.Status)
	assert.Equal(t, "System stable with warnings. 1 warning detected.", response.Summary)
	require.Len(t, response.Alerts, 1)
	assert.Equal(t, "memory_high", response.Alerts[0].Type)
	assert.Equal(t, SeverityWarning, response.Alerts[0].Severity)
}

func TestEnginePingFailureDegradesLatency(t *testing.T) {
	store := &fakeEngineStore{pingErr: errors.New("db gone")}
	engine, _ := newTestEngine(store, 10, 20)

	response := engine.GetSystemMetrics(context.Background())

	assert.EqualValues(t, -1, response.Metrics.DBLatencyMs)
	assert.Equal(t, StatusOK, response.Status)
	assert.Empty(t, response.Alerts, "the latency sentinel must not trip threshold rules")
}

func TestEngineTrendAgainstBaseline(t *testing.T) {
	store := &fakeEngineStore{
		msgCount:        25,
		baselineBetween: &storage.MetricSnapshot{CPU: 10, Memory: 20, Messages: 10},
	}
	engine, _ := newTestEngine(store, 15.5, 18)

	response := engine.GetSystemMetrics(context.Background())

	trend := response.Metrics.Trend
	require.NotNil(t, trend)
	assert.Equal(t, "+5.5%", trend.CPU)
	assert.Equal(t, "-2.0%", trend.Memory)
	assert.Equal(t, "+150.0%", trend.Messages)
}

func TestEngineTrendZeroMessageBaseline(t *testing.T) {
	store := &fakeEngineStore{
		msgCount:        5,
		baselineBetween: &storage.MetricSnapshot{CPU: 10, Memory: 20, Messages: 0},
	}
	engine, _ := newTestEngine(store, 10, 20)

	response := engine.GetSystemMetrics(context.Background())

	require.NotNil(t, response.Metrics.Trend)
	assert.Equal(t, "+5", response.Metrics.Trend.Messages)
}

func TestEngineTrendFallbackBaseline(t *testing.T) {
	store := &fakeEngineStore{
		baselineBefore: &storage.MetricSnapshot{CPU: 30, Memory: 40, Messages: 1},
	}
	engine, _ := newTestEngine(store, 30, 40)

	response := engine.GetSystemMetrics(context.Background())

	require.NotNil(t, response.Metrics.Trend)
	assert.Equal(t, "+0.0%", response.Metrics.Trend.CPU)
}

func TestEngineSnapshotPersistAndPrune(t *testing.T) {
	store := &fakeEngineStore{msgCount: 9}
	engine, clock := newTestEngine(store, 11, 22)

	engine.GetSystemMetrics(context.Background())

	require.Len(t, store.inserted, 1)
	snapshot := store.inserted[0]
	assert.Equal(t, 11.0, snapshot.CPU)
	assert.Equal(t, 22.0, snapshot.Memory)
	assert.EqualValues(t, 9, snapshot.Messages)
	assert.Equal(t, clock.t, snapshot.Timestamp)
	assert.Equal(t, clock.t.Add(-24*time.Hour), store.pruneCutoff)
}

func TestEngineSummarizerEnrichment(t *testing.T) {
	store := &fakeEngineStore{}
	engine, _ := newTestEngine(store, 10, 20)
	engine.summarizer = fakeSummarizer{text: "all calm on the relay front"}

	response := engine.GetSystemMetrics(context.Background())
	assert.Equal(t, "all calm on the relay front", response.Summary)
}

func TestEngineSummarizerFailureKeepsComputedSummary(t *testing.T) {
	store := &fakeEngineStore{}
	engine, _ := newTestEngine(store, 10, 20)
	engine.summarizer = fakeSummarizer{err: errors.New("rate limited")}

	response := engine.GetSystemMetrics(context.Background())
	assert.Equal(t, "System operating normally. All metrics within acceptable ranges.", response.Summary)
}

func TestEngineHistoryClampsWindow(t *testing.T) {
	store := &fakeEngineStore{}
	engine, clock := newTestEngine(store, 10, 20)

	engine.GetMetricsHistory(context.Background(), 30)
	assert.Equal(t, clock.t.Add(-24*time.Hour), store.lastSince)

	engine.GetMetricsHistory(context.Background(), 0)
	assert.Equal(t, clock.t.Add(-24*time.Hour), store.lastSince)

	engine.GetMetricsHistory(context.Background(), 6)
	assert.Equal(t, clock.t.Add(-6*time.Hour), store.lastSince)
}

func TestEngineHistoryFormatsPoints(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	store := &fakeEngineStore{
		snapshots: []storage.MetricSnapshot{{CPU: 12.3, Memory: 45.6, Messages: 7, Timestamp: ts}},
	}
	engine, _ := newTestEngine(store, 10, 20)

	points := engine.GetMetricsHistory(context.Background(), 12)
	require.Len(t, points, 1)
	assert.Equal(t, "2026-03-15T10:30:00Z", points[0].Timestamp)
	assert.Equal(t, 12.3, points[0].CPU)
	assert.Equal(t, 45.6, points[0].Memory)
	assert.EqualValues(t, 7, points[0].Messages)
}

func TestEngineHistoryErrorYieldsEmptySeries(t *testing.T) {
	store := &fakeEngineStore{listErr: errors.New("no such table")}
	engine, _ := newTestEngine(store, 10, 20)

	points := engine.GetMetricsHistory(context.Background(), 12)
	assert.NotNil(t, points)
	assert.Empty(t, points)
}
