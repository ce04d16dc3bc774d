package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnover/internal/alert"
	"turnover/internal/caldate"
	"turnover/internal/config"
	"turnover/internal/ics"
	"turnover/internal/model"
)

var now = time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)

func june(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

type feedServer struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (f *feedServer) FetchOne(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[src.URL]
	if !ok {
		return ics.FetchResult{}, fmt.Errorf("no feed at %s", src.URL)
	}
	return ics.FetchResult{Source: src, Body: []byte(body)}, nil
}

func vevent(uid, start, end, summary string) string {
	return fmt.Sprintf("BEGIN:VEVENT\r\nUID:%s\r\nDTSTART;VALUE=DATE:%s\r\nDTEND;VALUE=DATE:%s\r\nSUMMARY:%s\r\nEND:VEVENT\r\n", uid, start, end, summary)
}

func calendar(events ...string) string {
	return "BEGIN:VCALENDAR\r\n" + strings.Join(events, "") + "END:VCALENDAR\r\n"
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids map[string]alert.Content
}

func (n *recordingNotifier) Schedule(_ context.Context, id string, c alert.Content, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids[id] = c
	return nil
}

func (n *recordingNotifier) CancelByPrefix(_ context.Context, prefix string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for id := range n.ids {
		if strings.HasPrefix(id, prefix) {
			delete(n.ids, id)
			c++
		}
	}
	return c, nil
}

func (n *recordingNotifier) PendingCount(_ context.Context, prefix string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for id := range n.ids {
		if strings.HasPrefix(id, prefix) {
			c++
		}
	}
	return c, nil
}

func (n *recordingNotifier) scheduled() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.ids))
	for id := range n.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type memPersister struct {
	mu       sync.Mutex
	statuses []model.CleaningStatus
}

func (p *memPersister) Load(context.Context) ([]model.CleaningStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.CleaningStatus(nil), p.statuses...), nil
}

func (p *memPersister) Save(_ context.Context, ss []model.CleaningStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append([]model.CleaningStatus(nil), ss...)
	return nil
}

type harness struct {
	engine   *Engine
	notifier *recordingNotifier
	badge    atomic.Int64
	cfg      *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.DataDir = t.TempDir()
	cfg.Properties = []config.PropertyConfig{
		{ID: "beach", Name: "Beach House", Sources: []config.SourceConfig{
			{Platform: "Airbnb", URL: "https://feeds.test/beach-airbnb.ics"},
			{Platform: "VRBO", URL: "https://feeds.test/beach-vrbo.ics"},
		}},
		{ID: "cabin", Name: "Cabin", Sources: []config.SourceConfig{
			{Platform: "Booking.com", URL: "https://feeds.test/cabin.ics"},
		}},
	}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	feeds := &feedServer{bodies: map[string]string{
		"https://feeds.test/beach-airbnb.ics": calendar(vevent("a", "20250605", "20250610", "Reserved")),
		"https://feeds.test/beach-vrbo.ics":   calendar(vevent("b", "20250612", "20250615", "Reserved - Jane Doe")),
		"https://feeds.test/cabin.ics": calendar(
			vevent("c", "20250608", "20250611", "Sam"),
			vevent("d", "20250611", "20250613", "Kim"),
		),
	}}

	h := &harness{notifier: &recordingNotifier{ids: map[string]alert.Content{}}, cfg: cfg}
	h.badge.Store(-1)
	base := []Option{
		WithFetcher(feeds),
		WithNotifier(h.notifier),
		WithClock(func() time.Time { return now }),
		WithDebounce(10 * time.Millisecond),
		WithBadgeSink(BadgeFunc(func(n int) { h.badge.Store(int64(n)) })),
	}
	e, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	h.engine = e
	return h
}

func TestBootstrap_SeedsTodayAndSchedulesAlerts(t *testing.T) {
	h := newHarness(t, testConfig(t))

	res, err := h.engine.Bootstrap(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, res.Bookings)
	assert.Equal(t, 1, res.Tasks.Created)
	assert.Equal(t, 3, res.Alerts.Scheduled)
	assert.Equal(t, 1, res.Alerts.SkippedPast, "today's 09:00 reminder is already past")

	pending := h.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "beach", pending[0].PropertyKey)
	assert.Equal(t, "a", pending[0].BookingID)

	assert.Equal(t, []string{
		alert.ID("beach", june(15)),
		alert.ID("cabin", june(11)),
		alert.ID("cabin", june(13)),
	}, h.notifier.scheduled())
	assert.True(t, h.notifier.ids[alert.ID("cabin", june(11))].Urgent)

	assert.Eventually(t, func() bool { return h.badge.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBootstrap_ClearOnStart(t *testing.T) {
	seed := func() *memPersister {
		return &memPersister{statuses: []model.CleaningStatus{
			{PropertyKey: "cabin", Date: june(8), Status: model.StatusInProgress, BookingID: "x", LastUpdated: june(8)},
			{PropertyKey: "cabin", Date: june(1).AddDate(0, -2, 0), Status: model.StatusDone, BookingID: "old", LastUpdated: june(1)},
		}}
	}

	t.Run("cleared", func(t *testing.T) {
		h := newHarness(t, testConfig(t), WithPersister(seed()))
		_, err := h.engine.Bootstrap(context.Background())
		require.NoError(t, err)

		_, ok := h.engine.Status("cabin", june(8))
		assert.False(t, ok)
	})

	t.Run("kept", func(t *testing.T) {
		cfg := testConfig(t)
		keep := false
		cfg.Bootstrap.ClearOnStart = &keep
		h := newHarness(t, cfg, WithPersister(seed()))
		_, err := h.engine.Bootstrap(context.Background())
		require.NoError(t, err)

		cs, ok := h.engine.Status("cabin", june(8))
		require.True(t, ok)
		assert.Equal(t, model.StatusInProgress, cs.Status)
		_, ok = h.engine.Status("cabin", june(1).AddDate(0, -2, 0))
		assert.False(t, ok, "retention sweep still runs")
	})
}

func TestBootstrap_BackfillReseedsPastDays(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bootstrap.BackfillDays = 3
	h := newHarness(t, cfg)

	res, err := h.engine.Bootstrap(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Tasks.Created, "only beach checks out inside the window")
	_, ok := h.engine.Status("beach", june(10))
	assert.True(t, ok)
}

func TestRefresh_DoesNotRegressProgress(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	_, err := h.engine.Bootstrap(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.SetStatus("beach", june(10), "a", model.StatusDone))
	_, err = h.engine.Refresh(ctx)
	require.NoError(t, err)

	cs, ok := h.engine.Status("beach", june(10))
	require.True(t, ok)
	assert.Equal(t, model.StatusDone, cs.Status)
	assert.Empty(t, h.engine.Pending())
	assert.Eventually(t, func() bool { return h.badge.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSetStatus_UnknownProperty(t *testing.T) {
	h := newHarness(t, testConfig(t))

	err := h.engine.SetStatus("attic", june(10), "a", model.StatusTodo)

	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestSetStatus_KeyedByNameWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.StatusKey = config.StatusKeyName
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.SetStatus("beach", june(10), "a", model.StatusTodo))

	pending := h.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Beach House", pending[0].PropertyKey)
	_, ok := h.engine.Status("beach", june(10))
	assert.True(t, ok)
}

func TestIsCleaningActive_UsesCachedBookings(t *testing.T) {
	h := newHarness(t, testConfig(t))
	assert.False(t, h.engine.IsCleaningActive("beach", june(10)), "nothing cached yet")

	_, err := h.engine.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, h.engine.IsCleaningActive("beach", june(10)))
	assert.True(t, h.engine.IsCleaningActive("beach", june(12)))
	assert.False(t, h.engine.IsCleaningActive("beach", june(13)))

	days, err := h.engine.ActiveDates("beach", june(1), june(14))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{june(10), june(11), june(12)}, days)
}

func TestSetAlertSettings_DisableCancelsAndPersists(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "turnover.yaml")
	h := newHarness(t, cfg, WithConfigPath(path))
	ctx := context.Background()
	_, err := h.engine.Refresh(ctx)
	require.NoError(t, err)

	res, err := h.engine.SetAlertSettings(ctx, caldate.MustTimeOfDay("07:45"), false)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Cancelled)
	pending, err := h.engine.PendingAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, saved.Alerts.Enabled)
	assert.Equal(t, "07:45", saved.Alerts.Time)

	at, enabled := h.engine.AlertSettings()
	assert.Equal(t, caldate.MustTimeOfDay("07:45"), at)
	assert.False(t, enabled)
}

func TestExportCalendar_IncludesStatusAndTurnover(t *testing.T) {
	h := newHarness(t, testConfig(t))
	_, err := h.engine.Bootstrap(context.Background())
	require.NoError(t, err)

	out := h.engine.ExportCalendar()

	assert.Contains(t, out, "Turnover cleaning: Cabin")
	assert.Contains(t, out, "Cleaning: Beach House")
	assert.Contains(t, out, "X-TURNOVER-STATUS:todo")
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.RefreshCron = "not a schedule"
	h := newHarness(t, cfg)

	assert.Error(t, h.engine.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, testConfig(t))

	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Stop()
	h.engine.Stop()
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreSQLite
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.SetStatus("cabin", june(11), "c", model.StatusInProgress))
	require.NoError(t, h.engine.Close())

	reopened := newHarness(t, cfg)
	cs, ok := reopened.engine.Status("cabin", june(11))
	require.True(t, ok)
	assert.Equal(t, model.StatusInProgress, cs.Status)
}
