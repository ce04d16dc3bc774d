// Package engine wires the feed aggregator, status store, gap detector, alert
// scheduler and task generator into one component owned by the host.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"turnover/internal/alert"
	"turnover/internal/booking"
	"turnover/internal/caldate"
	"turnover/internal/config"
	"turnover/internal/debounce"
	"turnover/internal/gap"
	"turnover/internal/ics"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
	"turnover/internal/status"
	"turnover/internal/tasks"
)

// DefaultDebounce coalesces bursts of status changes and feed updates.
const DefaultDebounce = 150 * time.Millisecond

// ErrUnknownProperty is returned for a property id not in the config.
var ErrUnknownProperty = errors.New("unknown property")

// BadgeSink receives the number of open cleaning tasks.
type BadgeSink interface {
	SetBadge(pending int)
}

// BadgeFunc adapts a function to BadgeSink.
type BadgeFunc func(pending int)

func (f BadgeFunc) SetBadge(pending int) { f(pending) }

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	Bookings int
	Tasks    tasks.Result
	Alerts   alert.Result
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        *config.Config
	configPath string
	loc        *time.Location
	now        func() time.Time
	metrics    *metrics.Metrics
	delay      time.Duration

	fetcher   booking.FeedFetcher
	notifier  alert.Notifier
	persister status.Persister
	badge     BadgeSink

	agg       *booking.Aggregator
	store     *status.Store
	detector  *gap.Detector
	alerts    *alert.Scheduler
	generator *tasks.Generator

	alertDebounce *debounce.Debouncer
	badgeDebounce *debounce.Debouncer
	unsubscribe   func()

	mu            sync.RWMutex
	alertAt       caldate.TimeOfDay
	alertsEnabled bool

	cron    *cron.Cron
	closers []io.Closer
	closed  sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetcher replaces the HTTP feed fetcher.
func WithFetcher(f booking.FeedFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithNotifier replaces the in-process notifier.
func WithNotifier(n alert.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPersister replaces the configured status persister.
func WithPersister(p status.Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithBadgeSink receives debounced pending-task counts.
func WithBadgeSink(b BadgeSink) Option {
	return func(e *Engine) { e.badge = b }
}

// WithMetrics records every component's metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConfigPath makes SetAlertSettings persist the config to path.
func WithConfigPath(path string) Option {
	return func(e *Engine) { e.configPath = path }
}

// WithDebounce sets the quiet period for badge and alert recomputation.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.delay = d
		}
	}
}

// New builds the engine and opens the status store. A store that fails to
// load is logged and replaced by an empty one.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	e := &Engine{
		cfg:           cfg,
		loc:           cfg.Location(),
		now:           time.Now,
		delay:         DefaultDebounce,
		alertAt:       cfg.AlertTime(),
		alertsEnabled: cfg.Alerts.Enabled,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.fetcher == nil {
		e.fetcher = ics.NewFetcher(cfg.FeedCacheDir(), cfg.FetchTimeout)
	}
	if e.notifier == nil {
		e.notifier = alert.NewMemoryNotifier(func(id string, c alert.Content) {
			appLog.Info("cleaning reminder", "id", id, "title", c.Title, "body", c.Body, "urgent", c.Urgent)
		})
	}
	if e.persister == nil {
		p, err := e.openPersister()
		if err != nil {
			return nil, err
		}
		e.persister = p
	}

	e.agg = booking.New(e.fetcher,
		booking.WithTTL(cfg.CacheTTL),
		booking.WithClock(e.now),
		booking.WithMetrics(e.metrics),
		booking.WithLocation(e.loc),
	)

	store, err := status.Open(ctx, e.persister,
		status.WithLocation(e.loc),
		status.WithClock(e.now),
		status.WithMetrics(e.metrics),
	)
	if err != nil {
		appLog.Error("continuing with empty status store", err, "store", cfg.Store)
	}
	e.store = store

	e.detector = gap.New(gap.WithLocation(e.loc), gap.WithClock(e.now))
	e.alerts = alert.NewScheduler(e.notifier,
		alert.WithLocation(e.loc),
		alert.WithClock(e.now),
		alert.WithMetrics(e.metrics),
		alert.WithPropertyNames(cfg.NameFor),
	)
	e.generator = tasks.New(e.store,
		tasks.WithLocation(e.loc),
		tasks.WithClock(e.now),
		tasks.WithDeadline(cfg.CheckoutDeadline()),
		tasks.WithBackfillDays(cfg.Bootstrap.BackfillDays),
		tasks.WithKeyFunc(cfg.KeyFor),
		tasks.WithMetrics(e.metrics),
	)

	e.alertDebounce = debounce.New(e.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := e.RescheduleAlerts(ctx); err != nil && !errors.Is(err, alert.ErrSuperseded) {
			appLog.Error("debounced alert reschedule failed", err)
		}
	})
	e.badgeDebounce = debounce.New(e.delay, e.publishBadge)

	e.agg.OnUpdate(func(propertyID string, bookings []model.Booking) {
		appLog.Debug("bookings updated", "property", propertyID, "bookings", len(bookings))
		e.alertDebounce.Trigger()
	})
	e.unsubscribe = e.store.Subscribe(func(status.Change) {
		e.badgeDebounce.Trigger()
	})

	return e, nil
}

func (e *Engine) openPersister() (status.Persister, error) {
	if err := os.MkdirAll(e.cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if e.cfg.Store == config.StoreSQLite {
		p, err := status.OpenSQLite(e.cfg.StatusPath())
		if err != nil {
			return nil, fmt.Errorf("open status database: %w", err)
		}
		e.closers = append(e.closers, p)
		return p, nil
	}
	return status.NewFilePersister(e.cfg.StatusPath()), nil
}

// Properties returns the configured properties.
func (e *Engine) Properties() []model.Property {
	return e.cfg.ModelProperties()
}

// Metrics exposes the engine's metric set.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Bootstrap is the startup pass: sweep old statuses, optionally clear the
// store, then refresh feeds and seed tasks.
func (e *Engine) Bootstrap(ctx context.Context) (RefreshResult, error) {
	purged := e.store.CleanupOld()
	if e.cfg.ClearOnStart() {
		e.store.ClearAll()
	}
	appLog.Info("bootstrap", "purged", purged, "cleared", e.cfg.ClearOnStart(), "backfill_days", e.cfg.Bootstrap.BackfillDays)
	return e.Refresh(ctx)
}

// Refresh force-refreshes every feed, seeds due tasks and reschedules alerts.
func (e *Engine) Refresh(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult

	bookings, err := e.agg.RefreshAll(ctx, e.Properties())
	if err != nil {
		return res, fmt.Errorf("refresh feeds: %w", err)
	}
	res.Bookings = len(bookings)

	res.Tasks, err = e.generator.AutoCreateCleaningTasks(ctx, bookings)
	if err != nil {
		return res, fmt.Errorf("generate tasks: %w", err)
	}

	// The refresh itself triggered the debounced reschedule; run it now.
	e.alertDebounce.Cancel()
	res.Alerts, err = e.RescheduleAlerts(ctx)
	if err != nil && !errors.Is(err, alert.ErrSuperseded) {
		return res, fmt.Errorf("schedule alerts: %w", err)
	}
	return res, nil
}

// RescheduleAlerts runs the alert scheduler over the cached bookings with the
// current settings.
func (e *Engine) RescheduleAlerts(ctx context.Context) (alert.Result, error) {
	at, enabled := e.AlertSettings()
	return e.alerts.ScheduleCleaningAlerts(ctx, e.agg.AllCached(), at, enabled)
}

// AlertSettings returns the reminder time and whether reminders are on.
func (e *Engine) AlertSettings() (caldate.TimeOfDay, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.alertAt, e.alertsEnabled
}

// SetAlertSettings stores new reminder settings, persists the config when a
// path is known and reschedules.
func (e *Engine) SetAlertSettings(ctx context.Context, at caldate.TimeOfDay, enabled bool) (alert.Result, error) {
	e.mu.Lock()
	e.alertAt = at
	e.alertsEnabled = enabled
	e.mu.Unlock()

	if e.configPath != "" {
		saved := e.cfg.Clone()
		saved.Alerts = config.AlertConfig{Enabled: enabled, Time: at.String()}
		if err := config.Save(e.configPath, saved); err != nil {
			appLog.Error("alert settings not saved", err, "config_path", e.configPath)
		}
	}
	return e.RescheduleAlerts(ctx)
}

// PendingAlerts asks the notifier how many reminders are waiting.
func (e *Engine) PendingAlerts(ctx context.Context) (int, error) {
	return e.alerts.PendingCount(ctx)
}

// Bookings returns the cached bookings of one property. It never fetches.
func (e *Engine) Bookings(propertyID string) []model.Booking {
	return e.agg.GetCached(propertyID)
}

// AllBookings returns every cached booking.
func (e *Engine) AllBookings() []model.Booking {
	return e.agg.AllCached()
}

// IsCleaningActive evaluates the gap rule over cached bookings.
func (e *Engine) IsCleaningActive(propertyID string, date time.Time) bool {
	return e.detector.IsCleaningActive(propertyID, date, e.agg.GetCached(propertyID))
}

// ActiveDates lists the gap days of a property in [from, to].
func (e *Engine) ActiveDates(propertyID string, from, to time.Time) ([]time.Time, error) {
	return e.detector.ActiveDates(propertyID, e.agg.GetCached(propertyID), from, to)
}

// SetStatus records cleaning progress for a property's day.
func (e *Engine) SetStatus(propertyID string, date time.Time, bookingID string, st model.Status) error {
	if e.cfg.NameFor(propertyID) == "" {
		return fmt.Errorf("%w: %s", ErrUnknownProperty, propertyID)
	}
	return e.store.Set(e.cfg.KeyFor(propertyID), date, bookingID, st)
}

// Status returns the recorded status of a property's day.
func (e *Engine) Status(propertyID string, date time.Time) (model.CleaningStatus, bool) {
	return e.store.Get(e.cfg.KeyFor(propertyID), date)
}

// Pending lists open cleaning tasks ordered by day.
func (e *Engine) Pending() []model.CleaningStatus {
	return e.store.GetPending()
}

// ExportCalendar renders the cleaning schedule from cached bookings.
func (e *Engine) ExportCalendar() string {
	return ics.ExportSchedule(e.agg.AllCached(), ics.ExportOptions{
		Location: e.loc,
		Now:      e.now(),
		NameFor:  e.cfg.NameFor,
		StatusFor: func(propertyID string, day time.Time) (model.Status, bool) {
			cs, ok := e.Status(propertyID, day)
			return cs.Status, ok
		},
	})
}

// Daily sweeps old statuses and reschedules alerts for the new day.
func (e *Engine) Daily(ctx context.Context) {
	e.store.CleanupOld()
	if _, err := e.RescheduleAlerts(ctx); err != nil && !errors.Is(err, alert.ErrSuperseded) {
		appLog.Error("daily alert reschedule failed", err)
	}
}

// Start registers the refresh and daily cron jobs.
func (e *Engine) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(e.loc))

	if _, err := c.AddFunc(e.cfg.RefreshCron, func() {
		if _, err := e.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule: %w", err)
	}
	if _, err := c.AddFunc(e.cfg.DailyCron, func() { e.Daily(ctx) }); err != nil {
		return fmt.Errorf("invalid daily schedule: %w", err)
	}

	e.cron = c
	c.Start()
	appLog.Info("scheduler started", "refresh", e.cfg.RefreshCron, "daily", e.cfg.DailyCron, "timezone", e.loc.String())
	return nil
}

// Stop halts the cron jobs and waits for a running job to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
}

// Close stops everything, flushes the status store and releases resources.
func (e *Engine) Close() error {
	var errs []error
	e.closed.Do(func() {
		e.Stop()
		e.alertDebounce.Cancel()
		e.badgeDebounce.Cancel()
		e.unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush statuses: %w", err))
		}
		e.store.Close()
		for _, c := range e.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) publishBadge() {
	n := e.store.PendingCount()
	if e.badge != nil {
		e.badge.SetBadge(n)
	}
	appLog.Debug("pending badge", "count", n)
}
