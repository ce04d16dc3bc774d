// Package tasks seeds cleaning tasks in the status store for checkouts whose
// deadline has passed.
package tasks

import (
	"context"
	"time"

	"turnover/internal/caldate"
	"turnover/internal/checkout"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
)

// DefaultDeadline is the checkout hour after which a cleaning task is due.
var DefaultDeadline = caldate.TimeOfDay{Hour: 10}

// StatusStore is the part of *status.Store the generator needs.
type StatusStore interface {
	Get(propertyKey string, date time.Time) (model.CleaningStatus, bool)
	Set(propertyKey string, date time.Time, bookingID string, status model.Status) error
}

// Result summarizes one generator run.
type Result struct {
	Created   int
	Unchanged int
	NotDue    int
	Failed    int
}

// Generator creates todo entries for due checkouts without regressing
// progress that is already recorded.
type Generator struct {
	store        StatusStore
	loc          *time.Location
	now          func() time.Time
	deadline     caldate.TimeOfDay
	backfillDays int
	keyFor       func(propertyID string) string
	metrics      *metrics.Metrics
}

// Option configures a Generator.
type Option func(*Generator)

// WithLocation sets the zone that defines checkout days.
func WithLocation(loc *time.Location) Option {
	return func(g *Generator) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithDeadline sets the checkout time of day.
func WithDeadline(t caldate.TimeOfDay) Option {
	return func(g *Generator) { g.deadline = t }
}

// WithBackfillDays also seeds the n days before today. Zero seeds today only.
func WithBackfillDays(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.backfillDays = n
		}
	}
}

// WithKeyFunc maps a property id to its status store key.
func WithKeyFunc(fn func(propertyID string) string) Option {
	return func(g *Generator) {
		if fn != nil {
			g.keyFor = fn
		}
	}
}

// WithMetrics records created tasks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New returns a Generator writing to store.
func New(store StatusStore, opts ...Option) *Generator {
	g := &Generator{
		store:    store,
		loc:      time.Local,
		now:      time.Now,
		deadline: DefaultDeadline,
		keyFor:   func(id string) string { return id },
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	return g
}

// AutoCreateCleaningTasks walks the checkouts of today (and the backfill
// window) and marks each due one todo unless it already has a status past
// pending.
func (g *Generator) AutoCreateCleaningTasks(ctx context.Context, bookings []model.Booking) (Result, error) {
	var res Result

	now := g.now()
	today := caldate.Day(now, g.loc)
	first := caldate.AddDays(today, -g.backfillDays)

	for _, c := range checkout.Group(bookings, g.loc) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if c.Day.Before(first) || c.Day.After(today) {
			continue
		}
		if now.Before(g.deadline.On(c.Day, g.loc)) {
			res.NotDue++
			continue
		}

		key := g.keyFor(c.PropertyID)
		if existing, ok := g.store.Get(key, c.Day); ok && existing.Status != model.StatusPending {
			res.Unchanged++
			continue
		}

		if err := g.store.Set(key, c.Day, c.BookingID(), model.StatusTodo); err != nil {
			res.Failed++
			appLog.Error("cleaning task not created", err, "property", c.PropertyID, "date", c.Day.Format(caldate.DayLayout))
			continue
		}
		res.Created++
		g.metrics.TasksCreated.Inc()
	}

	appLog.Info("cleaning tasks generated",
		"created", res.Created, "unchanged", res.Unchanged, "not_due", res.NotDue, "failed", res.Failed, "backfill_days", g.backfillDays)
	return res, nil
}
