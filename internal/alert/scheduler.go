// Package alert turns upcoming checkouts into cleaning reminders on a
// Notifier. Every reminder it owns carries Prefix so a run can withdraw all
// of them before scheduling the current set.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"turnover/internal/caldate"
	"turnover/internal/checkout"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
)

// Prefix marks reminders owned by the Scheduler.
const Prefix = "cleaning-"

// runTimeout bounds the notifier calls of one run after its withdrawal step.
const runTimeout = 2 * time.Minute

// ErrSuperseded is returned by a run that stopped because a newer run was
// requested. The newer run performs the full cancel and reschedule.
var ErrSuperseded = errors.New("alert run superseded")

// Result summarizes one scheduling run.
type Result struct {
	Cancelled   int
	Scheduled   int
	SkippedPast int
	Failed      int
}

// Scheduler serializes scheduling runs: at most one talks to the Notifier at
// a time, and a run that is overtaken while waiting or in progress gives up.
type Scheduler struct {
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
	metrics  *metrics.Metrics
	nameFor  func(propertyID string) string

	runMu sync.Mutex
	gen   atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the zone that defines checkout days and alert times.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics records alert metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithPropertyNames resolves display names for reminder text.
func WithPropertyNames(nameFor func(propertyID string) string) Option {
	return func(s *Scheduler) { s.nameFor = nameFor }
}

// NewScheduler returns a Scheduler backed by n.
func NewScheduler(n Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{notifier: n, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// ID is the reminder id for a property's checkout day.
func ID(propertyID string, checkoutDay time.Time) string {
	return Prefix + propertyID + "-" + strconv.FormatInt(checkoutDay.Unix(), 10)
}

// ScheduleCleaningAlerts withdraws every owned reminder and, when enabled,
// schedules one per (property, checkout day) from today on at the given time
// of day. Reminders whose time has passed are skipped. Notifier failures are
// counted per item and do not stop the run.
//
// ctx is only honored before the withdrawal. Once owned reminders are gone
// the run finishes under a detached context bounded by runTimeout, so a
// cancelled caller never leaves the notifier empty.
func (s *Scheduler) ScheduleCleaningAlerts(ctx context.Context, bookings []model.Booking, at caldate.TimeOfDay, enabled bool) (Result, error) {
	gen := s.gen.Add(1)
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var res Result
	if s.superseded(gen) {
		return res, ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runTimeout)
	defer cancel()

	res.Cancelled = s.cancelAll(ctx)
	if !enabled {
		appLog.Info("cleaning alerts disabled", "cancelled", res.Cancelled)
		return res, nil
	}

	now := s.now()
	today := caldate.Day(now, s.loc)

	for _, c := range checkout.Group(bookings, s.loc) {
		if s.superseded(gen) {
			return res, ErrSuperseded
		}
		if c.Day.Before(today) {
			continue
		}

		trigger := at.On(c.Day, s.loc)
		if !trigger.After(now) {
			res.SkippedPast++
			s.metrics.AlertsSkipped.WithLabelValues("past").Inc()
			continue
		}

		id := ID(c.PropertyID, c.Day)
		if err := s.notifier.Schedule(ctx, id, s.content(c), trigger); err != nil {
			res.Failed++
			s.metrics.NotifierErrors.WithLabelValues("schedule").Inc()
			appLog.Error("cleaning alert not scheduled", err, "id", id, "at", trigger)
			continue
		}
		res.Scheduled++
		s.metrics.AlertsScheduled.Inc()
	}

	appLog.Info("cleaning alerts scheduled",
		"scheduled", res.Scheduled, "skipped_past", res.SkippedPast, "failed", res.Failed, "cancelled", res.Cancelled, "at", at.String())
	return res, nil
}

// CancelAllCleaningAlerts withdraws every owned reminder.
func (s *Scheduler) CancelAllCleaningAlerts(ctx context.Context) int {
	s.gen.Add(1)
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancelAll(ctx)
}

// PendingCount asks the Notifier how many owned reminders are waiting.
func (s *Scheduler) PendingCount(ctx context.Context) (int, error) {
	n, err := s.notifier.PendingCount(ctx, Prefix)
	if err != nil {
		s.metrics.NotifierErrors.WithLabelValues("pending_count").Inc()
		return 0, fmt.Errorf("pending alerts: %w", err)
	}
	return n, nil
}

func (s *Scheduler) cancelAll(ctx context.Context) int {
	n, err := s.notifier.CancelByPrefix(ctx, Prefix)
	if err != nil {
		s.metrics.NotifierErrors.WithLabelValues("cancel").Inc()
		appLog.Error("cleaning alerts not cancelled", err, "prefix", Prefix)
		return 0
	}
	return n
}

func (s *Scheduler) superseded(gen uint64) bool {
	return s.gen.Load() != gen
}

func (s *Scheduler) content(c checkout.Checkout) Content {
	name := c.PropertyID
	if s.nameFor != nil {
		if n := s.nameFor(c.PropertyID); n != "" {
			name = n
		}
	}

	var guests []string
	for _, b := range c.Bookings {
		if b.HasGuestName() {
			guests = append(guests, b.GuestName)
		}
	}
	who := "Guests check out"
	if len(guests) > 0 {
		who = strings.Join(guests, ", ") + " check out"
	}

	if c.SameDayCheckin {
		return Content{
			PropertyID: c.PropertyID,
			Title:      "Same-day turnover: " + name,
			Body:       who + " and new guests arrive today. Clean before check-in.",
			Urgent:     true,
		}
	}
	return Content{
		PropertyID: c.PropertyID,
		Title:      "Cleaning due: " + name,
		Body:       who + " today.",
	}
}
