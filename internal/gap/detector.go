// Package gap decides on which days a property is between guests and so
// should show a cleaning indicator.
package gap

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"turnover/internal/caldate"
	"turnover/internal/model"
)

// MaxWindowDays bounds ActiveDates.
const MaxWindowDays = 366

// Detector evaluates turnover gaps relative to today in its location.
type Detector struct {
	loc *time.Location
	now func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithLocation sets the zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New returns a Detector in time.Local.
func New(opts ...Option) *Detector {
	d := &Detector{loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsCleaningActive reports whether date falls in a gap of the property.
//
// Bookings are walked in checkout order. Checkouts after today are ignored.
// A gap runs from a checkout to the next booking's check-in, both days
// included, and only counts while that check-in is today or later. The last
// known booking opens a gap that never closes.
func (d *Detector) IsCleaningActive(propertyID string, date time.Time, bookings []model.Booking) bool {
	return d.isActive(caldate.Day(date, d.loc), caldate.Day(d.now(), d.loc), d.sorted(propertyID, bookings))
}

// ActiveDates lists every day in [from, to] on which IsCleaningActive holds.
func (d *Detector) ActiveDates(propertyID string, bookings []model.Booking, from, to time.Time) ([]time.Time, error) {
	start := caldate.Day(from, d.loc)
	end := caldate.Day(to, d.loc)
	if end.Before(start) {
		return nil, fmt.Errorf("active dates: window ends %s before it starts %s", end.Format(caldate.DayLayout), start.Format(caldate.DayLayout))
	}
	if end.After(caldate.AddDays(start, MaxWindowDays)) {
		return nil, fmt.Errorf("active dates: window longer than %d days", MaxWindowDays)
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Until:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("active dates: %w", err)
	}

	today := caldate.Day(d.now(), d.loc)
	sorted := d.sorted(propertyID, bookings)

	var out []time.Time
	for _, day := range rule.All() {
		day = caldate.Day(day, d.loc)
		if d.isActive(day, today, sorted) {
			out = append(out, day)
		}
	}
	return out, nil
}

func (d *Detector) sorted(propertyID string, bookings []model.Booking) []model.Booking {
	var own []model.Booking
	for _, b := range bookings {
		if b.PropertyID == propertyID {
			own = append(own, b)
		}
	}
	sort.SliceStable(own, func(i, j int) bool { return own[i].End.Before(own[j].End) })
	return own
}

func (d *Detector) isActive(day, today time.Time, sorted []model.Booking) bool {
	active := false
	for i, b := range sorted {
		checkout := caldate.Day(b.End, d.loc)
		if checkout.After(today) {
			continue
		}

		if i+1 < len(sorted) {
			checkin := caldate.Day(sorted[i+1].Start, d.loc)
			if !day.Before(checkout) && !day.After(checkin) && !checkin.Before(today) {
				active = true
			}
			continue
		}

		if !day.Before(checkout) {
			active = true
		}
	}
	return active
}
