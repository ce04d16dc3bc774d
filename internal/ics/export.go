package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"turnover/internal/caldate"
	"turnover/internal/checkout"
	"turnover/internal/model"
)

// PropertyStatus is the custom property carrying the cleaning status.
const PropertyStatus = ical.ComponentProperty("X-TURNOVER-STATUS")

// ExportOptions controls ExportSchedule.
type ExportOptions struct {
	// Location decides checkout days. Nil means time.Local.
	Location *time.Location
	// Now stamps DTSTAMP. Zero means time.Now().
	Now time.Time
	// NameFor resolves a display name; nil or "" falls back to the id.
	NameFor func(propertyID string) string
	// StatusFor returns the tracked status of a checkout day, if any.
	StatusFor func(propertyID string, day time.Time) (model.Status, bool)
}

// ExportSchedule renders the cleaning schedule as a VCALENDAR document: one
// all-day event per (property, checkout day), flagged when it is a same-day
// turnover. Hosts subscribe cleaners' calendars to it.
func ExportSchedule(bookings []model.Booking, opts ExportOptions) string {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//turnover//cleaning schedule//EN")

	for _, c := range checkout.Group(bookings, loc) {
		name := c.PropertyID
		if opts.NameFor != nil {
			if n := opts.NameFor(c.PropertyID); n != "" {
				name = n
			}
		}

		ev := cal.AddEvent(fmt.Sprintf("cleaning-%s-%s@turnover", c.PropertyID, c.Day.Format(layoutDate)))
		ev.SetDtStampTime(now.UTC())
		ev.SetAllDayStartAt(c.Day)
		ev.SetAllDayEndAt(caldate.AddDays(c.Day, 1))

		if c.SameDayCheckin {
			ev.SetSummary("Turnover cleaning: " + name)
		} else {
			ev.SetSummary("Cleaning: " + name)
		}

		lines := make([]string, 0, len(c.Bookings)+1)
		for _, b := range c.Bookings {
			guest := b.GuestName
			if guest == "" {
				guest = "no name"
			}
			lines = append(lines, fmt.Sprintf("%s checkout (%s, %s)", guest, b.Platform, b.ID))
		}
		if c.SameDayCheckin {
			lines = append(lines, "New guests check in the same day.")
		}
		ev.SetDescription(strings.Join(lines, "\n"))

		if opts.StatusFor != nil {
			if st, ok := opts.StatusFor(c.PropertyID, c.Day); ok {
				ev.AddProperty(PropertyStatus, string(st))
			}
		}
	}

	return cal.Serialize()
}
