// Package checkout groups bookings into per-property checkout days, the unit
// that alerts, auto-created tasks and the exported schedule all work on.
package checkout

import (
	"sort"
	"time"

	"turnover/internal/caldate"
	"turnover/internal/model"
)

// Checkout is every booking of one property ending on one calendar day.
type Checkout struct {
	PropertyID string
	Day        time.Time
	Bookings   []model.Booking

	// SameDayCheckin is true when another booking of the property starts on
	// Day, i.e. the cleaning window is a same-day turnover.
	SameDayCheckin bool
}

// BookingID returns a reference booking for the group.
func (c Checkout) BookingID() string {
	if len(c.Bookings) == 0 {
		return ""
	}
	return c.Bookings[0].ID
}

type groupKey struct {
	propertyID string
	day        string
}

// Group buckets bookings by (property, checkout day in loc). The result is
// ordered by day, then property id.
func Group(bookings []model.Booking, loc *time.Location) []Checkout {
	groups := make(map[groupKey]*Checkout)
	checkins := make(map[groupKey][]string)

	for _, b := range bookings {
		ck := groupKey{propertyID: b.PropertyID, day: caldate.Key(b.End, loc)}
		g, ok := groups[ck]
		if !ok {
			g = &Checkout{PropertyID: b.PropertyID, Day: caldate.Day(b.End, loc)}
			groups[ck] = g
		}
		g.Bookings = append(g.Bookings, b)

		ik := groupKey{propertyID: b.PropertyID, day: caldate.Key(b.Start, loc)}
		checkins[ik] = append(checkins[ik], b.ID)
	}

	out := make([]Checkout, 0, len(groups))
	for k, g := range groups {
		ending := make(map[string]bool, len(g.Bookings))
		for _, b := range g.Bookings {
			ending[b.ID] = true
		}
		for _, id := range checkins[k] {
			if !ending[id] {
				g.SameDayCheckin = true
				break
			}
		}
		out = append(out, *g)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].PropertyID < out[j].PropertyID
	})
	return out
}

// On returns the groups whose checkout day is day.
func On(groups []Checkout, day time.Time, loc *time.Location) []Checkout {
	var out []Checkout
	for _, g := range groups {
		if caldate.SameDay(g.Day, day, loc) {
			out = append(out, g)
		}
	}
	return out
}
