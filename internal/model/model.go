package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidBooking is returned when a booking would violate start < end.
var ErrInvalidBooking = errors.New("booking start must be before end")

// Platform identifies the booking platform a feed belongs to.
type Platform string

const (
	PlatformAirbnb  Platform = "Airbnb"
	PlatformVRBO    Platform = "VRBO"
	PlatformBooking Platform = "Booking.com"
)

// Platforms lists the closed set of supported platforms.
var Platforms = []Platform{PlatformAirbnb, PlatformVRBO, PlatformBooking}

// ParsePlatform resolves a platform name case-insensitively. "booking" is
// accepted as a shorthand for Booking.com.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "airbnb":
		return PlatformAirbnb, nil
	case "vrbo":
		return PlatformVRBO, nil
	case "booking.com", "booking":
		return PlatformBooking, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Booking is an immutable reservation as reported by one feed.
//
// End is exclusive: it is the checkout date. Start and End keep the original
// feed values (date-only events carry local midnight); day math is done by
// callers via internal/caldate.
type Booking struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	Platform   Platform  `json:"platform"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`

	// GuestName is empty when the feed did not carry a usable name.
	GuestName string `json:"guest_name,omitempty"`
}

// NewBooking constructs a Booking and enforces Start < End.
func NewBooking(id, propertyID string, platform Platform, start, end time.Time, guest string) (Booking, error) {
	if !start.Before(end) {
		return Booking{}, fmt.Errorf("%w: id=%s start=%s end=%s", ErrInvalidBooking, id, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Booking{
		ID:         id,
		PropertyID: propertyID,
		Platform:   platform,
		Start:      start,
		End:        end,
		GuestName:  guest,
	}, nil
}

// HasGuestName reports whether the booking carries a guest name.
func (b Booking) HasGuestName() bool { return b.GuestName != "" }

// Source is one calendar feed configured for a property.
type Source struct {
	Platform Platform `json:"platform" yaml:"platform"`
	URL      string   `json:"url" yaml:"url"`
}

// Property is a rental unit with zero or more feeds. Platforms may repeat.
type Property struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	ShortName   string   `json:"short_name"`
	Sources     []Source `json:"sources"`
}

// Status is the cleaning workflow state for one property/day.
type Status string

const (
	StatusPending    Status = "pending"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// NeedsAttention reports whether the status counts as open work.
func (s Status) NeedsAttention() bool {
	return s == StatusTodo || s == StatusInProgress
}

// ParseStatus accepts the canonical names plus "inProgress"/"in-progress".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "todo", "to-do":
		return StatusTodo, nil
	case "in_progress", "inprogress", "in-progress":
		return StatusInProgress, nil
	case "done":
		return StatusDone, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CleaningStatus is the tracked work item for one (property key, day).
type CleaningStatus struct {
	PropertyKey string    `json:"property_key"`
	Date        time.Time `json:"date"`
	Status      Status    `json:"status"`
	BookingID   string    `json:"booking_id"`
	LastUpdated time.Time `json:"last_updated"`
}
