package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"turnover/internal/alert"
	"turnover/internal/engine"
	"turnover/internal/model"
	"turnover/internal/tasks"
)

func TestWriteSyncSummary(t *testing.T) {
	res := engine.RefreshResult{Bookings: 1, Tasks: tasks.Result{Created: 1}, Alerts: alert.Result{Scheduled: 2}}
	props := []model.Property{{ID: "beach", DisplayName: "Beach House"}}
	bookingsFor := func(id string) []model.Booking {
		return []model.Booking{{
			ID: "a", PropertyID: id, Platform: model.PlatformVRBO, GuestName: "Jane Doe",
			Start: time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		}}
	}

	var out strings.Builder
	writeSyncSummary(&out, res, props, bookingsFor)

	got := out.String()
	assert.Contains(t, got, "Reminders due:   2 (delivered only while `turnover run` is running)")
	assert.NotContains(t, got, "scheduled")
	assert.Contains(t, got, "Beach House\n  VRBO  2025-06-12 -> 2025-06-15  Jane Doe")
}
