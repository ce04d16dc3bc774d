package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnover/internal/model"
)

func feed(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Test//EN\r\n")
	for _, e := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		b.WriteString(e)
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func byID(bookings []model.Booking) map[string]model.Booking {
	out := make(map[string]model.Booking, len(bookings))
	for _, b := range bookings {
		out[b.ID] = b
	}
	return out
}

func TestParse_WellFormedEvents(t *testing.T) {
	body := feed(
		"DTSTART;VALUE=DATE:20250110\r\nDTEND;VALUE=DATE:20250115\r\nUID:abc-1@airbnb.com\r\nSUMMARY:Mike's Trip\r\n",
		"DTSTART:20250115T150000Z\r\nDTEND:20250118T110000Z\r\nUID:abc-2@airbnb.com\r\nSUMMARY:Reserved\r\n",
		"DTSTART:20250120\r\nDTEND:20250122\r\nUID:abc-3@airbnb.com\r\n",
	)

	res := Parse(body, model.PlatformAirbnb, "p1")

	require.Len(t, res.Bookings, 3)
	assert.Zero(t, res.Skipped)

	got := byID(res.Bookings)
	first := got["abc-1@airbnb.com"]
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.Local), first.Start)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.Local), first.End)
	assert.Equal(t, "Mike's Trip", first.GuestName)
	assert.Equal(t, "p1", first.PropertyID)
	assert.Equal(t, model.PlatformAirbnb, first.Platform)

	second := got["abc-2@airbnb.com"]
	assert.Equal(t, time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC), second.Start)
	assert.Equal(t, time.Date(2025, 1, 18, 11, 0, 0, 0, time.UTC), second.End)
	assert.False(t, second.HasGuestName())

	assert.False(t, got["abc-3@airbnb.com"].HasGuestName())
}

func TestParse_SkipsEventMissingDTEND(t *testing.T) {
	body := feed(
		"DTSTART:20250110\r\nDTEND:20250112\r\nUID:1\r\n",
		"DTSTART:20250113\r\nUID:2\r\n",
		"DTSTART:20250114\r\nDTEND:20250116\r\nUID:3\r\n",
	)

	res := Parse(body, model.PlatformVRBO, "p1")

	assert.Len(t, res.Bookings, 2)
	assert.Equal(t, 1, res.Skipped)
	assert.NotContains(t, byID(res.Bookings), "2")
}

func TestParse_SkipsMissingUIDAndStart(t *testing.T) {
	body := feed(
		"DTSTART:20250110\r\nDTEND:20250112\r\n",
		"DTEND:20250112\r\nUID:x\r\n",
		"DTSTART:20250110\r\nDTEND:20250112\r\nUID:\r\n",
	)

	res := Parse(body, model.PlatformAirbnb, "p1")

	assert.Empty(t, res.Bookings)
	assert.Equal(t, 3, res.Skipped)
}

func TestParse_CountsUnterminatedEvents(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\nDTSTART:20250110\r\nDTEND:20250112\r\nUID:open-1\r\n" +
		"BEGIN:VEVENT\r\nDTSTART:20250113\r\nDTEND:20250115\r\nUID:ok\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nDTSTART:20250120\r\nDTEND:20250122\r\nUID:open-2\r\n" +
		"END:VCALENDAR\r\n"

	res := Parse([]byte(body), model.PlatformAirbnb, "p1")

	require.Len(t, res.Bookings, 1)
	assert.Equal(t, "ok", res.Bookings[0].ID)
	assert.Equal(t, 2, res.Skipped)
}

func TestParse_UnfoldsContinuationLines(t *testing.T) {
	body := feed(
		"DTSTART:20250110\r\nDTEND:20250112\r\nUID:fold-1\r\nSUMMARY:Family reunion wee\r\n kend at the lake\r\n",
		"DTSTART:20250112\r\nDTEND:20250114\r\nUID:fold-\r\n\t2\r\nSUMMARY:Tab\r\n\tfolded\r\n",
	)

	res := Parse(body, model.PlatformAirbnb, "p1")

	require.Len(t, res.Bookings, 2)
	got := byID(res.Bookings)
	assert.Equal(t, "Family reunion weekend at the lake", got["fold-1"].GuestName)
	assert.Equal(t, "Tabfolded", got["fold-2"].GuestName)
}

func TestParse_DateFormats(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Time
		ok    bool
	}{
		{name: "date only is local midnight", value: "20250615", want: time.Date(2025, 6, 15, 0, 0, 0, 0, time.Local), ok: true},
		{name: "utc timestamp", value: "20250615T140000Z", want: time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC), ok: true},
		{name: "floating timestamp read as utc", value: "20250615T140000", want: time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC), ok: true},
		{name: "garbage", value: "not-a-date"},
		{name: "short digits", value: "2025061"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := feed("DTSTART:" + tt.value + "\r\nDTEND:20300101T000000Z\r\nUID:d\r\n")

			res := Parse(body, model.PlatformAirbnb, "p1")

			if !tt.ok {
				assert.Empty(t, res.Bookings)
				assert.Equal(t, 1, res.Skipped)
				return
			}
			require.Len(t, res.Bookings, 1)
			assert.True(t, tt.want.Equal(res.Bookings[0].Start), "got %s", res.Bookings[0].Start)
		})
	}
}

func TestParse_TZIDParamDoesNotChangeUTCReading(t *testing.T) {
	body := feed("DTSTART;TZID=\"America/New_York\":20250615T140000\r\nDTEND;TZID=America/New_York:20250616T100000\r\nUID:tz\r\n")

	res := Parse(body, model.PlatformBooking, "p1")

	require.Len(t, res.Bookings, 1)
	assert.Equal(t, time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC), res.Bookings[0].Start)
}

func TestParse_SkipsInvertedRange(t *testing.T) {
	body := feed("DTSTART:20250615\r\nDTEND:20250615\r\nUID:zero\r\n")

	res := Parse(body, model.PlatformAirbnb, "p1")

	assert.Empty(t, res.Bookings)
	assert.Equal(t, 1, res.Skipped)
}

func TestParse_IgnoresNestedAlarmFields(t *testing.T) {
	body := feed("DTSTART:20250110\r\nDTEND:20250112\r\nUID:alarm\r\nSUMMARY:Guest\r\nBEGIN:VALARM\r\nSUMMARY:Alarm text\r\nTRIGGER:-PT15M\r\nEND:VALARM\r\n")

	res := Parse(body, model.PlatformAirbnb, "p1")

	require.Len(t, res.Bookings, 1)
	assert.Equal(t, "Guest", res.Bookings[0].GuestName)
}

func TestParse_EmptyAndJunkInput(t *testing.T) {
	assert.Empty(t, Parse(nil, model.PlatformAirbnb, "p1").Bookings)

	res := Parse([]byte("<html>502 Bad Gateway</html>"), model.PlatformAirbnb, "p1")
	assert.Empty(t, res.Bookings)
	assert.Zero(t, res.Skipped)
}

func TestParser_LocationForDateOnly(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	body := feed("DTSTART:20250110\r\nDTEND:20250112\r\nUID:loc\r\n")

	res := Parser{Location: loc}.Parse(body, model.PlatformAirbnb, "p1")

	require.Len(t, res.Bookings, 1)
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, loc), res.Bookings[0].Start)
}

func TestGuestName(t *testing.T) {
	tests := []struct {
		summary  string
		platform model.Platform
		want     string
	}{
		{summary: "Reserved - Jane Doe", platform: model.PlatformVRBO, want: "Jane Doe"},
		{summary: "Reserved -   ", platform: model.PlatformVRBO, want: ""},
		{summary: "Reserved", platform: model.PlatformAirbnb, want: ""},
		{summary: "RESERVED", platform: model.PlatformBooking, want: ""},
		{summary: "Mike's Trip", platform: model.PlatformAirbnb, want: "Mike's Trip"},
		{summary: "Mike's Trip", platform: model.PlatformVRBO, want: "Mike's Trip"},
		{summary: "Reserved - Jane Doe", platform: model.PlatformAirbnb, want: "Reserved - Jane Doe"},
		{summary: "", platform: model.PlatformAirbnb, want: ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.platform)+"/"+tt.summary, func(t *testing.T) {
			assert.Equal(t, tt.want, GuestName(tt.summary, tt.platform))
		})
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://www.airbnb.com/...(redacted)", RedactURL("https://www.airbnb.com/calendar/ical/123.ics?s=secret"))
	assert.Equal(t, "https://example.com/...(redacted)", RedactURL("https://example.com?token=abc"))
	assert.Equal(t, "feed://...(redacted)", RedactURL("not a url"))
}
