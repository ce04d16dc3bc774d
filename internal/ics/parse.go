package ics

import (
	"strings"
	"time"

	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
)

// Result is the outcome of parsing one feed document.
type Result struct {
	Bookings []model.Booking
	// Skipped counts VEVENTs dropped for a missing UID/DTSTART/DTEND, an
	// unparseable date, or an empty date range.
	Skipped int
}

// Parser converts feed documents into bookings.
//
// The wire format is handled line by line rather than through a full
// iCalendar decoder: platform exports are frequently not RFC 5545 clean and
// a single malformed line must only cost the event it belongs to.
type Parser struct {
	// Location is used for date-only values. Nil means time.Local.
	Location *time.Location
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Parse parses body with the default Parser.
func Parse(body []byte, platform model.Platform, propertyID string) Result {
	return Parser{}.Parse(body, platform, propertyID)
}

type contentLine struct {
	value    string
	dateOnly bool
}

// Parse returns every well-formed VEVENT in body as a Booking. Order follows
// the document.
func (p Parser) Parse(body []byte, platform model.Platform, propertyID string) Result {
	var res Result

	loc := p.Location
	if loc == nil {
		loc = time.Local
	}

	var (
		inEvent bool
		nested  int
		fields  map[string]contentLine
	)

	for _, line := range unfold(string(body)) {
		upper := strings.ToUpper(strings.TrimSpace(line))

		switch {
		case upper == "BEGIN:VEVENT":
			if inEvent {
				// previous event never closed
				res.Skipped++
			}
			inEvent = true
			nested = 0
			fields = make(map[string]contentLine)
			continue
		case upper == "END:VEVENT":
			if inEvent {
				if b, ok := p.buildBooking(fields, platform, propertyID, loc); ok {
					res.Bookings = append(res.Bookings, b)
				} else {
					res.Skipped++
				}
			}
			inEvent = false
			continue
		}

		if !inEvent {
			continue
		}

		// VALARM and friends carry their own DESCRIPTION/TRIGGER lines.
		if strings.HasPrefix(upper, "BEGIN:") {
			nested++
			continue
		}
		if strings.HasPrefix(upper, "END:") {
			if nested > 0 {
				nested--
			}
			continue
		}
		if nested > 0 {
			continue
		}

		name, params, value, ok := splitContentLine(line)
		if !ok {
			continue
		}
		fields[name] = contentLine{value: value, dateOnly: hasDateValueParam(params)}
	}
	if inEvent {
		res.Skipped++
	}

	if p.Metrics != nil {
		p.Metrics.FeedEventsParsed.WithLabelValues(string(platform)).Add(float64(len(res.Bookings)))
		p.Metrics.FeedEventsSkipped.WithLabelValues(string(platform)).Add(float64(res.Skipped))
	}
	if res.Skipped > 0 {
		appLog.Warn("feed events skipped", "property", propertyID, "platform", platform, "skipped", res.Skipped, "parsed", len(res.Bookings))
	} else {
		appLog.Debug("feed parse completed", "property", propertyID, "platform", platform, "parsed", len(res.Bookings))
	}

	return res
}

func (p Parser) buildBooking(fields map[string]contentLine, platform model.Platform, propertyID string, loc *time.Location) (model.Booking, bool) {
	uid, hasUID := fields["UID"]
	dtStart, hasStart := fields["DTSTART"]
	dtEnd, hasEnd := fields["DTEND"]
	if !hasUID || !hasStart || !hasEnd || strings.TrimSpace(uid.value) == "" {
		return model.Booking{}, false
	}

	start, ok := parseFeedTime(dtStart, loc)
	if !ok {
		return model.Booking{}, false
	}
	end, ok := parseFeedTime(dtEnd, loc)
	if !ok {
		return model.Booking{}, false
	}

	b, err := model.NewBooking(strings.TrimSpace(uid.value), propertyID, platform, start, end, GuestName(fields["SUMMARY"].value, platform))
	if err != nil {
		appLog.Debug("feed event dropped", "property", propertyID, "platform", platform, "reason", err.Error())
		return model.Booking{}, false
	}
	return b, true
}

// GuestName extracts the guest from a SUMMARY value.
//
//   - "" or "Reserved" (any case, any platform) -> no name
//   - VRBO "Reserved - Jane Doe" -> text after the first hyphen, trimmed
//   - anything else is returned verbatim
func GuestName(summary string, platform model.Platform) string {
	trimmed := strings.TrimSpace(summary)
	if trimmed == "" || strings.EqualFold(trimmed, "Reserved") {
		return ""
	}
	if platform == model.PlatformVRBO {
		if i := strings.Index(trimmed, "-"); i >= 0 {
			return strings.TrimSpace(trimmed[i+1:])
		}
	}
	return summary
}

// unfold splits text into logical lines. A physical line starting with a
// space or tab continues the previous one; the single leading whitespace
// character is dropped.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return out
}

// splitContentLine splits NAME;PARAM=V;...:VALUE. Colons inside quoted
// parameter values do not terminate the name part.
func splitContentLine(line string) (name string, params []string, value string, ok bool) {
	inQuote := false
	colon := -1
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon <= 0 {
		return "", nil, "", false
	}

	head := strings.Split(line[:colon], ";")
	name = strings.ToUpper(strings.TrimSpace(head[0]))
	if name == "" {
		return "", nil, "", false
	}
	return name, head[1:], line[colon+1:], true
}

func hasDateValueParam(params []string) bool {
	for _, p := range params {
		k, v, found := strings.Cut(p, "=")
		if found && strings.EqualFold(strings.TrimSpace(k), "VALUE") && strings.EqualFold(strings.Trim(strings.TrimSpace(v), `"`), "DATE") {
			return true
		}
	}
	return false
}

const (
	layoutDate        = "20060102"
	layoutDateTimeUTC = "20060102T150405Z"
	layoutDateTime    = "20060102T150405"
)

// parseFeedTime tries, in order: a bare 8-digit date in loc, a UTC
// timestamp with trailing Z, and a timestamp without Z (also read as UTC).
// A VALUE=DATE parameter forces the date-only reading of the first 8 chars.
func parseFeedTime(cl contentLine, loc *time.Location) (time.Time, bool) {
	v := strings.TrimSpace(cl.value)

	if cl.dateOnly && len(v) >= 8 {
		if t, err := time.ParseInLocation(layoutDate, v[:8], loc); err == nil {
			return t, true
		}
	}
	if len(v) == 8 && isDigits(v) {
		if t, err := time.ParseInLocation(layoutDate, v, loc); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(layoutDateTimeUTC, v); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(layoutDateTime, v, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
