package email

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
)

// ParseCalendar extracts the VEVENTs of an iCalendar (RFC 5545) object.
// Only the properties the inbox shows are read; events without a UID are
// dropped.
func ParseCalendar(data []byte) []*model.CalendarEvent {
	var (
		events []*model.CalendarEvent
		method string
		cur    *model.CalendarEvent
	)

	for _, line := range unfold(data) {
		name, params, value := splitProperty(line)
		switch {
		case name == "BEGIN" && strings.EqualFold(value, "VEVENT"):
			cur = &model.CalendarEvent{Method: method, Status: model.CalendarStatusConfirmed}
		case name == "END" && strings.EqualFold(value, "VEVENT"):
			if cur != nil && cur.UID != "" {
				events = append(events, cur)
			}
			cur = nil
		case name == "METHOD" && cur == nil:
			method = strings.ToUpper(value)
		case cur == nil:
			// outside an event
		case name == "UID":
			cur.UID = value
		case name == "SUMMARY":
			cur.Summary = unescapeText(value)
		case name == "LOCATION":
			cur.Location = unescapeText(value)
		case name == "ORGANIZER":
			cur.Organizer = organizer(params, value)
		case name == "STATUS":
			cur.Status = strings.ToUpper(value)
		case name == "SEQUENCE":
			cur.Sequence, _ = strconv.Atoi(value)
		case name == "DTSTART":
			cur.StartsAt = parseICSTime(params, value)
		case name == "DTEND":
			cur.EndsAt = parseICSTime(params, value)
		}
	}
	return events
}

// unfold joins continuation lines (those starting with a space or tab).
func unfold(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// splitProperty splits "NAME;P1=a;P2=b:value".
func splitProperty(line string) (string, map[string]string, string) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return strings.ToUpper(line), nil, ""
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			params[strings.ToUpper(k)] = strings.Trim(v, `"`)
		}
	}
	return strings.ToUpper(parts[0]), params, value
}

func organizer(params map[string]string, value string) string {
	if cn := params["CN"]; cn != "" {
		return cn
	}
	if len(value) > 7 && strings.EqualFold(value[:7], "mailto:") {
		return value[7:]
	}
	return value
}

func parseICSTime(params map[string]string, value string) time.Time {
	loc := time.UTC
	if tzid := params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	if strings.HasSuffix(value, "Z") {
		if t, err := time.Parse("20060102T150405Z", value); err == nil {
			return t.UTC()
		}
	}
	if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation("20060102", value, loc); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
