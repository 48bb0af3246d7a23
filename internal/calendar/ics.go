package calendar

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// icsTimeFormat is the UTC timestamp form required by RFC 5545.
const icsTimeFormat = "20060102T150405Z"

// ICSFileName is the filename used when a booking invitation is delivered.
const ICSFileName = "meeting.ics"

// ICSMimeType is the media type for calendar invitations.
const ICSMimeType = "text/calendar"

// InvitationICS renders a booking as a single-event iCalendar file so the
// participant can add the meeting to their own calendar.
func InvitationICS(b models.Booking, summary string) []byte {
	var sb strings.Builder
	writeLine := func(line string) {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}

	writeLine("BEGIN:VCALENDAR")
	writeLine("VERSION:2.0")
	writeLine("PRODID:-//SurveyPipe//Scheduler//EN")
	writeLine("METHOD:PUBLISH")
	writeLine("BEGIN:VEVENT")
	writeLine(fmt.Sprintf("UID:%s", b.ID))
	writeLine(fmt.Sprintf("DTSTAMP:%s", b.CreatedAt.UTC().Format(icsTimeFormat)))
	writeLine(fmt.Sprintf("DTSTART:%s", b.Start.UTC().Format(icsTimeFormat)))
	writeLine(fmt.Sprintf("DTEND:%s", b.End.UTC().Format(icsTimeFormat)))
	writeLine(fmt.Sprintf("SUMMARY:%s", escapeICSText(summary)))
	writeLine("STATUS:CONFIRMED")
	writeLine("END:VEVENT")
	writeLine("END:VCALENDAR")
	return []byte(sb.String())
}

// escapeICSText escapes the characters RFC 5545 reserves in TEXT values.
func escapeICSText(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\n", `\n`,
	)
	return replacer.Replace(s)
}
