package calendar

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func TestInvitationICS(t *testing.T) {
	b := models.Booking{
		ID:        "bk_1",
		Start:     time.Date(2026, 9, 7, 9, 45, 0, 0, time.UTC),
		End:       time.Date(2026, 9, 7, 10, 15, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, 9, 4, 12, 0, 0, 0, time.UTC),
	}

	body := string(InvitationICS(b, "intro-call"))
	for _, want := range []string{
		"BEGIN:VCALENDAR\r\n",
		"UID:bk_1\r\n",
		"DTSTAMP:20260904T120000Z\r\n",
		"DTSTART:20260907T094500Z\r\n",
		"DTEND:20260907T101500Z\r\n",
		"SUMMARY:intro-call\r\n",
		"END:VCALENDAR\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("invitation missing %q:\n%s", want, body)
		}
	}

	// Times in other zones normalize to UTC.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	b.Start = time.Date(2026, 9, 7, 5, 45, 0, 0, loc)
	if !strings.Contains(string(InvitationICS(b, "x")), "DTSTART:20260907T094500Z") {
		t.Error("expected DTSTART normalized to UTC")
	}
}

func TestEscapeICSText(t *testing.T) {
	got := escapeICSText("a,b;c\nd\\e")
	want := `a\,b\;c\nd\\e`
	if got != want {
		t.Errorf("escapeICSText = %q, want %q", got, want)
	}
}
