package messaging

import (
	"context"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/whatsapp"
)

func TestWhatsAppValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	cases := []struct {
		name      string
		recipient string
		expected  string
		wantErr   bool
	}{
		{"plain digits", "15551234567", "+15551234567", false},
		{"already prefixed", "+15551234567", "+15551234567", false},
		{"formatted", "+1 (555) 123-4567", "+15551234567", false},
		{"whatsapp jid", "15551234567@s.whatsapp.net", "+15551234567", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tc.recipient)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.recipient, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestWhatsAppSendPollRemembersOptions(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	poll := models.PollIntent{Question: "Pick one", Options: []string{"Red", "Blue"}}
	if err := svc.SendPoll(context.Background(), "1 (555) 000-1111", poll); err != nil {
		t.Fatalf("SendPoll failed: %v", err)
	}

	svc.mu.Lock()
	remembered := svc.lastPolls["+15550001111"]
	svc.mu.Unlock()
	if len(remembered) != 2 || remembered[0] != "Red" || remembered[1] != "Blue" {
		t.Errorf("expected remembered options [Red Blue], got %v", remembered)
	}

	// A second poll to the same identity replaces the remembered options.
	poll = models.PollIntent{Question: "Pick again", Options: []string{"Green"}}
	if err := svc.SendPoll(context.Background(), "+15550001111", poll); err != nil {
		t.Fatalf("second SendPoll failed: %v", err)
	}
	svc.mu.Lock()
	remembered = svc.lastPolls["+15550001111"]
	svc.mu.Unlock()
	if len(remembered) != 1 || remembered[0] != "Green" {
		t.Errorf("expected remembered options [Green], got %v", remembered)
	}
}

func TestWhatsAppSendRejectsInvalidRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	if err := svc.SendText(context.Background(), "bogus", "hi"); err == nil {
		t.Error("SendText should reject an invalid recipient")
	}
	if err := svc.SendPoll(context.Background(), "bogus", models.PollIntent{Question: "?"}); err == nil {
		t.Error("SendPoll should reject an invalid recipient")
	}
	if err := svc.SendFile(context.Background(), "bogus", models.FileIntent{Filename: "a.pdf"}); err == nil {
		t.Error("SendFile should reject an invalid recipient")
	}
}

func TestWhatsAppStopClosesEventChannel(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, open := <-svc.Events(); open {
		t.Error("expected events channel to be closed after Stop")
	}

	// Stop twice is a no-op.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	// Events arriving after Stop are dropped, not sent on the closed channel.
	svc.emit(models.InboundEvent{Identity: "+15550001111", Kind: models.EventKindText, Text: "late"})
}
