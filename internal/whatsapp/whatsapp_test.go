package whatsapp

import (
	"context"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func TestOptionsApply(t *testing.T) {
	var cfg Opts
	for _, opt := range []Option{
		WithDBDSN("file:test.db?_foreign_keys=on"),
		WithQRCodeOutput("/tmp/qr.txt"),
		WithNumericCode(),
	} {
		opt(&cfg)
	}

	if cfg.DBDSN != "file:test.db?_foreign_keys=on" {
		t.Errorf("unexpected DSN %q", cfg.DBDSN)
	}
	if cfg.QRPath != "/tmp/qr.txt" {
		t.Errorf("unexpected QR path %q", cfg.QRPath)
	}
	if !cfg.NumericCode {
		t.Error("expected numeric code flag to be set")
	}
}

func TestUninitializedClientRefusesSends(t *testing.T) {
	c := &Client{}
	ctx := context.Background()

	if err := c.SendText(ctx, "+15551234567", "hi"); err == nil {
		t.Error("SendText should fail without an initialized client")
	}
	if err := c.SendPoll(ctx, "+15551234567", "Pick", []string{"A", "B"}); err == nil {
		t.Error("SendPoll should fail without an initialized client")
	}
	if err := c.SendFile(ctx, "+15551234567", models.FileIntent{Filename: "a.pdf"}); err == nil {
		t.Error("SendFile should fail without an initialized client")
	}
	if c.GetClient() != nil {
		t.Error("GetClient should return nil for an uninitialized client")
	}
}

func TestMockClientSatisfiesSender(t *testing.T) {
	var s Sender = NewMockClient()
	ctx := context.Background()

	if err := s.SendText(ctx, "+15551234567", "hi"); err != nil {
		t.Errorf("mock SendText failed: %v", err)
	}
	if err := s.SendPoll(ctx, "+15551234567", "Pick", []string{"A"}); err != nil {
		t.Errorf("mock SendPoll failed: %v", err)
	}
	if err := s.SendFile(ctx, "+15551234567", models.FileIntent{Filename: "a.pdf"}); err != nil {
		t.Errorf("mock SendFile failed: %v", err)
	}
}
