package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/torotorokou/sanbou-app-sub002/internal/retry"
)

func TestEmailSender_InvalidRecipientIsPermanent(t *testing.T) {
	t.Parallel()

	// A recipient the address parser rejects fails before any dial, so this
	// needs no SMTP server.
	e := NewEmailSender(SMTPConfig{Host: "localhost", Port: 1025, From: "noreply@sanbou.local"})
	res := e.Send(context.Background(), testItem("not an address"))
	if res.OK() {
		t.Fatal("Send succeeded with an invalid recipient")
	}
	if ft, _ := res.Failure(); ft != retry.Permanent {
		t.Errorf("failure type = %q, want permanent", ft)
	}
}

func TestEmailSender_UnreachableHostIsTemporary(t *testing.T) {
	t.Parallel()

	e := NewEmailSender(SMTPConfig{
		Host: "localhost",
		Port: 19999, // unlikely to be listening
		From: "noreply@sanbou.local",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := e.Send(ctx, testItem("recipient@example.com"))
	if res.OK() {
		t.Fatal("Send succeeded against an unreachable SMTP host")
	}
	if ft, reason := res.Failure(); ft != retry.Temporary {
		t.Errorf("failure type = %q (%s), want temporary", ft, reason)
	}
}

func TestSanitizeSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Forecast ready", "Forecast ready"},
		{"Forecast ready\r\nBcc: attacker@evil.com", "Forecast readyBcc: attacker@evil.com"},
		{"line\nbreak", "linebreak"},
		{"carriage\rreturn", "carriagereturn"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeSubject(tt.in); got != tt.want {
			t.Errorf("sanitizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
