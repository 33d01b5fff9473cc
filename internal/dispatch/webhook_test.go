package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/torotorokou/sanbou-app-sub002/internal/retry"
	"github.com/torotorokou/sanbou-app-sub002/internal/store"
)

func testItem(recipient string) store.OutboxItem {
	return store.OutboxItem{
		ID:           uuid.New(),
		Channel:      store.ChannelWebhook,
		RecipientKey: recipient,
		Title:        "Forecast ready",
		Body:         "Weekly forecast generated.",
	}
}

func TestWebhookSender_SignsRequest(t *testing.T) {
	t.Parallel()

	const secret = "hooksecret"
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-Sanbou-Timestamp")
		gotSig = r.Header.Get("X-Sanbou-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(&http.Client{Timeout: 5 * time.Second}, secret)
	res := sender.Send(context.Background(), testItem(srv.URL))
	if !res.OK() {
		t.Fatalf("Send failed: %+v", res)
	}

	// Recompute the signature the way a recipient would.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookSender_NetworkErrorIsTemporary(t *testing.T) {
	t.Parallel()

	// Connection refused: the server is closed before the send.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sender := NewWebhookSender(&http.Client{Timeout: time.Second}, "s")
	res := sender.Send(context.Background(), testItem(url))
	if res.OK() {
		t.Fatal("Send succeeded against closed server")
	}
	if ft, _ := res.Failure(); ft != retry.Temporary {
		t.Errorf("failure type = %q, want temporary", ft)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code    int
		ok      bool
		failure retry.FailureType
	}{
		{200, true, ""},
		{204, true, ""},
		{301, false, retry.Temporary},
		{400, false, retry.Permanent},
		{404, false, retry.Permanent},
		{408, false, retry.Temporary},
		{422, false, retry.Permanent},
		{429, false, retry.Temporary},
		{500, false, retry.Temporary},
		{503, false, retry.Temporary},
	}
	for _, tc := range cases {
		res := classifyStatus(tc.code)
		if res.OK() != tc.ok {
			t.Errorf("status %d: OK = %v, want %v", tc.code, res.OK(), tc.ok)
			continue
		}
		if !tc.ok {
			if ft, _ := res.Failure(); ft != tc.failure {
				t.Errorf("status %d: failure = %q, want %q", tc.code, ft, tc.failure)
			}
		}
	}
}
