package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tashik/dneutral-sniper/internal/config"

	"go.uber.org/zap"
)

func TestSendDisabledIsNoop(t *testing.T) {
	tg := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused.invalid", nil)
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("disabled send must be a no-op: %v", err)
	}
}

func TestSendRequiresCredentials(t *testing.T) {
	tg := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused.invalid", nil)
	if err := tg.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}

func TestSendPostsMessage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := newTelegram(config.TelegramConfig{Enabled: true, Token: "tok", ChatID: "42"}, zap.NewNop(), srv.URL, srv.Client())
	if err := tg.Send(context.Background(), "hedged"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestSendSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tg := newTelegram(config.TelegramConfig{Enabled: true, Token: "tok", ChatID: "42"}, zap.NewNop(), srv.URL, srv.Client())
	if err := tg.Send(context.Background(), "hedged"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
