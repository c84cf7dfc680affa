package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/go-warden/internal/config"
)

func onebotServer(t *testing.T, token string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
		conn.CloseNow()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCheckOneBot_Pass(t *testing.T) {
	cfg := &config.Config{}
	cfg.OneBot.URL = onebotServer(t, "secret")
	cfg.OneBot.AccessToken = "secret"

	result := checkOneBot(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", result)
	}
}

func TestCheckOneBot_RejectedToken(t *testing.T) {
	cfg := &config.Config{}
	cfg.OneBot.URL = onebotServer(t, "secret")
	cfg.OneBot.AccessToken = "wrong"

	result := checkOneBot(context.Background(), cfg)
	if result.Status != "FAIL" || !strings.Contains(result.Detail, "access token rejected") {
		t.Fatalf("expected token rejection, got %+v", result)
	}
}

func TestCheckOneBot_BadScheme(t *testing.T) {
	cfg := &config.Config{}
	cfg.OneBot.URL = "http://127.0.0.1:3001"

	result := checkOneBot(context.Background(), cfg)
	if result.Status != "FAIL" || !strings.Contains(result.Message, "not a ws://") {
		t.Fatalf("expected scheme failure, got %+v", result)
	}
}

func TestCheckOwners(t *testing.T) {
	if got := checkOwners(context.Background(), &config.Config{}); got.Status != "WARN" {
		t.Fatalf("empty owners: got %s", got.Status)
	}
	if got := checkOwners(context.Background(), &config.Config{OwnerIDs: []string{"1", "2"}}); got.Status != "PASS" {
		t.Fatalf("with owners: got %s", got.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", result)
	}
	if !strings.Contains(result.Detail, "global_rules=0") {
		t.Fatalf("detail = %q", result.Detail)
	}
}

func TestCheckTelegram_Disabled(t *testing.T) {
	if got := checkTelegram(context.Background(), &config.Config{}); got.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", got.Status)
	}
}

func TestCheckTelegram_CanceledContext(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerts.Telegram.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkTelegram(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestRun_NilConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := Run(ctx, nil, "test")
	if len(d.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(d.Results))
	}
	if d.Results[0].Status != "FAIL" || !d.Failed() {
		t.Fatalf("nil config must fail: %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}
