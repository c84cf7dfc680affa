package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-warden/internal/chat"
)

type chanSink struct {
	events    chan chat.Event
	responses chan chat.Response
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan chat.Event, 16), responses: make(chan chat.Response, 16)}
}

func (s *chanSink) Dispatch(_ context.Context, ev chat.Event) { s.events <- ev }
func (s *chanSink) DispatchResponse(_ context.Context, r chat.Response) { s.responses <- r }

// startServer runs handler for every accepted websocket connection.
func startServer(t *testing.T, handler func(ctx context.Context, r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runClient(t *testing.T, c *Client, sink Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, sink)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected: %s", c.LastError())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_RoutesEventsAndCorrelatedResponses(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, _ *http.Request, conn *websocket.Conn) {
		_ = wsjson.Write(ctx, conn, map[string]any{
			"post_type": "message", "message_type": "group", "message_id": 1,
			"group_id": 100, "user_id": 42, "message": "hello",
		})
		for {
			var f struct {
				Action string         `json:"action"`
				Params map[string]any `json:"params"`
				Echo   string         `json:"echo"`
			}
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			resp := map[string]any{"status": "ok", "retcode": 0, "echo": f.Echo, "data": map[string]any{"messages": []any{}}}
			if f.Action == actionDeleteMsg {
				resp = map[string]any{"status": "failed", "retcode": 100, "echo": f.Echo, "wording": "too old"}
			}
			_ = wsjson.Write(ctx, conn, resp)
		}
	})

	c := New(Config{URL: wsURL(srv), AccessToken: "secret"})
	sink := newChanSink()
	runClient(t, c, sink)
	waitConnected(t, c)

	select {
	case ev := <-sink.events:
		m, ok := ev.(chat.TextMessage)
		if !ok || m.Scope != "100" || m.Text != "hello" {
			t.Fatalf("event = %#v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event dispatched")
	}

	ctx := context.Background()
	if err := c.DeleteMessage(ctx, "1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := c.RequestHistory(ctx, "100", 15, "tok-1"); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}

	select {
	case r := <-sink.responses:
		if r.CorrelationRef != "tok-1" || !r.OK {
			t.Fatalf("response = %+v", r)
		}
		var data map[string]json.RawMessage
		if err := json.Unmarshal(r.Data, &data); err != nil || data["messages"] == nil {
			t.Fatalf("data = %s", r.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no response dispatched")
	}
	select {
	case r := <-sink.responses:
		t.Fatalf("action response leaked to the sink: %+v", r)
	default:
	}
}

func TestClient_SendsWireFrames(t *testing.T) {
	frames := make(chan frame, 8)
	srv := startServer(t, func(ctx context.Context, _ *http.Request, conn *websocket.Conn) {
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			frames <- f
		}
	})

	c := New(Config{URL: wsURL(srv), AccessToken: "secret"})
	runClient(t, c, newChanSink())
	waitConnected(t, c)

	ctx := context.Background()
	_ = c.MuteUser(ctx, "100", "42", 30*24*time.Hour)
	_ = c.UnmuteUser(ctx, "100", "42")
	_ = c.KickUser(ctx, "100", "42", true)
	_ = c.ExpandForward(ctx, "abc", "tok-2")

	next := func() frame {
		select {
		case f := <-frames:
			return f
		case <-time.After(3 * time.Second):
			t.Fatal("no frame received")
		}
		return frame{}
	}

	mute := next()
	p := mute.Params.(map[string]any)
	if mute.Action != actionSetGroupBan || p["duration"] != float64(2592000) || p["group_id"] != float64(100) {
		t.Fatalf("mute frame = %+v", mute)
	}
	if !strings.HasPrefix(mute.Echo, "act:set_group_ban:") {
		t.Fatalf("mute echo = %q", mute.Echo)
	}
	unmute := next()
	if unmute.Params.(map[string]any)["duration"] != float64(0) {
		t.Fatalf("unmute frame = %+v", unmute)
	}
	kick := next()
	if kick.Action != actionSetGroupKick || kick.Params.(map[string]any)["reject_add_request"] != true {
		t.Fatalf("kick frame = %+v", kick)
	}
	fwd := next()
	if fwd.Action != actionGetForwardMsg || fwd.Echo != "corr:tok-2" || fwd.Params.(map[string]any)["message_id"] != "abc" {
		t.Fatalf("forward frame = %+v", fwd)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	err := c.SendNotice(context.Background(), "100", []chat.Segment{chat.Text("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.Connected() {
		t.Fatal("client must not report connected")
	}
}

func TestClient_RejectedTokenIsReported(t *testing.T) {
	srv := startServer(t, func(context.Context, *http.Request, *websocket.Conn) {})
	c := New(Config{URL: wsURL(srv), AccessToken: "wrong"})
	runClient(t, c, newChanSink())

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(c.LastError(), "access token rejected") {
		if time.Now().After(deadline) {
			t.Fatalf("last error = %q", c.LastError())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_Reconnects(t *testing.T) {
	var accepts atomic.Int32
	srv := startServer(t, func(ctx context.Context, _ *http.Request, conn *websocket.Conn) {
		if accepts.Add(1) == 1 {
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	c := New(Config{URL: wsURL(srv), AccessToken: "secret", ReconnectMax: time.Second})
	runClient(t, c, newChanSink())

	deadline := time.Now().Add(5 * time.Second)
	for accepts.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("accepts = %d, want a reconnect", accepts.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
	waitConnected(t, c)
}
