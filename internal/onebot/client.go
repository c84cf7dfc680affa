package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-warden/internal/chat"
	wotel "github.com/basket/go-warden/internal/otel"
)

// ErrNotConnected is returned by every outbound call while the websocket is
// down.
var ErrNotConnected = errors.New("onebot: not connected")

const (
	// History batches and forward expansions easily exceed the library's
	// 32 KiB default.
	readLimit    = 16 << 20
	writeTimeout = 10 * time.Second
)

// Sink receives decoded traffic. Both calls must return without blocking on
// the work they start.
type Sink interface {
	Dispatch(ctx context.Context, ev chat.Event)
	DispatchResponse(ctx context.Context, resp chat.Response)
}

// Config wires a Client.
type Config struct {
	URL          string
	AccessToken  string
	ReconnectMax time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	// HTTPClient is used for the websocket handshake when set.
	HTTPClient *http.Client
}

// Client is a reconnecting OneBot v11 forward-websocket client. It
// implements moderation.Platform; outbound calls are safe for concurrent use.
type Client struct {
	cfg    Config
	codec  Codec
	logger *slog.Logger
	tracer trace.Tracer

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected atomic.Bool
	lastErr   atomic.Value // string
}

func New(cfg Config) *Client {
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(wotel.TracerName)
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "onebot"),
		tracer: cfg.Tracer,
	}
}

// Codec returns the decoder for responses this client routes.
func (c *Client) Codec() Codec { return c.codec }

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// LastError is the most recent connection error, empty when none.
func (c *Client) LastError() string {
	s, _ := c.lastErr.Load().(string)
	return s
}

// Run connects and serves until ctx is done, reconnecting with exponential
// backoff capped at ReconnectMax.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = time.Second
			err = c.serve(ctx, conn, sink)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.lastErr.Store(err.Error())
		c.logger.Warn("onebot connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if tok := strings.TrimSpace(c.cfg.AccessToken); tok != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + tok}}
	}
	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: access token rejected: %w", c.cfg.URL, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Probe dials once and closes the connection. It does not touch the state
// of a running client.
func (c *Client) Probe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "probe")
}

// serve owns conn until it fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	c.lastErr.Store("")
	c.logger.Info("onebot connected", "url", c.cfg.URL)

	defer func() {
		c.connected.Store(false)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.route(ctx, raw, sink)
	}
}

func (c *Client) route(ctx context.Context, raw []byte, sink Sink) {
	kind, in, resp, err := decodeFrame(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch kind {
	case frameEvent:
		if ev, ok := c.codec.Event(in); ok {
			sink.Dispatch(ctx, ev)
		}
	case frameResponse:
		if r, ok := c.codec.Response(resp); ok {
			sink.DispatchResponse(ctx, r)
			return
		}
		if action, ok := actionFromEcho(resp.Echo); ok && !resp.ok() {
			c.logger.Warn("onebot action failed", "action", action, "retcode", resp.Retcode, "message", resp.errorText())
		}
	}
}

// call sends one action frame.
func (c *Client) call(ctx context.Context, action string, params any, echo string) error {
	ctx, span := wotel.StartClientSpan(ctx, c.tracer, "onebot."+action, wotel.AttrAction.String(action))
	defer span.End()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	err := wsjson.Write(wctx, conn, frame{Action: action, Params: params, Echo: echo})
	c.writeMu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func actionEcho(action string) string {
	return echoAction + action + ":" + uuid.NewString()
}

func actionFromEcho(echo string) (string, bool) {
	rest, ok := strings.CutPrefix(echo, echoAction)
	if !ok {
		return "", false
	}
	action, _, _ := strings.Cut(rest, ":")
	return action, true
}

func (c *Client) SendNotice(ctx context.Context, scope chat.Scope, segs []chat.Segment) error {
	return c.call(ctx, actionSendGroupMsg, map[string]any{
		"group_id": numericID(string(scope)),
		"message":  encodeSegments(segs),
	}, actionEcho(actionSendGroupMsg))
}

func (c *Client) SendPrivateNotice(ctx context.Context, user chat.UserID, segs []chat.Segment) error {
	return c.call(ctx, actionSendPrivateMsg, map[string]any{
		"user_id": numericID(string(user)),
		"message": encodeSegments(segs),
	}, actionEcho(actionSendPrivateMsg))
}

func (c *Client) DeleteMessage(ctx context.Context, ref chat.MessageRef) error {
	return c.call(ctx, actionDeleteMsg, map[string]any{
		"message_id": numericID(string(ref)),
	}, actionEcho(actionDeleteMsg))
}

// MuteUser bans user from speaking for d, rounded down to whole seconds.
func (c *Client) MuteUser(ctx context.Context, scope chat.Scope, user chat.UserID, d time.Duration) error {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return fmt.Errorf("%s: mute duration %s is shorter than one second", actionSetGroupBan, d)
	}
	return c.setBan(ctx, scope, user, secs)
}

// UnmuteUser clears a mute; duration 0 means unmute.
func (c *Client) UnmuteUser(ctx context.Context, scope chat.Scope, user chat.UserID) error {
	return c.setBan(ctx, scope, user, 0)
}

func (c *Client) setBan(ctx context.Context, scope chat.Scope, user chat.UserID, secs int64) error {
	return c.call(ctx, actionSetGroupBan, map[string]any{
		"group_id": numericID(string(scope)),
		"user_id":  numericID(string(user)),
		"duration": secs,
	}, actionEcho(actionSetGroupBan))
}

func (c *Client) KickUser(ctx context.Context, scope chat.Scope, user chat.UserID, banRejoin bool) error {
	return c.call(ctx, actionSetGroupKick, map[string]any{
		"group_id":           numericID(string(scope)),
		"user_id":            numericID(string(user)),
		"reject_add_request": banRejoin,
	}, actionEcho(actionSetGroupKick))
}

// RequestHistory asks for the newest count messages of scope.
func (c *Client) RequestHistory(ctx context.Context, scope chat.Scope, count int, token string) error {
	return c.call(ctx, actionGetGroupMsgHistory, map[string]any{
		"group_id":    numericID(string(scope)),
		"count":       count,
		"message_seq": 0,
	}, echoCorrelated+token)
}

func (c *Client) RequestReferencedMessage(ctx context.Context, ref chat.MessageRef, token string) error {
	return c.call(ctx, actionGetMsg, map[string]any{
		"message_id": numericID(string(ref)),
	}, echoCorrelated+token)
}

// ExpandForward sends containerRef verbatim; forward ids are opaque strings.
func (c *Client) ExpandForward(ctx context.Context, containerRef string, token string) error {
	return c.call(ctx, actionGetForwardMsg, map[string]any{
		"message_id": containerRef,
		"id":         containerRef,
	}, echoCorrelated+token)
}
