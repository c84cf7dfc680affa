package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/correlation"
	"github.com/basket/go-warden/internal/moderation"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/scoring"
)

func TestWriteStarterConfig_OmitsSecrets(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARDEN_HOME", home)
	t.Setenv("WARDEN_ONEBOT_TOKEN", "onebot-secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for an empty home")
	}
	if err := writeStarterConfig(cfg); err != nil {
		t.Fatalf("writeStarterConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("config.yaml is empty")
	}
	if strings.Contains(string(data), "onebot-secret") {
		t.Fatalf("secret leaked into config.yaml:\n%s", data)
	}

	t.Setenv("WARDEN_ONEBOT_TOKEN", "")
	reloaded, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NeedsGenesis || reloaded.Moderation.Threshold != cfg.Moderation.Threshold {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestApplyReload(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "warden.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orch, err := moderation.New(moderation.Config{
		Store:     store,
		Scorer:    scoring.NewEngine(store, 16),
		Directory: correlation.NewDirectory(correlation.Config{TTL: time.Minute}),
		Platform:  nopPlatform{},
		Decoder:   nopDecoder{},
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Fatalf("moderation.New: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicConfigReloaded)
	defer b.Unsubscribe(sub)

	var level slog.LevelVar
	var fp atomic.Value
	fp.Store("old")

	newCfg := config.Config{HomeDir: home, LogLevel: "debug", OwnerIDs: []string{"7"}}
	newCfg.Moderation.Threshold = 42
	applyReload(newCfg, orch, &level, &fp, b, slog.Default())

	if got := orch.Settings().Threshold; got != 42 {
		t.Fatalf("threshold = %d, want 42", got)
	}
	if !orch.Settings().IsOwner("7") {
		t.Fatal("owners not applied")
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	if fp.Load().(string) != newCfg.Fingerprint() {
		t.Fatal("fingerprint not updated")
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload != newCfg.Fingerprint() {
			t.Fatalf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no config.reloaded event")
	}
}

type nopPlatform struct{}

func (nopPlatform) SendNotice(context.Context, chat.Scope, []chat.Segment) error { return nil }
func (nopPlatform) SendPrivateNotice(context.Context, chat.UserID, []chat.Segment) error { return nil }
func (nopPlatform) DeleteMessage(context.Context, chat.MessageRef) error { return nil }
func (nopPlatform) MuteUser(context.Context, chat.Scope, chat.UserID, time.Duration) error {
	return nil
}
func (nopPlatform) UnmuteUser(context.Context, chat.Scope, chat.UserID) error { return nil }
func (nopPlatform) KickUser(context.Context, chat.Scope, chat.UserID, bool) error { return nil }
func (nopPlatform) RequestHistory(context.Context, chat.Scope, int, string) error { return nil }
func (nopPlatform) RequestReferencedMessage(context.Context, chat.MessageRef, string) error {
	return nil
}
func (nopPlatform) ExpandForward(context.Context, string, string) error { return nil }

type nopDecoder struct{}

func (nopDecoder) DecodeHistory(chat.Response) (chat.HistoryBatchResponse, error) {
	return chat.HistoryBatchResponse{}, nil
}
func (nopDecoder) DecodeReferenced(chat.Response) (chat.ReferencedMessageResponse, error) {
	return chat.ReferencedMessageResponse{}, nil
}
func (nopDecoder) DecodeForward(chat.Response) (chat.ForwardExpansionResponse, error) {
	return chat.ForwardExpansionResponse{}, nil
}
