package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-warden/internal/bus"
)

// Compile-time interface check.
var _ Channel = (*TelegramChannel)(nil)

type recordingSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (r *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		r.sent = append(r.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := NewTelegramChannel("fake-token", 1, bus.New(), nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want telegram", got)
	}
}

func TestTelegramChannel_ForwardsSanctionEvents(t *testing.T) {
	b := bus.New()
	sender := &recordingSender{}
	ch := NewTelegramChannel("fake-token", 777, b, nil)
	ch.bot = sender

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ch.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for b.SubscriberCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicRulesChanged, bus.RulesChangedEvent{Scope: "100"})
	b.Publish(bus.TopicSanctionApplied, bus.SanctionEvent{Scope: "100", User: "42", TotalWeight: 110, Patterns: []string{"刷单"}})

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no alert sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	msg := sender.sent[0]
	sender.mu.Unlock()
	if msg.ChatID != 777 || msg.ParseMode != "MarkdownV2" {
		t.Fatalf("message = %+v", msg)
	}
	if !strings.Contains(msg.Text, "总权重: 110") || !strings.Contains(msg.Text, "刷单") {
		t.Fatalf("text = %q", msg.Text)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d alerts, want only the sanction event", sender.count())
	}
}

func TestFormatEvent(t *testing.T) {
	text, ok := formatEvent(bus.Event{Topic: bus.TopicSanctionLifted, Payload: bus.SanctionEvent{Scope: "100", User: "42", Actor: "admin.1"}})
	if !ok {
		t.Fatal("expected a formatted event")
	}
	if !strings.Contains(text, "已解禁") || !strings.Contains(text, `admin\.1`) {
		t.Fatalf("text = %q", text)
	}
	if _, ok := formatEvent(bus.Event{Topic: bus.TopicSanctionApplied, Payload: "nope"}); ok {
		t.Fatal("foreign payload must be rejected")
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"a.b", `a\.b`},
		{"[x](y)", `\[x\]\(y\)`},
		{"中文-1!", `中文\-1\!`},
	}
	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.in); got != tt.want {
			t.Fatalf("escapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
