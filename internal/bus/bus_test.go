package bus

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestBus_PrefixRouting(t *testing.T) {
	b := New()
	sanctions := b.Subscribe("sanction.")
	defer b.Unsubscribe(sanctions)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicSanctionApplied, SanctionEvent{Scope: "100", User: "42"})
	b.Publish(TopicRulesChanged, RulesChangedEvent{Scope: "100", Changed: 2})

	ev := receive(t, sanctions)
	if ev.Topic != TopicSanctionApplied {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if se := ev.Payload.(SanctionEvent); se.User != "42" {
		t.Fatalf("payload = %+v", se)
	}
	if n := drain(sanctions); n != 0 {
		t.Fatalf("sanction subscriber got %d extra events", n)
	}
	if n := drain(all); n != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", n)
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("sanction.")
	defer b.Unsubscribe(sub)

	for i := 0; i < alertBuffer+7; i++ {
		b.Publish(TopicSanctionApplied, SanctionEvent{TotalWeight: i})
	}

	if n := drain(sub); n != alertBuffer {
		t.Fatalf("received %d, want %d", n, alertBuffer)
	}
	if got := b.Dropped(); got != 7 {
		t.Fatalf("dropped = %d, want 7", got)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicConfigReloaded)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(TopicConfigReloaded, "abc")
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const groups, perGroup = 10, 5
	var wg sync.WaitGroup
	for g := 0; g < groups; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGroup; i++ {
				b.Publish(TopicSanctionApplied, SanctionEvent{TotalWeight: g*100 + i})
			}
		}(g)
	}
	wg.Wait()

	if n := drain(sub); n != groups*perGroup {
		t.Fatalf("received %d, want %d", n, groups*perGroup)
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}
}
