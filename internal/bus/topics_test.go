package bus

import (
	"strings"
	"testing"
	"time"
)

func TestSanctionTopicsShareAlertPrefix(t *testing.T) {
	for _, topic := range []string{TopicSanctionApplied, TopicSanctionLifted, TopicSanctionRemoved} {
		if !strings.HasPrefix(topic, "sanction.") {
			t.Fatalf("topic %q does not match the sanction. prefix", topic)
		}
	}
	if strings.HasPrefix(TopicRulesChanged, "sanction.") {
		t.Fatalf("rules topic must not reach sanction subscribers")
	}
}

func TestSanctionEventDelivered(t *testing.T) {
	b := New()
	sub := b.Subscribe("sanction.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRulesChanged, RulesChangedEvent{Scope: "100"})
	b.Publish(TopicSanctionApplied, SanctionEvent{Scope: "100", User: "42", TotalWeight: 110})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(SanctionEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SanctionEvent", ev.Payload)
		}
		if payload.User != "42" || payload.TotalWeight != 110 {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sanction event")
	}
}
