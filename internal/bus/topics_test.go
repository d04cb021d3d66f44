package bus

import (
	"testing"
	"time"
)

func TestTopics_PayloadsRoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe("sync.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicPassStarted, PassEvent{PassID: "p1", SystemA: "taskwarrior", SystemB: "github"})
	b.Publish(TopicConflictDetected, ConflictEvent{PassID: "p1", UUID: "u1", Resolved: true})
	b.Publish(TopicTombstone, TombstoneEvent{PassID: "p1", UUID: "u2", System: "github"})

	want := []string{TopicPassStarted, TopicConflictDetected, TopicTombstone}
	for _, topic := range want {
		select {
		case event := <-sub.Ch():
			if event.Topic != topic {
				t.Fatalf("topic = %q, want %q", event.Topic, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", topic)
		}
	}
}

func TestTopics_ConflictEventFields(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicConflictDetected)
	defer b.Unsubscribe(sub)

	b.Publish(TopicConflictDetected, ConflictEvent{PassID: "p9", UUID: "u9"})

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(ConflictEvent)
		if !ok {
			t.Fatalf("payload type %T", event.Payload)
		}
		if payload.UUID != "u9" || payload.Resolved {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}
