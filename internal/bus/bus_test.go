package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToPrefixMatch(t *testing.T) {
	b := New()
	sub := b.Subscribe("dispatch.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDispatchStarted, DispatchEvent{Folder: "main"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicDispatchStarted {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(DispatchEvent)
		if !ok || payload.Folder != "main" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSkipsNonMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("ipc.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDispatchStarted, nil)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected delivery: %v", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicStreamChunk, StreamChunkEvent{Text: "hi"})
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("event not delivered to wildcard subscriber")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicStreamChunk, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("x")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
}
