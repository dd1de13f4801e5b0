package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "job.succeeded", Data: "j1"})

	select {
	case e := <-ch:
		if e.Type != "job.succeeded" || e.Data != "j1" {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatalf("event never arrived")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: "tick"})
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
}
