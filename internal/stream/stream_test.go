package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	s.Publish(ChangeEvent{ResourceType: "tool", ResourceID: 7, Version: 3, Actor: "u-1"})

	for name, ch := range map[string]<-chan ChangeEvent{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.ResourceID != 7 || evt.Version != 3 || evt.Timestamp.IsZero() {
				t.Fatalf("%s: unexpected event %+v", name, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestSubscriberRemovedOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	if s.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			s.Publish(ChangeEvent{ResourceType: "tool", ResourceID: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}
