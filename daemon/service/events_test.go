package service

import (
	"testing"
	"time"
)

func TestEventPublisher_Broadcast(t *testing.T) {
	pub := NewEventPublisher(4)
	sub := pub.Subscribe("")
	defer pub.Unsubscribe(sub.ID)

	pub.PublishJobStarted("job-1", "election-1", "TALLY", 8)

	select {
	case ev := <-sub.Channel:
		if ev.JobID != "job-1" || ev.EventType != EventJobStarted {
			t.Errorf("event = %+v", ev)
		}
		if ev.Metadata["total_chunks"] != "8" {
			t.Errorf("total_chunks = %q", ev.Metadata["total_chunks"])
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventPublisher_JobFilter(t *testing.T) {
	pub := NewEventPublisher(4)
	matching := pub.Subscribe("job-1")
	other := pub.Subscribe("job-2")
	defer pub.Unsubscribe(matching.ID)
	defer pub.Unsubscribe(other.ID)

	pub.PublishChunkCompleted("job-1", "election-1", 0, 1, 4)

	select {
	case ev := <-matching.Channel:
		if ev.ProgressPercent != 25 {
			t.Errorf("ProgressPercent = %v, want 25", ev.ProgressPercent)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}

	select {
	case ev := <-other.Channel:
		t.Errorf("job-2 subscriber received %+v", ev)
	default:
	}
}

func TestEventPublisher_SlowConsumerDropped(t *testing.T) {
	pub := NewEventPublisher(1)
	sub := pub.Subscribe("")
	defer pub.Unsubscribe(sub.ID)

	pub.PublishJobFailed("job-1", "election-1", "first")
	// Buffer is full now; this one must be dropped, not block.
	done := make(chan struct{})
	go func() {
		pub.PublishJobFailed("job-1", "election-1", "second")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	ev := <-sub.Channel
	if ev.Message != "first" {
		t.Errorf("Message = %q, want first", ev.Message)
	}
	select {
	case ev := <-sub.Channel:
		t.Errorf("unexpected buffered event %+v", ev)
	default:
	}
}

func TestEventPublisher_Unsubscribe(t *testing.T) {
	pub := NewEventPublisher(4)
	sub := pub.Subscribe("")
	if pub.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount = %d", pub.SubscriptionCount())
	}

	pub.Unsubscribe(sub.ID)
	if pub.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount after unsubscribe = %d", pub.SubscriptionCount())
	}
	if _, open := <-sub.Channel; open {
		t.Error("channel still open after unsubscribe")
	}

	// Unsubscribing twice is a no-op.
	pub.Unsubscribe(sub.ID)
}

func TestEventPublisher_PhaseTransitionMetadata(t *testing.T) {
	pub := NewEventPublisher(4)
	sub := pub.Subscribe("")
	defer pub.Unsubscribe(sub.ID)

	pub.PublishPhaseTransition("job-1", "election-1", "PARTIAL_DECRYPT", "COMPENSATED_DECRYPT")

	ev := <-sub.Channel
	if ev.EventType != EventPhaseTransition {
		t.Fatalf("EventType = %v", ev.EventType)
	}
	if ev.Metadata["from"] != "PARTIAL_DECRYPT" || ev.Metadata["to"] != "COMPENSATED_DECRYPT" {
		t.Errorf("metadata = %v", ev.Metadata)
	}
}
