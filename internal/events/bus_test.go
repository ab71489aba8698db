package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 2)
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(EventChat, name, func(_ context.Context, e Event) error {
			got <- e
			return nil
		})
	}
	bus.Subscribe(EventLogin, "other", func(context.Context, Event) error {
		t.Error("handler for another event type ran")
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventChat, Source: "test", Payload: ChatPayload{From: 1, Text: "hi"}})

	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			if e.Payload.(ChatPayload).Text != "hi" {
				t.Fatalf("payload = %+v", e.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber not called")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	noop := func(context.Context, Event) error { return nil }
	bus.Subscribe(EventStats, "keep", noop)
	bus.Subscribe(EventStats, "drop", noop)
	bus.Unsubscribe(EventStats, "drop")
	bus.Unsubscribe(EventWorldSaved, "never-subscribed")

	if n := bus.HandlerCount(EventStats); n != 1 {
		t.Fatalf("handlers = %d, want 1", n)
	}
}

func TestEmitSyncWaitsAndReportsErrors(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "slow", func(context.Context, Event) error {
		time.Sleep(10 * time.Millisecond)
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventShutdown, "failing", func(context.Context, Event) error {
		calls.Add(1)
		return boom
	})
	bus.Subscribe(EventShutdown, "panicking", func(context.Context, Event) error {
		calls.Add(1)
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d before EmitSync returned", calls.Load())
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventChat, "h", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventChat})
	if err := bus.EmitSync(context.Background(), Event{Type: EventChat}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatal("stopped bus delivered an event")
	}
}

func TestEmitKeepsOrderPerSubscriber(t *testing.T) {
	bus := NewEventBus()

	var got []uint64
	bus.Subscribe(EventChat, "ordered", func(_ context.Context, e Event) error {
		got = append(got, e.Payload.(ChatPayload).From)
		return nil
	})

	const n = 100
	for i := uint64(0); i < n; i++ {
		bus.Emit(context.Background(), Event{Type: EventChat, Payload: ChatPayload{From: i}})
	}
	bus.Stop()

	if len(got) != n {
		t.Fatalf("delivered %d of %d events", len(got), n)
	}
	for i, from := range got {
		if from != uint64(i) {
			t.Fatalf("event %d delivered at position %d", from, i)
		}
	}
}

func TestSlowSubscriberDropsOverflow(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	bus.Subscribe(EventWorldEdit, "slow", func(context.Context, Event) error {
		if once.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return nil
	})

	var fast atomic.Int32
	bus.Subscribe(EventWorldEdit, "fast", func(context.Context, Event) error {
		fast.Add(1)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventWorldEdit})
	<-started

	// the slow worker holds one event, its mailbox takes the backlog
	for i := 0; i < subscriberBacklog+5; i++ {
		bus.Emit(context.Background(), Event{Type: EventWorldEdit})
	}
	dropped := bus.Dropped()
	close(release)

	if dropped < 5 {
		t.Fatalf("dropped = %d, want at least 5", dropped)
	}
	if bus.Dropped() > 5+uint64(subscriberBacklog) {
		t.Fatalf("dropped = %d", bus.Dropped())
	}
}

func TestEmitStampsTime(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe(EventStats, "h", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})

	before := time.Now()
	bus.Emit(context.Background(), Event{Type: EventStats})
	if e := <-got; e.Time.Before(before) {
		t.Fatalf("time = %v, emitted after %v", e.Time, before)
	}
}

func TestPeerStateJSON(t *testing.T) {
	for state, want := range map[PeerState]string{
		PeerConnecting:    `"connecting"`,
		PeerAuthenticated: `"authenticated"`,
		PeerState(9):      `"unknown"`,
	} {
		got, _ := json.Marshal(state)
		if string(got) != want {
			t.Errorf("%d => %s, want %s", state, got, want)
		}
	}
}
