package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// subscriberBacklog bounds the events waiting for one subscription.
const subscriberBacklog = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans events out to subscribers without blocking the publisher.
// Every subscription owns a mailbox drained by its own goroutine, so one
// subscriber sees events in publish order and a slow one only delays itself.
// When a mailbox is full, Emit drops the event for that subscriber.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	stopped bool
	wg      sync.WaitGroup

	dropped atomic.Uint64
}

type subscription struct {
	name    string
	handler HandlerFunc
	mailbox chan delivery
	quit    chan struct{} // closed to stop the worker after it drains
	done    chan struct{} // closed when the worker has exited
}

type delivery struct {
	ctx   context.Context
	event Event
	reply chan error // nil for fire-and-forget
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[EventType][]*subscription),
	}
}

// Subscribe registers a named handler for one event type. Subscribing the
// same name twice replaces the earlier handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}
	eb.removeLocked(eventType, name)

	sub := &subscription{
		name:    name,
		handler: handler,
		mailbox: make(chan delivery, subscriberBacklog),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	eb.subs[eventType] = append(eb.subs[eventType], sub)

	eb.wg.Add(1)
	go eb.work(sub)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler. Events already in its mailbox are
// still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.removeLocked(eventType, name) {
		log.Debug().
			Str("event", string(eventType)).
			Str("handler", name).
			Msg("unsubscribed from event")
	}
}

func (eb *EventBus) removeLocked(eventType EventType, name string) bool {
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.name == name {
			close(s.quit)
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

func (eb *EventBus) work(sub *subscription) {
	defer eb.wg.Done()
	defer close(sub.done)

	for {
		select {
		case d := <-sub.mailbox:
			eb.deliver(sub, d)
		case <-sub.quit:
			for {
				select {
				case d := <-sub.mailbox:
					eb.deliver(sub, d)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) deliver(sub *subscription, d delivery) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(d.event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
		if d.reply != nil {
			d.reply <- err
		}
	}()

	if err = sub.handler(d.ctx, d.event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(d.event.Type)).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
}

// Emit queues an event for every subscriber of its type and returns at once.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for _, sub := range eb.subs[event.Type] {
		select {
		case sub.mailbox <- delivery{ctx: ctx, event: event}:
		default:
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("subscriber backlog full, event dropped")
		}
	}
}

// EmitSync queues an event behind whatever each subscriber already has
// pending and waits until every handler has run. Returns the first error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]*subscription(nil), eb.subs[event.Type]...)
	eb.mu.RUnlock()

	type pending struct {
		sub   *subscription
		reply chan error
	}
	var waiting []pending

	for _, sub := range subs {
		reply := make(chan error, 1)
		select {
		case sub.mailbox <- delivery{ctx: ctx, event: event, reply: reply}:
			waiting = append(waiting, pending{sub, reply})
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var firstErr error
	for _, p := range waiting {
		select {
		case err := <-p.reply:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-p.sub.done:
			// worker exited before reaching this delivery
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

// Stop refuses new events, lets every subscriber drain its mailbox and waits
// for the workers to exit.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for t, subs := range eb.subs {
		for _, s := range subs {
			close(s.quit)
		}
		delete(eb.subs, t)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}

// Dropped returns how many deliveries Emit discarded because a subscriber
// fell behind.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
