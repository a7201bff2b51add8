package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, event Event) error

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// Bus is an asynchronous publish-subscribe hub. Each handler invocation
// runs in its own goroutine so a slow subscriber never stalls a publisher
// such as the catalog tick.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]handlerEntry)}
}

// Subscribe registers handler for eventType under name.
func (b *Bus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{name: name, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Emit publishes event to every subscriber without waiting for them.
// A nil Bus drops the event.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}

	for _, h := range b.handlers[event.Type] {
		b.wg.Add(1)
		go b.run(ctx, h, event)
	}
}

func (b *Bus) run(ctx context.Context, h handlerEntry, event Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
}

// Stop rejects further events and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	log.Debug().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
