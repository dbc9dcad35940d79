package stream

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rforum/rforum-go/internal/observability"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
)

// Handler consumes one decoded stream event. Handlers run synchronously
// on the dispatch goroutine and must not block indefinitely.
type Handler func(envelope.StreamEvent)

// Token identifies one subscription for later removal.
type Token uint64

type subscriber struct {
	token Token
	fn    Handler
}

// Dispatcher fans decoded events out to every subscriber in
// subscription order. A handler panic is recovered and logged; later
// handlers still run. Safe for concurrent use.
type Dispatcher struct {
	logger zerolog.Logger

	mu   sync.Mutex
	next Token
	subs []subscriber
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers a handler and returns its removal token.
func (d *Dispatcher) Subscribe(fn Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.subs = append(d.subs, subscriber{token: d.next, fn: fn})
	return d.next
}

// Unsubscribe removes the handler registered under token. Unknown
// tokens are ignored.
func (d *Dispatcher) Unsubscribe(token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subs {
		if sub.token == token {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

// Dispatch delivers ev to every current subscriber, in subscription
// order, synchronously with respect to delivery.
func (d *Dispatcher) Dispatch(ev envelope.StreamEvent) {
	d.mu.Lock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	observability.RecordEventDispatched(ev.Tag)
	for _, sub := range subs {
		d.deliver(sub, ev)
	}
}

func (d *Dispatcher) deliver(sub subscriber, ev envelope.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Uint64("token", uint64(sub.token)).
				Str("tag", ev.Tag).
				Interface("panic", r).
				Msg("handler panic")
		}
	}()
	sub.fn(ev)
}
