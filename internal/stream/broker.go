package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/observability"
)

// Subscription is a live feed of events for one entity type. Events is closed
// when the feed ends; Err then says why (ErrStreamGap when events may have been lost).
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Source is anything a Reconciler can subscribe to.
type Source interface {
	Subscribe(ctx context.Context, entity EntityType, filter Filter) (Subscription, error)
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(ev Event)
}

type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// Broker is the in-process fan-out. Publish never blocks: a subscriber whose
// buffer is full is cut off with ErrStreamGap and has to resubscribe.
type Broker struct {
	mu     sync.Mutex
	subs   map[*brokerSub]struct{}
	buffer int
	logger *slog.Logger
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[*brokerSub]struct{}), buffer: buffer, logger: logger}
}

type brokerSub struct {
	entity EntityType
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	broker *Broker
}

func (s *brokerSub) Events() <-chan Event { return s.ch }

func (s *brokerSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *brokerSub) Close() error {
	s.broker.remove(s, nil)
	return nil
}

func (s *brokerSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}

func (b *Broker) Subscribe(ctx context.Context, entity EntityType, filter Filter) (Subscription, error) {
	s := &brokerSub{entity: entity, filter: filter, ch: make(chan Event, b.buffer), done: make(chan struct{}), broker: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	observability.StreamSubscribers.Set(float64(n))
	go func() {
		select {
		case <-ctx.Done():
			b.remove(s, ctx.Err())
		case <-s.done:
		}
	}()
	return s, nil
}

// Len reports the active subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(s *brokerSub, err error) {
	b.mu.Lock()
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	observability.StreamSubscribers.Set(float64(n))
	s.end(err)
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	var dropped []*brokerSub
	for s := range b.subs {
		if s.entity != ev.Entity || !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		delete(b.subs, s)
	}
	n := len(b.subs)
	b.mu.Unlock()

	observability.StreamEventsPublished.WithLabelValues(string(ev.Entity), string(ev.Type)).Inc()
	for _, s := range dropped {
		b.logger.Warn("stream_subscriber_dropped", "entity", s.entity, "buffer", b.buffer)
		observability.StreamSubscribers.Set(float64(n))
		s.end(models.ErrStreamGap)
	}
}

// Gap cuts off every subscriber so each one resynchronises. Used when the
// upstream feed itself may have lost events.
func (b *Broker) Gap() {
	b.mu.Lock()
	subs := make([]*brokerSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*brokerSub]struct{})
	b.mu.Unlock()
	observability.StreamSubscribers.Set(0)
	for _, s := range subs {
		s.end(models.ErrStreamGap)
	}
}
