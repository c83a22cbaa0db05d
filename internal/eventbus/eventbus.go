// Package eventbus implements the in-process typed publish/subscribe
// bus (C2). It is grounded on the teacher's
// internal/infrastructure/events.LoggingPublisher shape (a
// sync.RWMutex-guarded subscriber map with cancelable subscriptions),
// adapted from a handler-callback model to bounded channel delivery so
// a slow subscriber never blocks Publish.
package eventbus

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/model"
)

const defaultBufferSize = 256

// Subscription is a live registration on the bus. Calling Unsubscribe
// stops further delivery and closes the channel returned by Subscribe.
type Subscription struct {
	ch     chan model.Event
	cancel func()
	once   sync.Once
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan model.Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

type entry struct {
	id int
	ch chan model.Event
}

// Bus is the typed publish/subscribe hub. All lifecycle events from
// every component flow through one Bus instance per process; the
// Orchestrator additionally persists each event into the State Store
// (the bus itself is not durable).
type Bus struct {
	mu         sync.RWMutex
	subs       map[model.EventKind][]entry
	nextID     int
	bufferSize int
	dropped    *prometheus.CounterVec
	logger     *logx.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithRegisterer registers the dropped-event counter on reg instead of
// the default global Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		b.dropped = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "minipipe_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}, []string{"event_kind", "subscriber"})
	}
}

// New constructs a Bus. logger may be nil.
func New(logger *logx.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[model.EventKind][]entry),
		bufferSize: defaultBufferSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dropped == nil {
		b.dropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minipipe_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}, []string{"event_kind", "subscriber"})
	}
	return b
}

// Subscribe registers a new bounded-buffer subscriber for kind.
func (b *Bus) Subscribe(kind model.EventKind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan model.Event, b.bufferSize)
	b.subs[kind] = append(b.subs[kind], entry{id: id, ch: ch})

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, e := range list {
			if e.id == id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return &Subscription{ch: ch, cancel: cancel}
}

// Publish delivers event to every subscriber of its kind. Delivery
// never blocks: a subscriber whose buffer is full has the event
// dropped and a dropped-event counter incremented, satisfying "slow
// subscribers do not block publishers".
func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	subs := append([]entry(nil), b.subs[event.Kind]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			b.dropped.WithLabelValues(string(event.Kind), subscriberLabel(s.id)).Inc()
			if b.logger != nil {
				b.logger.Warn("event dropped: subscriber buffer full",
					"event_kind", event.Kind, "run_id", event.RunID)
			}
		}
	}
}

func subscriberLabel(id int) string {
	return "sub_" + strconv.Itoa(id)
}
