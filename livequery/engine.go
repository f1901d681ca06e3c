// Package livequery keeps derived views consistent with the store: every
// committed mutation publishes a change event for its collection, and all
// subscriptions depending on that collection re-run their query function
// against current state.
package livequery

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Subscribe after the engine has shut down.
var ErrClosed = errors.New("livequery: engine closed")

// QueryFunc is a pure function over current store contents. It must not
// mutate anything; the engine re-runs it whenever a dependency changes.
type QueryFunc func(ctx context.Context) (any, error)

// Engine is an explicit publish/subscribe registry keyed by collection name.
// There is no hidden reactivity: subscriptions are objects with an explicit
// lifetime, and only Publish triggers re-evaluation.
type Engine struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *log.Logger
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an empty subscription registry.
func NewEngine(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{subs: make(map[string]*Subscription), logger: logger}
}

// Subscription is one live query. Updates are delivered on a capacity-one
// channel: bursts of commits coalesce, but the final state after a burst is
// always delivered.
type Subscription struct {
	id      string
	query   QueryFunc
	deps    map[string]struct{}
	updates chan any
	dirty   chan struct{}
	stop    chan struct{}
	once    sync.Once
	engine  *Engine

	last    any
	hasLast bool
}

// Subscribe evaluates the query once and registers it against the given
// collection dependency set. It returns the current result together with the
// live subscription.
func (e *Engine) Subscribe(ctx context.Context, query QueryFunc, deps ...string) (any, *Subscription, error) {
	current, err := query(ctx)
	if err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		query:   query,
		deps:    make(map[string]struct{}, len(deps)),
		updates: make(chan any, 1),
		dirty:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		engine:  e,
		last:    current,
		hasLast: true,
	}
	for _, d := range deps {
		sub.deps[d] = struct{}{}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrClosed
	}
	e.subs[sub.id] = sub
	e.wg.Add(1)
	e.mu.Unlock()

	go sub.loop()

	e.logger.WithFields(log.Fields{"subscription": sub.id, "deps": deps}).Debug("subscription registered")
	return current, sub, nil
}

// Publish marks every subscription depending on the collection dirty. Marking
// is non-blocking; a subscription already pending re-evaluation absorbs the
// event and picks up the latest state on its next run.
func (e *Engine) Publish(collection string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subs {
		if _, ok := sub.deps[collection]; !ok {
			continue
		}
		select {
		case sub.dirty <- struct{}{}:
		default:
		}
	}
}

// Close unsubscribes everything and waits for delivery goroutines to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	e.wg.Wait()
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// ID returns the subscription's opaque identity.
func (s *Subscription) ID() string {
	return s.id
}

// Updates returns the channel carrying re-evaluated results. Only results
// that differ from the previously delivered value are sent.
func (s *Subscription) Updates() <-chan any {
	return s.updates
}

// Unsubscribe stops delivery immediately. It is safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stop)
		s.engine.remove(s.id)
		s.engine.logger.WithField("subscription", s.id).Debug("subscription removed")
	})
}

func (s *Subscription) loop() {
	defer s.engine.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.dirty:
			result, err := s.query(context.Background())
			if err != nil {
				s.engine.logger.WithFields(log.Fields{
					"subscription": s.id,
					"error":        err.Error(),
				}).Error("live query re-evaluation failed")
				continue
			}
			if s.hasLast && reflect.DeepEqual(result, s.last) {
				continue
			}
			s.last = result
			s.hasLast = true
			s.deliver(result)
		}
	}
}

// deliver replaces any stale undelivered value so a slow consumer always
// observes the newest state.
func (s *Subscription) deliver(v any) {
	for {
		select {
		case <-s.stop:
			return
		case s.updates <- v:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}
