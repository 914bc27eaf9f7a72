// Package hub fans step-transition events out to live status
// subscribers. Each subscription is scoped to one owner: publishing to
// an owner never reaches another owner's channels.
//
// The registry is an explicitly owned object constructed once at process
// start and injected where needed; it is the only structure in the
// pipeline mutated from multiple tasks concurrently.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/modelplane/modelplane/internal/metrics"
)

const (
	// defaultTimeout bounds the lifetime of one subscription.
	defaultTimeout = time.Hour

	// eventBuffer is the per-subscription channel capacity. A consumer
	// that falls this far behind is evicted rather than blocking the
	// publisher.
	eventBuffer = 16
)

// EventName distinguishes the snapshot pushed on subscribe from
// per-transition updates.
type EventName string

const (
	// EventInit carries the full current-state snapshot, sent once
	// immediately after subscribing.
	EventInit EventName = "INIT"
	// EventStatusUpdate carries one step transition.
	EventStatusUpdate EventName = "STATUS_UPDATE"
)

// Event is one message pushed to a subscriber.
type Event struct {
	Name EventName
	Data any
}

// Subscription is a live, non-persisted connection owned by one
// subscriber task. Its channel is closed on eviction, cancellation or
// timeout; Close is safe to call on every exit path.
type Subscription struct {
	Token   string
	OwnerID uint

	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

// Events returns the subscription's receive channel. It is closed when
// the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Hub is the per-owner subscription registry.
type Hub struct {
	log     logr.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu      sync.Mutex
	subs    map[string]*Subscription
	byOwner map[uint]map[string]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithTimeout overrides the subscription lifetime bound.
func WithTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.timeout = d
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New constructs an empty hub.
func New(log logr.Logger, opts ...Option) *Hub {
	h := &Hub{
		log:     log.WithName("hub"),
		timeout: defaultTimeout,
		subs:    make(map[string]*Subscription),
		byOwner: make(map[uint]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscription for ownerID and immediately
// pushes snapshot as the INIT event. The subscription ends when ctx is
// cancelled, the lifetime bound elapses, Close is called, or a push
// finds the consumer not keeping up.
func (h *Hub) Subscribe(ctx context.Context, ownerID uint, snapshot any) *Subscription {
	sub := &Subscription{
		Token:   uuid.NewString(),
		OwnerID: ownerID,
		ch:      make(chan Event, eventBuffer),
		closed:  make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.Token] = sub
	tokens, ok := h.byOwner[ownerID]
	if !ok {
		tokens = make(map[string]struct{})
		h.byOwner[ownerID] = tokens
	}
	tokens[sub.Token] = struct{}{}
	// The buffer is empty here, so the initial snapshot cannot be dropped.
	sub.ch <- Event{Name: EventInit, Data: snapshot}
	h.mu.Unlock()

	h.metrics.SubscriptionOpened()
	h.log.V(1).Info("subscription opened", "owner", ownerID, "token", sub.Token)

	go h.watch(ctx, sub)
	return sub
}

// watch owns the subscription lifetime: it waits for cancellation, the
// timeout, or an explicit close, then deregisters.
func (h *Hub) watch(ctx context.Context, sub *Subscription) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		h.log.V(1).Info("subscription cancelled", "token", sub.Token)
	case <-timer.C:
		h.log.V(1).Info("subscription timed out", "token", sub.Token)
	case <-sub.closed:
	}
	h.evict(sub)
}

// Publish delivers ev to every live subscription registered under
// ownerID. A failed push evicts that subscription only; the remaining
// subscribers are unaffected.
func (h *Hub) Publish(ownerID uint, ev Event) {
	h.mu.Lock()
	var evicted []*Subscription
	for token := range h.byOwner[ownerID] {
		sub := h.subs[token]
		if sub == nil {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		h.finishClose(sub)
		h.log.Info("subscriber evicted: not keeping up", "owner", ownerID, "token", sub.Token)
	}
}

// Close ends the subscription. Safe to call more than once.
func (h *Hub) Close(sub *Subscription) {
	h.evict(sub)
}

func (h *Hub) evict(sub *Subscription) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	h.finishClose(sub)
}

// removeLocked deregisters sub from both indexes. Caller holds h.mu.
func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub.Token]; !ok {
		return
	}
	delete(h.subs, sub.Token)
	if tokens, ok := h.byOwner[sub.OwnerID]; ok {
		delete(tokens, sub.Token)
		if len(tokens) == 0 {
			delete(h.byOwner, sub.OwnerID)
		}
	}
}

// finishClose closes the channels exactly once, outside the hub lock.
func (h *Hub) finishClose(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.closed)
		close(sub.ch)
		h.metrics.SubscriptionClosed()
	})
}

// SubscriberCount returns the number of live subscriptions for an owner.
func (h *Hub) SubscriberCount(ownerID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byOwner[ownerID])
}
