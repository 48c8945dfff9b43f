// Package events provides a shared hub through which any subsystem can signal the mapping
// backend, e.g. to request an immediate optimization.
package events

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"go.viam.com/globalmap/logging"
)

// Topic names a kind of event.
type Topic string

// TopicRequestToOptimize is published when some subsystem wants the global graph optimized as
// soon as possible.
const TopicRequestToOptimize Topic = "request_to_optimize"

// Handler is called synchronously for every publish of the topic it is subscribed to.
type Handler func()

type subscription struct {
	topic   Topic
	handler Handler
}

// Hub is a registry of topic handlers. A Hub is meant to be constructed once and handed to
// every component that publishes or subscribes.
type Hub struct {
	subs   *xsync.MapOf[uint64, subscription]
	nextID atomic.Uint64
	closed atomic.Bool
	logger logging.Logger
}

// NewHub returns an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subs:   xsync.NewMapOf[uint64, subscription](),
		logger: logger,
	}
}

// Subscribe registers the handler for the topic. The returned function removes it again and is
// safe to call more than once.
func (h *Hub) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	if h.closed.Load() {
		return func() {}
	}
	id := h.nextID.Inc()
	h.subs.Store(id, subscription{topic: topic, handler: handler})
	return func() {
		h.subs.Delete(id)
	}
}

// Publish calls every handler subscribed to the topic and returns how many were called. A
// panicking handler is logged and does not prevent the others from running.
func (h *Hub) Publish(topic Topic) int {
	if h.closed.Load() {
		return 0
	}
	called := 0
	h.subs.Range(func(id uint64, sub subscription) bool {
		if sub.topic != topic {
			return true
		}
		called++
		h.invoke(id, sub)
		return true
	})
	return called
}

func (h *Hub) invoke(id uint64, sub subscription) {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			h.logger.Errorw("event handler panicked", "topic", sub.topic, "subscription", id, "panic", thePanic)
		}
	}()
	sub.handler()
}

// Subscribers returns the number of handlers registered for the topic.
func (h *Hub) Subscribers(topic Topic) int {
	count := 0
	h.subs.Range(func(_ uint64, sub subscription) bool {
		if sub.topic == topic {
			count++
		}
		return true
	})
	return count
}

// RequestOptimize asks every subscriber to optimize at its next opportunity.
func (h *Hub) RequestOptimize() {
	h.Publish(TopicRequestToOptimize)
}

// OnRequestOptimize subscribes to optimization requests.
func (h *Hub) OnRequestOptimize(handler Handler) (unsubscribe func()) {
	return h.Subscribe(TopicRequestToOptimize, handler)
}

// Close drops every subscription. Publishing to a closed hub does nothing.
func (h *Hub) Close() {
	h.closed.Store(true)
	h.subs.Clear()
}
