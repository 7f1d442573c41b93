package notify

import (
	"sync"

	"corestore/pkg/domain"
)

// SubscriberRegistry tracks live subscribers per store topic. The session
// layer registers and removes them; the notifier only reads.
type SubscriberRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[string]domain.Subscriber
}

// NewSubscriberRegistry returns an empty registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{subs: make(map[string]map[string]domain.Subscriber)}
}

// Subscribe registers a subscriber for a store. A second call with the same
// connection id replaces the earlier subscription.
func (r *SubscriberRegistry) Subscribe(storeName string, sub domain.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byConn, ok := r.subs[storeName]
	if !ok {
		byConn = make(map[string]domain.Subscriber)
		r.subs[storeName] = byConn
	}
	byConn[sub.ConnID] = sub
}

// Unsubscribe removes a subscriber from one store topic.
func (r *SubscriberRegistry) Unsubscribe(storeName, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byConn, ok := r.subs[storeName]; ok {
		delete(byConn, connID)
		if len(byConn) == 0 {
			delete(r.subs, storeName)
		}
	}
}

// Drop removes a connection from every store topic, for session teardown.
func (r *SubscriberRegistry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for storeName, byConn := range r.subs {
		delete(byConn, connID)
		if len(byConn) == 0 {
			delete(r.subs, storeName)
		}
	}
}

// Subscribers returns the current subscribers of a store topic.
func (r *SubscriberRegistry) Subscribers(storeName string) []domain.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byConn := r.subs[storeName]
	out := make([]domain.Subscriber, 0, len(byConn))
	for _, sub := range byConn {
		out = append(out, sub)
	}
	return out
}
