package notify

import (
	"sync"

	"corestore/pkg/domain"
)

// Delivery is one envelope handed to a connection.
type Delivery struct {
	Topic    string
	Envelope domain.EventEnvelope
}

// InProcTransport delivers envelopes to per-connection buffered channels in
// the same process. Connections that fall behind lose deliveries rather
// than blocking the notifier.
type InProcTransport struct {
	mu     sync.RWMutex
	conns  map[string]chan Delivery
	buffer int
}

var _ Transport = (*InProcTransport)(nil)

// DefaultDeliveryBuffer is the per-connection channel capacity.
const DefaultDeliveryBuffer = 64

// NewInProcTransport returns a transport with the given per-connection
// buffer; zero or negative uses DefaultDeliveryBuffer.
func NewInProcTransport(buffer int) *InProcTransport {
	if buffer <= 0 {
		buffer = DefaultDeliveryBuffer
	}
	return &InProcTransport{conns: make(map[string]chan Delivery), buffer: buffer}
}

// Connect registers a connection and returns its delivery channel.
func (t *InProcTransport) Connect(connID string) <-chan Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.conns[connID]; ok {
		return ch
	}
	ch := make(chan Delivery, t.buffer)
	t.conns[connID] = ch
	return ch
}

// Disconnect removes a connection and closes its channel.
func (t *InProcTransport) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.conns[connID]; ok {
		delete(t.conns, connID)
		close(ch)
	}
}

// Publish delivers the envelope to the listed connections, or to every
// connection when connIDs is empty (broadcast topics).
func (t *InProcTransport) Publish(topic string, envelope domain.EventEnvelope, connIDs []string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deliver := func(ch chan Delivery) {
		select {
		case ch <- Delivery{Topic: topic, Envelope: envelope}:
		default:
			// Slow consumer, drop.
		}
	}
	if len(connIDs) == 0 {
		for _, ch := range t.conns {
			deliver(ch)
		}
		return nil
	}
	for _, id := range connIDs {
		if ch, ok := t.conns[id]; ok {
			deliver(ch)
		}
	}
	return nil
}
