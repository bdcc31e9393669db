package websocket

import (
	"fmt"
	"sync"

	"github.com/gatewayclient/transport/connection/transport"
)

// ackTracker correlates outgoing messages with the acknowledgements the peer sends back
type ackTracker struct {
	// callbacks awaiting an acknowledgement keyed by ack id
	pending     map[string]transport.Ack
	pendingLock sync.Mutex

	// counter for generating ack ids
	counter int
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		pending: make(map[string]transport.Ack),
	}
}

func (a *ackTracker) IsEmpty() bool {
	a.pendingLock.Lock()
	defer a.pendingLock.Unlock()

	return len(a.pending) == 0
}

// Track does not promise strictly increasing ids to the peer since sends can fail
// between tracking and writing
func (a *ackTracker) Track(ack transport.Ack) string {
	a.pendingLock.Lock()
	defer a.pendingLock.Unlock()

	id := fmt.Sprint(a.counter)
	a.counter++

	a.pending[id] = ack
	return id
}

func (a *ackTracker) Match(id string) (transport.Ack, bool) {
	a.pendingLock.Lock()
	defer a.pendingLock.Unlock()

	ack, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	return ack, ok
}

// Drain forgets every pending acknowledgement and returns their callbacks
func (a *ackTracker) Drain() []transport.Ack {
	a.pendingLock.Lock()
	defer a.pendingLock.Unlock()

	acks := make([]transport.Ack, 0, len(a.pending))
	for id, ack := range a.pending {
		acks = append(acks, ack)
		delete(a.pending, id)
	}
	return acks
}
