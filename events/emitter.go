/*
Package events provides the publish/subscribe registry every transport owns and the
serial dispatch loop that delivers its events. Listeners for one event are kept in
registration order and the events themselves are kept in the order they were first
subscribed to.
*/
package events

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map"
)

type Listener func(payload interface{})

type subscription struct {
	listener Listener
	once     bool
}

type Emitter struct {
	lock sync.Mutex

	// event name -> []*subscription
	listeners *orderedmap.OrderedMap
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: orderedmap.New(),
	}
}

// Unsubscribe removes the listener it was returned for. Calling it more than once is
// harmless.
type Unsubscribe func()

func (e *Emitter) On(event string, listener Listener) Unsubscribe {
	return e.subscribe(event, &subscription{listener: listener})
}

// Once registers a listener that is removed right before its first invocation
func (e *Emitter) Once(event string, listener Listener) Unsubscribe {
	return e.subscribe(event, &subscription{listener: listener, once: true})
}

func (e *Emitter) subscribe(event string, sub *subscription) Unsubscribe {
	if sub.listener == nil {
		return func() {}
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	subs := e.subscriptions(event)
	e.listeners.Set(event, append(subs, sub))

	return func() { e.unsubscribe(event, sub) }
}

func (e *Emitter) unsubscribe(event string, sub *subscription) {
	e.lock.Lock()
	defer e.lock.Unlock()

	subs := e.subscriptions(event)
	for i, existing := range subs {
		if existing == sub {
			remaining := make([]*subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			e.listeners.Set(event, remaining)
			return
		}
	}
}

// Emit synchronously invokes every listener of the event in registration order and
// returns how many ran. Listeners registered while emitting only see later emits.
func (e *Emitter) Emit(event string, payload interface{}) int {
	e.lock.Lock()
	subs := e.subscriptions(event)
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)

	remaining := subs[:0:0]
	for _, sub := range subs {
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	if len(remaining) != len(subs) {
		e.listeners.Set(event, remaining)
	}
	e.lock.Unlock()

	for _, sub := range snapshot {
		sub.listener(payload)
	}
	return len(snapshot)
}

func (e *Emitter) ListenerCount(event string) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return len(e.subscriptions(event))
}

// Events lists every event name that ever had a listener, oldest first
func (e *Emitter) Events() []string {
	e.lock.Lock()
	defer e.lock.Unlock()

	names := make([]string, 0, e.listeners.Len())
	for pair := e.listeners.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key.(string))
	}
	return names
}

func (e *Emitter) RemoveAllListeners() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = orderedmap.New()
}

// must be called with the lock held
func (e *Emitter) subscriptions(event string) []*subscription {
	if value, ok := e.listeners.Get(event); ok {
		return value.([]*subscription)
	}
	return nil
}
