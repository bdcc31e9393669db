/*
Package transport lets an application talk to a remote API gateway through one
uniform interface, whether the connection underneath is a persistent socket or a
series of discrete HTTP requests.

Every transport runs the same lifecycle: Closed -> Opening -> Open -> Closing ->
Closed. Sends issued before the connection is open are queued and replayed, oldest
first, the moment it opens. Events are published on a dispatch loop owned by the
transport, so listeners never run inside the call that caused them and listeners of
one event always run in the order they were registered.
*/
package transport

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"

	"github.com/gatewayclient/transport/events"
	"github.com/gatewayclient/transport/logger"
	"github.com/gatewayclient/transport/telemetry"
)

// Event names
const (
	EventOpen    = "open"
	EventClose   = "close"
	EventMessage = "message"
	EventData    = "data"
	EventError   = "error"
)

const pendingQueueHint = 16

type State int

const (
	Closed State = iota
	Opening
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Opening:
		return "Opening"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

type SuccessFunc func(response interface{})

// ErrorFunc receives a *TransportError
type ErrorFunc func(err error)

type Transport interface {
	Uri() string
	State() State
	Open() error
	Close()
	Dispose()
	Send(payload interface{}, config *Config, onSuccess SuccessFunc, onError ErrorFunc) error
	SetRestful(restful bool)
	On(event string, listener events.Listener) events.Unsubscribe
	Once(event string, listener events.Listener) events.Unsubscribe
	ListenerCount(event string) int
}

// PendingSend is a send that waits for the connection to open. Sends made while the
// transport is Closing are kept too and go out on the next Open; Close drops only what
// was queued before it and Dispose drops everything.
type PendingSend struct {
	Payload   interface{}
	Config    *Config
	OnSuccess SuccessFunc
	OnError   ErrorFunc
}

// backend is implemented by each transport variant. The hooks are always called with
// the transport lock held and must not call back into any locking method.
type backend interface {
	protocol() string

	performOpen() error

	// returns true when the backend closed synchronously
	performClose() bool

	performSend(send *PendingSend)
}

type base struct {
	lock    sync.Mutex
	logger  *logger.Logger
	metrics *telemetry.Metrics

	id      string
	uri     string
	backend backend

	emitter *events.Emitter
	loop    *events.Loop

	state   State
	pending *queue.Queue

	// set when Open is called while closing, the open happens once the close completes
	reopen bool

	disposed bool
	released bool
}

func (b *base) init(logger *logger.Logger, uri string, backend backend) {
	b.id = uuid.New().String()
	b.logger = logger.GetTransportLogger(backend.protocol(), b.id)
	b.uri = uri
	b.backend = backend
	b.emitter = events.NewEmitter()
	b.loop = events.NewLoop(b.logger.GetComponentLogger("DispatchLoop"))
	b.state = Closed
	b.pending = queue.New(pendingQueueHint)
}

func (b *base) Uri() string {
	return b.uri
}

func (b *base) Id() string {
	return b.id
}

func (b *base) State() State {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.state
}

// SetMetrics attaches telemetry collectors; nil detaches them
func (b *base) SetMetrics(metrics *telemetry.Metrics) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.metrics = metrics
}

// SetRestful only means something to socket transports
func (b *base) SetRestful(restful bool) {
	b.logger.Debugf("Ignoring restful flag %t for %s transport", restful, b.backend.protocol())
}

func (b *base) On(event string, listener events.Listener) events.Unsubscribe {
	return b.emitter.On(event, listener)
}

func (b *base) Once(event string, listener events.Listener) events.Unsubscribe {
	return b.emitter.Once(event, listener)
}

func (b *base) ListenerCount(event string) int {
	return b.emitter.ListenerCount(event)
}

func (b *base) Open() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.disposed {
		return ErrDisposed
	}

	switch b.state {
	case Opening, Open:
		b.logger.Warnf("Open was called while the transport is already %s", b.state)
		b.metrics.ObserveRedundantOpen(b.backend.protocol())
		return nil
	case Closing:
		b.logger.Infof("Open was called while closing, opening again once closed")
		b.reopen = true
		return nil
	}

	b.logger.Infof("Opening transport to %s", b.uri)
	b.state = Opening

	if err := b.backend.performOpen(); err != nil {
		b.state = Closed
		return err
	}
	return nil
}

func (b *base) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.close()
}

// Dispose closes the transport and releases its queue, listeners and dispatch loop
// once the close event has been delivered
func (b *base) Dispose() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.disposed {
		return
	}

	b.disposed = true
	b.reopen = false

	// otherwise closed() releases once the close event is out
	if b.state == Closed {
		b.loop.Post(b.release)
		return
	}
	b.close()
}

func (b *base) Send(payload interface{}, config *Config, onSuccess SuccessFunc, onError ErrorFunc) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.disposed {
		return ErrDisposed
	}

	send := &PendingSend{
		Payload:   payload,
		Config:    config,
		OnSuccess: onSuccess,
		OnError:   onError,
	}

	if b.state == Open {
		b.metrics.ObserveSend(b.backend.protocol(), telemetry.SendDispatched)
		b.backend.performSend(send)
		return nil
	}

	b.logger.Debugf("Queueing send until the transport is open, current state is %s", b.state)
	b.metrics.ObserveSend(b.backend.protocol(), telemetry.SendQueued)
	if err := b.pending.Put(send); err != nil {
		return ErrDisposed
	}
	return nil
}

// must be called with the lock held
func (b *base) close() {
	switch b.state {
	case Closed:
		b.logger.Debugf("Close was called on a closed transport")
		return
	case Closing:
		return
	}

	b.logger.Infof("Closing transport to %s", b.uri)
	b.state = Closing
	b.dropPending()

	if b.backend.performClose() {
		b.closed()
	}
}

// opened is run on the dispatch loop once the backend confirms the connection
func (b *base) opened() {
	b.lock.Lock()
	if b.state != Opening {
		b.logger.Debugf("Ignoring open confirmation while %s", b.state)
		b.lock.Unlock()
		return
	}

	b.state = Open
	b.metrics.ObserveOpen(b.backend.protocol())
	b.logger.Infof("Transport is open")
	b.flush()
	b.lock.Unlock()

	// already on the loop, so anything the flush scheduled lands after this event
	b.emitter.Emit(EventOpen, nil)
}

// backendClosed is run on the dispatch loop when the backend reports that the
// connection is gone, whether we asked for it or not
func (b *base) backendClosed() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.state == Closed {
		return
	}

	if b.state != Closing {
		b.logger.Infof("Backend connection ended while %s", b.state)
	}
	b.closed()
}

// must be called with the lock held
func (b *base) closed() {
	// sends queued while closing are kept for the next open
	b.state = Closed
	b.metrics.ObserveClose(b.backend.protocol())
	b.logger.Infof("Transport is closed")

	b.publish(EventClose, nil)

	if b.disposed {
		b.loop.Post(b.release)
	} else if b.reopen {
		b.reopen = false
		b.loop.Post(func() {
			if err := b.Open(); err != nil {
				b.logger.Errorf("failed to reopen transport: %s", err)
			}
		})
	}
}

// must be called with the lock held
func (b *base) flush() {
	count := b.pending.Len()
	if count == 0 {
		return
	}

	items, err := b.pending.Get(count)
	if err != nil {
		return
	}

	b.logger.Debugf("Flushing %d queued sends", len(items))
	for _, item := range items {
		b.metrics.ObserveSend(b.backend.protocol(), telemetry.SendDispatched)
		b.backend.performSend(item.(*PendingSend))
	}
}

// must be called with the lock held
func (b *base) dropPending() {
	count := b.pending.Len()
	if count == 0 {
		return
	}

	if _, err := b.pending.Get(count); err == nil {
		b.logger.Infof("Dropped %d queued sends", count)
	}
}

// publish schedules an event on the dispatch loop
func (b *base) publish(event string, payload interface{}) {
	b.loop.Post(func() {
		b.emitter.Emit(event, payload)
	})
}

// release is run on the dispatch loop after the final close event
func (b *base) release() {
	b.lock.Lock()
	if b.released {
		b.lock.Unlock()
		return
	}
	b.released = true
	b.pending.Dispose()
	b.lock.Unlock()

	b.emitter.RemoveAllListeners()
	b.loop.Stop()
	b.logger.Infof("Transport disposed")
}
