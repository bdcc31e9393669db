package transport

import (
	"errors"
	"fmt"

	"github.com/gatewayclient/transport/events"
	"github.com/gatewayclient/transport/logger"
)

// Events a Socket reports on top of message, data and error
const (
	SocketConnect    = "connect"
	SocketDisconnect = "disconnect"
)

const socketProtocol = "socket"

// Ack receives the peer's acknowledgement of a sent message, or the reason it failed
type Ack func(response interface{}, err error)

// Socket is a persistent bidirectional connection. Implementations report everything
// that happens to the connection, including the result of Connect and Disconnect,
// through the handlers registered with On, never from inside the call that caused it.
type Socket interface {
	On(event string, handler func(payload interface{}))
	Connect()
	Disconnect()
	Send(message interface{}, ack Ack)
}

type SocketFactory func(uri string) (Socket, error)

// RestfulFrame is what a restful socket transport sends in place of the raw payload
type RestfulFrame struct {
	Method string      `json:"method"`
	Data   interface{} `json:"data"`
}

type SocketTransport struct {
	base

	factory SocketFactory
	socket  Socket
	restful bool

	// events we subscribed to on the current socket
	relayed map[string]bool

	// bumped for every open so acks from an earlier connection are dropped
	generation int
}

func NewSocketTransport(logger *logger.Logger, uri string, factory SocketFactory) *SocketTransport {
	s := &SocketTransport{
		factory: factory,
		relayed: make(map[string]bool),
	}
	s.init(logger, uri, s)
	return s
}

func (s *SocketTransport) protocol() string {
	return socketProtocol
}

// SetSocketFactory replaces the factory used to create the socket. A socket that
// already exists is only replaced while the transport is closed.
func (s *SocketTransport) SetSocketFactory(factory SocketFactory) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.factory = factory
	if s.state == Closed {
		s.socket = nil
		s.relayed = make(map[string]bool)
	}
}

// Socket returns the backend connection, nil until the first open
func (s *SocketTransport) Socket() Socket {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.socket
}

// SetRestful toggles wrapping outgoing payloads in a RestfulFrame
func (s *SocketTransport) SetRestful(restful bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.restful = restful
}

// On also relays backend events of the same name, so listeners can subscribe to any
// event the socket emits
func (s *SocketTransport) On(event string, listener events.Listener) events.Unsubscribe {
	unsubscribe := s.emitter.On(event, listener)
	s.relay(event)
	return unsubscribe
}

func (s *SocketTransport) Once(event string, listener events.Listener) events.Unsubscribe {
	unsubscribe := s.emitter.Once(event, listener)
	s.relay(event)
	return unsubscribe
}

func (s *SocketTransport) relay(event string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.subscribe(event)
}

func (s *SocketTransport) performOpen() error {
	if s.socket == nil {
		if s.factory == nil {
			return &ConfigurationError{Reason: "underlying socket library not found"}
		}

		socket, err := s.factory(s.uri)
		if err != nil {
			return &ConfigurationError{Reason: "failed to create socket", Err: err}
		}

		s.socket = socket
		s.bind()
	}

	s.generation++
	s.socket.Connect()
	return nil
}

func (s *SocketTransport) performClose() bool {
	if s.socket == nil {
		return true
	}

	// close completes once the socket reports the disconnect
	s.socket.Disconnect()
	return false
}

func (s *SocketTransport) performSend(send *PendingSend) {
	message := send.Payload
	if s.restful {
		message = RestfulFrame{
			Method: send.Config.method(),
			Data:   send.Payload,
		}
	}

	socket := s.socket
	generation := s.generation

	socket.Send(message, func(response interface{}, err error) {
		s.loop.Post(func() {
			if !s.current(generation) {
				s.logger.Debugf("Dropping acknowledgement from a closed connection")
				return
			}

			if err != nil {
				s.fail(&TransportError{Err: err, Socket: socket}, send.OnError)
			} else if send.OnSuccess != nil {
				send.OnSuccess(response)
			}
		})
	})
}

// must be called with the lock held
func (s *SocketTransport) bind() {
	socket := s.socket

	socket.On(SocketConnect, func(interface{}) {
		s.loop.Post(s.opened)
	})

	socket.On(SocketDisconnect, func(interface{}) {
		s.loop.Post(s.backendClosed)
	})

	socket.On(EventError, func(payload interface{}) {
		terr := &TransportError{Err: toError(payload), Socket: socket}
		s.loop.Post(func() {
			if s.relaying() {
				s.fail(terr, nil)
			}
		})
	})

	s.relayed[SocketConnect] = true
	s.relayed[SocketDisconnect] = true
	s.relayed[EventError] = true

	// message and data are relayed regardless of listeners, then anything already
	// subscribed to
	s.subscribe(EventMessage)
	s.subscribe(EventData)
	for _, event := range s.emitter.Events() {
		s.subscribe(event)
	}
}

// must be called with the lock held
func (s *SocketTransport) subscribe(event string) {
	if s.socket == nil || s.relayed[event] || event == EventOpen || event == EventClose {
		return
	}
	s.relayed[event] = true

	s.socket.On(event, func(payload interface{}) {
		s.loop.Post(func() {
			if !s.relaying() {
				return
			}

			if event == EventMessage {
				s.observeMessage()
			}
			s.emitter.Emit(event, payload)
		})
	})
}

func (s *SocketTransport) fail(terr *TransportError, onError ErrorFunc) {
	s.lock.Lock()
	s.metrics.ObserveError(socketProtocol)
	s.lock.Unlock()

	s.logger.Debugf("Socket error: %s", terr)
	s.emitter.Emit(EventError, terr)
	if onError != nil {
		onError(terr)
	}
}

func (s *SocketTransport) observeMessage() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.metrics.ObserveMessage(socketProtocol)
}

// relaying reports whether backend events should still reach listeners
func (s *SocketTransport) relaying() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state == Opening || s.state == Open
}

func (s *SocketTransport) current(generation int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state == Open && s.generation == generation
}

func toError(payload interface{}) error {
	switch v := payload.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	case nil:
		return errors.New("unknown socket error")
	default:
		return fmt.Errorf("%v", v)
	}
}
