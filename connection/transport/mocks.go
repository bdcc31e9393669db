package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockSocket connects, disconnects and echoes every sent message back as a message
// event, each from its own goroutine. Calls are recorded for assertions through the
// embedded mock.
type MockSocket struct {
	mock.Mock

	lock     sync.Mutex
	handlers map[string][]func(payload interface{})

	// when set, every acknowledgement fails with it
	ackErr error

	sent     []interface{}
	connects int
}

func NewMockSocket() *MockSocket {
	m := &MockSocket{
		handlers: make(map[string][]func(payload interface{})),
	}

	m.Mock.On("Connect").Return()
	m.Mock.On("Disconnect").Return()
	m.Mock.On("Send", mock.Anything).Return()
	return m
}

// MockSocketFactory hands out the given socket, or a fresh one when nil
func MockSocketFactory(socket *MockSocket) SocketFactory {
	return func(uri string) (Socket, error) {
		if socket == nil {
			return NewMockSocket(), nil
		}
		return socket, nil
	}
}

func (m *MockSocket) On(event string, handler func(payload interface{})) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.handlers[event] = append(m.handlers[event], handler)
}

func (m *MockSocket) Connect() {
	m.Called()

	m.lock.Lock()
	m.connects++
	m.lock.Unlock()

	go m.Emit(SocketConnect, nil)
}

func (m *MockSocket) Disconnect() {
	m.Called()
	go m.Emit(SocketDisconnect, nil)
}

func (m *MockSocket) Send(message interface{}, ack Ack) {
	m.Called(message)

	m.lock.Lock()
	m.sent = append(m.sent, message)
	m.lock.Unlock()

	go func() {
		m.Emit(EventMessage, message)

		if ack == nil {
			return
		}

		if err := m.ackError(); err != nil {
			ack(nil, err)
		} else {
			ack(message, nil)
		}
	}()
}

// Emit synchronously calls every handler registered for the event, the way the
// socket's own receive loop would
func (m *MockSocket) Emit(event string, payload interface{}) {
	m.lock.Lock()
	handlers := append([]func(payload interface{}){}, m.handlers[event]...)
	m.lock.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

func (m *MockSocket) FailAcks(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.ackErr = err
}

// Sent returns every message passed to Send, oldest first
func (m *MockSocket) Sent() []interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]interface{}{}, m.sent...)
}

func (m *MockSocket) Connects() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.connects
}

func (m *MockSocket) ackError() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.ackErr
}

// MockRequestFactory builds MockRequests that answer with a fixed status and body and
// remembers every request it built, oldest first
type MockRequestFactory struct {
	lock sync.Mutex

	status          int
	responseText    string
	responseHeaders string

	// keep requests pending until Respond is called on them
	hold bool

	requests []*MockRequest
}

func NewMockRequestFactory(status int, responseText string) *MockRequestFactory {
	return &MockRequestFactory{
		status:       status,
		responseText: responseText,
	}
}

func (f *MockRequestFactory) WithResponseHeaders(raw string) *MockRequestFactory {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.responseHeaders = raw
	return f
}

func (f *MockRequestFactory) Hold() *MockRequestFactory {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.hold = true
	return f
}

func (f *MockRequestFactory) New(method string, uri string, header http.Header) (Request, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	request := &MockRequest{
		id:              fmt.Sprint(len(f.requests)),
		method:          method,
		uri:             uri,
		header:          header,
		status:          f.status,
		responseText:    f.responseText,
		responseHeaders: f.responseHeaders,
		hold:            f.hold,
	}
	f.requests = append(f.requests, request)
	return request, nil
}

func (f *MockRequestFactory) Requests() []*MockRequest {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]*MockRequest{}, f.requests...)
}

type MockRequest struct {
	lock sync.Mutex

	id     string
	method string
	uri    string
	header http.Header

	body    []byte
	done    Completion
	aborted bool
	hold    bool

	status          int
	responseText    string
	responseHeaders string
}

func (m *MockRequest) Id() string          { return m.id }
func (m *MockRequest) Method() string      { return m.method }
func (m *MockRequest) Uri() string         { return m.uri }
func (m *MockRequest) Header() http.Header { return m.header }

func (m *MockRequest) ResponseHeaders() string {
	return m.responseHeaders
}

func (m *MockRequest) Body() []byte {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.body
}

func (m *MockRequest) Send(body []byte, done Completion) {
	m.lock.Lock()
	m.body = body
	m.done = done
	hold := m.hold
	m.lock.Unlock()

	if !hold {
		go m.Respond()
	}
}

// Respond completes the request even if it was aborted, like a response that raced
// the abort. The body is the configured response text, or the request body when
// there is none.
func (m *MockRequest) Respond() {
	m.lock.Lock()
	done := m.done
	response := []byte(m.responseText)
	if len(response) == 0 {
		response = m.body
	}
	status := m.status
	m.lock.Unlock()

	if done != nil {
		done(status, response, nil)
	}
}

func (m *MockRequest) Abort() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.aborted = true
}

func (m *MockRequest) Aborted() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.aborted
}
