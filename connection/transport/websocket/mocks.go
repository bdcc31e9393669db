package websocket

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	gorilla "github.com/gorilla/websocket"

	"github.com/gatewayclient/transport/logger"
)

// MockWebsocketServer echoes every message envelope back to the sender and
// acknowledges it when asked to. Set Nack to reject acknowledgements instead.
type MockWebsocketServer struct {
	logger   *logger.Logger
	listener net.Listener

	Addr          string
	ReceivedBytes chan []byte

	lock  sync.Mutex
	conns []*gorilla.Conn
	nack  string
}

// Adapted from: https://golangdocs.com/golang-gorilla-websockets
func NewMockWebsocketServer(logger *logger.Logger) *MockWebsocketServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener")
	}

	mockServer := &MockWebsocketServer{
		logger:        logger,
		listener:      listener,
		Addr:          fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port),
		ReceivedBytes: make(chan []byte, 16),
	}

	go func() {
		http.Serve(mockServer.listener, mockServer)
	}()

	return mockServer
}

func (m *MockWebsocketServer) Shutdown() {
	m.listener.Close()
	m.DropConnections()
}

// DropConnections closes every accepted connection without a close handshake
func (m *MockWebsocketServer) DropConnections() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

// Push writes a raw frame to every accepted connection
func (m *MockWebsocketServer) Push(raw []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, conn := range m.conns {
		if err := conn.WriteMessage(gorilla.TextMessage, raw); err != nil {
			m.logger.Errorf("Error during message writing: %s", err)
		}
	}
}

func (m *MockWebsocketServer) Nack(reason string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.nack = reason
}

func (m *MockWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := gorilla.Upgrader{}

	// Upgrade our raw HTTP connection to a websocket based one
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}
	defer conn.Close()

	m.lock.Lock()
	m.conns = append(m.conns, conn)
	m.lock.Unlock()

	// The event loop
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("Error during message reading: %s", err)
			break
		}

		select {
		case m.ReceivedBytes <- message:
		default:
			m.logger.Debugf("Dropping received frame, nobody is reading them")
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			m.logger.Errorf("Received a frame that is not an envelope: %s", err)
			continue
		}

		m.lock.Lock()
		replies := []envelope{env}
		if env.Ack != "" {
			replies = append(replies, envelope{Event: ackEvent, Ack: env.Ack, Data: env.Data, Error: m.nack})
		}

		for _, reply := range replies {
			reply.Ack = replyAck(reply)
			raw, _ := json.Marshal(reply)
			if err := conn.WriteMessage(gorilla.TextMessage, raw); err != nil {
				m.logger.Errorf("Error during message writing: %s", err)
			}
		}
		m.lock.Unlock()
	}
}

// echoed messages must not ask the client for an acknowledgement
func replyAck(reply envelope) string {
	if reply.Event == ackEvent {
		return reply.Ack
	}
	return ""
}
