/*
The Websocket package is the default socket backend for a SocketTransport. It keeps one
gorilla websocket connection and speaks a small JSON envelope protocol on top of it:
every frame names an event, carries its data and, when the sender wants to hear back,
an ack id. Everything that happens to the connection is reported through the handlers
registered with On, always from one of the package's own goroutines.
*/
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"github.com/gatewayclient/transport/connection/transport"
	"github.com/gatewayclient/transport/logger"
	"github.com/gatewayclient/transport/pathutil"
)

const (
	HttpsOnlyWebsocketScheme = "wss"
	HttpWebsocketScheme      = "ws"

	// the event an acknowledgement frame carries
	ackEvent = "ack"

	// how long we wait for the close handshake frame to go out
	closeWriteTimeout = time.Second

	outboundQueueHint = 16
)

// Options tunes how a Socket connects
type Options struct {
	Headers http.Header

	// Per attempt; zero uses gorilla's default
	HandshakeTimeout time.Duration

	// How long Connect keeps retrying failed dials. Zero means a single attempt.
	MaxDialElapsed time.Duration

	// Scheme used for uris that carry none
	DefaultScheme string
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`

	// only set on acknowledgements that reject the message
	Error string `json:"error,omitempty"`
}

type frame struct {
	raw []byte
	ack string
}

// connection is everything that lives and dies with one dialed websocket
type connection struct {
	tmb      tomb.Tomb
	client   *gorilla.Conn
	outbound *queue.Queue
}

type Socket struct {
	logger  *logger.Logger
	url     string
	options Options

	acks *ackTracker

	lock       sync.Mutex
	handlers   map[string][]func(payload interface{})
	conn       *connection
	cancelDial context.CancelFunc
}

func New(logger *logger.Logger, uri string, options Options) (*Socket, error) {
	socketUrl, err := toSocketUrl(uri, options.DefaultScheme)
	if err != nil {
		return nil, err
	}

	return &Socket{
		logger:   logger,
		url:      socketUrl,
		options:  options,
		acks:     newAckTracker(),
		handlers: make(map[string][]func(payload interface{})),
	}, nil
}

// Factory builds a transport.SocketFactory that creates websockets with the given options
func Factory(logger *logger.Logger, options Options) transport.SocketFactory {
	return func(uri string) (transport.Socket, error) {
		return New(logger, uri, options)
	}
}

func (s *Socket) Url() string {
	return s.url
}

func (s *Socket) On(event string, handler func(payload interface{})) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.handlers[event] = append(s.handlers[event], handler)
}

// Connect dials in the background and reports connect, or error followed by disconnect
func (s *Socket) Connect() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn != nil || s.cancelDial != nil {
		s.logger.Infof("Connect was called while the websocket is already connected or connecting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel

	go s.connect(ctx, cancel)
}

func (s *Socket) connect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	client, err := s.dial(ctx)

	s.lock.Lock()
	s.cancelDial = nil
	if err == nil && ctx.Err() != nil {
		// Disconnect raced the final handshake
		client.Close()
		err = ctx.Err()
	}

	if err != nil {
		s.lock.Unlock()

		if ctx.Err() == nil {
			derr := &DialError{Url: s.url, Err: err}
			s.logger.Error(derr)
			s.emit(transport.EventError, derr)
		} else {
			s.logger.Infof("Websocket dial was cancelled")
		}
		s.emit(transport.SocketDisconnect, nil)
		return
	}

	c := &connection{
		client:   client,
		outbound: queue.New(outboundQueueHint),
	}
	s.conn = c
	s.lock.Unlock()

	s.logger.Infof("Websocket connected to %s", s.url)
	s.emit(transport.SocketConnect, nil)

	// a clean exit of the receive loop ends the connection too
	c.tmb.Go(func() error {
		defer c.tmb.Kill(nil)
		return s.receive(c)
	})
	c.tmb.Go(func() error { return s.write(c) })
	go s.watch(c)
}

func (s *Socket) dial(ctx context.Context) (*gorilla.Conn, error) {
	dialer := gorilla.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.options.HandshakeTimeout,
	}

	var client *gorilla.Conn
	operation := func() error {
		conn, _, err := dialer.DialContext(ctx, s.url, s.options.Headers)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("error dialing websocket: %w", err)
		}

		client = conn
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.options.MaxDialElapsed > 0 {
		exponential := backoff.NewExponentialBackOff()
		exponential.MaxElapsedTime = s.options.MaxDialElapsed
		policy = exponential
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		s.logger.Errorf("retrying in %s: %s", next.Round(time.Millisecond), err)
	})
	return client, err
}

// Disconnect closes the connection, or abandons the dial in progress. Either way a
// disconnect event follows.
func (s *Socket) Disconnect() {
	s.lock.Lock()
	c := s.conn
	cancel := s.cancelDial
	s.lock.Unlock()

	switch {
	case c != nil:
		s.logger.Infof("Websocket connection closing")

		message := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		if err := c.client.WriteControl(gorilla.CloseMessage, message, time.Now().Add(closeWriteTimeout)); err != nil {
			s.logger.Debugf("failed to send close frame: %s", err)
		}
		c.tmb.Kill(nil)
	case cancel != nil:
		cancel()
	default:
		s.logger.Infof("Disconnect was called on a websocket that is not connected")
		go s.emit(transport.SocketDisconnect, nil)
	}
}

// Send wraps the message in a message envelope. With a non nil ack the peer is asked
// to acknowledge it.
func (s *Socket) Send(message interface{}, ack transport.Ack) {
	s.lock.Lock()
	c := s.conn
	s.lock.Unlock()

	if c == nil {
		go s.reject(ack, ErrNotConnected)
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		go s.reject(ack, fmt.Errorf("failed to encode websocket message: %w", err))
		return
	}

	env := envelope{
		Event: transport.EventMessage,
		Data:  data,
	}
	if ack != nil {
		env.Ack = s.acks.Track(ack)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		s.acks.Match(env.Ack)
		go s.reject(ack, fmt.Errorf("failed to encode websocket envelope: %w", err))
		return
	}

	if err := c.outbound.Put(&frame{raw: raw, ack: env.Ack}); err != nil {
		s.acks.Match(env.Ack)
		go s.reject(ack, ErrNotConnected)
	}
}

func (s *Socket) receive(c *connection) error {
	defer s.logger.Infof("Websocket connection closed")
	s.logger.Infof("Websocket connection started")

	for {
		// Read incoming message
		if _, rawMessage, err := c.client.ReadMessage(); !c.tmb.Alive() {
			return nil
		} else if err != nil {
			// Check if it's a clean exit
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				s.logger.Info("Websocket connection closed normally")
				return nil
			}

			s.logger.Error(err)
			s.emit(transport.EventError, fmt.Errorf("websocket read failed: %w", err))
			return err
		} else {
			s.handle(rawMessage)
		}
	}
}

func (s *Socket) write(c *connection) error {
	for {
		items, err := c.outbound.Get(1)
		if err != nil {
			return nil
		}

		f := items[0].(*frame)
		if err := c.client.WriteMessage(gorilla.TextMessage, f.raw); err != nil {
			if ack, ok := s.acks.Match(f.ack); ok {
				ack(nil, fmt.Errorf("failed to write websocket message: %w", err))
			}
			return fmt.Errorf("websocket write failed: %w", err)
		}
	}
}

// watch tears the connection down once either goroutine ends and reports the disconnect
func (s *Socket) watch(c *connection) {
	<-c.tmb.Dying()

	c.outbound.Dispose()
	c.client.Close()
	c.tmb.Wait()

	s.lock.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.lock.Unlock()

	for _, ack := range s.acks.Drain() {
		ack(nil, ErrDisconnected)
	}
	s.emit(transport.SocketDisconnect, nil)
}

func (s *Socket) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		// not one of ours, hand it over untouched
		s.emit(transport.EventMessage, string(raw))
		return
	}

	var data interface{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.logger.Errorf("failed to decode %s event data: %s", env.Event, err)
			return
		}
	}

	if env.Event == ackEvent {
		ack, ok := s.acks.Match(env.Ack)
		if !ok {
			s.logger.Debugf("Received acknowledgement %s for an unknown message", env.Ack)
			return
		}

		if env.Error != "" {
			ack(nil, &NackError{Reason: env.Error})
		} else {
			ack(data, nil)
		}
		return
	}

	s.emit(env.Event, data)
}

func (s *Socket) reject(ack transport.Ack, err error) {
	if ack != nil {
		ack(nil, err)
	} else {
		s.emit(transport.EventError, err)
	}
}

func (s *Socket) emit(event string, payload interface{}) {
	s.lock.Lock()
	handlers := append([]func(payload interface{}){}, s.handlers[event]...)
	s.lock.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

// toSocketUrl maps http(s) to ws(s) and gives scheme-less uris the default scheme
func toSocketUrl(uri string, defaultScheme string) (string, error) {
	if defaultScheme == "" {
		defaultScheme = HttpsOnlyWebsocketScheme
	}

	scheme := ""
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme = strings.ToLower(uri[:i])
	}

	switch scheme {
	case "http", HttpWebsocketScheme:
		scheme = HttpWebsocketScheme
	case "https", HttpsOnlyWebsocketScheme:
		scheme = HttpsOnlyWebsocketScheme
	case "":
		scheme = defaultScheme
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", scheme)
	}

	host, path := pathutil.ParseUrl(uri)
	if host == "" {
		return "", fmt.Errorf("websocket uri %q has no host", uri)
	}

	socketUrl := scheme + "://" + host + path
	if _, err := url.Parse(socketUrl); err != nil {
		return "", fmt.Errorf("invalid websocket uri %q: %w", uri, err)
	}
	return socketUrl, nil
}
