/*
Package gateway builds a ready to use transport from a client configuration. It picks
the transport variant, wires its default backend, telemetry and restful flag, and adds
blocking helpers for callers that want to wait on the event driven transport.
*/
package gateway

import (
	"context"
	"fmt"

	"github.com/gatewayclient/transport/config"
	"github.com/gatewayclient/transport/connection/transport"
	"github.com/gatewayclient/transport/connection/transport/httprequest"
	"github.com/gatewayclient/transport/connection/transport/websocket"
	"github.com/gatewayclient/transport/events"
	"github.com/gatewayclient/transport/logger"
	"github.com/gatewayclient/transport/pathutil"
	"github.com/gatewayclient/transport/telemetry"
)

type Client struct {
	transport.Transport

	logger *logger.Logger

	// used for sends that come without their own config
	defaults transport.Config
}

func New(cfg *config.Config, log *logger.Logger, metrics *telemetry.Metrics) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	uri := Uri(cfg)
	log = log.GetComponentLogger("Gateway")

	var t transport.Transport
	switch cfg.Protocol {
	case config.ProtocolSocket:
		socket := transport.NewSocketTransport(log, uri, websocket.Factory(log, websocket.Options{
			HandshakeTimeout: cfg.Socket.HandshakeTimeout,
			MaxDialElapsed:   cfg.Socket.MaxDialElapsed,
		}))
		socket.SetMetrics(metrics)
		t = socket
	case config.ProtocolRequest:
		request := transport.NewRequestTransport(log, uri, httprequest.Factory(log, httprequest.Options{
			Timeout: cfg.Request.Timeout,
		}))
		request.SetMetrics(metrics)
		t = request
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}

	t.SetRestful(cfg.Restful)
	log.Infof("Created %s transport for %s", cfg.Protocol, uri)

	return &Client{
		Transport: t,
		logger:    log,
		defaults:  cfg.Send,
	}, nil
}

// Uri joins the configured endpoint onto the configured uri
func Uri(cfg *config.Config) string {
	if cfg.Endpoint == "" {
		return cfg.Uri
	}
	return pathutil.JoinPaths(cfg.Uri, cfg.Endpoint)
}

// Send falls back to the configured send defaults when config is nil
func (c *Client) Send(payload interface{}, config *transport.Config, onSuccess transport.SuccessFunc, onError transport.ErrorFunc) error {
	if config == nil {
		defaults := c.defaults
		config = &defaults
	}
	return c.Transport.Send(payload, config, onSuccess, onError)
}

// OpenAndWait opens the transport and blocks until it is open, it closed again or ctx
// is done. When the connection could not be made the error reported last is returned.
// The listeners it registers are removed before it returns.
func (c *Client) OpenAndWait(ctx context.Context) error {
	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	failures := make(chan error, 1)

	unsubscribes := []events.Unsubscribe{
		c.Once(transport.EventOpen, func(interface{}) { opened <- struct{}{} }),
		c.Once(transport.EventClose, func(interface{}) { closed <- struct{}{} }),
		c.On(transport.EventError, func(payload interface{}) {
			if err, ok := payload.(error); ok {
				// keep the latest failure
				select {
				case <-failures:
				default:
				}
				failures <- err
			}
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	if err := c.Open(); err != nil {
		return err
	}

	select {
	case <-opened:
		return nil
	case <-closed:
		select {
		case err := <-failures:
			return fmt.Errorf("transport closed before it opened: %w", err)
		default:
			return fmt.Errorf("transport closed before it opened")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends the payload and blocks until its callback fires or ctx is done
func (c *Client) Call(ctx context.Context, payload interface{}, config *transport.Config) (interface{}, error) {
	type result struct {
		response interface{}
		err      error
	}
	done := make(chan result, 1)

	err := c.Send(payload, config, func(response interface{}) {
		done <- result{response: response}
	}, func(err error) {
		done <- result{err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseAndWait closes the transport and blocks until the close event was delivered
func (c *Client) CloseAndWait(ctx context.Context) error {
	if c.State() == transport.Closed {
		return nil
	}

	closed := make(chan struct{}, 1)
	unsubscribe := c.Once(transport.EventClose, func(interface{}) { closed <- struct{}{} })
	defer unsubscribe()
	c.Close()

	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
