/*
The httprequest package is the default request backend for a RequestTransport. Each
Request is one net/http exchange run on its own goroutine; Abort cancels it through
its context before returning.
*/
package httprequest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewayclient/transport/connection/transport"
	"github.com/gatewayclient/transport/logger"
)

const (
	httpTimeout = time.Second * 30
)

type Options struct {
	// Zero means 30 seconds
	Timeout time.Duration

	// Used instead of a fresh client when set, its timeout is left alone
	Client *http.Client
}

type Request struct {
	logger *logger.Logger
	client *http.Client

	id     string
	method string
	uri    string
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc

	lock            sync.Mutex
	sent            bool
	aborted         bool
	responseHeaders string
}

func New(logger *logger.Logger, options Options, method string, uri string, header http.Header) (*Request, error) {
	if _, err := url.ParseRequestURI(uri); err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", uri, err)
	}

	client := options.Client
	if client == nil {
		timeout := options.Timeout
		if timeout == 0 {
			timeout = httpTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	if header == nil {
		header = http.Header{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	return &Request{
		logger: logger.GetComponentLogger("HttpRequest"),
		client: client,
		id:     id,
		method: method,
		uri:    uri,
		header: header,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Factory builds a transport.RequestFactory that creates net/http requests
func Factory(logger *logger.Logger, options Options) transport.RequestFactory {
	return func(method string, uri string, header http.Header) (transport.Request, error) {
		return New(logger, options, method, uri, header)
	}
}

func (r *Request) Id() string          { return r.id }
func (r *Request) Method() string      { return r.method }
func (r *Request) Uri() string         { return r.uri }
func (r *Request) Header() http.Header { return r.header }

func (r *Request) ResponseHeaders() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.responseHeaders
}

// Send runs the exchange in the background. A request can only be sent once.
func (r *Request) Send(body []byte, done transport.Completion) {
	r.lock.Lock()
	if r.sent {
		r.lock.Unlock()
		go done(0, nil, fmt.Errorf("request %s was already sent", r.id))
		return
	}
	r.sent = true
	r.lock.Unlock()

	go func() {
		status, response, err := r.execute(body)
		done(status, response, err)
	}()
}

func (r *Request) execute(body []byte) (int, []byte, error) {
	defer r.cancel()

	// Build our Request
	request, err := http.NewRequestWithContext(r.ctx, r.method, r.uri, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build %s request: %w", r.method, err)
	}
	request.Header = r.header.Clone()

	// Make our Request
	response, err := r.client.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", r.method, err)
	}
	defer response.Body.Close()

	r.lock.Lock()
	r.responseHeaders = renderHeaders(response.Header)
	r.lock.Unlock()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("failed to read %s response body: %w", r.method, err)
	}

	r.logger.Tracef("Request %s: %s %s answered with %s", r.id, r.method, r.uri, response.Status)
	return response.StatusCode, data, nil
}

// Abort cancels the exchange; from the moment it returns Aborted reports true
func (r *Request) Abort() {
	r.lock.Lock()
	r.aborted = true
	r.lock.Unlock()

	r.cancel()
}

func (r *Request) Aborted() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.aborted
}

// renderHeaders writes headers back into the raw CRLF separated form they came in
func renderHeaders(header http.Header) string {
	var raw strings.Builder
	if err := header.Write(&raw); err != nil {
		return ""
	}
	return raw.String()
}
