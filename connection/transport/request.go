package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/gatewayclient/transport/logger"
	"github.com/gatewayclient/transport/pathutil"
)

const (
	requestProtocol = "request"

	// parameter name used for GET payloads that are not a mapping
	queryDataParam = "data"
)

var defaultRequestHeaders = map[string]string{
	"X-Requested-With": "XMLHttpRequest",
}

// Completion receives the outcome of a request. err is only set when no response was
// received at all.
type Completion func(status int, body []byte, err error)

// Request is a single request/response exchange. Send must not block and must report
// through done from another goroutine. Abort must take effect before it returns: from
// then on Aborted reports true.
type Request interface {
	Id() string
	Method() string
	Uri() string
	Header() http.Header
	Send(body []byte, done Completion)
	Abort()
	Aborted() bool

	// Raw response headers, one "Name: Value" per CRLF terminated line
	ResponseHeaders() string
}

type RequestFactory func(method string, uri string, header http.Header) (Request, error)

type RequestTransport struct {
	base

	factory RequestFactory

	// every request that has not completed yet, oldest first
	inFlight []Request

	// bumped by every close so failures scheduled before it are dropped
	closes int
}

func NewRequestTransport(logger *logger.Logger, uri string, factory RequestFactory) *RequestTransport {
	r := &RequestTransport{
		factory: factory,
	}
	r.init(logger, uri, r)
	return r
}

func (r *RequestTransport) protocol() string {
	return requestProtocol
}

func (r *RequestTransport) SetRequestFactory(factory RequestFactory) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.factory = factory
}

// InFlight reports how many requests are awaiting a response
func (r *RequestTransport) InFlight() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.inFlight)
}

func (r *RequestTransport) performOpen() error {
	if r.factory == nil {
		return &ConfigurationError{Reason: "underlying request library not found"}
	}

	// there is no connection to make, confirm on the next turn of the loop
	r.loop.Post(r.opened)
	return nil
}

// performClose aborts every in flight request before returning
func (r *RequestTransport) performClose() bool {
	if len(r.inFlight) > 0 {
		r.logger.Infof("Aborting %d in flight requests", len(r.inFlight))
	}

	for _, request := range r.inFlight {
		request.Abort()
	}

	r.inFlight = nil
	r.closes++
	r.metrics.SetInFlight(requestProtocol, 0)
	return true
}

func (r *RequestTransport) performSend(send *PendingSend) {
	method := send.Config.method()
	header := send.Config.mergeHeaders(defaultRequestHeaders)

	uri := r.uri
	var body []byte
	var err error

	if method == http.MethodGet {
		uri = withQuery(uri, send.Payload)
	} else if body, err = encodeBody(send.Payload, header); err != nil {
		r.failLater(send, &TransportError{Err: fmt.Errorf("failed to encode %s request body: %w", method, err)})
		return
	}

	if r.factory == nil {
		r.failLater(send, &TransportError{Err: &ConfigurationError{Reason: "underlying request library not found"}})
		return
	}

	request, err := r.factory(method, uri, header)
	if err != nil {
		r.failLater(send, &TransportError{Err: fmt.Errorf("failed to build %s request: %w", method, err)})
		return
	}

	r.inFlight = append(r.inFlight, request)
	r.metrics.SetInFlight(requestProtocol, len(r.inFlight))
	r.logger.Debugf("Sending %s request %s to %s", method, request.Id(), uri)

	request.Send(body, func(status int, responseBody []byte, err error) {
		r.loop.Post(func() {
			r.complete(request, send, status, responseBody, err)
		})
	})
}

// complete is run on the dispatch loop
func (r *RequestTransport) complete(request Request, send *PendingSend, status int, body []byte, err error) {
	r.lock.Lock()
	tracked := r.untrack(request)
	r.lock.Unlock()

	if !tracked || request.Aborted() {
		r.logger.Debugf("Dropping response to aborted request %s", request.Id())
		return
	}

	if err != nil {
		r.fail(send, &TransportError{
			Err:     fmt.Errorf("%s request failed: %w", request.Method(), err),
			Request: request,
		})
		return
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		r.fail(send, &TransportError{
			Err: &HttpStatusError{
				Method:     request.Method(),
				StatusCode: status,
				Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
				Headers:    pathutil.ParseResponseHeaders(request.ResponseHeaders()),
			},
			Request: request,
		})
		return
	}

	response, err := decodeResponse(body, send.Config.responseType())
	if err != nil {
		r.fail(send, &TransportError{
			Err:     fmt.Errorf("failed to decode %s response: %w", request.Method(), err),
			Request: request,
		})
		return
	}

	r.lock.Lock()
	r.metrics.ObserveMessage(requestProtocol)
	r.lock.Unlock()

	r.emitter.Emit(EventMessage, response)
	if send.OnSuccess != nil {
		send.OnSuccess(response)
	}
}

// must be called with the lock held
func (r *RequestTransport) untrack(request Request) bool {
	for i, tracked := range r.inFlight {
		if tracked == request {
			r.inFlight = append(r.inFlight[:i], r.inFlight[i+1:]...)
			r.metrics.SetInFlight(requestProtocol, len(r.inFlight))
			return true
		}
	}
	return false
}

// failLater reports a failure that happened before a request existed
func (r *RequestTransport) failLater(send *PendingSend, terr *TransportError) {
	closes := r.closes
	r.loop.Post(func() {
		r.lock.Lock()
		cancelled := r.closes != closes
		r.lock.Unlock()

		if !cancelled {
			r.fail(send, terr)
		}
	})
}

func (r *RequestTransport) fail(send *PendingSend, terr *TransportError) {
	r.lock.Lock()
	r.metrics.ObserveError(requestProtocol)
	r.lock.Unlock()

	r.logger.Debugf("Request error: %s", terr)
	r.emitter.Emit(EventError, terr)
	if send.OnError != nil {
		send.OnError(terr)
	}
}

// withQuery serializes a GET payload into the uri's query string
func withQuery(uri string, payload interface{}) string {
	params := queryParams(payload)
	if len(params) == 0 {
		return uri
	}

	separator := "?"
	if strings.Contains(uri, "?") {
		separator = "&"
	}
	return uri + separator + strings.Join(params, "&")
}

func queryParams(payload interface{}) []string {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]string:
		params := make([]string, 0, len(v))
		for _, key := range sortedKeys(v) {
			params = append(params, queryParam(key, v[key]))
		}
		return params
	case map[string]interface{}:
		params := make([]string, 0, len(v))
		for _, key := range sortedKeys(v) {
			params = append(params, queryParam(key, fmt.Sprint(v[key])))
		}
		return params
	case url.Values:
		params := []string{}
		for _, key := range sortedKeys(map[string][]string(v)) {
			for _, value := range v[key] {
				params = append(params, queryParam(key, value))
			}
		}
		return params
	case []byte:
		return []string{queryParam(queryDataParam, string(v))}
	}

	value := reflect.ValueOf(payload)
	for value.Kind() == reflect.Pointer && !value.IsNil() {
		value = value.Elem()
	}

	switch {
	case value.Kind() == reflect.Map && value.Type().Key().Kind() == reflect.String:
		return mapParams(value)
	case value.Kind() == reflect.Struct:
		if fields, ok := structFields(value.Interface()); ok {
			return queryParams(fields)
		}
	}
	return []string{queryParam(queryDataParam, fmt.Sprint(payload))}
}

// mapParams emits one parameter per key of any map keyed by a string kind
func mapParams(m reflect.Value) []string {
	keys := make([]string, 0, m.Len())
	values := make(map[string]string, m.Len())
	iter := m.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		keys = append(keys, key)
		values[key] = fmt.Sprint(iter.Value().Interface())
	}
	sort.Strings(keys)

	params := make([]string, 0, len(keys))
	for _, key := range keys {
		params = append(params, queryParam(key, values[key]))
	}
	return params
}

// structFields flattens a struct into its json field names
func structFields(payload interface{}) (map[string]interface{}, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func queryParam(key string, value string) string {
	return encodeComponent(key) + "=" + encodeComponent(value)
}

// encodeComponent percent encodes like a uri component, so spaces become %20
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func encodeBody(payload interface{}, header http.Header) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	if isJSONContentType(header) {
		return json.Marshal(payload)
	}

	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case url.Values:
		return []byte(v.Encode()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func decodeResponse(body []byte, responseType ResponseType) (interface{}, error) {
	if responseType != ResponseJSON {
		return string(body), nil
	}

	if len(body) == 0 {
		return nil, nil
	}

	var response interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	return response, nil
}
