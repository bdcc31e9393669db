package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gatewayclient/transport/logger"
	"github.com/gatewayclient/transport/pathutil"
)

type queryKey string

type searchQuery struct {
	Key  string `json:"key"`
	Page int    `json:"page,omitempty"`
}

var _ = Describe("RequestTransport", func() {
	var transport *RequestTransport
	var factory *MockRequestFactory
	var log *logger.Logger
	var logs *syncBuffer

	testUri := "http://liferay.com"

	BeforeEach(func() {
		log, logs = newTestLogger()
		factory = NewMockRequestFactory(http.StatusOK, "")
		transport = NewRequestTransport(log, testUri, factory.New)
	})

	AfterEach(func() {
		transport.Dispose()
	})

	It("sets the uri from the constructor", func() {
		Expect(transport.Uri()).To(Equal(testUri))
	})

	Context("Opening", func() {
		When("Opened once", func() {
			var opens *recorder
			var countDuringOpen int

			BeforeEach(func() {
				var lock sync.Mutex
				opens = &recorder{}

				transport.On(EventOpen, func(payload interface{}) {
					lock.Lock()
					defer lock.Unlock()
					opens.Listen(payload)
				})

				lock.Lock()
				Expect(transport.Open()).To(Succeed())
				countDuringOpen = opens.Count()
				lock.Unlock()
			})

			It("publishes open after returning", func() {
				Expect(countDuringOpen).To(Equal(0))
				Eventually(opens.Count).Should(Equal(1))
				Expect(transport.State()).To(Equal(Open))
			})
		})

		When("Opened several times before it is open", func() {
			var opens *recorder

			BeforeEach(func() {
				opens = &recorder{}
				transport.On(EventOpen, opens.Listen)

				Expect(transport.Open()).To(Succeed())
				Expect(transport.Open()).To(Succeed())
				Expect(transport.Open()).To(Succeed())
			})

			It("opens once and warns for every extra call", func() {
				Eventually(opens.Count).Should(Equal(1))
				Consistently(opens.Count, 100*time.Millisecond).Should(Equal(1))
				Expect(logs.Count(redundantOpenWarning)).To(Equal(2))
			})
		})

		When("Reopened after a clean close", func() {
			var opens, closes *recorder
			var closesRightAfterClose int
			reopened := make(chan struct{})

			BeforeEach(func() {
				opens = &recorder{}
				closes = &recorder{}
				reopened = make(chan struct{})

				// closing a closed transport does nothing
				transport.Close()

				transport.On(EventOpen, opens.Listen)
				transport.On(EventClose, closes.Listen)

				transport.Once(EventOpen, func(interface{}) {
					transport.Close()
					closesRightAfterClose = closes.Count()

					transport.Once(EventClose, func(interface{}) {
						transport.Once(EventOpen, func(interface{}) { close(reopened) })
						Expect(transport.Open()).To(Succeed())
					})
				})
				Expect(transport.Open()).To(Succeed())
			})

			It("opens twice, closes once and never warns", func() {
				Eventually(reopened).Should(BeClosed())

				Expect(closesRightAfterClose).To(Equal(0), "close should be published asynchronously")
				Expect(opens.Count()).To(Equal(2))
				Expect(closes.Count()).To(Equal(1))
				Expect(logs.Count(redundantOpenWarning)).To(Equal(0))
			})
		})

		When("No request backend is available", func() {
			var err error

			BeforeEach(func() {
				transport.SetRequestFactory(nil)
				err = transport.Open()
			})

			It("fails synchronously and stays closed", func() {
				var cerr *ConfigurationError
				Expect(errors.As(err, &cerr)).To(BeTrue(), "expected a configuration error but got %v", err)
				Expect(transport.State()).To(Equal(Closed))
			})
		})
	})

	Context("Queueing", func() {
		When("Sends happen before the transport is open", func() {
			var messages *recorder

			BeforeEach(func() {
				messages = &recorder{}
				transport.On(EventMessage, messages.Listen)

				Expect(transport.Send("first", nil, nil, nil)).To(Succeed())
				Expect(transport.Send("second", nil, nil, nil)).To(Succeed())
				Expect(factory.Requests()).To(BeEmpty())

				Expect(transport.Open()).To(Succeed())
			})

			It("flushes them in the order they were issued", func() {
				Eventually(messages.Count).Should(Equal(2))

				requests := factory.Requests()
				Expect(requests).To(HaveLen(2))
				Expect(string(requests[0].Body())).To(Equal("first"))
				Expect(string(requests[1].Body())).To(Equal("second"))
			})
		})

		When("Sends happen while the transport is open", func() {
			var inFlightAfterSends, inFlightAfterClose int
			var callbacks *recorder

			BeforeEach(func() {
				factory.Hold()
				callbacks = &recorder{}
				openedOnce(transport)

				onLoop(transport, func() {
					transport.Send(nil, nil, callbacks.Listen, callbacks.Fail)
					transport.Send(nil, nil, callbacks.Listen, callbacks.Fail)
					inFlightAfterSends = transport.InFlight()

					transport.Close()
					inFlightAfterClose = transport.InFlight()
				})

				// responses that race the abort
				for _, request := range factory.Requests() {
					request.Respond()
				}
			})

			It("tracks them until the transport closes", func() {
				Expect(inFlightAfterSends).To(Equal(2))
				Expect(inFlightAfterClose).To(Equal(0))
			})

			It("never runs their callbacks after the close", func() {
				Consistently(callbacks.Count, 200*time.Millisecond).Should(Equal(0))
			})
		})
	})

	Context("Building requests", func() {
		BeforeEach(func() {
			openedOnce(transport)
		})

		It("uses POST by default", func() {
			Expect(transport.Send("message", nil, nil, nil)).To(Succeed())

			requests := factory.Requests()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Method()).To(Equal(http.MethodPost))
		})

		It("uses the requested method", func() {
			Expect(transport.Send("message", &Config{Method: "GET"}, nil, nil)).To(Succeed())
			Expect(factory.Requests()[0].Method()).To(Equal(http.MethodGet))
		})

		It("sends the default headers", func() {
			Expect(transport.Send("message", nil, nil, nil)).To(Succeed())
			Expect(factory.Requests()[0].Header().Get("X-Requested-With")).To(Equal("XMLHttpRequest"))
		})

		It("merges the requested headers over the defaults", func() {
			Expect(transport.Send("message", &Config{
				Headers: map[string]string{
					"header1":          "header1Value",
					"X-Requested-With": "gatewayctl",
				},
			}, nil, nil)).To(Succeed())

			header := factory.Requests()[0].Header()
			Expect(header.Get("header1")).To(Equal("header1Value"))
			Expect(header.Get("X-Requested-With")).To(Equal("gatewayctl"))
		})

		It("encodes the body as json for a json content type", func() {
			messages := &recorder{}
			transport.On(EventMessage, messages.Listen)

			Expect(transport.Send(map[string]int{"a": 1, "b": 2}, &Config{
				Headers: map[string]string{"Content-Type": "application/json"},
			}, nil, nil)).To(Succeed())

			Eventually(messages.Payloads).Should(Equal([]interface{}{`{"a":1,"b":2}`}))
		})

		It("puts a scalar GET payload in the query string", func() {
			messages := &recorder{}
			transport.On(EventMessage, messages.Listen)

			Expect(transport.Send("message part", &Config{Method: "GET"}, nil, nil)).To(Succeed())

			requests := factory.Requests()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Method()).To(Equal(http.MethodGet))
			Expect(requests[0].Uri()).To(Equal("http://liferay.com?data=message%20part"))
			Expect(requests[0].Body()).To(BeEmpty())
			Eventually(messages.Count).Should(Equal(1))
		})

		It("puts every field of a mapping GET payload in the query string", func() {
			Expect(transport.Send(map[string]interface{}{"key": "message part"}, &Config{Method: "get"}, nil, nil)).To(Succeed())

			request := factory.Requests()[0]
			Expect(request.Method()).To(Equal(http.MethodGet))
			Expect(request.Uri()).To(Equal("http://liferay.com?key=message%20part"))
		})

		DescribeTable("puts every field of any mapping GET payload in the query string",
			func(payload interface{}, expectedUri string) {
				Expect(transport.Send(payload, &Config{Method: "GET"}, nil, nil)).To(Succeed())
				Expect(factory.Requests()[0].Uri()).To(Equal(expectedUri))
			},
			Entry("map of ints", map[string]int{"page": 1, "size": 20}, "http://liferay.com?page=1&size=20"),
			Entry("map of bools", map[string]bool{"active": true}, "http://liferay.com?active=true"),
			Entry("map with a named key type", map[queryKey]string{"key": "message part"}, "http://liferay.com?key=message%20part"),
			Entry("tagged struct", searchQuery{Key: "a b", Page: 2}, "http://liferay.com?key=a%20b&page=2"),
			Entry("pointer to a tagged struct", &searchQuery{Key: "a b"}, "http://liferay.com?key=a%20b"),
			Entry("number", 42, "http://liferay.com?data=42"),
		)

		It("reports a missing request backend through the error callback", func() {
			failures := &recorder{}
			transport.SetRequestFactory(nil)

			Expect(transport.Send("message", nil, nil, failures.Fail)).To(Succeed())

			Eventually(failures.Count).Should(Equal(1))
			var configErr *ConfigurationError
			Expect(errors.As(failures.Payloads()[0].(error), &configErr)).To(BeTrue())
			Expect(transport.InFlight()).To(Equal(0))
		})
	})

	Context("Responses", func() {
		When("The request succeeds", func() {
			BeforeEach(func() {
				factory = NewMockRequestFactory(http.StatusOK, "data")
				transport.SetRequestFactory(factory.New)
				openedOnce(transport)
			})

			It("delivers the body as a message and to the success callback", func() {
				messages := &recorder{}
				successes := &recorder{}
				transport.On(EventMessage, messages.Listen)

				Expect(transport.Send("message", nil, successes.Listen, nil)).To(Succeed())

				Eventually(successes.Payloads).Should(Equal([]interface{}{"data"}))
				Expect(messages.Payloads()).To(Equal([]interface{}{"data"}))
			})
		})

		When("A json response is requested", func() {
			BeforeEach(func() {
				factory = NewMockRequestFactory(http.StatusOK, `{"a":1,"b":2}`)
				transport.SetRequestFactory(factory.New)
				openedOnce(transport)
			})

			It("parses the body", func() {
				successes := &recorder{}
				Expect(transport.Send("message", &Config{ResponseType: ResponseJSON}, successes.Listen, nil)).To(Succeed())

				Eventually(successes.Count).Should(Equal(1))
				Expect(successes.Payloads()[0]).To(Equal(map[string]interface{}{"a": 1.0, "b": 2.0}))
			})

			It("fails when the body is not json", func() {
				factory = NewMockRequestFactory(http.StatusOK, "not json")
				transport.SetRequestFactory(factory.New)

				failures := &recorder{}
				Expect(transport.Send("message", &Config{ResponseType: ResponseJSON}, nil, failures.Fail)).To(Succeed())
				Eventually(failures.Count).Should(Equal(1))
			})
		})

		DescribeTable("fails for any status outside of 2xx",
			func(status int) {
				factory = NewMockRequestFactory(status, "").WithResponseHeaders("Retry-After: 10\r\nVia: gateway")
				transport.SetRequestFactory(factory.New)
				openedOnce(transport)

				messages := &recorder{}
				successes := &recorder{}
				failures := &recorder{}
				errorEvents := &recorder{}
				transport.On(EventMessage, messages.Listen)
				transport.On(EventError, errorEvents.Listen)

				Expect(transport.Send(map[string]string{}, nil, successes.Listen, failures.Fail)).To(Succeed())
				Eventually(failures.Count).Should(Equal(1))

				var terr *TransportError
				Expect(errors.As(failures.Payloads()[0].(error), &terr)).To(BeTrue())
				Expect(terr.Request).To(BeIdenticalTo(factory.Requests()[0]))

				var serr *HttpStatusError
				Expect(errors.As(terr, &serr)).To(BeTrue())
				Expect(serr.StatusCode).To(Equal(status))
				Expect(serr.Headers).To(Equal([]pathutil.Header{
					{Name: "Retry-After", Value: "10"},
					{Name: "Via", Value: "gateway"},
				}))

				Expect(errorEvents.Payloads()).To(Equal([]interface{}{terr}))
				Consistently(successes.Count, 100*time.Millisecond).Should(Equal(0))
				Expect(messages.Count()).To(Equal(0))
			},
			Entry("not found", http.StatusNotFound),
			Entry("not modified", http.StatusNotModified),
			Entry("server error", http.StatusInternalServerError),
		)
	})

	Context("Cancellation", func() {
		BeforeEach(func() {
			factory.Hold()
			openedOnce(transport)
			Expect(transport.Send(nil, nil, nil, nil)).To(Succeed())
			Expect(factory.Requests()[0].Aborted()).To(BeFalse())
		})

		It("aborts requests synchronously on close", func() {
			transport.Close()
			Expect(factory.Requests()[0].Aborted()).To(BeTrue())
		})

		It("aborts requests synchronously on dispose", func() {
			transport.Dispose()
			Expect(factory.Requests()[0].Aborted()).To(BeTrue())
		})
	})

	Context("Disposal", func() {
		var closes *recorder

		BeforeEach(func() {
			closes = &recorder{}
			openedOnce(transport)
			transport.On(EventClose, closes.Listen)
			transport.Dispose()
		})

		It("still publishes the close", func() {
			Eventually(closes.Count).Should(Equal(1))
		})

		It("refuses to be used again", func() {
			Expect(transport.Open()).To(MatchError(ErrDisposed))
			Expect(transport.Send("message", nil, nil, nil)).To(MatchError(ErrDisposed))
		})
	})

	It("ignores the restful flag", func() {
		transport.SetRestful(true)
		openedOnce(transport)
		Expect(transport.Send("message", nil, nil, nil)).To(Succeed())
		Eventually(func() []byte { return factory.Requests()[0].Body() }).Should(Equal([]byte("message")))
	})
})
