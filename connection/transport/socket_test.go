package transport

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gatewayclient/transport/logger"
)

var _ = Describe("SocketTransport", func() {
	var transport *SocketTransport
	var socket *MockSocket
	var log *logger.Logger
	var logs *syncBuffer

	testUri := "http://liferay.com"

	BeforeEach(func() {
		log, logs = newTestLogger()
		socket = NewMockSocket()
		transport = NewSocketTransport(log, testUri, MockSocketFactory(socket))
	})

	AfterEach(func() {
		transport.Dispose()
	})

	It("sets the uri from the constructor", func() {
		Expect(transport.Uri()).To(Equal(testUri))
		Expect(transport.Socket()).To(BeNil())
	})

	Context("Opening", func() {
		When("No socket backend is available", func() {
			It("fails synchronously and stays closed", func() {
				transport.SetSocketFactory(nil)

				err := transport.Open()

				var cerr *ConfigurationError
				Expect(errors.As(err, &cerr)).To(BeTrue(), "expected a configuration error but got %v", err)
				Expect(cerr.Reason).To(Equal("underlying socket library not found"))
				Expect(transport.State()).To(Equal(Closed))
			})
		})

		When("The socket cannot be created", func() {
			It("wraps the cause", func() {
				cause := errors.New("dial refused")
				transport.SetSocketFactory(func(string) (Socket, error) { return nil, cause })

				err := transport.Open()

				var cerr *ConfigurationError
				Expect(errors.As(err, &cerr)).To(BeTrue())
				Expect(errors.Is(err, cause)).To(BeTrue())
				Expect(transport.State()).To(Equal(Closed))
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

			It("connects the socket once and warns for every extra call", func() {
				socket.AssertNumberOfCalls(GinkgoT(), "Connect", 1)

				Eventually(opens.Count).Should(Equal(1))
				Consistently(opens.Count, 100*time.Millisecond).Should(Equal(1))
				Expect(logs.Count(redundantOpenWarning)).To(Equal(2))
				Expect(transport.Socket()).To(BeIdenticalTo(socket))
			})
		})

		When("Reopened after a clean close", func() {
			var opens, closes *recorder
			var reopened chan struct{}

			BeforeEach(func() {
				opens = &recorder{}
				closes = &recorder{}
				reopened = make(chan struct{})

				transport.On(EventOpen, opens.Listen)
				transport.On(EventClose, closes.Listen)

				transport.Once(EventOpen, func(interface{}) {
					transport.Once(EventClose, func(interface{}) {
						transport.Once(EventOpen, func(interface{}) { close(reopened) })
						Expect(transport.Open()).To(Succeed())
					})
					transport.Close()
				})
				Expect(transport.Open()).To(Succeed())
			})

			It("reuses the socket and never warns", func() {
				Eventually(reopened).Should(BeClosed())

				Expect(opens.Count()).To(Equal(2))
				Expect(closes.Count()).To(Equal(1))
				Expect(logs.Count(redundantOpenWarning)).To(Equal(0))

				socket.AssertNumberOfCalls(GinkgoT(), "Connect", 2)
				socket.AssertNumberOfCalls(GinkgoT(), "Disconnect", 1)
			})
		})

		When("Opened while it is still closing", func() {
			var stateAfterClose State
			var openErr error
			var sendErr error

			BeforeEach(func() {
				openedOnce(transport)

				// the disconnect confirmation cannot be delivered until this returns
				onLoop(transport, func() {
					transport.Close()
					stateAfterClose = transport.State()
					openErr = transport.Open()
					sendErr = transport.Send("while closing", nil, nil, nil)
				})
			})

			It("opens again once the close completes", func() {
				Expect(stateAfterClose).To(Equal(Closing))
				Expect(openErr).NotTo(HaveOccurred())

				Eventually(socket.Connects).Should(Equal(2))
				Eventually(transport.State).Should(Equal(Open))
				Expect(logs.Count(redundantOpenWarning)).To(Equal(0))
			})

			It("carries sends made while closing into the next connection", func() {
				Expect(sendErr).NotTo(HaveOccurred())
				Expect(socket.Sent()).To(BeEmpty())

				Eventually(transport.State).Should(Equal(Open))
				Eventually(socket.Sent).Should(Equal([]interface{}{"while closing"}))
			})
		})
	})

	Context("Sending", func() {
		When("Sends happen before the socket is open", func() {
			BeforeEach(func() {
				Expect(transport.Send("first", nil, nil, nil)).To(Succeed())
				Expect(transport.Send("second", nil, nil, nil)).To(Succeed())
				socket.AssertNotCalled(GinkgoT(), "Send", "first")

				openedOnce(transport)
			})

			It("replays them in order once open", func() {
				Expect(socket.Sent()).To(Equal([]interface{}{"first", "second"}))
			})
		})

		When("The transport is open", func() {
			var messages *recorder

			BeforeEach(func() {
				messages = &recorder{}
				transport.On(EventMessage, messages.Listen)
				openedOnce(transport)
			})

			It("sends the raw payload", func() {
				Expect(transport.Send("message", nil, nil, nil)).To(Succeed())

				Expect(socket.Sent()).To(Equal([]interface{}{"message"}))
				Eventually(messages.Payloads).Should(Equal([]interface{}{"message"}))
			})

			It("passes the acknowledgement to the success callback", func() {
				successes := &recorder{}
				failures := &recorder{}

				Expect(transport.Send("message", nil, successes.Listen, failures.Fail)).To(Succeed())

				Eventually(successes.Payloads).Should(Equal([]interface{}{"message"}))
				Expect(failures.Count()).To(Equal(0))
			})

			It("reports a failed acknowledgement", func() {
				socket.FailAcks(errors.New("nack"))

				successes := &recorder{}
				failures := &recorder{}
				errorEvents := &recorder{}
				transport.On(EventError, errorEvents.Listen)

				Expect(transport.Send("message", nil, successes.Listen, failures.Fail)).To(Succeed())
				Eventually(failures.Count).Should(Equal(1))

				var terr *TransportError
				Expect(errors.As(failures.Payloads()[0].(error), &terr)).To(BeTrue())
				Expect(terr.Socket).To(BeIdenticalTo(socket))
				Expect(terr.Error()).To(Equal("nack"))
				Expect(errorEvents.Payloads()).To(Equal([]interface{}{terr}))
				Expect(successes.Count()).To(Equal(0))
			})

			DescribeTable("drops acknowledgements that arrive after close",
				func(ackErr error) {
					socket.FailAcks(ackErr)

					successes := &recorder{}
					failures := &recorder{}
					closes := &recorder{}
					transport.On(EventClose, closes.Listen)

					onLoop(transport, func() {
						transport.Send("message", nil, successes.Listen, failures.Fail)
						transport.Close()
					})

					Expect(socket.Sent()).To(Equal([]interface{}{"message"}))
					Eventually(closes.Count).Should(Equal(1))
					Consistently(successes.Count, 200*time.Millisecond).Should(Equal(0))
					Expect(failures.Count()).To(Equal(0))
				},
				Entry("a positive acknowledgement", nil),
				Entry("a negative acknowledgement", errors.New("nack")),
			)
		})

		When("The transport is restful", func() {
			var messages *recorder

			BeforeEach(func() {
				messages = &recorder{}
				transport.SetRestful(true)
				transport.On(EventMessage, messages.Listen)
				openedOnce(transport)
			})

			It("wraps the payload with the default method", func() {
				Expect(transport.Send("message", nil, nil, nil)).To(Succeed())

				frame := RestfulFrame{Method: "POST", Data: "message"}
				Expect(socket.Sent()).To(Equal([]interface{}{frame}))
				Eventually(messages.Payloads).Should(Equal([]interface{}{frame}))
			})

			It("wraps the payload with the requested method", func() {
				Expect(transport.Send("message", &Config{Method: "get"}, nil, nil)).To(Succeed())

				Expect(socket.Sent()).To(Equal([]interface{}{RestfulFrame{Method: "GET", Data: "message"}}))
			})
		})
	})

	Context("Relaying socket events", func() {
		It("relays data", func() {
			data := &recorder{}
			transport.On(EventData, data.Listen)
			openedOnce(transport)

			socket.Emit(EventData, "payload")
			Eventually(data.Payloads).Should(Equal([]interface{}{"payload"}))
		})

		It("relays errors as transport errors", func() {
			errorEvents := &recorder{}
			transport.On(EventError, errorEvents.Listen)
			openedOnce(transport)

			socket.Emit(EventError, "reason")
			Eventually(errorEvents.Count).Should(Equal(1))

			terr, ok := errorEvents.Payloads()[0].(*TransportError)
			Expect(ok).To(BeTrue())
			Expect(terr.Error()).To(Equal("reason"))
			Expect(terr.Socket).To(BeIdenticalTo(socket))
		})

		It("relays custom events to every listener with the same payload", func() {
			first := &recorder{}
			second := &recorder{}
			late := &recorder{}

			transport.On("chat message", first.Listen)
			transport.On("chat message", second.Listen)
			openedOnce(transport)

			// subscribing after the socket exists relays too
			transport.On("chat message", late.Listen)

			payload := &struct{ Text string }{Text: "hi"}
			socket.Emit("chat message", payload)

			Eventually(late.Count).Should(Equal(1))
			Expect(first.Payloads()).To(HaveLen(1))
			Expect(second.Payloads()).To(HaveLen(1))
			Expect(first.Payloads()[0]).To(BeIdenticalTo(payload))
			Expect(second.Payloads()[0]).To(BeIdenticalTo(payload))
			Expect(late.Payloads()[0]).To(BeIdenticalTo(payload))
		})

		It("stops relaying once closed", func() {
			messages := &recorder{}
			transport.On(EventMessage, messages.Listen)
			openedOnce(transport)

			closed := make(chan struct{})
			transport.Once(EventClose, func(interface{}) { close(closed) })
			transport.Close()
			Eventually(closed).Should(BeClosed())

			socket.Emit(EventMessage, "late")
			Consistently(messages.Count, 100*time.Millisecond).Should(Equal(0))
		})
	})

	Context("Closing", func() {
		It("closes when the server drops the connection", func() {
			closes := &recorder{}
			transport.On(EventClose, closes.Listen)
			openedOnce(transport)

			socket.Emit(SocketDisconnect, "transport close")

			Eventually(closes.Count).Should(Equal(1))
			Expect(transport.State()).To(Equal(Closed))
			socket.AssertNotCalled(GinkgoT(), "Disconnect")
		})

		It("publishes close when disposed", func() {
			closes := &recorder{}
			transport.On(EventClose, closes.Listen)
			openedOnce(transport)

			transport.Dispose()

			Eventually(closes.Count).Should(Equal(1))
			Expect(transport.State()).To(Equal(Closed))
			Expect(transport.Open()).To(MatchError(ErrDisposed))
			Expect(transport.Send("message", nil, nil, nil)).To(MatchError(ErrDisposed))
		})
	})
})
