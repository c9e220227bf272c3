package ncoap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// linkedEndpoints wires two Endpoints over a pair of connected
// pipeTransports and starts both, returning (client, server, serverAddr,
// cleanup).
func linkedEndpoints(t *testing.T, cfg EndpointConfig, register func(*Endpoint)) (*Endpoint, *Endpoint, net.Addr, func()) {
	t.Helper()
	clientAddr := pipeAddr("client")
	serverAddr := pipeAddr("server")

	clientT := NewPipeTransport(clientAddr)
	serverT := NewPipeTransport(serverAddr)
	clientT.Connect(serverT)

	client := NewEndpoint(clientT, cfg, nil)
	server := NewEndpoint(serverT, cfg, nil)
	if register != nil {
		register(server)
	}

	client.Start()
	server.Start()
	go client.Serve()
	go server.Serve()

	cleanup := func() {
		_ = client.Shutdown()
		_ = server.Shutdown()
	}
	return client, server, serverAddr, cleanup
}

// TestDispatcherPiggybackedResponse verifies that a handler answering
// within SEPARATE_RESPONSE_THRESHOLD gets its response piggybacked on
// the ACK, so the client sees exactly one reply carrying the final
// response code.
func TestDispatcherPiggybackedResponse(t *testing.T) {
	cfg := fastTestConfig()
	client, _, serverAddr, cleanup := linkedEndpoints(t, cfg, func(ep *Endpoint) {
		ep.RegisterService("temp", FuncHandler(func(_ net.Addr, req *Request) *Response {
			resp, _ := NewResponse(Acknowledgement, Content, req.MessageID)
			resp.Payload = []byte("21.5")
			return resp
		}))
	})
	defer cleanup()

	req, err := NewRequest(Confirmable, GET, 1)
	require.NoError(t, err)
	req.SetPathString("temp")

	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCtx()
	resp, err := client.SendRequest(ctx, serverAddr, req)
	require.NoError(t, err)
	require.Equal(t, Content, resp.Code)
	require.Equal(t, []byte("21.5"), resp.Payload)
}

// TestDispatcherSeparateResponse verifies that a handler slower than
// SEPARATE_RESPONSE_THRESHOLD gets an empty ACK first, followed by its
// response as its own reliable CON carrying the same token.
func TestDispatcherSeparateResponse(t *testing.T) {
	cfg := fastTestConfig()
	cfg.SeparateResponseThreshold = 20 * time.Millisecond
	client, _, serverAddr, cleanup := linkedEndpoints(t, cfg, func(ep *Endpoint) {
		ep.RegisterService("slow", FuncHandler(func(_ net.Addr, req *Request) *Response {
			time.Sleep(80 * time.Millisecond)
			resp, _ := NewResponse(Confirmable, Content, req.MessageID)
			resp.Payload = []byte("done")
			return resp
		}))
	})
	defer cleanup()

	req, err := NewRequest(Confirmable, GET, 2)
	require.NoError(t, err)
	req.SetPathString("slow")

	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCtx()
	resp, err := client.SendRequest(ctx, serverAddr, req)
	require.NoError(t, err)
	require.Equal(t, Content, resp.Code)
	require.Equal(t, []byte("done"), resp.Payload)
}

// TestDispatcherDuplicateCONInvokesHandlerOnce verifies that a
// retransmitted CON request (same remote, message_id) reaches the
// handler at most once, with the cached reply resent verbatim for every
// duplicate.
func TestDispatcherDuplicateCONInvokesHandlerOnce(t *testing.T) {
	cfg := fastTestConfig()
	transport := &recordingTransport{}
	d := NewDispatcher(transport, cfg, nil)

	var invocations int
	invoked := make(chan struct{}, 4)
	d.RegisterService("count", FuncHandler(func(_ net.Addr, req *Request) *Response {
		invocations++
		invoked <- struct{}{}
		resp, _ := NewResponse(Acknowledgement, Content, req.MessageID)
		return resp
	}))

	req, err := NewRequest(Confirmable, GET, 50)
	require.NoError(t, err)
	req.Token = []byte{0x09}
	req.SetPathString("count")
	raw, err := req.MarshalBinary()
	require.NoError(t, err)

	remote := pipeAddr("cli:dup")
	d.route(raw, remote)

	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked for the first delivery")
	}
	// Give the reply time to be cached before the duplicate arrives.
	time.Sleep(20 * time.Millisecond)

	// Two retransmissions of the identical datagram.
	d.route(raw, remote)
	d.route(raw, remote)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, invocations, "a duplicate CON must not re-invoke the handler")

	writes := transport.snapshot()
	require.Len(t, writes, 3, "original reply plus two resends of the cached reply")
	for i := 1; i < len(writes); i++ {
		require.Equal(t, writes[0], writes[i], "duplicate replies must be byte-identical to the first")
	}
}

// TestDispatcherObserveStreamDeliversNotifications verifies that a
// client observing a resource receives a sequence of fresh notifications
// as the server pushes updates.
func TestDispatcherObserveStreamDeliversNotifications(t *testing.T) {
	cfg := fastTestConfig()
	client, server, serverAddr, cleanup := linkedEndpoints(t, cfg, func(ep *Endpoint) {
		ep.RegisterService("sensors/temp", FuncHandler(func(_ net.Addr, req *Request) *Response {
			resp, _ := NewResponse(Acknowledgement, Content, req.MessageID)
			resp.Payload = []byte("19.0")
			return resp
		}))
	})
	defer cleanup()

	req, err := NewRequest(Confirmable, GET, 3)
	require.NoError(t, err)
	req.SetPathString("sensors/temp")

	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCtx()
	obs, err := client.Observe(ctx, serverAddr, req)
	require.NoError(t, err)

	first := <-obs.Events()
	require.NoError(t, first.Err)
	require.Equal(t, []byte("19.0"), first.Response.Payload)

	require.Eventually(t, func() bool {
		return server.dispatch.observe.Count() == 1
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		server.NotifyObservers("sensors/temp", func(rel *ObserverRelation) *Response {
			resp, _ := NewResponse(Confirmable, Content, 0)
			resp.Payload = []byte("19.5")
			return resp
		})
		ev := <-obs.Events()
		require.NoError(t, ev.Err)
		require.Equal(t, []byte("19.5"), ev.Response.Payload)
	}

	obs.Cancel()
	require.Eventually(t, func() bool {
		return server.dispatch.observe.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestDispatcherRSTCancelsObservation verifies that an RST in reply to a
// notification deregisters that observer, since the notification is
// sent as a CON and HandleRST drives observe.Deregister through the
// reliability engine's onReject callback.
func TestDispatcherRSTCancelsObservation(t *testing.T) {
	cfg := fastTestConfig()
	transport := &recordingTransport{}
	server := NewEndpoint(transport, cfg, nil)
	server.Start()
	defer server.Shutdown()

	remote := pipeAddr("cli:1")
	token := []byte{0x07}
	server.dispatch.observe.Register("sensors/temp", remote, token)
	require.Equal(t, 1, server.dispatch.observe.Count())

	server.NotifyObservers("sensors/temp", func(rel *ObserverRelation) *Response {
		resp, _ := NewResponse(Confirmable, Content, 0)
		resp.Payload = []byte("19.5")
		return resp
	})

	writes := transport.snapshot()
	require.Len(t, writes, 1)
	sent, err := ParseMessage(writes[0])
	require.NoError(t, err)
	require.Equal(t, Confirmable, sent.Type)

	require.True(t, server.dispatch.reliability.HandleRST(remote, sent.MessageID))
	require.Equal(t, 0, server.dispatch.observe.Count(), "RST on a notification must deregister the observer")
}
