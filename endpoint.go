package ncoap

import (
	"context"
	"net"
)

// Endpoint is the public entry point: one Endpoint owns one Transport,
// and offers both the client operations (SendRequest, observation
// streams) and the server operations (RegisterService, NotifyObservers).
// It is an explicit, non-global value so multiple endpoints can coexist
// in one process.
type Endpoint struct {
	transport Transport
	cfg       EndpointConfig
	metrics   *Metrics
	dispatch  *Dispatcher
}

// NewEndpoint constructs an Endpoint bound to transport. cfg should
// usually come from NewConfig/DefaultConfig; metrics may be nil.
func NewEndpoint(transport Transport, cfg EndpointConfig, metrics *Metrics) *Endpoint {
	return &Endpoint{
		transport: transport,
		cfg:       cfg,
		metrics:   metrics,
		dispatch:  NewDispatcher(transport, cfg, metrics),
	}
}

// ListenAndServe binds a UDP Transport on addr and runs an Endpoint over
// it until Shutdown is called or Serve returns an error.
func ListenAndServe(network, addr string, cfg EndpointConfig, metrics *Metrics, register func(*Endpoint)) (*Endpoint, error) {
	t, err := ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}
	ep := NewEndpoint(t, cfg, metrics)
	if register != nil {
		register(ep)
	}
	ep.Start()
	go func() {
		if err := ep.dispatch.Serve(); err != nil {
			TraceWarn("[ncoap] Serve exited: %v", err)
		}
	}()
	return ep, nil
}

// RegisterService binds a ServiceHandler to an exact Uri-Path.
func (e *Endpoint) RegisterService(path string, h ServiceHandler) {
	e.dispatch.RegisterService(path, h)
}

// Start launches the reliability engine's background sweep; callers
// driving their own Serve loop (e.g. over a pipeTransport in tests) must
// call this before sending or receiving anything.
func (e *Endpoint) Start() {
	e.dispatch.Start()
}

// Serve runs the inbound read loop until the transport errors or closes.
func (e *Endpoint) Serve() error {
	return e.dispatch.Serve()
}

// Shutdown drains every outstanding exchange with ErrEndpointShutdown,
// sends an RST to every active observer, stops the reliability and
// exchange-expiry sweeps, then closes the transport. No further requests
// should be issued afterward.
func (e *Endpoint) Shutdown() error {
	e.dispatch.exchanges.DrainAll(&ErrEndpointShutdown{})

	for _, rel := range e.dispatch.observe.DrainAll() {
		rst := NewEmptyRST(e.dispatch.mids.Next())
		raw, err := rst.MarshalBinary()
		if err != nil {
			continue
		}
		_, _ = e.transport.WriteTo(raw, rel.Remote)
	}

	e.dispatch.Stop()
	return e.transport.Close()
}

// SendRequest issues req to remote and waits for its final response,
// honoring ctx's deadline/cancellation. CON requests are retried under
// the reliability engine's exponential backoff up to MAX_RETRANSMIT
// times, surfacing ErrTimeout on exhaustion; NON requests are sent once.
// token is generated automatically if req.Token is empty.
func (e *Endpoint) SendRequest(ctx context.Context, remote net.Addr, req *Request) (*Response, error) {
	handle, err := e.beginExchange(ctx, remote, req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := handle.Response(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Message: *resp}, nil
}

// Observe issues a GET request with Observe=0 against remote and returns
// an Observation delivering every fresh notification. Call
// Observation.Cancel to end it, which sends a GET with Observe=1 on the
// same token to deregister before closing the stream locally.
func (e *Endpoint) Observe(ctx context.Context, remote net.Addr, req *Request) (*Observation, error) {
	req.SetOption(Observe, uint32(0))
	if len(req.Token) == 0 {
		req.Token = e.dispatch.tokens.Next(4)
	}
	path := req.PathString()
	token := req.Token

	obsCtx, cancel := context.WithCancel(context.Background())
	obs := NewObservation(path, token, cancel, 8)

	handle, err := e.beginExchange(ctx, remote, req, obs)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-obsCtx.Done()
		e.sendDeregister(remote, path, token)
		handle.Cancel()
		obs.End(&ErrObservationCancelled{Reason: CancelledLocally})
	}()
	return obs, nil
}

// sendDeregister issues the fire-and-forget GET Observe=1 request that
// ends an observation server-side, per RFC 7641 section 3.6.
func (e *Endpoint) sendDeregister(remote net.Addr, path string, token []byte) {
	dereg, err := NewRequest(NonConfirmable, GET, e.dispatch.mids.Next())
	if err != nil {
		return
	}
	dereg.Token = token
	dereg.SetPathString(path)
	dereg.SetOption(Observe, uint32(1))
	raw, err := dereg.MarshalBinary()
	if err != nil {
		return
	}
	_, _ = e.transport.WriteTo(raw, remote)
}

func (e *Endpoint) beginExchange(ctx context.Context, remote net.Addr, req *Request, obs *Observation) (*TokenHandle, error) {
	if len(req.Token) == 0 {
		req.Token = e.dispatch.tokens.Next(4)
	}
	req.MessageID = e.dispatch.mids.Next()

	handle, err := e.dispatch.exchanges.Create(ctx, remote, req.Token, obs)
	if err != nil {
		return nil, err
	}

	if req.Type == Confirmable {
		remoteStr := remote.String()
		mid := req.MessageID
		err = e.dispatch.reliability.SendCON(remote, &req.Message, nil, func() {
			e.dispatch.exchanges.Fail(remote, req.Token, &ErrRejected{Remote: remoteStr, MessageID: mid})
		}, func() {
			e.dispatch.exchanges.Fail(remote, req.Token, &ErrTimeout{Remote: remoteStr, MessageID: mid})
		})
	} else {
		var raw []byte
		raw, err = req.MarshalBinary()
		if err == nil {
			_, err = e.transport.WriteTo(raw, remote)
		}
	}
	if err != nil {
		handle.Cancel()
		return nil, err
	}
	return handle, nil
}

// NotifyObservers pushes build(rel) as a notification to every current
// observer of path, advancing each observer's Observe sequence number.
// Notifications are sent as CON so they benefit from reliability; build
// may return nil to skip a particular observer.
func (e *Endpoint) NotifyObservers(path string, build func(rel *ObserverRelation) *Response) {
	for _, rel := range e.dispatch.observe.Observers(path) {
		resp := build(rel)
		if resp == nil {
			continue
		}
		resp.Token = rel.Token
		resp.Type = Confirmable
		resp.MessageID = e.dispatch.mids.Next()
		resp.SetOption(Observe, e.dispatch.observe.NextSeq(rel, false))

		remote := rel.Remote
		token := rel.Token
		err := e.dispatch.reliability.SendCON(remote, &resp.Message, func() {
			e.dispatch.observe.RecordNotifySuccess(path, remote, token)
		}, func() {
			e.dispatch.observe.Deregister(path, remote, token)
		}, func() {
			if e.dispatch.observe.RecordNotifyTimeout(path, remote, token, e.cfg.MaxObserverTimeouts) {
				e.dispatch.observe.Deregister(path, remote, token)
			}
		})
		if err == nil {
			if e.metrics != nil {
				e.metrics.NotificationsTotal.Inc()
			}
		}
	}
}
