package ncoap

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ServiceHandler answers an inbound request for a registered path.
// remote and the request are already decoded, and the returned Response
// (nil for none) is piggybacked or sent separately by the Dispatcher
// according to SEPARATE_RESPONSE_THRESHOLD, never by the handler itself.
type ServiceHandler interface {
	ServeCOAP(remote net.Addr, req *Request) *Response
}

type funcHandler func(net.Addr, *Request) *Response

func (f funcHandler) ServeCOAP(remote net.Addr, req *Request) *Response {
	return f(remote, req)
}

// FuncHandler builds a ServiceHandler from a function.
func FuncHandler(f func(remote net.Addr, req *Request) *Response) ServiceHandler {
	return funcHandler(f)
}

// Dispatcher is the single inbound/outbound routing point: every
// decoded frame passes through route() exactly once, which is what
// makes the no-double-emission invariant checkable by inspection rather
// than by convention.
type Dispatcher struct {
	transport Transport
	cfg       EndpointConfig
	metrics   *Metrics

	reliability *Manager
	exchanges   *ExchangeTable
	observe     *ObserveRegistry

	mux map[string]ServiceHandler

	mids   *messageIDGenerator
	tokens *TokenGenerator
}

// NewDispatcher wires a Dispatcher to its collaborators. metrics may be
// nil.
func NewDispatcher(transport Transport, cfg EndpointConfig, metrics *Metrics) *Dispatcher {
	d := &Dispatcher{
		transport:   transport,
		cfg:         cfg,
		metrics:     metrics,
		reliability: NewManager(cfg, transport, metrics),
		exchanges:   NewExchangeTable(cfg, metrics, cfg.Clock),
		observe:     NewObserveRegistry(cfg.Clock, metrics),
		mux:         make(map[string]ServiceHandler),
		mids:        newMessageIDGenerator(),
		tokens:      NewTokenGenerator(),
	}
	return d
}

// RegisterService binds a ServiceHandler to an exact Uri-Path.
func (d *Dispatcher) RegisterService(path string, h ServiceHandler) {
	d.mux[path] = h
}

// Start launches the reliability engine's background sweep and the
// exchange table's expiry sweep. Call once before Serve.
func (d *Dispatcher) Start() {
	d.reliability.Start()
	d.exchanges.Start()
}

// Stop halts the reliability engine's background sweep and the exchange
// table's expiry sweep.
func (d *Dispatcher) Stop() {
	d.reliability.Stop()
	d.exchanges.Stop()
}

// Serve reads inbound datagrams forever, or until the transport is
// closed, handling each on its own goroutine.
func (d *Dispatcher) Serve() error {
	buf := make([]byte, maxPktLen)
	for {
		nr, addr, err := d.transport.ReadFrom(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		tmp := make([]byte, nr)
		copy(tmp, buf[:nr])
		go d.route(tmp, addr)
	}
}

// route is the sole inbound entry point; every decoded frame is
// classified exactly once here.
func (d *Dispatcher) route(data []byte, remote net.Addr) {
	defer func() {
		if err := recover(); err != nil {
			TraceError("[ncoap] route panic: %v", err)
		}
	}()

	if healthMonitorEnable && len(data) == 4 && string(data) == "RUOK" {
		_, _ = d.transport.WriteTo([]byte("IMOK"), remote)
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DecodeErrorsTotal.Inc()
		}
		TraceWarn("[ncoap] decode error from %v: %v", remote, err)
		var decErr *DecodeError
		if errors.As(err, &decErr) && decErr.Kind == UnknownCriticalOption && msg.Code.IsRequest() {
			// RFC 7252 section 5.4.1: an unrecognized critical option in a
			// request is answered with 4.02 Bad Option.
			if resp, rerr := NewErrorResponse(ackOrNonType(msg.Type), BadOption, msg.MessageID, msg.Token, decErr.Detail); rerr == nil {
				d.replyToRequest(&msg, remote, resp)
			}
		}
		return
	}

	switch {
	case msg.IsEmpty():
		d.routeEmpty(&msg, remote)
	case msg.Code.IsRequest():
		d.routeRequest(&msg, remote)
	case msg.Code.IsResponse():
		d.routeResponse(&msg, remote)
	default:
		TraceWarn("[ncoap] unroutable code %s from %v", msg.Code, remote)
	}
}

func (d *Dispatcher) routeEmpty(msg *Message, remote net.Addr) {
	switch msg.Type {
	case Acknowledgement:
		d.reliability.HandleACK(remote, msg.MessageID)
	case Reset:
		d.reliability.HandleRST(remote, msg.MessageID)
	case Confirmable:
		// Empty CON is a CoAP ping (RFC 7252 section 4.3); the only
		// correct reply is RST carrying the same message id.
		rst := NewEmptyRST(msg.MessageID)
		d.send(rst, remote)
	default:
		// Empty NON carries no protocol meaning; drop.
	}
}

func (d *Dispatcher) routeRequest(msg *Message, remote net.Addr) {
	if msg.Type == Confirmable {
		if cached, dup := d.reliability.CheckDuplicateInbound(remote, msg.MessageID); dup {
			if cached != nil {
				_, _ = d.transport.WriteTo(cached, remote)
			}
			return
		}
	}

	req := &Request{Message: *msg}
	handler, ok := d.mux[msg.PathString()]
	if !ok {
		resp, _ := NewErrorResponse(ackOrNonType(msg.Type), NotFound, msg.MessageID, msg.Token, "no handler for this path")
		d.replyToRequest(msg, remote, resp)
		return
	}

	type result struct{ resp *Response }
	done := make(chan result, 1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				TraceError("[ncoap] handler panic for %s: %v", msg.PathString(), err)
				r, _ := NewErrorResponse(ackOrNonType(msg.Type), InternalServerError, msg.MessageID, msg.Token, fmt.Sprintf("handler panic: %v", err))
				done <- result{r}
				return
			}
		}()
		done <- result{handler.ServeCOAP(remote, req)}
	}()

	if msg.Type != Confirmable {
		// NON requests never hold a CON reliability pipe open, so there
		// is nothing to piggyback onto; just wait for the handler.
		r := <-done
		d.replyToRequest(msg, remote, r.resp)
		return
	}

	select {
	case r := <-done:
		d.replyToRequest(msg, remote, r.resp)
	case <-time.After(d.cfg.SeparateResponseThreshold):
		// Separate response (RFC 7252 section 5.2.2): ack now, answer
		// later on its own CON carrying the same token.
		d.send(NewEmptyACK(msg.MessageID), remote)
		r := <-done
		if r.resp == nil {
			return
		}
		d.sendSeparateResponse(msg, remote, r.resp)
	}
}

// replyToRequest answers a request with its piggybacked response (ACK
// for CON, a fresh NON for NON), applying the Observe registration and
// sequence bookkeeping, then caches the reply bytes for inbound CON
// duplicate suppression.
func (d *Dispatcher) replyToRequest(req *Message, remote net.Addr, resp *Response) {
	if resp == nil {
		if req.Type == Confirmable {
			d.send(NewEmptyACK(req.MessageID), remote)
		}
		return
	}
	resp.Token = req.Token
	if req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = NonConfirmable
		resp.MessageID = d.mids.Next()
	}
	d.applyObserveBookkeeping(req, remote, &resp.Message)

	raw, err := resp.MarshalBinary()
	if err != nil {
		TraceError("[ncoap] failed to encode response: %v", err)
		return
	}
	_, _ = d.transport.WriteTo(raw, remote)
	if req.Type == Confirmable {
		d.reliability.CacheInboundReply(remote, req.MessageID, raw)
	}
}

// sendSeparateResponse sends a response that missed the piggyback window
// as its own reliable message, per RFC 7252 section 5.2.2.
func (d *Dispatcher) sendSeparateResponse(req *Message, remote net.Addr, resp *Response) {
	resp.Token = req.Token
	resp.Type = Confirmable
	resp.MessageID = d.mids.Next()
	d.applyObserveBookkeeping(req, remote, &resp.Message)

	if err := d.reliability.SendCON(remote, &resp.Message, nil, nil, nil); err != nil {
		TraceError("[ncoap] failed to send separate response: %v", err)
	}
}

// applyObserveBookkeeping registers or deregisters the requester as an
// observer of req's path and stamps the outgoing Observe sequence value,
// per RFC 7641 sections 3 and 4.
func (d *Dispatcher) applyObserveBookkeeping(req *Message, remote net.Addr, resp *Message) {
	v, present := req.ObserveValue()
	if !present {
		return
	}
	path := req.PathString()
	switch v {
	case 0:
		if resp.Code.IsResponse() && resp.Code.Class() == 2 {
			rel := d.observe.Register(path, remote, req.Token)
			resp.SetOption(Observe, d.observe.NextSeq(rel, false))
		}
	default:
		d.observe.Deregister(path, remote, req.Token)
		resp.RemoveOption(Observe)
	}
}

func (d *Dispatcher) routeResponse(msg *Message, remote net.Addr) {
	switch msg.Type {
	case Acknowledgement:
		d.reliability.HandleACK(remote, msg.MessageID)
		d.exchanges.Complete(remote, msg.Token, msg)
	case Confirmable:
		if _, dup := d.reliability.CheckDuplicateInbound(remote, msg.MessageID); dup {
			d.send(NewEmptyACK(msg.MessageID), remote)
			return
		}
		d.send(NewEmptyACK(msg.MessageID), remote)
		d.exchanges.Complete(remote, msg.Token, msg)
	case NonConfirmable:
		d.exchanges.Complete(remote, msg.Token, msg)
	default:
		TraceWarn("[ncoap] RST cannot carry a response code, from %v", remote)
	}
}

func (d *Dispatcher) send(msg *Message, remote net.Addr) {
	raw, err := msg.MarshalBinary()
	if err != nil {
		TraceError("[ncoap] failed to encode %s: %v", msg.Type, err)
		return
	}
	_, _ = d.transport.WriteTo(raw, remote)
}

func ackOrNonType(reqType CType) CType {
	if reqType == Confirmable {
		return Acknowledgement
	}
	return NonConfirmable
}
