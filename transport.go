package ncoap

import (
	"net"
)

// Transport sends a datagram to a remote and reads inbound ones.
// Implemented directly by *net.UDPConn for production use; tests
// substitute an in-memory pipe so the dispatcher/reliability/observe
// components can be exercised without binding a real socket.
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// udpTransport adapts *net.UDPConn to Transport.
type udpTransport struct {
	*net.UDPConn
}

func (u udpTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.AddrError{Err: "not a UDP address", Addr: addr.String()}
	}
	return u.UDPConn.WriteToUDP(b, ua)
}

func (u udpTransport) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := u.UDPConn.ReadFromUDP(b)
	return n, addr, err
}

// ListenUDP binds a UDP Transport on the given network/address.
func ListenUDP(network, addr string) (Transport, error) {
	uaddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(network, uaddr)
	if err != nil {
		return nil, err
	}
	return udpTransport{conn}, nil
}

// DefaultCoAPPort is the default UDP port for the coap:// scheme.
const DefaultCoAPPort = 5683

// DefaultCoAPSPort is the default UDP port for the coaps:// (DTLS)
// scheme; DTLS itself is out of scope for this core.
const DefaultCoAPSPort = 5684

const maxPktLen = 1500

// pipeTransport is an in-memory Transport used by tests to connect two
// endpoints without a real socket.
type pipeTransport struct {
	local  net.Addr
	inbox  chan pipeDatagram
	peers  map[string]*pipeTransport
	closed chan struct{}
}

type pipeDatagram struct {
	data []byte
	from net.Addr
}

// NewPipeTransport constructs a Transport addressed as local, pre-wired
// to deliver WriteTo calls targeting any peer registered via Connect.
func NewPipeTransport(local net.Addr) *pipeTransport {
	return &pipeTransport{
		local:  local,
		inbox:  make(chan pipeDatagram, 256),
		peers:  make(map[string]*pipeTransport),
		closed: make(chan struct{}),
	}
}

// Connect wires t and other so each can WriteTo the other's LocalAddr.
func (t *pipeTransport) Connect(other *pipeTransport) {
	t.peers[other.local.String()] = other
	other.peers[t.local.String()] = t
}

func (t *pipeTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	peer, ok := t.peers[addr.String()]
	if !ok {
		return 0, &net.AddrError{Err: "unknown peer", Addr: addr.String()}
	}
	cp := append([]byte(nil), b...)
	select {
	case peer.inbox <- pipeDatagram{data: cp, from: t.local}:
	case <-peer.closed:
		return 0, net.ErrClosed
	}
	return len(b), nil
}

func (t *pipeTransport) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case dg := <-t.inbox:
		n := copy(b, dg.data)
		return n, dg.from, nil
	case <-t.closed:
		return 0, nil, net.ErrClosed
	}
}

func (t *pipeTransport) LocalAddr() net.Addr { return t.local }

func (t *pipeTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

// pipeAddr is a minimal net.Addr for pipeTransport endpoints.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

var _ net.Addr = pipeAddr("")
