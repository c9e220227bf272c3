package ncoap

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// outboundKey identifies an in-flight CON transmission. Reliability
// correlates strictly on (remote, message_id), never on token.
type outboundKey struct {
	remote string
	mid    uint16
}

// outboundState is the terminal/non-terminal state of a CON's
// retransmission record.
type outboundState int

const (
	stateWaitAck outboundState = iota
	stateAcked
	stateRejected
	stateFailed
	stateCancelled
)

type outboundRecord struct {
	addr         net.Addr
	bytes        []byte
	attempts     int
	interval     time.Duration
	nextDeadline time.Time
	state        outboundState
	onAck        func()
	onReject     func()
	onTimeout    func()
}

// inboundKey identifies a received CON for duplicate detection.
type inboundKey struct {
	remote string
	mid    uint16
}

type inboundRecord struct {
	deadline    time.Time
	cachedReply []byte // nil until the application/ACK path produces one
}

// Manager is the confirmable-message reliability engine: outbound CON
// retransmission with exponential backoff, and inbound CON duplicate
// suppression.
type Manager struct {
	cfg       EndpointConfig
	transport Transport
	metrics   *Metrics
	clock     Clock

	outMu sync.Mutex
	out   map[outboundKey]*outboundRecord

	inMu sync.Mutex
	in   map[inboundKey]*inboundRecord

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a reliability Manager. metrics may be nil; a nil
// cfg.Clock defaults to RealClock.
func NewManager(cfg EndpointConfig, transport Transport, metrics *Metrics) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		clock:     clock,
		out:       make(map[outboundKey]*outboundRecord),
		in:        make(map[inboundKey]*inboundRecord),
		done:      make(chan struct{}),
	}
}

// Start launches the background timeout sweep. Call once per Manager.
func (m *Manager) Start() {
	m.ticker = time.NewTicker(100 * time.Millisecond)
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the background sweep and releases its goroutine.
func (m *Manager) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.sweepOutbound()
			m.sweepInbound()
		}
	}
}

func (m *Manager) initialBackoff() time.Duration {
	factor := 1.0 + rand.Float64()*(m.cfg.AckRandomFactor-1.0)
	return time.Duration(float64(m.cfg.AckTimeout) * factor)
}

// SendCON transmits a confirmable message and arms its retransmission
// timer. onAck fires when a matching ACK arrives (empty, or carrying a
// piggybacked response); onReject fires on RST; onTimeout fires after MAX_RETRANSMIT
// is exhausted. The same serialized bytes are resent on every retry,
// since the codec is invoked exactly once here.
func (m *Manager) SendCON(remote net.Addr, msg *Message, onAck, onReject, onTimeout func()) error {
	raw, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	key := outboundKey{remote: remote.String(), mid: msg.MessageID}
	initial := m.initialBackoff()
	rec := &outboundRecord{
		addr:         remote,
		bytes:        raw,
		attempts:     0,
		interval:     initial,
		nextDeadline: m.clock.Now().Add(initial),
		state:        stateWaitAck,
		onAck:        onAck,
		onReject:     onReject,
		onTimeout:    onTimeout,
	}
	m.outMu.Lock()
	m.out[key] = rec
	m.outMu.Unlock()
	if m.metrics != nil {
		m.metrics.PendingRetransmits.Inc()
	}
	_, err = m.transport.WriteTo(raw, remote)
	return err
}

// HandleACK matches an inbound ACK (empty or carrying a response) to its
// outbound CON record, cancels further retransmission, and reports
// whether a record was found.
func (m *Manager) HandleACK(remote net.Addr, mid uint16) bool {
	return m.finish(remote, mid, stateAcked, func(r *outboundRecord) {
		if r.onAck != nil {
			r.onAck()
		}
	})
}

// HandleRST matches an inbound RST to its outbound CON record (if any),
// cancels retransmission, and reports whether a record was found.
func (m *Manager) HandleRST(remote net.Addr, mid uint16) bool {
	return m.finish(remote, mid, stateRejected, func(r *outboundRecord) {
		if r.onReject != nil {
			r.onReject()
		}
	})
}

// Cancel aborts retransmission for (remote, mid) without invoking any
// callback. TokenHandle.Cancel does not call it.
func (m *Manager) Cancel(remote net.Addr, mid uint16) {
	m.outMu.Lock()
	key := outboundKey{remote: remote.String(), mid: mid}
	if r, ok := m.out[key]; ok {
		r.state = stateCancelled
		delete(m.out, key)
		if m.metrics != nil {
			m.metrics.PendingRetransmits.Dec()
		}
	}
	m.outMu.Unlock()
}

func (m *Manager) finish(remote net.Addr, mid uint16, state outboundState, cb func(*outboundRecord)) bool {
	key := outboundKey{remote: remote.String(), mid: mid}
	m.outMu.Lock()
	rec, ok := m.out[key]
	if ok {
		rec.state = state
		delete(m.out, key)
		if m.metrics != nil {
			m.metrics.PendingRetransmits.Dec()
		}
	}
	m.outMu.Unlock()
	if ok && cb != nil {
		cb(rec)
	}
	return ok
}

func (m *Manager) sweepOutbound() {
	now := m.clock.Now()
	var toRetransmit []struct {
		addr net.Addr
		rec  *outboundRecord
	}
	var toFail []*outboundRecord

	m.outMu.Lock()
	for key, rec := range m.out {
		if rec.state != stateWaitAck || now.Before(rec.nextDeadline) {
			continue
		}
		if rec.attempts >= m.cfg.MaxRetransmit {
			rec.state = stateFailed
			delete(m.out, key)
			if m.metrics != nil {
				m.metrics.PendingRetransmits.Dec()
				m.metrics.TimeoutsTotal.Inc()
			}
			toFail = append(toFail, rec)
			continue
		}
		rec.attempts++
		rec.interval *= 2
		rec.nextDeadline = now.Add(rec.interval)
		toRetransmit = append(toRetransmit, struct {
			addr net.Addr
			rec  *outboundRecord
		}{rec.addr, rec})
	}
	m.outMu.Unlock()

	for _, item := range toRetransmit {
		_, _ = m.transport.WriteTo(item.rec.bytes, item.addr)
		if m.metrics != nil {
			m.metrics.RetransmissionsTotal.Inc()
		}
	}
	for _, rec := range toFail {
		if rec.onTimeout != nil {
			rec.onTimeout()
		}
	}
}

func (m *Manager) sweepInbound() {
	now := m.clock.Now()
	m.inMu.Lock()
	defer m.inMu.Unlock()
	for key, rec := range m.in {
		if now.After(rec.deadline) {
			delete(m.in, key)
		}
	}
}

// CheckDuplicateInbound records (remote, mid) as seen for
// EXCHANGE_LIFETIME. It returns (cachedReply, true) if this (remote,
// mid) was already seen; cachedReply is nil if the application has not
// yet produced a reply to resend. On first receipt it returns
// (nil, false) and the caller should forward to the application.
func (m *Manager) CheckDuplicateInbound(remote net.Addr, mid uint16) ([]byte, bool) {
	key := inboundKey{remote: remote.String(), mid: mid}
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if rec, ok := m.in[key]; ok {
		if m.metrics != nil {
			m.metrics.DuplicatesTotal.Inc()
		}
		return rec.cachedReply, true
	}
	m.in[key] = &inboundRecord{deadline: m.clock.Now().Add(m.cfg.ExchangeLifetime)}
	return nil, false
}

// CacheInboundReply stores the ACK/response bytes produced for a
// previously recorded inbound CON, so a later duplicate of the same
// (remote, mid) resends the identical bytes instead of being dropped.
func (m *Manager) CacheInboundReply(remote net.Addr, mid uint16, reply []byte) {
	key := inboundKey{remote: remote.String(), mid: mid}
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if rec, ok := m.in[key]; ok {
		rec.cachedReply = reply
	}
}
