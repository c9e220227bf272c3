package ncoap

import (
	"context"
	"net"
	"sync"
	"time"
)

// exchangeKey identifies an exchange by (remote, token). Correlation is
// never done by message_id; that belongs to the reliability layer alone.
type exchangeKey struct {
	remote string
	token  string
}

func newExchangeKey(remote net.Addr, token []byte) exchangeKey {
	return exchangeKey{remote: remote.String(), token: string(token)}
}

type exchange struct {
	key         exchangeKey
	ctx         context.Context
	cancel      context.CancelFunc
	respCh      chan *Message
	errCh       chan error
	remote      net.Addr
	observed    bool // persists past the first response
	observation *Observation
	deadline    time.Time
}

// TokenHandle is returned to the application by SendRequest. Dropping it
// (calling Cancel) removes the exchange, so any reply that later arrives
// finds nothing to deliver to. Cancel does not touch the reliability
// engine: a CON request already handed to it keeps being retransmitted
// until it is acknowledged, reset, or times out.
type TokenHandle struct {
	table *ExchangeTable
	key   exchangeKey
	ex    *exchange
}

// Response blocks until the final response arrives, the context is
// cancelled, or the exchange errors out (Timeout/Rejected/ExchangeExpired).
func (h *TokenHandle) Response(ctx context.Context) (*Message, error) {
	select {
	case r := <-h.ex.respCh:
		return r, nil
	case err := <-h.ex.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ex.ctx.Done():
		// Fail/DrainAll/sweepExpired queue the error before cancelling the
		// context; surface that error rather than the bare cancellation.
		select {
		case err := <-h.ex.errCh:
			return nil, err
		default:
		}
		return nil, h.ex.ctx.Err()
	}
}

// Cancel drops the exchange. No further application callback will be
// invoked for it.
func (h *TokenHandle) Cancel() {
	h.table.remove(h.key)
	h.ex.cancel()
}

// ExchangeTable correlates outgoing requests to pending responses by
// (remote, token) and owns the tokens' lifetime, expiring non-observation
// entries that never receive a final response after EXCHANGE_LIFETIME.
type ExchangeTable struct {
	mu      sync.RWMutex
	entries map[exchangeKey]*exchange
	metrics *Metrics
	clock   Clock
	cfg     EndpointConfig

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewExchangeTable constructs an empty ExchangeTable. metrics may be nil;
// a nil clock defaults to RealClock.
func NewExchangeTable(cfg EndpointConfig, metrics *Metrics, clock Clock) *ExchangeTable {
	if clock == nil {
		clock = RealClock
	}
	return &ExchangeTable{entries: make(map[exchangeKey]*exchange), metrics: metrics, clock: clock, cfg: cfg}
}

// Start launches the background sweep that expires exchanges older than
// EXCHANGE_LIFETIME. Call once before any Create.
func (t *ExchangeTable) Start() {
	t.done = make(chan struct{})
	t.ticker = time.NewTicker(time.Second)
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the background sweep.
func (t *ExchangeTable) Stop() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.wg.Wait()
}

func (t *ExchangeTable) sweepLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *ExchangeTable) sweepExpired() {
	now := t.clock.Now()
	var expired []*exchange
	t.mu.Lock()
	for key, ex := range t.entries {
		if ex.observation != nil || now.Before(ex.deadline) {
			continue
		}
		delete(t.entries, key)
		expired = append(expired, ex)
		if t.metrics != nil {
			t.metrics.ActiveExchanges.Dec()
		}
	}
	t.mu.Unlock()

	for _, ex := range expired {
		ex.errCh <- &ErrExchangeExpired{Remote: ex.key.remote, Token: []byte(ex.key.token)}
		ex.cancel()
	}
}

// Create registers a new exchange for (remote, token). It returns an
// error if the (remote, token) pair already has an active exchange.
// Pass a non-nil observation to mark the exchange as an observation:
// responses are delivered through observation.Deliver (with RFC 7641
// freshness filtering) instead of completing and removing the exchange.
func (t *ExchangeTable) Create(parent context.Context, remote net.Addr, token []byte, observation *Observation) (*TokenHandle, error) {
	key := newExchangeKey(remote, token)
	ctx, cancel := context.WithCancel(parent)
	ex := &exchange{
		key:         key,
		ctx:         ctx,
		cancel:      cancel,
		respCh:      make(chan *Message, 1),
		errCh:       make(chan error, 1),
		remote:      remote,
		observed:    observation != nil,
		observation: observation,
		deadline:    t.clock.Now().Add(t.cfg.ExchangeLifetime),
	}

	t.mu.Lock()
	if _, exists := t.entries[key]; exists {
		t.mu.Unlock()
		cancel()
		return nil, &InvariantViolation{Kind: BadMessageTypeForCode, Detail: "duplicate (remote, token) exchange"}
	}
	t.entries[key] = ex
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.ActiveExchanges.Inc()
	}

	return &TokenHandle{table: t, key: key, ex: ex}, nil
}

// Lookup finds the exchange for (remote, token), if any.
func (t *ExchangeTable) Lookup(remote net.Addr, token []byte) (*exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ex, ok := t.entries[newExchangeKey(remote, token)]
	return ex, ok
}

// Complete delivers the final response to the exchange and removes it
// from the table, unless the exchange is an observation (which persists
// until explicitly deregistered or cancelled).
func (t *ExchangeTable) Complete(remote net.Addr, token []byte, resp *Message) bool {
	key := newExchangeKey(remote, token)
	t.mu.Lock()
	ex, ok := t.entries[key]
	if ok && ex.observation == nil {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if ex.observation != nil {
		seq, _ := resp.ObserveValue()
		ex.observation.Deliver(resp, seq, t.clock.NowMillis())
		return true
	}
	if t.metrics != nil {
		t.metrics.ActiveExchanges.Dec()
	}
	ex.respCh <- resp
	return true
}

// Fail delivers a terminal error (Timeout/Rejected/ExchangeExpired) to
// the exchange and removes it from the table.
func (t *ExchangeTable) Fail(remote net.Addr, token []byte, err error) bool {
	key := newExchangeKey(remote, token)
	return t.failKey(key, err)
}

func (t *ExchangeTable) failKey(key exchangeKey, err error) bool {
	t.mu.Lock()
	ex, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if t.metrics != nil {
		t.metrics.ActiveExchanges.Dec()
	}
	ex.errCh <- err
	ex.cancel()
	return true
}

func (t *ExchangeTable) remove(key exchangeKey) {
	t.mu.Lock()
	_, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if ok && t.metrics != nil {
		t.metrics.ActiveExchanges.Dec()
	}
}

// Count returns the number of currently active exchanges, for tests and
// diagnostics.
func (t *ExchangeTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// DrainAll fails every currently active exchange with err and empties
// the table, used when an Endpoint shuts down.
func (t *ExchangeTable) DrainAll(err error) {
	t.mu.Lock()
	exs := make([]*exchange, 0, len(t.entries))
	for key, ex := range t.entries {
		exs = append(exs, ex)
		delete(t.entries, key)
	}
	t.mu.Unlock()
	for _, ex := range exs {
		if t.metrics != nil {
			t.metrics.ActiveExchanges.Dec()
		}
		ex.errCh <- err
		ex.cancel()
	}
}
