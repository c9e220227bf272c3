package ncoap

import (
	"net"
	"sync"
)

// observerKey identifies one observation by (resourcePath, remote,
// token), a flat key owned solely by the observe manager. Resources
// never hold a back-pointer to their observers.
type observerKey struct {
	path   string
	remote string
	token  string
}

// ObserverRelation is the server-side per-observer bookkeeping.
type ObserverRelation struct {
	Path              string
	Remote            net.Addr
	Token             []byte
	LastSeq           uint32
	LastContentFormat MediaType
	LastETag          []byte
	consecutiveFails  int
}

// ObserveRegistry is the server-side registry of clients observing a
// resource, plus the monotonic per-observer sequence numbering.
type ObserveRegistry struct {
	mu        sync.Mutex
	relations map[observerKey]*ObserverRelation
	clock     Clock
	metrics   *Metrics
}

// NewObserveRegistry constructs an empty ObserveRegistry.
func NewObserveRegistry(clock Clock, metrics *Metrics) *ObserveRegistry {
	if clock == nil {
		clock = RealClock
	}
	return &ObserveRegistry{relations: make(map[observerKey]*ObserverRelation), clock: clock, metrics: metrics}
}

func key(path string, remote net.Addr, token []byte) observerKey {
	return observerKey{path: path, remote: remote.String(), token: string(token)}
}

// Register adds (remote, token) as an observer of path, seeding its
// sequence number with now_millis() mod 2^24. If the pair is already
// registered, the existing entry is returned rather than duplicated
// (RFC 7641 section 4.1).
func (r *ObserveRegistry) Register(path string, remote net.Addr, token []byte) *ObserverRelation {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(path, remote, token)
	if rel, ok := r.relations[k]; ok {
		return rel
	}
	rel := &ObserverRelation{
		Path:    path,
		Remote:  remote,
		Token:   token,
		LastSeq: uint32(r.clock.NowMillis() % (1 << 24)),
	}
	r.relations[k] = rel
	if r.metrics != nil {
		r.metrics.ActiveObservers.Inc()
	}
	return rel
}

// Deregister removes (remote, token) from path's observer set, e.g. on
// an inbound OBSERVE=1 request, an inbound RST, or repeated notification
// timeouts.
func (r *ObserveRegistry) Deregister(path string, remote net.Addr, token []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(path, remote, token)
	if _, ok := r.relations[k]; !ok {
		return false
	}
	delete(r.relations, k)
	if r.metrics != nil {
		r.metrics.ActiveObservers.Dec()
	}
	return true
}

// Observers returns a snapshot of the current observers of path.
func (r *ObserveRegistry) Observers(path string) []*ObserverRelation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rv []*ObserverRelation
	for k, rel := range r.relations {
		if k.path == path {
			rv = append(rv, rel)
		}
	}
	return rv
}

// NextSeq computes the next Observe value for rel, serialized under the
// registry lock so notifications to a single observer are never
// reordered. If more than 128s have elapsed with no notification, the
// sequence may be reset to now_millis() mod 2^24 rather than
// incremented; callers pass forceReset=true to take that branch.
func (r *ObserveRegistry) NextSeq(rel *ObserverRelation, forceReset bool) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if forceReset {
		rel.LastSeq = uint32(r.clock.NowMillis() % (1 << 24))
	} else {
		rel.LastSeq = (rel.LastSeq + 1) % (1 << 24)
	}
	return rel.LastSeq
}

// RecordNotifyTimeout increments rel's consecutive-timeout counter and
// reports whether it has now reached maxTimeouts, at which point the
// caller should Deregister it.
func (r *ObserveRegistry) RecordNotifyTimeout(path string, remote net.Addr, token []byte, maxTimeouts int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(path, remote, token)
	rel, ok := r.relations[k]
	if !ok {
		return false
	}
	rel.consecutiveFails++
	return rel.consecutiveFails >= maxTimeouts
}

// RecordNotifySuccess resets rel's consecutive-timeout counter.
func (r *ObserveRegistry) RecordNotifySuccess(path string, remote net.Addr, token []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rel, ok := r.relations[key(path, remote, token)]; ok {
		rel.consecutiveFails = 0
	}
}

// Count returns the total number of active observer relations across
// all resources.
func (r *ObserveRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.relations)
}

// DrainAll removes every observer relation across every resource and
// returns the removed set, for use when the endpoint is shutting down.
func (r *ObserveRegistry) DrainAll() []*ObserverRelation {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]*ObserverRelation, 0, len(r.relations))
	for k, rel := range r.relations {
		rv = append(rv, rel)
		delete(r.relations, k)
	}
	if r.metrics != nil {
		for range rv {
			r.metrics.ActiveObservers.Dec()
		}
	}
	return rv
}

// IsFresh implements the RFC 7641 section 3.4 freshness comparison. v1 is
// the previously recorded sequence number and v2 the one just received;
// it reports whether v2 is fresher than v1: ((v1<v2 and v2-v1<2^23) or
// (v1>v2 and v1-v2>2^23)).
func IsFresh(v1, v2 uint32) bool {
	const half = 1 << 23
	switch {
	case v1 < v2:
		return v2-v1 < half
	case v1 > v2:
		return v1-v2 > half
	default:
		// v1 == v2: not fresher than itself.
		return false
	}
}

// ObservationEvent is delivered on a client-side Observation stream.
type ObservationEvent struct {
	Response *Message
	Err      error // non-nil exactly on the terminal event
}

// Observation is the client-side lazy, finite sequence of notifications.
// It is not restartable. It ends only when the application cancels it:
// an RST, a retransmission timeout, an endpoint shutdown or an error
// response from the server does not end the stream.
type Observation struct {
	events chan ObservationEvent
	cancel func()
	path   string
	token  []byte

	mu     sync.Mutex
	lastV  uint32
	hasV   bool
	lastAt int64
}

// NewObservation constructs a client-side Observation. bufSize sizes the
// internal event channel.
func NewObservation(path string, token []byte, cancel func(), bufSize int) *Observation {
	if bufSize <= 0 {
		bufSize = 4
	}
	return &Observation{events: make(chan ObservationEvent, bufSize), cancel: cancel, path: path, token: token}
}

// Events returns the channel of notifications; it is closed after the
// terminal ObservationEvent is delivered.
func (o *Observation) Events() <-chan ObservationEvent {
	return o.events
}

// Deliver pushes a notification to the stream if it passes the RFC 7641
// freshness check against the last delivered value, discarding stale or
// reordered notifications. nowMillis is the current time in epoch
// millis, used for the 128s staleness window.
func (o *Observation) Deliver(resp *Message, seq uint32, nowMillis int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasV {
		stale := nowMillis-o.lastAt > 128000
		if !stale && !IsFresh(o.lastV, seq) {
			return
		}
	}
	o.lastV = seq
	o.hasV = true
	o.lastAt = nowMillis
	select {
	case o.events <- ObservationEvent{Response: resp}:
	default:
		// Slow consumer: drop the stale entry in favor of the newest.
		select {
		case <-o.events:
		default:
		}
		o.events <- ObservationEvent{Response: resp}
	}
}

// End delivers the terminal event and closes the stream. Not safe to
// call twice.
func (o *Observation) End(err error) {
	o.events <- ObservationEvent{Err: err}
	close(o.events)
}

// Cancel asks the underlying exchange to deregister (sends GET with
// Observe=1) and terminates the stream locally.
func (o *Observation) Cancel() {
	if o.cancel != nil {
		o.cancel()
	}
}
