package ncoap

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/rs/xid"
)

// TokenGenerator produces client-chosen tokens for new exchanges, which
// must avoid collisions for the lifetime of an exchange. xid.New()
// already combines a timestamp, machine id, process id, and a monotonic
// counter, so truncating it to the requested length preserves
// uniqueness without a hand-rolled counter+salt scheme.
type TokenGenerator struct {
	mu sync.Mutex
}

// NewTokenGenerator constructs a TokenGenerator.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// Next returns a fresh token of n bytes (0 <= n <= 8).
func (g *TokenGenerator) Next(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > 8 {
		n = 8
	}
	g.mu.Lock()
	id := xid.New()
	g.mu.Unlock()
	raw := id.Bytes() // 12 bytes, time+machine+pid+counter
	return append([]byte(nil), raw[len(raw)-n:]...)
}

// messageIDGenerator produces 16-bit message IDs. RFC 7252 requires no
// particular scheme beyond avoiding collisions within EXCHANGE_LIFETIME,
// so a randomized start plus monotonic increment is sufficient.
type messageIDGenerator struct {
	mu   sync.Mutex
	next uint16
}

func newMessageIDGenerator() *messageIDGenerator {
	buf := make([]byte, 2)
	_, _ = rand.Read(buf)
	return &messageIDGenerator{next: binary.BigEndian.Uint16(buf)}
}

func (g *messageIDGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	return id
}
