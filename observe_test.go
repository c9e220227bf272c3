package ncoap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFreshRFC7641Rule(t *testing.T) {
	// IsFresh(prev, cur): a normal one-step increment is fresh.
	require.True(t, IsFresh(1, 2))
	require.False(t, IsFresh(2, 1), "a decrease with no wraparound evidence is not fresher")

	// Wraparound: prev near the top of the 2^24 space, cur wrapped back
	// near zero. The large gap (> 2^23) signals forward progress, not a
	// regression.
	const mod = uint32(1) << 24
	const half = uint32(1) << 23
	require.True(t, IsFresh(mod-5, 3))
	require.False(t, IsFresh(3, mod-5), "a large forward jump with no wraparound is not fresher")

	require.False(t, IsFresh(half, 0), "exact half-window gap is not strictly fresher")
	require.False(t, IsFresh(10, 10), "a value is never fresher than itself")
}

func TestObserveRegistryRegisterIsIdempotent(t *testing.T) {
	reg := NewObserveRegistry(nil, nil)
	remote := pipeAddr("cli:1")
	token := []byte{0x01}

	rel1 := reg.Register("sensors/temp", remote, token)
	rel2 := reg.Register("sensors/temp", remote, token)
	require.Same(t, rel1, rel2, "registering the same (path, remote, token) twice must not duplicate the relation")
	require.Equal(t, 1, reg.Count())
}

func TestObserveRegistryNextSeqMonotonic(t *testing.T) {
	reg := NewObserveRegistry(nil, nil)
	remote := pipeAddr("cli:1")
	rel := reg.Register("sensors/temp", remote, []byte{0x01})

	first := rel.LastSeq
	second := reg.NextSeq(rel, false)
	third := reg.NextSeq(rel, false)

	require.True(t, IsFresh(first, second))
	require.True(t, IsFresh(second, third))
}

func TestObserveRegistryDeregister(t *testing.T) {
	reg := NewObserveRegistry(nil, nil)
	remote := pipeAddr("cli:1")
	token := []byte{0x01}

	reg.Register("sensors/temp", remote, token)
	require.Equal(t, 1, reg.Count())

	require.True(t, reg.Deregister("sensors/temp", remote, token))
	require.Equal(t, 0, reg.Count())
	require.False(t, reg.Deregister("sensors/temp", remote, token), "deregistering twice reports no-op")
}

func TestObserveRegistryDropsAfterConsecutiveTimeouts(t *testing.T) {
	reg := NewObserveRegistry(nil, nil)
	remote := pipeAddr("cli:1")
	token := []byte{0x01}
	reg.Register("sensors/temp", remote, token)

	const maxTimeouts = 3
	require.False(t, reg.RecordNotifyTimeout("sensors/temp", remote, token, maxTimeouts))
	require.False(t, reg.RecordNotifyTimeout("sensors/temp", remote, token, maxTimeouts))
	require.True(t, reg.RecordNotifyTimeout("sensors/temp", remote, token, maxTimeouts))
}

func TestObserveRegistrySuccessResetsTimeoutCounter(t *testing.T) {
	reg := NewObserveRegistry(nil, nil)
	remote := pipeAddr("cli:1")
	token := []byte{0x01}
	reg.Register("sensors/temp", remote, token)

	reg.RecordNotifyTimeout("sensors/temp", remote, token, 5)
	reg.RecordNotifyTimeout("sensors/temp", remote, token, 5)
	reg.RecordNotifySuccess("sensors/temp", remote, token)
	require.False(t, reg.RecordNotifyTimeout("sensors/temp", remote, token, 2), "a success must reset the streak, not just decrement it")
}

func TestObservationDeliverDiscardsStaleSequence(t *testing.T) {
	obs := NewObservation("sensors/temp", []byte{0x01}, func() {}, 4)

	resp1, err := NewResponse(NonConfirmable, Content, 1)
	require.NoError(t, err)
	obs.Deliver(&resp1.Message, 10, 1_000_000)

	ev1 := <-obs.Events()
	require.Equal(t, &resp1.Message, ev1.Response)

	// A lower, non-wrapped sequence number arriving after a fresh one is
	// stale and must be dropped silently.
	resp2, err := NewResponse(NonConfirmable, Content, 2)
	require.NoError(t, err)
	obs.Deliver(&resp2.Message, 5, 1_000_050)

	select {
	case <-obs.Events():
		t.Fatal("a stale/reordered notification must not be delivered")
	default:
	}

	// A fresher sequence is delivered.
	resp3, err := NewResponse(NonConfirmable, Content, 3)
	require.NoError(t, err)
	obs.Deliver(&resp3.Message, 11, 1_000_100)

	ev3 := <-obs.Events()
	require.Equal(t, &resp3.Message, ev3.Response)
}

func TestObservationDeliverAllowsResetAfterStalenessWindow(t *testing.T) {
	obs := NewObservation("sensors/temp", []byte{0x01}, func() {}, 4)

	resp1, err := NewResponse(NonConfirmable, Content, 1)
	require.NoError(t, err)
	obs.Deliver(&resp1.Message, 100, 0)
	<-obs.Events()

	// A numerically "older" sequence value arriving more than 128s later
	// is accepted: silence for that long means the server may have reset.
	resp2, err := NewResponse(NonConfirmable, Content, 2)
	require.NoError(t, err)
	obs.Deliver(&resp2.Message, 5, 200_000)

	ev := <-obs.Events()
	require.Equal(t, &resp2.Message, ev.Response)
}

func TestObservationEndClosesStream(t *testing.T) {
	obs := NewObservation("sensors/temp", []byte{0x01}, func() {}, 4)
	obs.End(&ErrObservationCancelled{Reason: CancelledByRemote})

	ev, ok := <-obs.Events()
	require.True(t, ok)
	require.Error(t, ev.Err)

	_, ok = <-obs.Events()
	require.False(t, ok, "the event channel must be closed after the terminal event")
}
