package ncoap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	req, err := NewRequest(Confirmable, GET, 0x1234)
	require.NoError(t, err)
	req.Token = []byte{0xaa, 0xbb}
	req.SetPathString("sensors/temp")
	req.AddOption(URIQuery, "unit=celsius")
	req.SetOption(Accept, TextPlain)
	req.Payload = []byte("hello")

	raw, err := req.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(raw))

	require.Equal(t, Confirmable, got.Type)
	require.Equal(t, GET, got.Code)
	require.Equal(t, uint16(0x1234), got.MessageID)
	require.Equal(t, []byte{0xaa, 0xbb}, got.Token)
	require.Equal(t, "sensors/temp", got.PathString())
	require.Equal(t, []byte("hello"), got.Payload)
	v, ok := got.ContentFormatValue()
	require.False(t, ok)
	_ = v
}

func TestMessageMarshalDoesNotMutateOptionOrder(t *testing.T) {
	req, err := NewRequest(Confirmable, GET, 1)
	require.NoError(t, err)
	req.AddOption(URIPath, "b")
	req.AddOption(URIPath, "a")

	before := append([]string(nil), req.Path()...)
	_, err = req.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, before, req.Path(), "MarshalBinary must sort a copy, never the live option slice")
}

func TestMessageOptionOrderIsCanonicalOnWire(t *testing.T) {
	req, err := NewRequest(Confirmable, GET, 1)
	require.NoError(t, err)
	req.AddOption(URIPath, "late")
	req.SetOption(URIHost, "example.org")

	raw, err := req.MarshalBinary()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Equal(t, "example.org", got.Option(URIHost))
	require.Equal(t, []string{"late"}, got.Path())
}

func TestMarshalRejectsTokenTooLong(t *testing.T) {
	req, err := NewRequest(Confirmable, GET, 1)
	require.NoError(t, err)
	req.Token = make([]byte, 9)
	_, err = req.MarshalBinary()
	require.Error(t, err)
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	require.Equal(t, TokenTooLong, encErr.Kind)
}

func TestUnmarshalRejectsBadOptionLength(t *testing.T) {
	// Uri-Port (option 7) requires a 0-2 byte uint; hand-build a frame
	// with a 3-byte value to exercise the length-bound decode error.
	raw := []byte{
		0x40, byte(GET), 0x00, 0x01, // ver/type/tkl, code, message id
		0x73, 0x01, 0x02, 0x03, // delta=7 (URIPort), len=3, value
	}
	var got Message
	err := got.UnmarshalBinary(raw)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, BadOptionLength, decErr.Kind)
}

func TestUnmarshalSkipsUnknownElectiveOption(t *testing.T) {
	// Option number 22 is unassigned and elective (bit 0 clear, since 22
	// is even), which exercises the silent-skip path.
	raw := []byte{
		0x40, byte(GET), 0x00, 0x01,
		0xd1, 0x09, 0x01, // delta 13+9=22, len=1
	}
	var got Message
	require.NoError(t, got.UnmarshalBinary(raw))
}

func TestUnmarshalRejectsUnknownCriticalOptionInRequest(t *testing.T) {
	// Option number 9 is unassigned and critical (odd).
	raw := []byte{
		0x40, byte(GET), 0x00, 0x01,
		0x91, 0x01, // delta 9, len 1
	}
	var got Message
	err := got.UnmarshalBinary(raw)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, UnknownCriticalOption, decErr.Kind)
}

func TestUnmarshalRejectsNonRepeatableDuplicate(t *testing.T) {
	// Uri-Host (option 3) is not repeatable.
	raw := []byte{
		0x40, byte(GET), 0x00, 0x01,
		0x31, 'a', // delta 3, len 1, "a"
		0x01, 'b', // delta 0 (still option 3), len 1, "b"
	}
	var got Message
	err := got.UnmarshalBinary(raw)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, BadOptionLength, decErr.Kind)
}

func TestNewRequestRejectsResponseCode(t *testing.T) {
	_, err := NewRequest(Confirmable, Content, 1)
	require.Error(t, err)
}

func TestNewResponseRejectsReset(t *testing.T) {
	_, err := NewResponse(Reset, Content, 1)
	require.Error(t, err)
}

func TestCCodeClassification(t *testing.T) {
	require.True(t, GET.IsRequest())
	require.False(t, GET.IsResponse())
	require.True(t, Content.IsResponse())
	require.True(t, NotFound.IsClientError())
	require.True(t, InternalServerError.IsServerError())
}
