package ncoap

import "fmt"

// DecodeErrorKind discriminates the reasons a frame failed to parse.
type DecodeErrorKind int

const (
	InvalidHeader DecodeErrorKind = iota
	UnknownCriticalOption
	BadOptionLength
	MalformedPayloadMarker
)

func (k DecodeErrorKind) String() string {
	switch k {
	case InvalidHeader:
		return "InvalidHeader"
	case UnknownCriticalOption:
		return "UnknownCriticalOption"
	case BadOptionLength:
		return "BadOptionLength"
	case MalformedPayloadMarker:
		return "MalformedPayloadMarker"
	default:
		return "Unknown"
	}
}

// DecodeError is returned when parsing a wire frame fails.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("coap: decode error (%s): %s", e.Kind, e.Detail)
}

// EncodeErrorKind discriminates the reasons an outbound message could not
// be serialized.
type EncodeErrorKind int

const (
	OptionTooLong EncodeErrorKind = iota
	TokenTooLong
)

func (k EncodeErrorKind) String() string {
	switch k {
	case OptionTooLong:
		return "OptionTooLong"
	case TokenTooLong:
		return "TokenTooLong"
	default:
		return "Unknown"
	}
}

// EncodeError is returned when building an outbound message violates a
// wire-format constraint.
type EncodeError struct {
	Kind   EncodeErrorKind
	Detail string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("coap: encode error (%s): %s", e.Kind, e.Detail)
}

// InvariantViolationKind discriminates constructor-time invariant checks.
type InvariantViolationKind int

const (
	BadMessageTypeForCode InvariantViolationKind = iota
	BadCodeForErrorResponse
	EmptyMessageCarriesState
	BadTargetURI
)

func (k InvariantViolationKind) String() string {
	switch k {
	case BadMessageTypeForCode:
		return "BadMessageTypeForCode"
	case BadCodeForErrorResponse:
		return "BadCodeForErrorResponse"
	case EmptyMessageCarriesState:
		return "EmptyMessageCarriesState"
	case BadTargetURI:
		return "BadTargetURI"
	default:
		return "Unknown"
	}
}

// InvariantViolation is returned by a Message constructor when the
// requested combination of type/code/fields breaks a CoAP invariant.
type InvariantViolation struct {
	Kind   InvariantViolationKind
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("coap: invariant violation (%s): %s", e.Kind, e.Detail)
}

// ErrTimeout is returned when a confirmable message exhausts
// MAX_RETRANSMIT retries without an ACK or RST.
type ErrTimeout struct {
	Remote    string
	MessageID uint16
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("coap: timeout waiting for ack from %s (mid=%d)", e.Remote, e.MessageID)
}

// ErrRejected is returned when the peer answers with a Reset message.
type ErrRejected struct {
	Remote    string
	MessageID uint16
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("coap: rejected (RST) by %s (mid=%d)", e.Remote, e.MessageID)
}

// ErrExchangeExpired is returned when EXCHANGE_LIFETIME elapses without a
// final response ever arriving for a token.
type ErrExchangeExpired struct {
	Remote string
	Token  []byte
}

func (e *ErrExchangeExpired) Error() string {
	return fmt.Sprintf("coap: exchange expired for %s (token=% x)", e.Remote, e.Token)
}

// ErrEndpointShutdown is delivered to every outstanding exchange when
// Endpoint.Shutdown is called. Client-side Observation streams do not
// receive it.
type ErrEndpointShutdown struct{}

func (e *ErrEndpointShutdown) Error() string {
	return "coap: endpoint shut down"
}

// ObservationCancelledReason discriminates why an observation stream
// ended.
type ObservationCancelledReason int

const (
	// CancelledByRemote means the server sent 4.04 or the client sent RST.
	CancelledByRemote ObservationCancelledReason = iota
	// CancelledLocally means the application called Observation.Cancel().
	CancelledLocally
)

func (r ObservationCancelledReason) String() string {
	if r == CancelledByRemote {
		return "Remote"
	}
	return "Local"
}

// ErrObservationCancelled is delivered to an observation stream's
// consumer as the terminal event.
type ErrObservationCancelled struct {
	Reason ObservationCancelledReason
}

func (e *ErrObservationCancelled) Error() string {
	return fmt.Sprintf("coap: observation cancelled (%s)", e.Reason)
}
