package ncoap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Request is a typed view over Message construction for request codes.
type Request struct {
	Message
}

// Response is a typed view over Message construction for response codes.
type Response struct {
	Message
}

// NewRequest builds a request message. t must be Confirmable or
// NonConfirmable; code must be a request code (GET/POST/PUT/DELETE).
func NewRequest(t CType, code CCode, messageID uint16) (*Request, error) {
	if t != Confirmable && t != NonConfirmable {
		return nil, &InvariantViolation{Kind: BadMessageTypeForCode, Detail: fmt.Sprintf("request requires CON or NON, got %s", t)}
	}
	if !code.IsRequest() {
		return nil, &InvariantViolation{Kind: BadMessageTypeForCode, Detail: fmt.Sprintf("%s is not a request code", code)}
	}
	return &Request{Message{Type: t, Code: code, MessageID: messageID}}, nil
}

// NewResponse builds a response message. code must be a response code
// (2.xx/4.xx/5.xx); t may be any of CON/NON/ACK (RST never carries a
// response code).
func NewResponse(t CType, code CCode, messageID uint16) (*Response, error) {
	if t == Reset {
		return nil, &InvariantViolation{Kind: BadMessageTypeForCode, Detail: "RST cannot carry a response code"}
	}
	if !code.IsResponse() {
		return nil, &InvariantViolation{Kind: BadMessageTypeForCode, Detail: fmt.Sprintf("%s is not a response code", code)}
	}
	return &Response{Message{Type: t, Code: code, MessageID: messageID}}, nil
}

// NewEmptyACK builds a bare acknowledgement carrying no token, options,
// or payload, per RFC 7252 section 4.1.
func NewEmptyACK(messageID uint16) *Message {
	return &Message{Type: Acknowledgement, Code: Empty, MessageID: messageID}
}

// NewEmptyRST builds a bare reset carrying no token, options, or payload.
func NewEmptyRST(messageID uint16) *Message {
	return &Message{Type: Reset, Code: Empty, MessageID: messageID}
}

// NewErrorResponse builds a 4.xx/5.xx response whose payload is the UTF-8
// encoding of text, with Content-Format set to text/plain;charset=utf-8.
func NewErrorResponse(t CType, code CCode, messageID uint16, token []byte, text string) (*Response, error) {
	if !code.IsClientError() && !code.IsServerError() {
		return nil, &InvariantViolation{Kind: BadCodeForErrorResponse, Detail: fmt.Sprintf("%s is not a 4.xx/5.xx code", code)}
	}
	r, err := NewResponse(t, code, messageID)
	if err != nil {
		return nil, err
	}
	r.Token = token
	r.Payload = []byte(text)
	r.SetOption(ContentFormat, TextPlain)
	return r, nil
}

// CloneOptions copies the named options from src onto m, preserving
// src's insertion order for each. Used when synthesizing error responses
// that should echo back the request's routing context.
func (m *Message) CloneOptions(src Message, ids ...OptionID) {
	for _, id := range ids {
		for _, v := range src.Options(id) {
			m.AddOption(id, v)
		}
	}
}

// SetLocationURI splits path on '/' and query on '&', emitting one
// LocationPath / LocationQuery value per segment. The leading '/' of
// path is dropped; scheme/authority/port are ignored. On any length
// violation the message's location options are rolled back to their
// state before the call.
func (m *Message) SetLocationURI(path, query string) error {
	before := m.opts
	m.RemoveOption(LocationPath)
	m.RemoveOption(LocationQuery)

	rollback := func(err error) error {
		m.opts = before
		return err
	}

	path = strings.TrimPrefix(path, "/")
	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			if len(seg) > optionDefs[LocationPath].maxLen {
				return rollback(&EncodeError{Kind: OptionTooLong, Detail: "location-path segment too long"})
			}
			m.AddOption(LocationPath, seg)
		}
	}
	if query != "" {
		for _, seg := range strings.Split(query, "&") {
			if len(seg) > optionDefs[LocationQuery].maxLen {
				return rollback(&EncodeError{Kind: OptionTooLong, Detail: "location-query segment too long"})
			}
			m.AddOption(LocationQuery, seg)
		}
	}
	return nil
}

// LocationURI reconstructs the path/query set by SetLocationURI (or by a
// peer's response) as a single "/"-joined path and "&"-joined query.
func (m Message) LocationURI() (path, query string) {
	return m.PathString2(LocationPath), strings.Join(m.optionStrings(LocationQuery), "&")
}

// PathString2 joins the string values of an option with '/', used for
// both URIPath and LocationPath rendering.
func (m Message) PathString2(id OptionID) string {
	return strings.Join(m.optionStrings(id), "/")
}

// SetTargetURI decomposes an absolute coap:// URI onto a request's
// Uri-Host/Uri-Port/Uri-Path/Uri-Query options. destAddr is the literal
// address the request is being sent to; Uri-Host is omitted when it
// matches destAddr's host verbatim, and Uri-Port is omitted when it is
// the default 5683. If useProxy is true, the decomposition is skipped
// entirely and the verbatim URI is placed in Proxy-Uri instead.
func (r *Request) SetTargetURI(rawURI string, destAddr string, useProxy bool) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return &InvariantViolation{Kind: BadTargetURI, Detail: err.Error()}
	}
	if u.Scheme != "coap" {
		return &InvariantViolation{Kind: BadTargetURI, Detail: fmt.Sprintf("scheme must be coap, got %q", u.Scheme)}
	}
	if u.Fragment != "" {
		return &InvariantViolation{Kind: BadTargetURI, Detail: "target URI must not carry a fragment"}
	}

	if useProxy {
		r.RemoveOption(URIHost)
		r.RemoveOption(URIPort)
		r.RemoveOption(URIPath)
		r.RemoveOption(URIQuery)
		r.SetOption(ProxyURI, rawURI)
		return nil
	}

	r.RemoveOption(ProxyURI)
	r.RemoveOption(URIHost)
	r.RemoveOption(URIPort)
	r.RemoveOption(URIPath)
	r.RemoveOption(URIQuery)

	destHost := destAddr
	if h, _, splitErr := net.SplitHostPort(destAddr); splitErr == nil {
		destHost = h
	}
	if u.Hostname() != "" && u.Hostname() != destHost {
		r.SetOption(URIHost, u.Hostname())
	}

	if p := u.Port(); p != "" {
		if port, convErr := strconv.Atoi(p); convErr == nil && port != 5683 {
			r.SetOption(URIPort, uint32(port))
		}
	}

	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			r.AddOption(URIPath, seg)
		}
	}

	if u.RawQuery != "" {
		for _, seg := range strings.Split(u.RawQuery, "&") {
			r.AddOption(URIQuery, seg)
		}
	}

	return nil
}

// QueryParam looks up the value for key `k` among the Uri-Query values,
// matching a "k=" prefix across the repeated option. Returns the suffix
// after '=' and true, or ("", false) if absent.
func (m Message) QueryParam(k string) (string, bool) {
	prefix := k + "="
	for _, v := range m.optionStrings(URIQuery) {
		if strings.HasPrefix(v, prefix) {
			return v[len(prefix):], true
		}
	}
	return "", false
}

// AcceptedContentFormats returns the Accept option values, or nil if
// absent, consistent with RFC semantics: getters return empty
// collections, never an error, when the option is absent.
func (m Message) AcceptedContentFormats() []MediaType {
	var rv []MediaType
	for _, v := range m.Options(Accept) {
		if mt, ok := v.(MediaType); ok {
			rv = append(rv, mt)
		}
	}
	return rv
}

// ContentFormatValue returns the message's Content-Format option, if
// present.
func (m Message) ContentFormatValue() (MediaType, bool) {
	v := m.Option(ContentFormat)
	if v == nil {
		return 0, false
	}
	return v.(MediaType), true
}

// ObserveValue returns the message's Observe option as a uint32 and
// whether it was present.
func (m Message) ObserveValue() (uint32, bool) {
	v := m.Option(Observe)
	if v == nil {
		return 0, false
	}
	return v.(uint32), true
}
