// Package wire implements the subset of the PostgreSQL v3 wire protocol the
// proxy needs: an incremental frame decoder for the client-to-server
// direction, a blocking frame reader for the server-to-client direction, and
// an encoder for synthesized ErrorResponse/ReadyForQuery messages.
//
// Every decoded message retains its exact raw bytes so allowed traffic can be
// forwarded bit-for-bit. Message kinds the proxy does not inspect decode as
// Opaque and are never reinterpreted.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Client-to-server message tags the proxy inspects.
const (
	TagQuery     byte = 'Q'
	TagParse     byte = 'P'
	TagBind      byte = 'B'
	TagExecute   byte = 'E'
	TagClose     byte = 'C'
	TagSync      byte = 'S'
	TagTerminate byte = 'X'
)

// Server-to-client tags the relay watches for.
const (
	TagErrorResponse byte = 'E'
	TagReadyForQuery byte = 'Z'
)

// Startup-phase protocol codes.
const (
	ProtocolVersion3  = 196608 // 3.0
	CodeSSLRequest    = 80877103
	CodeGSSENCRequest = 80877104
	CodeCancelRequest = 80877102
)

// MaxMessageLen is the largest message length accepted, matching the
// PostgreSQL backend's 1 GiB limit. Anything larger is Malformed.
const MaxMessageLen = 1 << 30

var (
	// ErrIncomplete signals that the decoder needs more bytes before it can
	// produce the next message. It is recoverable: feed more data and retry.
	ErrIncomplete = errors.New("wire: incomplete message")

	// ErrMalformed signals an invalid tag/length combination. It is fatal to
	// the session that produced it.
	ErrMalformed = errors.New("wire: malformed message")

	// ErrUnsupportedVersion signals a startup message with a protocol major
	// version other than 3. Fatal to the session.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
)

// Message is one decoded client message. The concrete types form a closed
// set; consumers switch exhaustively over them and treat Opaque as
// forward-only bytes.
type Message interface {
	// Raw returns the exact bytes the message was decoded from.
	Raw() []byte
}

// Startup is the untagged startup-phase message: a real v3 startup, an
// SSLRequest, a GSSENCRequest, or a CancelRequest, distinguished by Code.
type Startup struct {
	raw  []byte
	Code uint32
}

func (m Startup) Raw() []byte { return m.raw }

// IsSSLRequest reports whether the client is asking for a TLS upgrade.
func (m Startup) IsSSLRequest() bool { return m.Code == CodeSSLRequest }

// IsGSSENCRequest reports whether the client is asking for GSSAPI encryption.
func (m Startup) IsGSSENCRequest() bool { return m.Code == CodeGSSENCRequest }

// IsCancelRequest reports whether this is an out-of-band cancel connection.
func (m Startup) IsCancelRequest() bool { return m.Code == CodeCancelRequest }

// SimpleQuery carries the full SQL text of a simple-protocol query.
type SimpleQuery struct {
	raw []byte
	SQL string
}

func (m SimpleQuery) Raw() []byte { return m.raw }

// Parse names a prepared statement and carries its SQL text.
type Parse struct {
	raw  []byte
	Name string
	SQL  string
}

func (m Parse) Raw() []byte { return m.raw }

// Bind associates a portal with a previously parsed statement. Parameter
// values stay opaque; they are never reinterpreted.
type Bind struct {
	raw       []byte
	Portal    string
	Statement string
}

func (m Bind) Raw() []byte { return m.raw }

// Execute runs a bound portal.
type Execute struct {
	raw    []byte
	Portal string
}

func (m Execute) Raw() []byte { return m.raw }

// Close releases a prepared statement (Kind 'S') or portal (Kind 'P').
type Close struct {
	raw  []byte
	Kind byte
	Name string
}

func (m Close) Raw() []byte { return m.raw }

// Sync ends an extended-protocol batch.
type Sync struct {
	raw []byte
}

func (m Sync) Raw() []byte { return m.raw }

// Terminate is the client's orderly goodbye.
type Terminate struct {
	raw []byte
}

func (m Terminate) Raw() []byte { return m.raw }

// Opaque is any message the proxy forwards without inspection.
type Opaque struct {
	raw []byte
	Tag byte
}

func (m Opaque) Raw() []byte { return m.raw }

// Decoder incrementally decodes client messages from a byte stream. Feed
// appends raw bytes; Next returns the next complete message or ErrIncomplete.
// The startup phase is untagged; the decoder switches to tagged framing once
// a v3 startup (or cancel request) has been decoded. SSL and GSSENC requests
// do not end the startup phase, since the client follows a denial with
// another untagged startup message.
type Decoder struct {
	buf         []byte
	startupDone bool
}

// Feed appends raw bytes read from the client connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next decodes and consumes the next message. Returns ErrIncomplete when the
// buffer holds only part of a message; ErrMalformed or ErrUnsupportedVersion
// are fatal.
func (d *Decoder) Next() (Message, error) {
	if !d.startupDone {
		return d.nextStartup()
	}
	if len(d.buf) < 5 {
		return nil, ErrIncomplete
	}
	tag := d.buf[0]
	length := int(binary.BigEndian.Uint32(d.buf[1:5]))
	if length < 4 || length > MaxMessageLen {
		return nil, fmt.Errorf("%w: tag %q length %d", ErrMalformed, tag, length)
	}
	total := 1 + length
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}
	raw := make([]byte, total)
	copy(raw, d.buf[:total])
	d.buf = d.buf[total:]
	return decodeTagged(tag, raw)
}

func (d *Decoder) nextStartup() (Message, error) {
	if len(d.buf) < 8 {
		return nil, ErrIncomplete
	}
	length := int(binary.BigEndian.Uint32(d.buf[0:4]))
	if length < 8 || length > MaxMessageLen {
		return nil, fmt.Errorf("%w: startup length %d", ErrMalformed, length)
	}
	if len(d.buf) < length {
		return nil, ErrIncomplete
	}
	raw := make([]byte, length)
	copy(raw, d.buf[:length])
	d.buf = d.buf[length:]

	code := binary.BigEndian.Uint32(raw[4:8])
	switch code {
	case CodeSSLRequest, CodeGSSENCRequest:
		// Another untagged startup follows the denial.
	case CodeCancelRequest:
		d.startupDone = true
	default:
		if code>>16 != 3 {
			return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, code>>16, code&0xffff)
		}
		d.startupDone = true
	}
	return Startup{raw: raw, Code: code}, nil
}

func decodeTagged(tag byte, raw []byte) (Message, error) {
	payload := raw[5:]
	switch tag {
	case TagQuery:
		sql, _, ok := cstring(payload)
		if !ok {
			return nil, fmt.Errorf("%w: Query without terminator", ErrMalformed)
		}
		return SimpleQuery{raw: raw, SQL: sql}, nil
	case TagParse:
		name, rest, ok := cstring(payload)
		if !ok {
			return nil, fmt.Errorf("%w: Parse missing statement name", ErrMalformed)
		}
		sql, _, ok := cstring(rest)
		if !ok {
			return nil, fmt.Errorf("%w: Parse missing query text", ErrMalformed)
		}
		return Parse{raw: raw, Name: name, SQL: sql}, nil
	case TagBind:
		portal, rest, ok := cstring(payload)
		if !ok {
			return nil, fmt.Errorf("%w: Bind missing portal name", ErrMalformed)
		}
		stmt, _, ok := cstring(rest)
		if !ok {
			return nil, fmt.Errorf("%w: Bind missing statement name", ErrMalformed)
		}
		return Bind{raw: raw, Portal: portal, Statement: stmt}, nil
	case TagExecute:
		portal, _, ok := cstring(payload)
		if !ok {
			return nil, fmt.Errorf("%w: Execute missing portal name", ErrMalformed)
		}
		return Execute{raw: raw, Portal: portal}, nil
	case TagClose:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: empty Close", ErrMalformed)
		}
		name, _, ok := cstring(payload[1:])
		if !ok {
			return nil, fmt.Errorf("%w: Close missing name", ErrMalformed)
		}
		return Close{raw: raw, Kind: payload[0], Name: name}, nil
	case TagSync:
		return Sync{raw: raw}, nil
	case TagTerminate:
		return Terminate{raw: raw}, nil
	default:
		return Opaque{raw: raw, Tag: tag}, nil
	}
}

// cstring splits a null-terminated string off the front of data.
func cstring(data []byte) (s string, rest []byte, ok bool) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], true
		}
	}
	return "", nil, false
}

// ReadFrame blocks until one complete tagged frame is available on r and
// returns its tag and full raw bytes (tag, length, payload). Used by the
// response relay, where every server message is tagged because the proxy
// denies SSL/GSSENC upgrades before the startup message is forwarded.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 || length > MaxMessageLen {
		return 0, nil, fmt.Errorf("%w: tag %q length %d", ErrMalformed, header[0], length)
	}
	frame := make([]byte, 1+length)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[5:]); err != nil {
		return 0, nil, err
	}
	return header[0], frame, nil
}

// SSLDenied is the single-byte answer to an SSLRequest or GSSENCRequest
// telling the client to continue in plaintext.
var SSLDenied = []byte{'N'}

// TxIdle is the ReadyForQuery status for "idle, not in a transaction".
const TxIdle byte = 'I'

// ErrorResponse encodes a protocol-valid ErrorResponse message. Empty detail
// and hint fields are omitted.
func ErrorResponse(severity, code, message, detail, hint string) []byte {
	fields := make([]byte, 0, 64)
	appendField := func(tag byte, value string) {
		if value == "" {
			return
		}
		fields = append(fields, tag)
		fields = append(fields, value...)
		fields = append(fields, 0)
	}
	appendField('S', severity)
	appendField('V', severity)
	appendField('C', code)
	appendField('M', message)
	appendField('D', detail)
	appendField('H', hint)
	fields = append(fields, 0)

	msg := make([]byte, 0, 5+len(fields))
	msg = append(msg, TagErrorResponse)
	msg = binary.BigEndian.AppendUint32(msg, uint32(4+len(fields)))
	return append(msg, fields...)
}

// ReadyForQuery encodes a ReadyForQuery message with the given transaction
// status byte.
func ReadyForQuery(status byte) []byte {
	return []byte{TagReadyForQuery, 0, 0, 0, 5, status}
}
