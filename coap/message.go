// Package coap implements the CoAP message model shared by the client and
// server: RFC 7252 wire framing, MessageID deduplication, Block1/Block2
// transfer, and the pending-request/token bookkeeping both sides need (spec
// §3, §4.3, §4.4). It knows nothing about sessions, sockets, or DTLS — those
// live in coap/client, coap/server, and dtlssession.
package coap

import (
	"encoding/binary"

	"github.com/coreraft/raftnet/rerr"
)

// Type is the CoAP message type (spec §3, CoapMessage).
type Type uint8

const (
	TypeCON Type = 0
	TypeNON Type = 1
	TypeACK Type = 2
	TypeRST Type = 3
)

// Code is a CoAP method/response code, encoded as (class<<5)|detail per
// RFC 7252 §3.
type Code uint8

func MakeCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1f) }

const (
	CodeEmpty  Code = 0
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04

	CodeCreated  Code = 2<<5 | 1  // 2.01
	CodeContent  Code = 2<<5 | 5  // 2.05
	CodeContinue Code = 2<<5 | 31 // 2.31 — block1 "more blocks expected"

	CodeBadRequest            Code = 4<<5 | 0  // 4.00
	CodeRequestEntityTooLarge Code = 4<<5 | 13 // 4.13

	CodeInternalServerError Code = 5<<5 | 0 // 5.00
)

// OptionID is a CoAP option number (spec §3, "Options include URI-Path,
// Content-Format, Block1, Block2").
type OptionID uint16

const (
	OptionObserve       OptionID = 6
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionURIQuery      OptionID = 15
	OptionBlock2        OptionID = 23
	OptionBlock1        OptionID = 27
	OptionSize1         OptionID = 60
)

// Option is a single CoAP option, keyed by ID, carrying an opaque value.
type Option struct {
	ID    OptionID
	Value []byte
}

// Message is the CoAP wire message (spec §3, CoapMessage).
type Message struct {
	Version   uint8
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

const maxTokenLength = 8

// ValidateFraming checks the framing constraints spec §4.4 step 1 requires
// before a server dispatches a request: version bits, token length, and the
// all-zero/all-0xFF token rejection that the source uses to reject malformed
// senders. Malformed messages are rejected with 4.00 Bad Request and
// recorded as a rejection (not a crash).
func (m *Message) ValidateFraming() error {
	if m.Version != 1 {
		return rerr.New(rerr.KindMalformed, "coap.validate", errBadVersion)
	}
	if len(m.Token) > maxTokenLength {
		return rerr.New(rerr.KindMalformed, "coap.validate", errTokenTooLong)
	}
	if len(m.Token) == 0 {
		return rerr.New(rerr.KindMalformed, "coap.validate", errEmptyToken)
	}
	if allBytesEqual(m.Token, 0x00) {
		return rerr.New(rerr.KindMalformed, "coap.validate", errAllZeroToken)
	}
	if allBytesEqual(m.Token, 0xff) {
		return rerr.New(rerr.KindMalformed, "coap.validate", errAllFFToken)
	}
	return nil
}

func allBytesEqual(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}

// URIPath reconstructs the request path from URI-Path options.
func (m *Message) URIPath() string {
	path := ""
	for _, opt := range m.Options {
		if opt.ID == OptionURIPath {
			path += "/" + string(opt.Value)
		}
	}
	return path
}

// WithURIPath sets the URI-Path options for path (e.g. "/raft/request_vote"),
// replacing any existing URI-Path options.
func (m *Message) WithURIPath(path string) {
	kept := m.Options[:0:0]
	for _, opt := range m.Options {
		if opt.ID != OptionURIPath {
			kept = append(kept, opt)
		}
	}
	m.Options = kept
	start := 0
	for start < len(path) {
		if path[start] == '/' {
			start++
			continue
		}
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		m.Options = append(m.Options, Option{ID: OptionURIPath, Value: []byte(path[start:end])})
		start = end
	}
}

// Option returns the first option with the given ID, if present.
func (m *Message) Option(id OptionID) (Option, bool) {
	for _, opt := range m.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// Marshal encodes m per RFC 7252 §3: a 4-byte header, the token, options
// (delta+length encoded, ascending by ID as the wire format requires), a
// 0xFF payload marker, then the payload.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, rerr.New(rerr.KindMalformed, "coap.marshal", errTokenTooLong)
	}
	buf := make([]byte, 0, 16+len(m.Token)+len(m.Payload))

	header := (m.Version&0x3)<<6 | (uint8(m.Type)&0x3)<<4 | uint8(len(m.Token))&0xf
	buf = append(buf, header, uint8(m.Code))
	buf = append(buf, byte(m.MessageID>>8), byte(m.MessageID))
	buf = append(buf, m.Token...)

	opts := sortedOptions(m.Options)
	var lastID OptionID
	for _, opt := range opts {
		delta := int(opt.ID) - int(lastID)
		lastID = opt.ID
		length := len(opt.Value)

		deltaNibble, deltaExt := splitOptionField(delta)
		lengthNibble, lengthExt := splitOptionField(length)

		buf = append(buf, byte(deltaNibble<<4|lengthNibble))
		buf = append(buf, deltaExt...)
		buf = append(buf, lengthExt...)
		buf = append(buf, opt.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xff)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Unmarshal decodes a CoAP message from the wire. Structural decode errors
// (truncated header, a token length field over 8 or past the end of the
// data, truncated options) are KindMalformed; the remaining semantic framing
// checks (token content, version) are ValidateFraming's job so the server
// can record them as a distinct rejection category per spec §4.4.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, rerr.New(rerr.KindMalformed, "coap.unmarshal", errTruncatedHeader)
	}
	m := &Message{
		Version:   data[0] >> 6,
		Type:      Type((data[0] >> 4) & 0x3),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	tkl := int(data[0] & 0xf)
	off := 4
	if tkl > maxTokenLength || off+tkl > len(data) {
		return nil, rerr.New(rerr.KindMalformed, "coap.unmarshal", errTokenTooLong)
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[off:off+tkl]...)
	}
	off += tkl

	var lastID OptionID
	for off < len(data) {
		if data[off] == 0xff {
			off++
			m.Payload = append([]byte(nil), data[off:]...)
			break
		}
		deltaNibble := OptionID(data[off] >> 4)
		lengthNibble := int(data[off] & 0xf)
		off++

		delta, n, err := readOptionField(deltaNibble, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		lengthField, n, err := readOptionField(OptionID(lengthNibble), data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		length := int(lengthField)

		lastID += delta
		if off+length > len(data) {
			return nil, rerr.New(rerr.KindMalformed, "coap.unmarshal", errTruncatedOption)
		}
		m.Options = append(m.Options, Option{ID: lastID, Value: append([]byte(nil), data[off:off+length]...)})
		off += length
	}

	return m, nil
}

func splitOptionField(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

func readOptionField(nibble OptionID, rest []byte) (OptionID, int, error) {
	switch {
	case nibble < 13:
		return nibble, 0, nil
	case nibble == 13:
		if len(rest) < 1 {
			return 0, 0, rerr.New(rerr.KindMalformed, "coap.unmarshal", errTruncatedOption)
		}
		return 13 + OptionID(rest[0]), 1, nil
	case nibble == 14:
		if len(rest) < 2 {
			return 0, 0, rerr.New(rerr.KindMalformed, "coap.unmarshal", errTruncatedOption)
		}
		return 269 + OptionID(binary.BigEndian.Uint16(rest[:2])), 2, nil
	default:
		return 0, 0, rerr.New(rerr.KindMalformed, "coap.unmarshal", errReservedOptionField)
	}
}

func sortedOptions(opts []Option) []Option {
	out := append([]Option(nil), opts...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

type wireErr string

func (e wireErr) Error() string { return string(e) }

var (
	errBadVersion          = wireErr("coap version bits must be 01")
	errTokenTooLong        = wireErr("token length exceeds 8 bytes")
	errEmptyToken          = wireErr("empty token")
	errAllZeroToken        = wireErr("all-zero token")
	errAllFFToken          = wireErr("all-0xFF token")
	errTruncatedHeader     = wireErr("message shorter than the 4-byte header")
	errTruncatedOption     = wireErr("option extends past end of message")
	errReservedOptionField = wireErr("option delta/length field 15 is reserved (payload marker)")
)
