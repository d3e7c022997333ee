package coap

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestMessage_RoundTrip(t *testing.T) {
	m := &Message{
		Version:   1,
		Type:      TypeCON,
		Code:      CodePOST,
		MessageID: 0xBEEF,
		Token:     []byte{0x01, 0x02, 0x03},
		Payload:   []byte("hello raft"),
	}
	m.WithURIPath("/raft/append_entries")
	m.Options = append(m.Options, Option{ID: OptionContentFormat, Value: []byte{50}})

	encoded, err := m.Marshal()
	must.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	must.NoError(t, err)

	must.Eq(t, m.Version, decoded.Version)
	must.Eq(t, m.Type, decoded.Type)
	must.Eq(t, m.Code, decoded.Code)
	must.Eq(t, m.MessageID, decoded.MessageID)
	must.Eq(t, m.Token, decoded.Token)
	must.Eq(t, m.Payload, decoded.Payload)
	must.Eq(t, "/raft/append_entries", decoded.URIPath())

	cf, ok := decoded.Option(OptionContentFormat)
	must.True(t, ok)
	must.Eq(t, []byte{50}, cf.Value)
}

func TestMessage_RoundTrip_LargeOptionAndNoPayload(t *testing.T) {
	longQuery := make([]byte, 400) // forces the 2-byte extended length path
	for i := range longQuery {
		longQuery[i] = 'a'
	}
	m := &Message{
		Version:   1,
		Type:      TypeNON,
		Code:      CodeContent,
		MessageID: 1,
		Token:     []byte{0xAB},
		Options:   []Option{{ID: OptionURIQuery, Value: longQuery}},
	}

	encoded, err := m.Marshal()
	must.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	must.NoError(t, err)
	must.Eq(t, 0, len(decoded.Payload))
	opt, ok := decoded.Option(OptionURIQuery)
	must.True(t, ok)
	must.Eq(t, longQuery, opt.Value)
}

func TestMessage_ValidateFraming(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"valid", Message{Version: 1, Token: []byte{0x01}}, true},
		{"bad version", Message{Version: 2, Token: []byte{0x01}}, false},
		{"token too long", Message{Version: 1, Token: make([]byte, 9)}, false},
		{"empty token", Message{Version: 1, Token: nil}, false},
		{"all zero token", Message{Version: 1, Token: []byte{0, 0, 0}}, false},
		{"all 0xff token", Message{Version: 1, Token: []byte{0xff, 0xff}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.ValidateFraming()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
			}
		})
	}
}

func TestUnmarshal_TruncatedHeader(t *testing.T) {
	_, err := Unmarshal([]byte{0x01, 0x02})
	must.Error(t, err)
}
