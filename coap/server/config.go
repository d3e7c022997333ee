package server

import (
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"

	"github.com/coreraft/raftnet/dtlssession"
	"github.com/coreraft/raftnet/rerr"
)

// Config is the CoAP server configuration surface: the DTLS, block-transfer
// and multicast fields it shares with the client's Config, request and
// handshake timeouts, and the server-only MaxConcurrentSessions and
// MaxRequestSize. It has none of the client's retransmission (AckTimeout,
// MaxRetransmit), session-pool, memory-pool, serialization-cache or
// concurrency-limit fields.
type Config struct {
	EnableDTLS     bool
	CertFile       string
	KeyFile        string
	CAFile         string
	VerifyPeerCert bool
	PSKIdentity    string
	PSKKey         []byte

	MaxConcurrentSessions int
	MaxRequestSize        int

	EnableBlockTransfer bool
	MaxBlockSize        int

	EnableMulticast  bool
	MulticastAddress string
	MulticastPort    int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

// NewConfig returns a Config with production-sane defaults, mutated by opts.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		MaxConcurrentSessions: 256,
		MaxRequestSize:        64 * 1024,
		EnableBlockTransfer:   true,
		MaxBlockSize:          1024,
		MulticastPort:         5683,
		RequestTimeout:        5 * time.Second,
		HandshakeTimeout:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithDTLS(certFile, keyFile, caFile string, verifyPeer bool) Option {
	return func(c *Config) {
		c.EnableDTLS = true
		c.CertFile, c.KeyFile, c.CAFile, c.VerifyPeerCert = certFile, keyFile, caFile, verifyPeer
	}
}

func WithPSK(identity string, key []byte) Option {
	return func(c *Config) {
		c.EnableDTLS = true
		c.PSKIdentity, c.PSKKey = identity, key
	}
}

func WithMulticast(address string, port int) Option {
	return func(c *Config) {
		c.EnableMulticast = true
		c.MulticastAddress, c.MulticastPort = address, port
	}
}

// LoadConfig decodes raw onto NewConfig's defaults, mirroring
// coap/client.LoadConfig's decoding idiom (SPEC_FULL §2).
func LoadConfig(raw map[string]any) (*Config, error) {
	cfg := NewConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, rerr.New(rerr.KindConfig, "coap.server.loadconfig", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, rerr.New(rerr.KindConfig, "coap.server.loadconfig", err)
	}
	return cfg, nil
}

// DTLSConfig projects the server config's DTLS fields into a
// dtlssession.Config.
func (c *Config) DTLSConfig() *dtlssession.Config {
	return &dtlssession.Config{
		Enabled:          c.EnableDTLS,
		PSKIdentity:      c.PSKIdentity,
		PSKKey:           c.PSKKey,
		CertFile:         c.CertFile,
		KeyFile:          c.KeyFile,
		CAFile:           c.CAFile,
		VerifyPeerCert:   c.VerifyPeerCert,
		HandshakeTimeout: c.HandshakeTimeout,
		MinVersion:       dtlssession.VersionTLS12,
	}
}
