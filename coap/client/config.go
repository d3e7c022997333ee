package client

import (
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"

	"github.com/coreraft/raftnet/dtlssession"
	"github.com/coreraft/raftnet/rerr"
)

// Config is the CoAP client configuration surface (spec §6, "CoAP client").
type Config struct {
	EnableDTLS     bool
	CertFile       string
	KeyFile        string
	CAFile         string
	VerifyPeerCert bool
	PSKIdentity    string
	PSKKey         []byte

	AckTimeout    time.Duration
	MaxRetransmit int

	MaxSessions            int
	EnableSessionReuse     bool
	EnableConnectionPooling bool
	ConnectionPoolSize     int
	SessionTimeout         time.Duration

	EnableBlockTransfer bool
	MaxBlockSize        int

	EnableMemoryOptimization bool
	MemoryPoolSize           int

	EnableSerializationCaching bool
	SerializationCacheSize     int

	EnableConcurrentProcessing bool
	MaxConcurrentRequests      int

	EnableMulticast  bool
	MulticastAddress string
	MulticastPort    int

	HandshakeTimeout time.Duration
}

// Option mutates a Config under construction, mirroring the teacher's
// functional-option config idiom (SPEC_FULL §2, Ambient Stack).
type Option func(*Config)

// NewConfig returns a Config with production-sane defaults, mutated by opts.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		AckTimeout:                 2 * time.Second,
		MaxRetransmit:              4,
		MaxSessions:                16,
		EnableSessionReuse:         true,
		EnableConnectionPooling:    true,
		ConnectionPoolSize:         8,
		SessionTimeout:             5 * time.Minute,
		EnableBlockTransfer:        true,
		MaxBlockSize:               1024,
		EnableMemoryOptimization:   false,
		MemoryPoolSize:             1 << 20,
		EnableSerializationCaching: true,
		SerializationCacheSize:     256,
		EnableConcurrentProcessing: true,
		MaxConcurrentRequests:      64,
		EnableMulticast:            false,
		MulticastPort:              5683,
		HandshakeTimeout:           5 * time.Second,
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

// LoadConfig decodes raw (as produced by an agent config file parser, an
// external collaborator per spec §1) into a Config layered on NewConfig's
// defaults, using the same mapstructure decoding idiom the teacher uses for
// its own HCL/JSON agent config (SPEC_FULL §2).
func LoadConfig(raw map[string]any) (*Config, error) {
	cfg := NewConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, rerr.New(rerr.KindConfig, "coap.client.loadconfig", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, rerr.New(rerr.KindConfig, "coap.client.loadconfig", err)
	}
	return cfg, nil
}

// DTLSConfig projects the client config's DTLS fields into a
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
