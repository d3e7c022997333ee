package dtlssession

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v2"

	"github.com/coreraft/raftnet/rerr"
)

// Session is a completed DTLS handshake wrapping a *dtls.Conn, or — when
// DTLS is disabled — a nominal identity over a plain connection (spec §3,
// Session). The cryptography is entirely delegated to pion/dtls/v2; this
// type only adds the identity, pool bookkeeping, and idle tracking the spec
// asks for.
type Session struct {
	ID     string
	Remote net.Addr

	mu        sync.Mutex
	conn      net.Conn // *piondtls.Conn when DTLS is enabled, the raw conn otherwise
	createdAt time.Time
	lastUsed  time.Time
}

// toPionConfig builds the pion/dtls/v2 configuration for this Config's
// selected auth mode (spec §4.5). pion/dtls/v2 only ever negotiates DTLS
// 1.2, which already satisfies the "min_version >= TLS 1.2" floor enforced
// in Validate — there is no separate min/max version knob to thread through
// to the library.
func (c *Config) toPionConfig() (*piondtls.Config, error) {
	pc := &piondtls.Config{
		InsecureSkipVerify: !c.VerifyPeerCert,
		FlightInterval:     200 * time.Millisecond,
	}

	switch c.Mode() {
	case AuthPSK:
		identity := []byte(c.PSKIdentity)
		key := append([]byte(nil), c.PSKKey...)
		pc.PSK = func(hint []byte) ([]byte, error) { return key, nil }
		pc.PSKIdentityHint = identity
		pc.CipherSuites = []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8}
	case AuthCertificate:
		if c.certificate == nil {
			return nil, rerr.New(rerr.KindConfig, "dtls.config", errCertsNotLoaded)
		}
		pc.Certificates = []tls.Certificate{*c.certificate}
		pc.CipherSuites = []piondtls.CipherSuiteID{piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
		if c.VerifyPeerCert {
			pc.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return c.VerifyChain(rawCerts)
			}
		}
	default:
		return nil, rerr.New(rerr.KindConfig, "dtls.config", errNoAuthMode)
	}
	return pc, nil
}

// Handshake performs the client side of a DTLS handshake over conn, bounded
// by cfg.HandshakeTimeout (spec §4.5, "bounded by a configured timeout; on
// expiry, tear down and report timeout").
func Handshake(ctx context.Context, conn net.Conn, cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pc, err := cfg.toPionConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withHandshakeTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	dconn, err := piondtls.ClientWithContext(ctx, conn, pc)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, rerr.Timeout("dtls.handshake", err)
		}
		return nil, rerr.New(rerr.KindSecurity, "dtls.handshake", err)
	}
	return newSession(dconn), nil
}

// Accept performs the server side of a DTLS handshake over conn.
func Accept(ctx context.Context, conn net.Conn, cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pc, err := cfg.toPionConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withHandshakeTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	dconn, err := piondtls.ServerWithContext(ctx, conn, pc)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, rerr.Timeout("dtls.accept", err)
		}
		return nil, rerr.New(rerr.KindSecurity, "dtls.accept", err)
	}
	return newSession(dconn), nil
}

// NewPlainSession wraps conn with no DTLS handshake, for when DTLS is
// disabled (spec §3, Session: "Without: a nominal UDP flow identity").
func NewPlainSession(conn net.Conn) *Session {
	return newSession(conn)
}

func newSession(conn net.Conn) *Session {
	now := time.Now()
	var remote net.Addr
	if conn != nil {
		remote = conn.RemoteAddr()
	}
	return &Session{
		ID:        uuid.NewString(),
		Remote:    remote,
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}
}

func withHandshakeTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Conn returns the underlying connection (a *piondtls.Conn in DTLS mode).
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records use, for idle-timeout sweeping in the session pool.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// IdleFor reports how long the session has gone unused.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type sessionErr string

func (e sessionErr) Error() string { return string(e) }

var errCertsNotLoaded = sessionErr("LoadCertificates must be called before Handshake in certificate mode")
