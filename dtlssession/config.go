// Package dtlssession implements the DTLS session layer: PSK/certificate
// configuration and validation, handshake orchestration against
// github.com/pion/dtls/v2, and a per-endpoint session pool (spec §4.5).
// Cryptography itself is delegated to pion/dtls/v2, the DTLS provider whose
// contract this package adapts; the validation *policy* (PEM framing,
// validity window, chain, PSK length bounds) is ours to enforce.
package dtlssession

import (
	"crypto/tls"
	"time"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// AuthMode is the exactly-one-of authentication mode required when DTLS is
// enabled (spec §4.5).
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthPSK
	AuthCertificate
)

// Version mirrors the TLS/DTLS version constants relevant to cipher-suite
// acceptance (spec §4.5, "min_version ≥ TLS 1.2").
type Version int

const (
	VersionUnspecified Version = iota
	VersionTLS12
	VersionTLS13
)

// Config is the DTLS configuration surface (spec §6, CoAP client/server
// config mirrors this for the `enable_dtls`/`psk_*`/`cert_*` fields).
type Config struct {
	Enabled bool

	// PSK mode.
	PSKIdentity string
	PSKKey      []byte

	// Certificate mode.
	CertFile       string
	KeyFile        string
	CAFile         string
	VerifyPeerCert bool

	// Loaded material, populated by LoadCertificates (kept separate from
	// the file paths so Config stays serializable/comparable).
	certificate *tls.Certificate
	caPEM       []byte

	MinVersion Version
	MaxVersion Version

	HandshakeTimeout time.Duration
}

// Mode returns which AuthMode this config selects, or AuthNone if DTLS is
// disabled.
func (c *Config) Mode() AuthMode {
	if !c.Enabled {
		return AuthNone
	}
	if c.PSKIdentity != "" || len(c.PSKKey) > 0 {
		return AuthPSK
	}
	if c.CertFile != "" || c.KeyFile != "" {
		return AuthCertificate
	}
	return AuthNone
}

// Validate checks the configuration against spec §4.5's constraints: exactly
// one auth mode when enabled, PSK length bounds, certificate paths present,
// and min_version <= max_version.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	hasPSK := c.PSKIdentity != "" || len(c.PSKKey) > 0
	hasCert := c.CertFile != "" || c.KeyFile != ""
	if hasPSK && hasCert {
		return rerr.New(rerr.KindConfig, "dtls.validate", errBothAuthModes)
	}
	if !hasPSK && !hasCert {
		return rerr.New(rerr.KindConfig, "dtls.validate", errNoAuthMode)
	}

	if hasPSK {
		if len(c.PSKIdentity) > 128 {
			return rerr.New(rerr.KindSecurity, "dtls.validate", errPSKIdentityTooLong)
		}
		if len(c.PSKKey) < 4 || len(c.PSKKey) > 64 {
			return rerr.New(rerr.KindSecurity, "dtls.validate", errPSKKeyLength)
		}
	}

	if hasCert {
		if c.CertFile == "" || c.KeyFile == "" {
			return rerr.New(rerr.KindConfig, "dtls.validate", errMissingCertPaths)
		}
	}

	if c.MinVersion != VersionUnspecified && c.MinVersion < VersionTLS12 {
		return rerr.New(rerr.KindConfig, "dtls.validate", errMinVersionTooLow)
	}
	if c.MaxVersion != VersionUnspecified && c.MinVersion != VersionUnspecified && c.MinVersion > c.MaxVersion {
		return rerr.New(rerr.KindConfig, "dtls.validate", errVersionRangeInverted)
	}

	return nil
}

// ValidateScheme checks scheme against whether this config has DTLS enabled
// (spec §4.5/§7: "an endpoint URI's scheme (coap:// vs coaps://) must agree
// with the DTLS flag; mismatch ⇒ security error"). SchemeUnspecified never
// mismatches, since not every caller resolves a scheme before establishing
// a session.
func (c *Config) ValidateScheme(scheme raftrpc.Scheme) error {
	switch scheme {
	case raftrpc.SchemeUnspecified:
		return nil
	case raftrpc.SchemeCoAPS:
		if !c.Enabled {
			return rerr.New(rerr.KindSecurity, "dtls.validatescheme", rerr.ErrSchemeMismatch)
		}
	case raftrpc.SchemeCoAP:
		if c.Enabled {
			return rerr.New(rerr.KindSecurity, "dtls.validatescheme", rerr.ErrSchemeMismatch)
		}
	default:
		return rerr.New(rerr.KindConfig, "dtls.validatescheme", errUnknownScheme)
	}
	return nil
}

var (
	errBothAuthModes        = configErr("PSK and certificate auth both configured; exactly one is required")
	errNoAuthMode           = configErr("DTLS enabled but neither PSK nor certificate auth configured")
	errPSKIdentityTooLong   = configErr("psk_identity exceeds 128 characters")
	errPSKKeyLength         = configErr("psk_key must be between 4 and 64 bytes")
	errMissingCertPaths     = configErr("certificate mode requires both cert_file and key_file")
	errMinVersionTooLow     = configErr("min_version must be at least TLS 1.2")
	errVersionRangeInverted = configErr("min_version is greater than max_version")
	errUnknownScheme        = configErr("endpoint scheme is neither coap nor coaps")
)

type configErr string

func (e configErr) Error() string { return string(e) }
