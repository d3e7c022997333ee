package dtlssession

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

func TestConfig_Validate_PSK(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "node-1", PSKKey: []byte("0123456789abcdef")}
	must.NoError(t, c.Validate())
	must.Eq(t, AuthPSK, c.Mode())
}

func TestConfig_Validate_PSKKeyTooShort(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "node-1", PSKKey: []byte("ab")}
	err := c.Validate()
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindSecurity))
}

func TestConfig_Validate_BothAuthModesRejected(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef"), CertFile: "cert.pem", KeyFile: "key.pem"}
	err := c.Validate()
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindConfig))
}

func TestConfig_Validate_NoAuthModeRejected(t *testing.T) {
	c := &Config{Enabled: true}
	err := c.Validate()
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindConfig))
}

func TestConfig_Validate_VersionRangeInverted(t *testing.T) {
	c := &Config{
		Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef"),
		MinVersion: VersionTLS13, MaxVersion: VersionTLS12,
	}
	err := c.Validate()
	must.Error(t, err)
}

func TestConfig_Validate_DisabledSkipsChecks(t *testing.T) {
	c := &Config{Enabled: false}
	must.NoError(t, c.Validate())
	must.Eq(t, AuthNone, c.Mode())
}

func TestConfig_Validate_HandshakeTimeoutIndependent(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef"), HandshakeTimeout: 2 * time.Second}
	must.NoError(t, c.Validate())
}

func TestConfig_ValidateScheme_CoAPRejectedWhenDTLSEnabled(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef")}
	err := c.ValidateScheme(raftrpc.SchemeCoAP)
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindSecurity))
	must.ErrorIs(t, err, rerr.ErrSchemeMismatch)
}

func TestConfig_ValidateScheme_CoAPSRejectedWhenDTLSDisabled(t *testing.T) {
	c := &Config{Enabled: false}
	err := c.ValidateScheme(raftrpc.SchemeCoAPS)
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindSecurity))
	must.ErrorIs(t, err, rerr.ErrSchemeMismatch)
}

func TestConfig_ValidateScheme_MatchingSchemesAccepted(t *testing.T) {
	enabled := &Config{Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef")}
	must.NoError(t, enabled.ValidateScheme(raftrpc.SchemeCoAPS))

	disabled := &Config{Enabled: false}
	must.NoError(t, disabled.ValidateScheme(raftrpc.SchemeCoAP))
}

func TestConfig_ValidateScheme_UnspecifiedSkipsCheck(t *testing.T) {
	c := &Config{Enabled: true, PSKIdentity: "x", PSKKey: []byte("0123456789abcdef")}
	must.NoError(t, c.ValidateScheme(raftrpc.SchemeUnspecified))
}
