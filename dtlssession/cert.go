package dtlssession

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/coreraft/raftnet/rerr"
)

// LoadCertificates reads and validates the certificate/key pair and, when
// CAFile is non-empty, the CA bundle named in the Config (spec §4.5:
// "certificate PEM framing, validity period, and chain of trust are
// validated before first use"). It populates c.certificate/c.caPEM and must
// be called once before Handshake in certificate mode.
func (c *Config) LoadCertificates() error {
	if c.Mode() != AuthCertificate {
		return nil
	}

	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return rerr.New(rerr.KindConfig, "dtls.loadcert", err)
	}
	keyPEM, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return rerr.New(rerr.KindConfig, "dtls.loadcert", err)
	}

	leaf, err := parseAndValidateLeaf(certPEM)
	if err != nil {
		return err
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return rerr.New(rerr.KindSecurity, "dtls.loadcert", err)
	}
	pair.Leaf = leaf
	c.certificate = &pair

	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return rerr.New(rerr.KindConfig, "dtls.loadcert", err)
		}
		if _, err := parseAndValidateLeaf(caPEM); err != nil {
			return err
		}
		c.caPEM = caPEM
	}

	return nil
}

// parseAndValidateLeaf checks PEM framing and the certificate's validity
// window (spec §4.5). Chain-of-trust verification happens separately in
// VerifyChain, since it requires the peer's presented chain.
func parseAndValidateLeaf(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, rerr.New(rerr.KindSecurity, "dtls.parsecert", errMalformedPEM)
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, rerr.New(rerr.KindSecurity, "dtls.parsecert", err)
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return nil, rerr.New(rerr.KindSecurity, "dtls.parsecert", errCertNotYetValid)
	}
	if now.After(leaf.NotAfter) {
		return nil, rerr.New(rerr.KindSecurity, "dtls.parsecert", errCertExpired)
	}

	return leaf, nil
}

// VerifyChain checks rawCerts (as delivered by pion/dtls/v2's
// VerifyPeerCertificate callback) against the configured CA pool. It is
// only invoked when VerifyPeerCert is set; with it unset, peer certificates
// are accepted without chain verification (spec §4.5 Open Question):
// VerifyPeerCert gates chain checking, not presence.
func (c *Config) VerifyChain(rawCerts [][]byte) error {
	if !c.VerifyPeerCert {
		return nil
	}
	if len(rawCerts) == 0 {
		return rerr.New(rerr.KindSecurity, "dtls.verifychain", errNoPeerCertificate)
	}

	pool := x509.NewCertPool()
	if len(c.caPEM) > 0 {
		if !pool.AppendCertsFromPEM(c.caPEM) {
			return rerr.New(rerr.KindConfig, "dtls.verifychain", errCAPoolEmpty)
		}
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return rerr.New(rerr.KindSecurity, "dtls.verifychain", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return rerr.New(rerr.KindSecurity, "dtls.verifychain", err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return rerr.New(rerr.KindSecurity, "dtls.verifychain", err)
	}
	return nil
}

var (
	errMalformedPEM      = configErr("certificate is not a valid PEM-encoded CERTIFICATE block")
	errCertNotYetValid   = configErr("certificate not yet valid")
	errCertExpired       = configErr("certificate has expired")
	errNoPeerCertificate = configErr("peer presented no certificate")
	errCAPoolEmpty       = configErr("ca_file contained no usable certificates")
)
