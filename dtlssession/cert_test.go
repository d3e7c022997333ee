package dtlssession

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/rerr"
)

func writeSelfSignedCert(t *testing.T, dir string, notBefore, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	must.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "raftnet-test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	must.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	must.NoError(t, err)
	must.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	must.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(priv)
	must.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	must.NoError(t, err)
	must.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	must.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestLoadCertificates_ValidWindow(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	c := &Config{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	must.NoError(t, c.Validate())
	must.NoError(t, c.LoadCertificates())
}

func TestLoadCertificates_ExpiredRejected(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))

	c := &Config{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	err := c.LoadCertificates()
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindSecurity))
}

func TestLoadCertificates_NotYetValidRejected(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	c := &Config{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	err := c.LoadCertificates()
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindSecurity))
}

func TestLoadCertificates_MalformedPEMRejected(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "bad.pem")
	keyPath := filepath.Join(dir, "key.pem")
	must.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o600))
	must.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	c := &Config{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	err := c.LoadCertificates()
	must.Error(t, err)
}
