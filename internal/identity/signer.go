package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/hideaway-io/hideaway/pkg/common"
	"github.com/pkg/errors"
)

// Signer is the certificate-authority contract the store consumes. The
// signing cryptography lives behind it; the store only does bookkeeping.
type Signer interface {
	// SignRequest signs a DER-encoded PKCS#10 request and returns the
	// issued certificate in DER form.
	SignRequest(csrDER []byte, validity time.Duration) ([]byte, error)

	// Verify checks that certDER chains to the authority root and is
	// within its validity window, returning the parsed certificate.
	Verify(certDER []byte) (*x509.Certificate, error)

	// Sign produces a detached signature over data.
	Sign(data []byte) ([]byte, error)
}

// LocalCA is a Signer backed by the stdlib x509 primitives with an
// in-process ECDSA P-256 root.
type LocalCA struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// NewLocalCA generates a fresh self-signed root.
func NewLocalCA(commonName string, validity time.Duration) (*LocalCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate root key")
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(common.UUIDint64()),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Hideaway"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, errors.Wrap(err, "create root certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &LocalCA{cert: cert, key: key}, nil
}

// Root returns the authority certificate.
func (ca *LocalCA) Root() *x509.Certificate {
	return ca.cert
}

func (ca *LocalCA) SignRequest(csrDER []byte, validity time.Duration) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, errors.Wrap(err, "parse signing request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "signing request self-signature")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(common.UUIDint64()),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
}

func (ca *LocalCA) Verify(certDER []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (ca *LocalCA) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ca.key.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// LoadOrCreateCA restores the persisted root from workdir, generating
// and persisting a fresh one on first boot. Certificates issued before a
// restart stay verifiable only because the root survives here.
func LoadOrCreateCA(workdir, commonName string, validity time.Duration) (*LocalCA, error) {
	certPath := filepath.Join(workdir, "ca.crt")
	keyPath := filepath.Join(workdir, "ca.key")

	if common.FileExists(certPath) && common.FileExists(keyPath) {
		return loadCA(certPath, keyPath)
	}

	ca, err := NewLocalCA(commonName, validity)
	if err != nil {
		return nil, err
	}
	if err := persistCA(ca, certPath, keyPath); err != nil {
		return nil, err
	}
	return ca, nil
}

func loadCA(certPath, keyPath string) (*LocalCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	if certBlock == nil || keyBlock == nil {
		return nil, errors.New("malformed authority material")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse root certificate")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse root key")
	}
	return &LocalCA{cert: cert, key: key}, nil
}

func persistCA(ca *LocalCA, certPath, keyPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(ca.key.(*ecdsa.PrivateKey))
	if err != nil {
		return errors.Wrap(err, "encode root key")
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// Fingerprint returns the SHA-256 fingerprint of a DER certificate in
// hex form.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}
