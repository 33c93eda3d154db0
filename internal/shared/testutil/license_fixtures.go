package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/require"
)

// LicenseSigner issues signed license documents for tests. It implements
// dsig.X509KeyStore with a throwaway self-signed certificate.
type LicenseSigner struct {
	key  *rsa.PrivateKey
	cert []byte
}

// NewLicenseSigner generates a 2048-bit signing key
func NewLicenseSigner(t testing.TB) *LicenseSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	cert, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return &LicenseSigner{key: key, cert: cert}
}

// GetKeyPair implements dsig.X509KeyStore
func (s *LicenseSigner) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return s.key, s.cert, nil
}

// KeyBits is the modulus size of the signing key
func (s *LicenseSigner) KeyBits() int {
	return s.key.N.BitLen()
}

// PublicKeyPEM returns the verification key as a PKIX PEM block
func (s *LicenseSigner) PublicKeyPEM(t testing.TB) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// LicenseFields are the attributes of an issued license. Empty fields are
// left out of the document.
type LicenseFields struct {
	ID         string
	Expiration string
	Type       string
	Name       string
}

// Sign builds a <license> document from f and signs it enveloped
func (s *LicenseSigner) Sign(t testing.TB, f LicenseFields) []byte {
	t.Helper()

	doc := etree.NewDocument()
	root := doc.CreateElement("license")
	for _, attr := range []struct{ key, value string }{
		{"id", f.ID},
		{"expiration", f.Expiration},
		{"type", f.Type},
	} {
		if attr.value != "" {
			root.CreateAttr(attr.key, attr.value)
		}
	}
	if f.Name != "" {
		root.CreateElement("name").SetText(f.Name)
	}

	signed, err := dsig.NewDefaultSigningContext(s).SignEnveloped(root)
	require.NoError(t, err)

	out := etree.NewDocument()
	out.SetRoot(signed)
	b, err := out.WriteToBytes()
	require.NoError(t, err)
	return b
}
