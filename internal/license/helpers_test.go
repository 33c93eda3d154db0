package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/require"

	"licverify/internal/fingerprint"
)

const testKeyBits = 2048

var testUserID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

// testKeyStore implements dsig.X509KeyStore with a self-signed certificate
type testKeyStore struct {
	key  *rsa.PrivateKey
	cert []byte
}

func (ks *testKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return ks.key, ks.cert, nil
}

func (ks *testKeyStore) publicPEM(t testing.TB) string {
	der, err := x509.MarshalPKIXPublicKey(&ks.key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

var (
	keyStoresMu sync.Mutex
	keyStores   = map[string]*testKeyStore{}
)

// keyStore returns a signing key for name, generated once per test binary
func keyStore(t testing.TB, name string) *testKeyStore {
	t.Helper()
	keyStoresMu.Lock()
	defer keyStoresMu.Unlock()

	if ks, ok := keyStores[name]; ok {
		return ks
	}
	key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
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

	ks := &testKeyStore{key: key, cert: cert}
	keyStores[name] = ks
	return ks
}

type licenseFixture struct {
	id         string
	expiration string
	typ        string
	name       string
	extra      map[string]string
}

func defaultFixture() licenseFixture {
	return licenseFixture{
		id:         testUserID.String(),
		expiration: "2099-01-01T00:00:00.0000000",
		typ:        "None",
		name:       "Jane Doe",
	}
}

func unsignedDocument(fx licenseFixture) *etree.Document {
	doc := etree.NewDocument()
	root := doc.CreateElement("license")
	if fx.id != "" {
		root.CreateAttr("id", fx.id)
	}
	if fx.expiration != "" {
		root.CreateAttr("expiration", fx.expiration)
	}
	if fx.typ != "" {
		root.CreateAttr("type", fx.typ)
	}
	for k, v := range fx.extra {
		root.CreateAttr(k, v)
	}
	if fx.name != "" {
		root.CreateElement("name").SetText(fx.name)
	}
	return doc
}

// signedLicense builds and signs a license document with ks
func signedLicense(t testing.TB, ks *testKeyStore, fx licenseFixture) []byte {
	t.Helper()
	doc := unsignedDocument(fx)

	sctx := dsig.NewDefaultSigningContext(ks)
	signed, err := sctx.SignEnveloped(doc.Root())
	require.NoError(t, err)

	out := etree.NewDocument()
	out.SetRoot(signed)
	b, err := out.WriteToBytes()
	require.NoError(t, err)
	return b
}

type fixedTime struct {
	now   time.Time
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fixedTime) Now(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return f.now, f.err
}

func (f *fixedTime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticFingerprint uuid.UUID

func (s staticFingerprint) Generate(context.Context) fingerprint.Fingerprint {
	return fingerprint.Fingerprint(s)
}

func strPtr(s string) *string { return &s }

// newTestValidator builds a validator trusting ks, with a fixed clock at
// 2024-01-01 and the test fingerprint
func newTestValidator(t testing.TB, ks *testKeyStore, opts ...Option) *Validator {
	t.Helper()
	cfg := DefaultConfig(ks.publicPEM(t))
	cfg.KeySize = testKeyBits

	base := []Option{
		WithTimeSource(&fixedTime{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}),
		WithFingerprinter(staticFingerprint(testUserID)),
	}
	v, err := NewValidator(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return v
}
