package license

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingKeyProvider struct{ err error }

func (p failingKeyProvider) PublicKey(context.Context) (*rsa.PublicKey, error) {
	return nil, p.err
}

func verifierFor(t *testing.T, ks *testKeyStore) *XMLDSigVerifier {
	p, err := NewStaticKeyProvider(ks.publicPEM(t), testKeyBits)
	require.NoError(t, err)
	return NewXMLDSigVerifier(p, nil)
}

func TestXMLDSigVerifier(t *testing.T) {
	primary := keyStore(t, "primary")
	other := keyStore(t, "other")
	doc := signedLicense(t, primary, defaultFixture())

	tests := []struct {
		name     string
		document []byte
		verifier *XMLDSigVerifier
		want     bool
	}{
		{
			name:     "signed with configured key",
			document: doc,
			verifier: verifierFor(t, primary),
			want:     true,
		},
		{
			name:     "signed with another key",
			document: doc,
			verifier: verifierFor(t, other),
			want:     false,
		},
		{
			name:     "name changed after signing",
			document: bytes.Replace(doc, []byte("Jane Doe"), []byte("Jane Dox"), 1),
			verifier: verifierFor(t, primary),
			want:     false,
		},
		{
			name:     "expiration extended after signing",
			document: bytes.Replace(doc, []byte("2099-01-01"), []byte("2199-01-01"), 1),
			verifier: verifierFor(t, primary),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Parse(tt.document)
			require.NoError(t, err)

			ok, err := tt.verifier.Verify(context.Background(), l)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestXMLDSigVerifierIgnoresEmbeddedKeyInfo(t *testing.T) {
	primary := keyStore(t, "primary")
	attacker := keyStore(t, "other")

	// a document signed by another key carries that key's certificate in
	// KeyInfo; only the configured key may be trusted
	l, err := Parse(signedLicense(t, attacker, defaultFixture()))
	require.NoError(t, err)

	ok, err := verifierFor(t, primary).Verify(context.Background(), l)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestXMLDSigVerifierTamperedSignatureValue(t *testing.T) {
	primary := keyStore(t, "primary")
	l, err := Parse(signedLicense(t, primary, defaultFixture()))
	require.NoError(t, err)

	doc := l.Document()
	value := doc.FindElement("//SignatureValue")
	require.NotNil(t, value)
	value.SetText("AAAA" + value.Text()[4:])

	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	tampered, err := Parse(out)
	require.NoError(t, err)

	ok, err := verifierFor(t, primary).Verify(context.Background(), tampered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestXMLDSigVerifierDoesNotMutateLicense(t *testing.T) {
	primary := keyStore(t, "primary")
	l, err := Parse(signedLicense(t, primary, defaultFixture()))
	require.NoError(t, err)

	_, err = verifierFor(t, primary).Verify(context.Background(), l)
	require.NoError(t, err)

	keyInfo := l.Signature().FindElements("./KeyInfo")
	assert.Len(t, keyInfo, 1)
}

func TestXMLDSigVerifierConfigurationErrors(t *testing.T) {
	l, err := Parse(signedLicense(t, keyStore(t, "primary"), defaultFixture()))
	require.NoError(t, err)

	boom := errors.New("token removed")
	ok, err := NewXMLDSigVerifier(failingKeyProvider{err: boom}, nil).Verify(context.Background(), l)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	ok, err = NewXMLDSigVerifier(nil, nil).Verify(context.Background(), l)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestStripKeyInfo(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(
		`<license><ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:SignedInfo/><ds:KeyInfo/><KeyInfo/></ds:Signature></license>`))

	stripKeyInfo(doc)

	sig := doc.Root().ChildElements()[0]
	var tags []string
	for _, c := range sig.ChildElements() {
		tags = append(tags, c.FullTag())
	}
	// the unqualified KeyInfo is outside the signature namespace
	assert.Equal(t, []string{"ds:SignedInfo", "KeyInfo"}, tags)
}
