package license

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// SignatureVerifier checks the embedded signature of a parsed license.
// A signature that is present but does not verify yields (false, nil); an
// error means the verifier itself is misconfigured.
type SignatureVerifier interface {
	Verify(ctx context.Context, l *License) (bool, error)
}

// XMLDSigVerifier verifies enveloped XML-DSig signatures against a single
// RSA key. KeyInfo carried inside the document is ignored: the configured
// key is the only trust anchor.
type XMLDSigVerifier struct {
	keys   KeyProvider
	logger *slog.Logger
}

// NewXMLDSigVerifier creates a verifier using keys
func NewXMLDSigVerifier(keys KeyProvider, logger *slog.Logger) *XMLDSigVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &XMLDSigVerifier{
		keys:   keys,
		logger: logger.With(slog.String("component", "signature_verifier")),
	}
}

// Verify implements SignatureVerifier
func (v *XMLDSigVerifier) Verify(ctx context.Context, l *License) (ok bool, err error) {
	if v.keys == nil {
		return false, fmt.Errorf("%w: no key provider configured", ErrInvalidPublicKey)
	}
	key, err := v.keys.PublicKey(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve public key: %w", err)
	}

	doc := l.Document()
	stripKeyInfo(doc)

	store := &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{trustAnchor(key)},
	}
	vctx := dsig.NewDefaultValidationContext(store)

	defer func() {
		if r := recover(); r != nil {
			v.logger.WarnContext(ctx, "signature validation panicked", slog.Any("panic", r))
			ok, err = false, nil
		}
	}()

	if _, verr := vctx.Validate(doc.Root()); verr != nil {
		v.logger.DebugContext(ctx, "signature rejected", slog.String("error", verr.Error()))
		return false, nil
	}
	return true, nil
}

// stripKeyInfo removes KeyInfo from every signature. KeyInfo sits outside
// SignedInfo and the enveloped content, so removing it never changes what
// was signed.
func stripKeyInfo(doc *etree.Document) {
	for _, sig := range findSignatures(doc) {
		for _, child := range sig.ChildElements() {
			if child.Tag == "KeyInfo" && child.NamespaceURI() == XMLDSigNamespace {
				sig.RemoveChild(child)
			}
		}
	}
}

// trustAnchor wraps key in a certificate that is valid at any time, so the
// certificate store accepts it as the sole root
func trustAnchor(key *rsa.PublicKey) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: big.NewInt(1),
		PublicKey:    key,
		NotBefore:    time.Unix(0, 0).UTC(),
		NotAfter:     time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC),
	}
}
