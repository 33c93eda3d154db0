package license

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"
)

// DefaultKeySize is the expected RSA modulus length in bits
const DefaultKeySize = 4096

// ErrInvalidPublicKey is returned for key material that cannot be used
var ErrInvalidPublicKey = errors.New("invalid public key")

// KeyProvider resolves the RSA public key signatures are checked against.
// It stands in for a platform key store; failures are configuration errors.
type KeyProvider interface {
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
}

// StaticKeyProvider serves a key parsed once at construction
type StaticKeyProvider struct {
	key *rsa.PublicKey
}

// NewStaticKeyProvider parses material with ParsePublicKey and checks its size.
// keySize <= 0 skips the size check.
func NewStaticKeyProvider(material string, keySize int) (*StaticKeyProvider, error) {
	key, err := ParsePublicKey(material)
	if err != nil {
		return nil, err
	}
	if err := checkKeySize(key, keySize); err != nil {
		return nil, err
	}
	return &StaticKeyProvider{key: key}, nil
}

// PublicKey implements KeyProvider
func (p *StaticKeyProvider) PublicKey(context.Context) (*rsa.PublicKey, error) {
	return p.key, nil
}

// ParsePublicKey accepts an XML <RSAKeyValue> (base64 Modulus and Exponent),
// a PEM "PUBLIC KEY" block (PKIX) or a PEM "RSA PUBLIC KEY" block (PKCS#1)
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	material = strings.TrimSpace(material)
	switch {
	case material == "":
		return nil, fmt.Errorf("%w: empty key material", ErrInvalidPublicKey)
	case strings.HasPrefix(material, "-----BEGIN"):
		return parsePEMKey(material)
	case strings.HasPrefix(material, "<"):
		return parseXMLKey(material)
	default:
		return nil, fmt.Errorf("%w: unrecognised key format", ErrInvalidPublicKey)
	}
}

func parsePEMKey(material string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidPublicKey, block.Type)
	}
}

func parseXMLKey(material string) (*rsa.PublicKey, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "RSAKeyValue" {
		return nil, fmt.Errorf("%w: RSAKeyValue element missing", ErrInvalidPublicKey)
	}

	modulus, err := base64Element(root, "Modulus")
	if err != nil {
		return nil, err
	}
	exponent, err := base64Element(root, "Exponent")
	if err != nil {
		return nil, err
	}

	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: exponent out of range", ErrInvalidPublicKey)
	}
	n := new(big.Int).SetBytes(modulus)
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty modulus", ErrInvalidPublicKey)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func base64Element(parent *etree.Element, tag string) ([]byte, error) {
	el := parent.SelectElement(tag)
	if el == nil {
		return nil, fmt.Errorf("%w: %s missing", ErrInvalidPublicKey, tag)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(el.Text()), ""))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is not base64", ErrInvalidPublicKey, tag)
	}
	return raw, nil
}

func checkKeySize(key *rsa.PublicKey, keySize int) error {
	if keySize <= 0 {
		return nil
	}
	if bits := key.N.BitLen(); bits != keySize {
		return fmt.Errorf("%w: key is %d bits, expected %d", ErrInvalidPublicKey, bits, keySize)
	}
	return nil
}
