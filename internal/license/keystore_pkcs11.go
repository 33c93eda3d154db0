//go:build cgo

package license

import (
	"context"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"
)

// PKCS11KeyProvider reads an RSA public key object from a PKCS#11 token.
// The object is matched by label, and by ID when one is given.
type PKCS11KeyProvider struct {
	Module  string
	Slot    uint
	Label   string
	ID      []byte
	PIN     string
	KeySize int
}

// PublicKey implements KeyProvider. The module is loaded and released on
// every call; no session outlives it.
func (p *PKCS11KeyProvider) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p11 := pkcs11.New(p.Module)
	if p11 == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", p.Module)
	}
	defer p11.Destroy()

	if err := p11.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}
	defer p11.Finalize()

	session, err := p11.OpenSession(p.Slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open session on slot %d: %w", p.Slot, err)
	}
	defer p11.CloseSession(session)

	if p.PIN != "" {
		if err := p11.Login(session, pkcs11.CKU_USER, p.PIN); err != nil {
			return nil, fmt.Errorf("failed to log in to slot %d: %w", p.Slot, err)
		}
		defer p11.Logout(session)
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
	}
	if p.Label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.Label))
	}
	if len(p.ID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, p.ID))
	}

	if err := p11.FindObjectsInit(session, template); err != nil {
		return nil, fmt.Errorf("failed to search slot %d: %w", p.Slot, err)
	}
	objs, _, err := p11.FindObjects(session, 1)
	p11.FindObjectsFinal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to search slot %d: %w", p.Slot, err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("public key %q not found in slot %d", p.Label, p.Slot)
	}

	attrs, err := p11.GetAttributeValue(session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read public key attributes: %w", err)
	}

	key := &rsa.PublicKey{N: new(big.Int)}
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_MODULUS:
			key.N.SetBytes(a.Value)
		case pkcs11.CKA_PUBLIC_EXPONENT:
			key.E = int(new(big.Int).SetBytes(a.Value).Int64())
		}
	}
	if key.N.Sign() == 0 || key.E == 0 {
		return nil, fmt.Errorf("%w: token returned an incomplete key", ErrInvalidPublicKey)
	}
	if err := checkKeySize(key, p.KeySize); err != nil {
		return nil, err
	}
	return key, nil
}
