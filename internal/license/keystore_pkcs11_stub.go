//go:build !cgo

package license

import (
	"context"
	"crypto/rsa"
	"errors"
)

// PKCS11KeyProvider is unavailable when cgo is disabled.
type PKCS11KeyProvider struct {
	Module  string
	Slot    uint
	Label   string
	ID      []byte
	PIN     string
	KeySize int
}

// PublicKey always fails without cgo
func (p *PKCS11KeyProvider) PublicKey(context.Context) (*rsa.PublicKey, error) {
	return nil, errors.New("PKCS#11 key store requires a cgo build")
}
