package license

import (
	"fmt"
	"maps"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// ExpirationLayout is the exact format of the expiration attribute
// (yyyy-MM-ddTHH:mm:ss.fffffff, always UTC)
const ExpirationLayout = "2006-01-02T15:04:05.0000000"

// Type is the closed set of license variants
type Type int

const (
	TypeNone Type = iota
	TypePersonal
	TypeStandard
	TypeSubscription
	TypeTrial
	TypeFloating
)

var typeNames = map[Type]string{
	TypeNone:         "None",
	TypePersonal:     "Personal",
	TypeStandard:     "Standard",
	TypeSubscription: "Subscription",
	TypeTrial:        "Trial",
	TypeFloating:     "Floating",
}

// String returns the name used in license documents
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType maps a document type name to a Type. Matching is exact.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown license type %q", name)
}

// AllTypes returns every license variant
func AllTypes() []Type {
	return []Type{TypeNone, TypePersonal, TypeStandard, TypeSubscription, TypeTrial, TypeFloating}
}

// License is a parsed license document. Instances are produced by Parse and
// must not be modified; a pre-validation transform returns a new one.
type License struct {
	UserID         uuid.UUID
	Name           string
	ExpirationDate time.Time
	Type           Type

	attributes map[string]string
	document   *etree.Document
	signature  *etree.Element
}

// Attributes returns a copy of the extra root attributes
func (l *License) Attributes() map[string]string {
	return maps.Clone(l.attributes)
}

// Document returns a deep copy of the parsed document
func (l *License) Document() *etree.Document {
	return l.document.Copy()
}

// Signature returns a copy of the embedded signature element
func (l *License) Signature() *etree.Element {
	return l.signature.Copy()
}

// WithClaims returns a copy of l with the given claim fields replaced. The
// document and signature are shared: verification still covers the
// document as issued, not the replaced fields.
func (l *License) WithClaims(userID uuid.UUID, name string, expiration time.Time, typ Type) *License {
	c := *l
	c.UserID = userID
	c.Name = name
	c.ExpirationDate = expiration
	c.Type = typ
	c.attributes = maps.Clone(l.attributes)
	return &c
}
