package license

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"licverify/internal/files"
)

// XMLDSigNamespace is the namespace signature elements must belong to
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

const (
	rootTag      = "license"
	nameTag      = "name"
	signatureTag = "Signature"

	attrID         = "id"
	attrExpiration = "expiration"
	attrType       = "type"
)

// Parse turns raw document bytes into a License. On failure the returned
// error is a *ValidationError of kind KindMalformedLicense whose reason
// names the missing or invalid field.
func Parse(content []byte) (*License, error) {
	l, outcome := parse(content)
	if l == nil {
		return nil, outcome.Err()
	}
	return l, nil
}

// LoadFile reads and parses the license document at path
func LoadFile(path string) (*License, error) {
	content, err := files.ReadLicense(path)
	if err != nil {
		return nil, malformed(fmt.Sprintf("read %s: %v", path, err)).Err()
	}
	return Parse(content)
}

func parse(content []byte) (*License, Outcome) {
	if len(content) == 0 {
		return nil, malformed("content empty")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		return nil, malformed(fmt.Sprintf("invalid xml: %v", err))
	}
	root := doc.Root()
	if root == nil || root.Tag != rootTag {
		return nil, malformed("license element missing")
	}

	signatures := findSignatures(doc)
	switch {
	case len(signatures) == 0:
		return nil, malformed("signature missing")
	case len(signatures) > 1:
		return nil, malformed("multiple signatures")
	}

	l := &License{
		attributes: make(map[string]string),
		document:   doc,
		signature:  signatures[0],
	}

	idAttr := localAttr(root, attrID)
	if idAttr == nil {
		return nil, malformed("id missing")
	}
	userID, err := uuid.Parse(idAttr.Value)
	if err != nil {
		return nil, malformed("id invalid")
	}
	l.UserID = userID

	expAttr := localAttr(root, attrExpiration)
	if expAttr == nil {
		return nil, malformed("expiration missing")
	}
	expiration, err := time.ParseInLocation(ExpirationLayout, expAttr.Value, time.UTC)
	if err != nil {
		return nil, malformed("expiration invalid")
	}
	l.ExpirationDate = expiration

	typeAttr := localAttr(root, attrType)
	if typeAttr == nil {
		return nil, malformed("type missing")
	}
	typ, err := ParseType(typeAttr.Value)
	if err != nil {
		return nil, malformed("type invalid")
	}
	l.Type = typ

	nameEl := localElement(root, nameTag)
	if nameEl == nil || nameEl.Text() == "" {
		return nil, malformed("name missing")
	}
	l.Name = nameEl.Text()

	for _, attr := range root.Attr {
		if isNamespaceDecl(attr) {
			continue
		}
		switch attr.FullKey() {
		case attrID, attrExpiration, attrType:
			continue
		}
		l.attributes[attr.FullKey()] = attr.Value
		slog.Debug("license has extra attribute",
			slog.String("attribute", attr.FullKey()),
			slog.String("value", attr.Value))
	}

	return l, Outcome{Kind: KindValid}
}

// findSignatures returns every XML-DSig Signature element in the document
func findSignatures(doc *etree.Document) []*etree.Element {
	var found []*etree.Element
	for _, el := range doc.FindElements("//" + signatureTag) {
		if el.NamespaceURI() == XMLDSigNamespace {
			found = append(found, el)
		}
	}
	return found
}

// localAttr returns the attribute of el named key that carries no namespace
// prefix. etree's SelectAttr would also match x:id.
func localAttr(el *etree.Element, key string) *etree.Attr {
	for i := range el.Attr {
		if el.Attr[i].Space == "" && el.Attr[i].Key == key {
			return &el.Attr[i]
		}
	}
	return nil
}

// localElement returns the first unprefixed child element named tag
func localElement(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Space == "" && child.Tag == tag {
			return child
		}
	}
	return nil
}

func isNamespaceDecl(attr etree.Attr) bool {
	return attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns")
}
