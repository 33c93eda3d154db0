package fingerprint

import "github.com/google/uuid"

// fromGUIDBytes interprets b the way Windows GUID constructors do: the first
// three groups are little-endian, the last eight bytes are taken as is. This
// keeps fingerprints textually identical to identifiers issued by tooling
// that computes the same digest on Windows.
func fromGUIDBytes(b [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}
