// Package license validates signed XML license documents.
// A license is accepted only when it is well formed, of a supported type,
// issued to the expected name and machine, carries a signature made with
// the configured RSA key and has not expired according to trusted time.
//
// # Document Format
//
// A license is a <license> root element:
//
//	<license id="11111111-1111-1111-1111-111111111111"
//	         expiration="2099-01-01T00:00:00.0000000"
//	         type="None">
//	  <name>Jane Doe</name>
//	  <Signature xmlns="http://www.w3.org/2000/09/xmldsig#">...</Signature>
//	</license>
//
// The id is the device fingerprint of the licensed machine (see package
// fingerprint). The expiration is always UTC with seven fractional digits.
// Exactly one enveloped XML-DSig signature must be present.
//
// # Validation Flow
//
// Validator.AssertValid stops at the first failing check:
//
//	1. Parse the document (KindMalformedLicense)
//	2. Apply the configured Transform (KindMalformedLicense on error)
//	3. Check the license type (KindTypeUnsupported)
//	4. Compare the name when one is expected (KindNameMismatch)
//	5. Compare the id with the expected user id (KindUserMismatch)
//	6. Verify the signature (KindSignatureInvalid)
//	7. Read trusted time (KindNetworkTimeUnavailable) and compare
//	   the expiration (KindExpired)
//
// Usage:
//
//	v, err := license.NewValidator(license.DefaultConfig(publicKeyXML))
//	if err != nil {
//		return err
//	}
//	outcome := v.ValidateMachine(ctx, document, nil)
//	if !outcome.Valid() {
//		return outcome.Err()
//	}
//
// # Keys
//
// The verification key is the only trust anchor; key material embedded in
// the signature is ignored. Keys are given inline (RSAKeyValue XML or PEM)
// or read from a PKCS#11 token in cgo builds.
//
// # Error Handling
//
// Every failure kind has a sentinel error (ErrExpired, ErrSignatureInvalid
// and so on). Outcome.Err returns a *ValidationError that matches its
// sentinel with errors.Is and carries the Outcome for errors.As.
package license
