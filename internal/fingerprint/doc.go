// Package fingerprint derives a stable per-machine identifier that licenses
// are bound to.
//
// Six attributes are queried through a Source (disk identity, hostname, OS
// user, system type, CPU identifier, total physical memory), concatenated in
// that order and hashed with MD5. Each query degrades to "unknown" on
// failure, so generation never fails:
//
//	gen := fingerprint.NewGenerator(fingerprint.NewHostSource(), logger)
//	id := gen.Generate(ctx)
//
// The digest is read with the Windows GUID byte layout so the resulting
// identifier matches the one embedded in licenses issued for the machine.
package fingerprint
