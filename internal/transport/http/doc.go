// Package http implements the HTTP handlers of the license service. Handlers
// stay thin: they decode and validate requests, call the license validator
// or its collaborators, and render either JSON or RFC 7807 problem details.
//
// Routes mounted by the application:
//
//	POST /api/license/validate     validate a posted document
//	GET  /api/license/fingerprint  this machine's fingerprint
//	GET  /api/license/time         trusted time and its origin
//	GET  /api/license/status       outcome for the installed license
//	GET  /api/health               component health
//	GET  /api/health/live          liveness
//	GET  /api/health/version       build information
package http
