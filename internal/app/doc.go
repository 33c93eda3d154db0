// Package app assembles the license service: it builds the validator from
// configuration, mounts the HTTP API behind the license gate and runs the
// server together with the license file watcher and the system metrics
// collector until its context is cancelled.
package app
