// Package files reads and writes license files and watches them for changes.
//
// ReadLicense loads a document with a size cap, SaveFile writes atomically and
// creates missing parent directories, and Watcher notifies when a license file
// is replaced so cached validation results can be dropped.
package files
