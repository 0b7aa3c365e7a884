// Package store keeps small JSON documents on disk. A document is read whole
// when opened and rewritten whole after every change.
package store
