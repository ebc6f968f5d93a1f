// Package failmem implements the content-addressed failure memory: an
// append-only log of failure records keyed by a stable fingerprint of
// (file, line, normalized message).
//
// The memory is advisory. Every lookup degrades to a cache miss on
// error so an unreadable log or a dead redis index can never block
// scheduling.
package failmem
