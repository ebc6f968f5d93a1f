// Package router selects and invokes a generation backend for a
// request, with ordered fallback across a mode-specific candidate
// chain and lightweight health tracking to avoid paying a full timeout
// on a known-dead backend.
//
// Backends are addressed through the narrow Backend interface (prompt
// in, text out) so the router and its callers stay agnostic of the
// underlying protocol.
package router
