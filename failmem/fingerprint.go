package failmem

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the stable identity of a failure from its file,
// line, and normalized message. Identical triples always produce the
// same hash across runs; any change to file, line, or the normalized
// message produces a different hash.
func Fingerprint(file string, line int, message string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s", strings.TrimSpace(file), line, NormalizeMessage(message))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeMessage collapses all runs of whitespace to a single space
// and trims the ends, so cosmetic reformatting of the same error text
// maps to the same fingerprint.
func NormalizeMessage(message string) string {
	return strings.Join(strings.Fields(message), " ")
}
