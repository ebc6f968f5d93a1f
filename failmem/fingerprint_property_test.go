package failmem

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_FingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs always hash identically", prop.ForAll(
		func(file string, line int, message string) bool {
			return Fingerprint(file, line, message) == Fingerprint(file, line, message)
		},
		gen.AlphaString(),
		gen.IntRange(0, 100000),
		gen.AnyString(),
	))

	properties.Property("line changes always change the hash", prop.ForAll(
		func(file string, line int, message string) bool {
			return Fingerprint(file, line, message) != Fingerprint(file, line+1, message)
		},
		gen.AlphaString(),
		gen.IntRange(0, 100000),
		gen.AnyString(),
	))

	properties.Property("whitespace runs inside the message do not change the hash", prop.ForAll(
		func(file string, line int, a, b string) bool {
			spaced := a + "  \t " + b
			tight := a + " " + b
			return Fingerprint(file, line, spaced) == Fingerprint(file, line, tight)
		},
		gen.AlphaString(),
		gen.IntRange(0, 100000),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
