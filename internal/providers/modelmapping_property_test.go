package providers

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_LongestMatchingKeyAlwaysWins checks matchLongestKey's
// core invariant: whichever candidate key is both a substring of the
// requested model and strictly longer than every other candidate key
// is the one returned, regardless of map iteration order.
func TestProperty_LongestMatchingKeyAlwaysWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("matchLongestKey returns the longest contained key's target", prop.ForAll(
		func(prefix, shortSuffix, longSuffix string) bool {
			short := "s-" + shortSuffix
			long := short + "-" + longSuffix // strictly longer, still contains short
			if long == short || strings.Contains(short, long) {
				return true // degenerate draw, skip
			}
			requested := prefix + long

			mappings := map[string]string{
				short: "short-target",
				long:  "long-target",
			}

			got, ok := matchLongestKey(requested, mappings)
			return ok && got == "long-target"
		},
		gen.AlphaString(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestProperty_NoContainedKeyMeansNoMatch checks the converse: when no
// mapping key is a substring of the requested model, matchLongestKey
// reports no match rather than returning some unrelated target.
func TestProperty_NoContainedKeyMeansNoMatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("no contained key means no match", prop.ForAll(
		func(key, unrelated string) bool {
			if key == "" || strings.Contains(unrelated, key) {
				return true // degenerate draw, skip
			}
			_, ok := matchLongestKey(unrelated, map[string]string{key: "target"})
			return !ok
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
