// Package verify checks worker answers against the expected task answers when the
// worker doesn't report a structured result itself.
package verify

import (
	"encoding/json"
	"math"
	"strings"
)

// FloatTolerance is the maximum difference for two numbers to be equal.
const FloatTolerance = 1e-9

// Result is the outcome of a verification.
type Result struct {
	// Parsed is the JSON extracted from the raw answer, empty if there was none.
	Parsed string
	// Matches is nil when there is no expected answer to compare with.
	Matches *bool
}

// Verify extracts the answer of raw and compares it with expected.
func Verify(raw, expected string) Result {
	var res Result

	parsed, ok := Extract(raw)
	if ok {
		b, _ := json.Marshal(parsed)
		res.Parsed = string(b)
	}

	if strings.TrimSpace(expected) == "" {
		return res
	}

	matches := false
	var exp any
	if ok && json.Unmarshal([]byte(expected), &exp) == nil {
		matches = Equal(parsed, exp)
	}
	res.Matches = &matches

	return res
}

// Extract returns the last top level JSON object or array found in text.
func Extract(text string) (any, bool) {
	var (
		last  any
		found bool
	)

	for i := 0; i < len(text); {
		j := strings.IndexAny(text[i:], "{[")
		if j < 0 {
			break
		}
		i += j

		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var v any
		if err := dec.Decode(&v); err != nil {
			i++
			continue
		}
		last, found = v, true
		i += int(dec.InputOffset())
	}

	return last, found
}

// Equal deep compares two decoded JSON values. Numbers are equal within FloatTolerance,
// objects need the same key set and arrays the same order.
func Equal(actual, expected any) bool {
	switch exp := expected.(type) {
	case nil:
		return actual == nil
	case float64:
		act, ok := actual.(float64)
		return ok && math.Abs(act-exp) < FloatTolerance
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for k, ev := range exp {
			av, ok := act[k]
			if !ok || !Equal(av, ev) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !Equal(act[i], exp[i]) {
				return false
			}
		}
		return true
	default:
		return actual == expected
	}
}
