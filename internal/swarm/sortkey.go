package swarm

// Sort keys are lexicographically ordered strings over a bounded alphabet.
// MidpointKey returns a key strictly between lo and hi (either may be empty,
// meaning "no bound on this side") without ever needing to renumber any
// other row — fractional indexing over a fixed alphabet instead of raw
// bytes, so the keys stay readable ASCII and subdivision is unbounded.
const sortKeyAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// aboveAlphabet is one past the last valid digit, used to represent "no
// upper bound at this position" without a separate boolean everywhere.
const aboveAlphabet = len(sortKeyAlphabet)

// FirstKey is handed to the very first task ever created in a status bucket.
const FirstKey = "U" // roughly the midpoint of the alphabet

// EndOfBucketKey returns a key that sorts after last (the current maximum
// key in a status bucket), or FirstKey if the bucket is empty.
func EndOfBucketKey(last string) string {
	if last == "" {
		return FirstKey
	}
	return MidpointKey(last, "")
}

// MidpointKey returns a string that sorts strictly between lo and hi. An
// empty lo means "negative infinity"; an empty hi means "positive infinity".
// Callers must ensure lo < hi when both are non-empty, and that hi is not lo
// followed only by '0' characters (such as "U" and "U0"): no key sorts
// between those two, and the result then sorts after hi.
func MidpointKey(lo, hi string) string {
	var out []byte
	unboundedAbove := false

	for i := 0; ; i++ {
		loDigit := digitAt(lo, i)
		hiDigit := aboveAlphabet
		if !unboundedAbove {
			hiDigit = digitAtOrAbove(hi, i)
		}

		switch {
		case hiDigit-loDigit > 1:
			out = append(out, sortKeyAlphabet[loDigit+(hiDigit-loDigit)/2])
			return string(out)
		case hiDigit-loDigit == 1:
			// Taking lo's digit already sorts strictly below hi at this
			// position, so every subsequent position is unbounded above.
			out = append(out, sortKeyAlphabet[loDigit])
			unboundedAbove = true
		default:
			// Equal prefix so far; keep going deeper.
			out = append(out, sortKeyAlphabet[loDigit])
		}
	}
}

// digitAt returns the alphabet index of s's i-th character, or 0 ("lowest
// possible") past the end of s.
func digitAt(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	return alphabetIndex(s[i])
}

// digitAtOrAbove is like digitAt but returns aboveAlphabet past the end of
// s, signalling "unbounded above" rather than an implicit floor.
func digitAtOrAbove(s string, i int) int {
	if i >= len(s) {
		return aboveAlphabet
	}
	return alphabetIndex(s[i])
}

func alphabetIndex(c byte) int {
	for i := 0; i < len(sortKeyAlphabet); i++ {
		if sortKeyAlphabet[i] == c {
			return i
		}
	}
	return 0
}
