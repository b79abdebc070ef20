package har

import "unicode/utf8"

// SizeOf returns the number of bytes s occupies when encoded as UTF-8.
// Invalid byte sequences count as the replacement character they decode to.
func SizeOf(s string) int {
	if utf8.ValidString(s) {
		return len(s)
	}
	n := 0
	for _, r := range s {
		n += utf8.RuneLen(r)
	}
	return n
}
