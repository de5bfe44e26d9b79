// Package phone normalizes phone numbers to a canonical E.164 form so that
// ban matching and duplicate detection compare like with like.
package phone

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("phone: not a valid E.164 number")

// Normalize strips formatting characters and validates the result as E.164:
// a leading + followed by 7 to 15 digits, no leading zero.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting, dropped
		default:
			return "", ErrInvalid
		}
	}
	n := b.String()
	if len(n) < 8 || len(n) > 16 || n[0] != '+' || n[1] == '0' {
		return "", ErrInvalid
	}
	return n, nil
}
