package spec

import (
	"errors"
	"fmt"
	"strings"
)

// Base64 is the digit alphabet used by timestamps and ids. Symbols are sorted
// by byte value, so equal-width encodings compare like the numbers they encode.
const Base64 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

// MaxDigits is the longest string BaseToInt decodes without overflow.
const MaxDigits = 10

var (
	// ErrBadDigit is returned when a string contains a symbol outside of Base64.
	ErrBadDigit = errors.New("not a base64 digit")
	// ErrTooLong is returned for numbers longer than MaxDigits.
	ErrTooLong = errors.New("base64 number too long")
)

var digitValues = func() [256]int8 {
	var v [256]int8
	for i := range v {
		v[i] = -1
	}
	for i := 0; i < len(Base64); i++ {
		v[Base64[i]] = int8(i)
	}
	return v
}()

// IntToBase encodes a non-negative integer, left-padding with '0' up to width.
func IntToBase(n, width int) string {
	if n < 0 {
		panic(fmt.Sprintf("negative value %d can't be encoded", n))
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = Base64[n&63]
		n >>= 6
	}
	digits := len(buf) - i
	if digits >= width {
		return string(buf[i:])
	}
	return strings.Repeat("0", width-digits) + string(buf[i:])
}

// BaseToInt decodes a string produced by IntToBase.
func BaseToInt(s string) (int, error) {
	if len(s) > MaxDigits {
		return 0, fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	n := 0
	for i := 0; i < len(s); i++ {
		d := digitValues[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: %q in %q", ErrBadDigit, s[i], s)
		}
		n = n<<6 | int(d)
	}
	return n, nil
}
