// Package spec implements the addressing model: tokens, specifiers and
// version vectors.
package spec

import (
	"errors"
	"fmt"
	"strings"
)

// Quant tags a token with its role inside a specifier.
type Quant byte

const (
	QuantType    Quant = '/'
	QuantID      Quant = '#'
	QuantVersion Quant = '!'
	QuantOp      Quant = '.'
	QuantHint    Quant = '*'
)

// Quants lists the quants in specifier order.
const Quants = "/#!.*"

func (q Quant) order() int {
	return strings.IndexByte(Quants, byte(q))
}

func (q Quant) String() string {
	return string(q)
}

// NoAuthor is the origin reported by tokens that carry no explicit origin.
const NoAuthor = "swarm"

var (
	// ErrBadToken is returned for strings that are not a single well-formed token.
	ErrBadToken = errors.New("malformed token")
	// ErrBadSpec is returned for strings that don't form the requested specifier.
	ErrBadSpec = errors.New("malformed specifier")
)

// Token is an immutable quant-tagged atom: quant + bare [+ origin].
type Token struct {
	quant  Quant
	bare   string
	origin string
}

// NewToken creates a token. An empty origin means NoAuthor.
func NewToken(q Quant, bare, origin string) Token {
	if origin == NoAuthor {
		origin = ""
	}
	return Token{quant: q, bare: bare, origin: origin}
}

// Type returns a Type token.
func Type(name string) Token { return NewToken(QuantType, name, "") }

// ID returns an Id token from a body that may contain an origin.
func ID(body string) Token { return bodyToken(QuantID, body) }

// Version returns a Version token from a body that may contain an origin.
func Version(body string) Token { return bodyToken(QuantVersion, body) }

// Op returns an Op token.
func Op(name string) Token { return NewToken(QuantOp, name, "") }

func bodyToken(q Quant, body string) Token {
	bare, origin, _ := strings.Cut(body, "+")
	return NewToken(q, bare, origin)
}

// ZeroVersion is the version of a replica that was created but has no
// operations yet.
var ZeroVersion = Version("0")

func isTokenChar(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_' || c == '~'
}

func validWord(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// ParseToken parses a single token such as "!00001+peer".
func ParseToken(s string) (Token, error) {
	if len(s) < 2 || strings.IndexByte(Quants, s[0]) < 0 {
		return Token{}, fmt.Errorf("%w: %q", ErrBadToken, s)
	}
	bare, origin, ext := strings.Cut(s[1:], "+")
	if !validWord(bare) || ext && !validWord(origin) {
		return Token{}, fmt.Errorf("%w: %q", ErrBadToken, s)
	}
	return NewToken(Quant(s[0]), bare, origin), nil
}

func (t Token) Quant() Quant { return t.quant }

func (t Token) Bare() string { return t.bare }

// Origin returns the origin part, NoAuthor if none was given.
func (t Token) Origin() string {
	if t.origin == "" {
		return NoAuthor
	}
	return t.origin
}

// Body returns the token without its quant.
func (t Token) Body() string {
	if t.origin == "" {
		return t.bare
	}
	return t.bare + "+" + t.origin
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool { return t.quant == 0 }

func (t Token) String() string {
	if t.IsZero() {
		return ""
	}
	return string(t.quant) + t.Body()
}

// Compare orders tokens by their string form.
func (t Token) Compare(o Token) int {
	return strings.Compare(t.String(), o.String())
}

// Tokens splits a string into tokens in source order.
func Tokens(s string) ([]Token, error) {
	var res []Token
	for len(s) > 0 {
		end := 1
		for end < len(s) && strings.IndexByte(Quants, s[end]) < 0 {
			end++
		}
		t, err := ParseToken(s[:end])
		if err != nil {
			return nil, err
		}
		res = append(res, t)
		s = s[end:]
	}
	return res, nil
}
