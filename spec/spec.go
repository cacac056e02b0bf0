package spec

import (
	"fmt"
	"sort"
	"strings"
)

// Spec is a generic specifier: an ordered sequence of tokens. It is used for
// filters, which may carry any subset of quants and several version tokens.
type Spec struct {
	tokens []Token
}

// Parse parses a specifier. Tokens are sorted into quant order when the
// specifier addresses something (has a type, id or op); version vectors keep
// their source order.
func Parse(s string) (Spec, error) {
	tokens, err := Tokens(s)
	if err != nil {
		return Spec{}, err
	}
	sortable := false
	for _, t := range tokens {
		switch t.quant {
		case QuantType, QuantID, QuantOp:
			sortable = true
		}
	}
	if sortable {
		sort.SliceStable(tokens, func(i, j int) bool {
			return tokens[i].quant.order() < tokens[j].quant.order()
		})
	}
	return Spec{tokens: tokens}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Spec {
	sp, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sp
}

func (s Spec) Tokens() []Token { return append([]Token(nil), s.tokens...) }

func (s Spec) Len() int { return len(s.tokens) }

func (s Spec) IsEmpty() bool { return len(s.tokens) == 0 }

func (s Spec) first(q Quant) Token {
	for _, t := range s.tokens {
		if t.quant == q {
			return t
		}
	}
	return Token{}
}

func (s Spec) Type() Token    { return s.first(QuantType) }
func (s Spec) ID() Token      { return s.first(QuantID) }
func (s Spec) Version() Token { return s.first(QuantVersion) }
func (s Spec) Op() Token      { return s.first(QuantOp) }

// Versions returns all version tokens, e.g. the base vector of a filter.
func (s Spec) Versions() []Token {
	var res []Token
	for _, t := range s.tokens {
		if t.quant == QuantVersion {
			res = append(res, t)
		}
	}
	return res
}

// VersionString concatenates the version tokens, "" if there are none.
func (s Spec) VersionString() string {
	var sb strings.Builder
	for _, t := range s.Versions() {
		sb.WriteString(t.String())
	}
	return sb.String()
}

// Fits reports whether every token of the filter is present in s.
func (s Spec) Fits(filter Spec) bool {
	for _, f := range filter.tokens {
		found := false
		for _, t := range s.tokens {
			if f == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	var sb strings.Builder
	for _, t := range s.tokens {
		sb.WriteString(t.String())
	}
	return sb.String()
}

// Compare orders specifiers by their string form.
func (s Spec) Compare(o Spec) int {
	return strings.Compare(s.String(), o.String())
}

// TypeID addresses a replica: /Type#id.
type TypeID struct {
	typ Token
	id  Token
}

// NewTypeID builds a TypeID from a type name and an id body.
func NewTypeID(typ, id string) TypeID {
	return TypeID{typ: Type(typ), id: ID(id)}
}

// ParseTypeID parses "/Type#id".
func ParseTypeID(s string) (TypeID, error) {
	sp, err := Parse(s)
	if err != nil {
		return TypeID{}, err
	}
	if sp.Len() != 2 || sp.tokens[0].quant != QuantType || sp.tokens[1].quant != QuantID {
		return TypeID{}, fmt.Errorf("%w: %q is not /Type#id", ErrBadSpec, s)
	}
	return TypeID{typ: sp.tokens[0], id: sp.tokens[1]}, nil
}

func (ti TypeID) Type() Token { return ti.typ }
func (ti TypeID) ID() Token   { return ti.id }

func (ti TypeID) IsZero() bool { return ti.typ.IsZero() }

func (ti TypeID) String() string { return ti.typ.String() + ti.id.String() }

// Full makes a full specifier of an operation on this replica.
func (ti TypeID) Full(version, op Token) Full {
	return Full{typ: ti.typ, id: ti.id, version: version, op: op}
}

// VersionOp identifies an operation within a replica: !version.op. It is the
// key of operation logs.
type VersionOp struct {
	version Token
	op      Token
}

func NewVersionOp(version, op Token) VersionOp {
	return VersionOp{version: version, op: op}
}

// ParseVersionOp parses "!version.op".
func ParseVersionOp(s string) (VersionOp, error) {
	sp, err := Parse(s)
	if err != nil {
		return VersionOp{}, err
	}
	if sp.Len() != 2 || sp.tokens[0].quant != QuantVersion || sp.tokens[1].quant != QuantOp {
		return VersionOp{}, fmt.Errorf("%w: %q is not !version.op", ErrBadSpec, s)
	}
	return VersionOp{version: sp.tokens[0], op: sp.tokens[1]}, nil
}

func (vo VersionOp) Version() Token { return vo.version }
func (vo VersionOp) Op() Token      { return vo.op }

func (vo VersionOp) String() string { return vo.version.String() + vo.op.String() }

// Full is the complete address of an operation: /Type#id!version.op.
type Full struct {
	typ     Token
	id      Token
	version Token
	op      Token
}

// ParseFull parses "/Type#id!version.op".
func ParseFull(s string) (Full, error) {
	sp, err := Parse(s)
	if err != nil {
		return Full{}, err
	}
	t := sp.tokens
	if len(t) != 4 || t[0].quant != QuantType || t[1].quant != QuantID ||
		t[2].quant != QuantVersion || t[3].quant != QuantOp {
		return Full{}, fmt.Errorf("%w: %q is not /Type#id!version.op", ErrBadSpec, s)
	}
	return Full{typ: t[0], id: t[1], version: t[2], op: t[3]}, nil
}

// MustParseFull is like ParseFull but panics on error.
func MustParseFull(s string) Full {
	f, err := ParseFull(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Full) Type() Token    { return f.typ }
func (f Full) ID() Token      { return f.id }
func (f Full) Version() Token { return f.version }
func (f Full) Op() Token      { return f.op }

// OpName is the bare name of the operation.
func (f Full) OpName() string { return f.op.bare }

func (f Full) TypeID() TypeID       { return TypeID{typ: f.typ, id: f.id} }
func (f Full) VersionOp() VersionOp { return VersionOp{version: f.version, op: f.op} }

func (f Full) WithOp(op Token) Full {
	f.op = op
	return f
}

func (f Full) WithVersion(v Token) Full {
	f.version = v
	return f
}

func (f Full) WithID(id Token) Full {
	f.id = id
	return f
}

func (f Full) String() string {
	return f.typ.String() + f.id.String() + f.version.String() + f.op.String()
}

// Compare orders full specifiers by their string form.
func (f Full) Compare(o Full) int {
	return strings.Compare(f.String(), o.String())
}
