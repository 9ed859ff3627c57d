package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// TypeKind discriminates the variants of TypeTag.
type TypeKind int

const (
	TypeBool TypeKind = iota
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeU128
	TypeU256
	TypeAddress
	TypeSigner
	TypeVector
	TypeStruct
	// TypeParam refers to a generic parameter of the enclosing struct and only
	// appears in module layouts, never in concrete object types.
	TypeParam
)

var primitiveNames = map[string]TypeKind{
	"bool":    TypeBool,
	"u8":      TypeU8,
	"u16":     TypeU16,
	"u32":     TypeU32,
	"u64":     TypeU64,
	"u128":    TypeU128,
	"u256":    TypeU256,
	"address": TypeAddress,
	"signer":  TypeSigner,
}

// TypeTag is a Move type.
type TypeTag struct {
	Kind       TypeKind
	Elem       *TypeTag   // TypeVector
	Struct     *StructTag // TypeStruct
	ParamIndex int        // TypeParam
}

// StructTag names a Move struct type with its type arguments.
type StructTag struct {
	Address    string
	Module     string
	Name       string
	TypeParams []TypeTag
}

// Well known framework addresses.
const (
	StdAddress       = "0x1"
	FrameworkAddress = "0x2"
)

// NormalizeAddress lowercases an address, ensures the 0x prefix and strips
// leading zeros so that 0x0002 and 0x2 compare equal.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimPrefix(a, "0x")
	a = strings.TrimLeft(a, "0")
	if a == "" {
		a = "0"
	}
	return "0x" + a
}

func (t TypeTag) String() string {
	switch t.Kind {
	case TypeVector:
		if t.Elem == nil {
			return "vector<?>"
		}
		return "vector<" + t.Elem.String() + ">"
	case TypeStruct:
		if t.Struct == nil {
			return "?"
		}
		return t.Struct.String()
	case TypeParam:
		return "T" + strconv.Itoa(t.ParamIndex)
	}
	for name, kind := range primitiveNames {
		if kind == t.Kind {
			return name
		}
	}
	return "?"
}

func (s StructTag) String() string {
	var b strings.Builder
	b.WriteString(NormalizeAddress(s.Address))
	b.WriteString("::")
	b.WriteString(s.Module)
	b.WriteString("::")
	b.WriteString(s.Name)
	if len(s.TypeParams) > 0 {
		b.WriteString("<")
		for i, p := range s.TypeParams {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
		b.WriteString(">")
	}
	return b.String()
}

// Is reports whether the struct is address::module::name, ignoring type arguments.
func (s StructTag) Is(address, module, name string) bool {
	return NormalizeAddress(s.Address) == NormalizeAddress(address) && s.Module == module && s.Name == name
}

// IsCoin reports whether the struct is 0x2::coin::Coin<T>.
func (s StructTag) IsCoin() bool {
	return s.Is(FrameworkAddress, "coin", "Coin") && len(s.TypeParams) == 1
}

// IsDynamicField reports whether the struct is 0x2::dynamic_field::Field<N, V>.
func (s StructTag) IsDynamicField() bool {
	return s.Is(FrameworkAddress, "dynamic_field", "Field") && len(s.TypeParams) == 2
}

// IsDynamicObjectFieldWrapper reports whether the tag is 0x2::dynamic_object_field::Wrapper<T>.
func (t TypeTag) IsDynamicObjectFieldWrapper() bool {
	return t.Kind == TypeStruct && t.Struct != nil &&
		t.Struct.Is(FrameworkAddress, "dynamic_object_field", "Wrapper") && len(t.Struct.TypeParams) == 1
}

func (s StructTag) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StructTag) UnmarshalText(text []byte) error {
	parsed, err := ParseStructTag(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (t TypeTag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TypeTag) UnmarshalText(text []byte) error {
	parsed, err := ParseTypeTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTypeTag parses the canonical text form of a Move type.
func ParseTypeTag(s string) (TypeTag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeTag{}, fmt.Errorf("empty type tag")
	}
	if kind, ok := primitiveNames[s]; ok {
		return TypeTag{Kind: kind}, nil
	}
	if strings.HasPrefix(s, "vector<") && strings.HasSuffix(s, ">") {
		elem, err := ParseTypeTag(s[len("vector<") : len(s)-1])
		if err != nil {
			return TypeTag{}, fmt.Errorf("invalid vector element in %q: %w", s, err)
		}
		return TypeTag{Kind: TypeVector, Elem: &elem}, nil
	}
	if len(s) > 1 && s[0] == 'T' {
		if idx, err := strconv.Atoi(s[1:]); err == nil {
			return TypeTag{Kind: TypeParam, ParamIndex: idx}, nil
		}
	}
	st, err := ParseStructTag(s)
	if err != nil {
		return TypeTag{}, err
	}
	return TypeTag{Kind: TypeStruct, Struct: &st}, nil
}

// ParseStructTag parses address::module::Name<Args...>.
func ParseStructTag(s string) (StructTag, error) {
	s = strings.TrimSpace(s)
	head := s
	var args string
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if !strings.HasSuffix(s, ">") {
			return StructTag{}, fmt.Errorf("unbalanced type arguments in %q", s)
		}
		head = s[:i]
		args = s[i+1 : len(s)-1]
	}
	parts := strings.Split(head, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return StructTag{}, fmt.Errorf("invalid struct tag %q", s)
	}
	if !strings.HasPrefix(parts[0], "0x") {
		return StructTag{}, fmt.Errorf("invalid address in struct tag %q", s)
	}
	tag := StructTag{Address: NormalizeAddress(parts[0]), Module: parts[1], Name: parts[2]}
	if args != "" {
		for _, arg := range splitTypeArgs(args) {
			p, err := ParseTypeTag(arg)
			if err != nil {
				return StructTag{}, fmt.Errorf("invalid type argument in %q: %w", s, err)
			}
			tag.TypeParams = append(tag.TypeParams, p)
		}
	}
	return tag, nil
}

// splitTypeArgs splits a comma separated argument list at nesting depth zero.
func splitTypeArgs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// Substitute replaces type parameter references with the given arguments.
func (t TypeTag) Substitute(args []TypeTag) (TypeTag, error) {
	switch t.Kind {
	case TypeParam:
		if t.ParamIndex < 0 || t.ParamIndex >= len(args) {
			return TypeTag{}, fmt.Errorf("type parameter T%d out of range (%d arguments)", t.ParamIndex, len(args))
		}
		return args[t.ParamIndex], nil
	case TypeVector:
		elem, err := t.Elem.Substitute(args)
		if err != nil {
			return TypeTag{}, err
		}
		return TypeTag{Kind: TypeVector, Elem: &elem}, nil
	case TypeStruct:
		st := StructTag{Address: t.Struct.Address, Module: t.Struct.Module, Name: t.Struct.Name}
		for _, p := range t.Struct.TypeParams {
			sub, err := p.Substitute(args)
			if err != nil {
				return TypeTag{}, err
			}
			st.TypeParams = append(st.TypeParams, sub)
		}
		return TypeTag{Kind: TypeStruct, Struct: &st}, nil
	}
	return t, nil
}
