package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/syssam/prism"
	sqlschema "github.com/syssam/prism/dialect/sql/schema"
)

// Kind is the type tag of a field.
type Kind uint8

// Field kinds.
const (
	KindInvalid Kind = iota
	Int
	BigInt
	Float
	Decimal
	Bool
	String
	Bytes
	Date
	Time
	DateTime
	UUID
	JSON
	CUID
	CUID2
	ULID
	NanoID
	Vector
	HalfVector
	SparseVector
	Bit
	ModelRef
	EnumRef
	CompositeRef
)

var kindNames = [...]string{
	KindInvalid:  "Invalid",
	Int:          "Int",
	BigInt:       "BigInt",
	Float:        "Float",
	Decimal:      "Decimal",
	Bool:         "Bool",
	String:       "String",
	Bytes:        "Bytes",
	Date:         "Date",
	Time:         "Time",
	DateTime:     "DateTime",
	UUID:         "Uuid",
	JSON:         "Json",
	CUID:         "Cuid",
	CUID2:        "Cuid2",
	ULID:         "Ulid",
	NanoID:       "NanoId",
	Vector:       "Vector",
	HalfVector:   "HalfVector",
	SparseVector: "SparseVector",
	Bit:          "Bit",
	ModelRef:     "Model",
	EnumRef:      "Enum",
	CompositeRef: "Composite",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// sized reports whether the kind carries a dimension, as in Vector(3).
func (k Kind) sized() bool {
	return k == Vector || k == HalfVector || k == SparseVector || k == Bit
}

// named reports whether the kind references another declaration.
func (k Kind) named() bool {
	return k == ModelRef || k == EnumRef || k == CompositeRef
}

// Type is a field type: a kind with its dimension or referenced name.
type Type struct {
	Kind Kind
	// Size is the dimension of vector and bit types.
	Size int
	// Ref names the model, enum or composite type.
	Ref string
}

// String renders the type as ParseType accepts it.
func (t Type) String() string {
	switch {
	case t.Kind.sized():
		return fmt.Sprintf("%s(%d)", t.Kind, t.Size)
	case t.Kind.named():
		return fmt.Sprintf("%s(%s)", t.Kind, t.Ref)
	}
	return t.Kind.String()
}

// Scalar reports whether values of the type are stored in a column of the
// model's own table.
func (t Type) Scalar() bool {
	return t.Kind != KindInvalid && t.Kind != ModelRef
}

// Family returns the column type family used for drift validation, or ""
// for types without a portable family.
func (t Type) Family() string {
	switch t.Kind {
	case Int, BigInt:
		return sqlschema.FamilyInt
	case Float:
		return sqlschema.FamilyFloat
	case Decimal:
		return sqlschema.FamilyDecimal
	case Bool:
		return sqlschema.FamilyBool
	case String, CUID, CUID2, ULID, NanoID, EnumRef:
		return sqlschema.FamilyString
	case Bytes:
		return sqlschema.FamilyBytes
	case Date, Time, DateTime:
		return sqlschema.FamilyTime
	case UUID:
		return sqlschema.FamilyUUID
	case JSON, CompositeRef:
		return sqlschema.FamilyJSON
	}
	return ""
}

// ParseType parses a type tag such as "BigInt", "Vector(1536)" or
// "Model(User)". Bare names that are not kinds are ambiguous and must be
// written with their Model, Enum or Composite wrapper.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	name, arg, hasArg := s, "", false
	if i := strings.IndexByte(s, '('); i > 0 && strings.HasSuffix(s, ")") {
		name, arg, hasArg = s[:i], strings.TrimSpace(s[i+1:len(s)-1]), true
	}
	var kind Kind
	for k, n := range kindNames {
		if k != int(KindInvalid) && strings.EqualFold(n, name) {
			kind = Kind(k)
			break
		}
	}
	switch {
	case kind == KindInvalid:
		return Type{}, prism.Errorf(prism.ConfigError, "unknown field type %q", s)
	case kind.sized():
		n, err := strconv.Atoi(arg)
		if !hasArg || err != nil || n <= 0 {
			return Type{}, prism.Errorf(prism.ConfigError, "field type %s requires a positive dimension, got %q", kind, s)
		}
		return Type{Kind: kind, Size: n}, nil
	case kind.named():
		if !hasArg || arg == "" {
			return Type{}, prism.Errorf(prism.ConfigError, "field type %s requires a name, got %q", kind, s)
		}
		return Type{Kind: kind, Ref: arg}, nil
	case hasArg:
		return Type{}, prism.Errorf(prism.ConfigError, "field type %s takes no argument, got %q", kind, s)
	}
	return Type{Kind: kind}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Modifier is the arity of a field.
type Modifier uint8

// Field modifiers.
const (
	Required Modifier = iota
	Optional
	List
)

func (m Modifier) String() string {
	switch m {
	case Optional:
		return "optional"
	case List:
		return "list"
	}
	return "required"
}

// MarshalText implements encoding.TextMarshaler.
func (m Modifier) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Modifier) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "required":
		*m = Required
	case "optional":
		*m = Optional
	case "list":
		*m = List
	default:
		return prism.Errorf(prism.ConfigError, "unknown field modifier %q", b)
	}
	return nil
}
