package object

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Kind is the attribute value type. It is written into snapshots as the
// data node's type attribute.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindRef // weak reference to another object's identifier
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindRef:
		return "ref"
	default:
		return "string"
	}
}

// ParseKind maps a snapshot type attribute back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "bool":
		return KindBool, nil
	case "ref":
		return KindRef, nil
	default:
		return KindString, fmt.Errorf("unknown value kind %q", s)
	}
}

// Value is a primitive attribute value or an identifier reference.
// Values are stored in their text form so that snapshots round-trip exactly.
type Value struct {
	Kind Kind
	Raw  string
}

func String(s string) Value { return Value{Kind: KindString, Raw: s} }

func Number(f float64) Value {
	return Value{Kind: KindNumber, Raw: strconv.FormatFloat(f, 'g', -1, 64)}
}

func Bool(b bool) Value { return Value{Kind: KindBool, Raw: strconv.FormatBool(b)} }

// Ref points at another object by identifier. It never owns the target.
func Ref(id string) Value { return Value{Kind: KindRef, Raw: id} }

// Float returns the numeric value, or 0 when the value is not a number.
func (v Value) Float() float64 {
	if v.Kind != KindNumber {
		return 0
	}
	f, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return 0
	}
	return f
}

// Int truncates the numeric value.
func (v Value) Int() int { return int(v.Float()) }

func (v Value) Bool() bool {
	b, _ := strconv.ParseBool(v.Raw)
	return v.Kind == KindBool && b
}

// RefID returns the referenced identifier, or "" if v is not a reference.
func (v Value) RefID() string {
	if v.Kind != KindRef {
		return ""
	}
	return v.Raw
}

func (v Value) String() string { return v.Raw }

// ErrInvalidText is returned for text that snapshots cannot carry unchanged.
var ErrInvalidText = errors.New("text not representable in a snapshot")

// ValidText rejects invalid UTF-8 and runes outside the XML character range.
// Such text would be altered by the snapshot encoder, so peers would end up
// holding different values.
func ValidText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8 %q", ErrInvalidText, s)
	}
	for i, r := range s {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: rune %U at byte %d", ErrInvalidText, r, i)
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

// Validate checks that Raw parses for the declared Kind.
func (v Value) Validate() error {
	switch v.Kind {
	case KindNumber:
		if _, err := strconv.ParseFloat(v.Raw, 64); err != nil {
			return fmt.Errorf("invalid number %q", v.Raw)
		}
	case KindBool:
		if _, err := strconv.ParseBool(v.Raw); err != nil {
			return fmt.Errorf("invalid bool %q", v.Raw)
		}
	default:
		return ValidText(v.Raw)
	}
	return nil
}
