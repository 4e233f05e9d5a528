package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type TypeId = byte

const (
	IntType TypeId = iota
	StringType
	VectorType
	MapType
	StructType
)

func typeName(t TypeId) string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	case VectorType:
		return "vector"
	case MapType:
		return "map"
	case StructType:
		return "struct"
	default:
		return "unknown"
	}
}

// Value is the runtime value model. The set of implementations is closed:
// Int, String, *Struct, *Vector and *HashMap. Composite values are pointers,
// so copying a Value shares the payload rather than duplicating it.
type Value interface {
	TypeId() TypeId
	String() string
	value()
}

type Int uint64

func (Int) TypeId() TypeId   { return IntType }
func (i Int) String() string { return strconv.FormatUint(uint64(i), 10) }
func (Int) value()           {}

type String string

func (String) TypeId() TypeId   { return StringType }
func (s String) String() string { return string(s) }
func (String) value()           {}

type StructId = int

// Struct is a fixed number of member slots shared by every Value that refers
// to the instance.
type Struct struct {
	id      StructId
	members []Value
}

func (*Struct) TypeId() TypeId { return StructType }
func (*Struct) value()         {}

func (s *Struct) Id() StructId {
	return s.id
}

func (s *Struct) NumMembers() int {
	return len(s.members)
}

func (s *Struct) Member(index int) (Value, error) {
	if index < 0 || index >= len(s.members) {
		return nil, errors.Wrapf(StatusOutOfBuffer, "member %d of struct %d with %d members", index, s.id, len(s.members))
	}
	return s.members[index], nil
}

func (s *Struct) SetMember(index int, v Value) error {
	if index < 0 || index >= len(s.members) {
		return errors.Wrapf(StatusOutOfBuffer, "member %d of struct %d with %d members", index, s.id, len(s.members))
	}
	s.members[index] = v
	return nil
}

func (s *Struct) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "struct(%d", s.id)
	for i, m := range s.members {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(describe(m))
	}
	sb.WriteString(")")
	return sb.String()
}

// describe renders a value for traces, where unset slots are nil.
func describe(v Value) string {
	switch v := v.(type) {
	case nil:
		return "<unset>"
	case String:
		return strconv.Quote(string(v))
	default:
		return v.String()
	}
}

func expectInt(v Value, context string) (Int, error) {
	i, ok := v.(Int)
	if !ok {
		return 0, errors.Wrapf(StatusError, "%s: expected int, got %s", context, typeName(v.TypeId()))
	}
	return i, nil
}

func expectStruct(v Value, context string) (*Struct, error) {
	s, ok := v.(*Struct)
	if !ok {
		return nil, errors.Wrapf(StatusError, "%s: expected struct, got %s", context, typeName(v.TypeId()))
	}
	return s, nil
}

func expectVector(v Value, context string) (*Vector, error) {
	vec, ok := v.(*Vector)
	if !ok {
		return nil, errors.Wrapf(StatusError, "%s: expected vector, got %s", context, typeName(v.TypeId()))
	}
	return vec, nil
}

func expectMap(v Value, context string) (*HashMap, error) {
	m, ok := v.(*HashMap)
	if !ok {
		return nil, errors.Wrapf(StatusError, "%s: expected map, got %s", context, typeName(v.TypeId()))
	}
	return m, nil
}
