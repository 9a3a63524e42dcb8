package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TypeKind names the structural shape of a value.
type TypeKind string

const (
	TypeUnit   TypeKind = "unit"
	TypeString TypeKind = "string"
	TypeS64    TypeKind = "s64"
	TypeBool   TypeKind = "bool"
	TypeList   TypeKind = "list"
	TypeRecord TypeKind = "record"
)

// Type is a structural type description, derived from a value.
type Type struct {
	Kind   TypeKind `json:"kind"`
	Elem   *Type    `json:"elem,omitempty"`
	Fields []Field  `json:"fields,omitempty"`
}

// Field is one named member of a record type.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// TypeOf derives the structural type of a value. Lists take the type of
// their first element; an empty list has no element type.
func TypeOf(v IRValue) Type {
	switch val := v.(type) {
	case IRString:
		return Type{Kind: TypeString}
	case IRInt:
		return Type{Kind: TypeS64}
	case IRBool:
		return Type{Kind: TypeBool}
	case IRArray:
		t := Type{Kind: TypeList}
		if len(val) > 0 {
			elem := TypeOf(val[0])
			t.Elem = &elem
		}
		return t
	case IRObject:
		keys := val.SortedKeys()
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = Field{Name: k, Type: TypeOf(val[k])}
		}
		return Type{Kind: TypeRecord, Fields: fields}
	default:
		return Type{Kind: TypeUnit}
	}
}

// String renders the type in a compact WIT-like form: list<s64>,
// record{a: string}.
func (t Type) String() string {
	switch t.Kind {
	case TypeList:
		if t.Elem == nil {
			return "list<_>"
		}
		return "list<" + t.Elem.String() + ">"
	case TypeRecord:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Name + ": " + f.Type.String()
		}
		return "record{" + strings.Join(parts, ", ") + "}"
	default:
		return string(t.Kind)
	}
}

// ValueAndType pairs a value with its structural type. It is the payload
// representation of the public oplog projection.
type ValueAndType struct {
	Type  Type
	Value IRValue
}

// NewValueAndType derives the type of v.
func NewValueAndType(v IRValue) ValueAndType {
	if v == nil {
		v = IRNull{}
	}
	return ValueAndType{Type: TypeOf(v), Value: v}
}

type valueAndTypeJSON struct {
	Type  Type            `json:"typ"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (vt ValueAndType) MarshalJSON() ([]byte, error) {
	val, err := MarshalCanonical(orNull(vt.Value))
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueAndTypeJSON{Type: vt.Type, Value: val})
}

// UnmarshalJSON implements json.Unmarshaler.
func (vt *ValueAndType) UnmarshalJSON(data []byte) error {
	var raw valueAndTypeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := UnmarshalIRValue(raw.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	vt.Type = raw.Type
	vt.Value = val
	return nil
}

// String renders the value as canonical JSON, for logs and the CLI.
func (vt ValueAndType) String() string {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, orNull(vt.Value)); err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return buf.String()
}
