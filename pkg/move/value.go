package move

import (
	"bytes"
	"encoding/json"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// Struct is a decoded Move struct. Fields keep declaration order.
type Struct struct {
	Type   ledger.StructTag
	Fields []Field
}

// Field is one decoded struct field. Value is one of bool, uint8, uint16,
// uint32, uint64, string (u128, u256, addresses and strings), []interface{},
// *Struct, or nil for an empty Option.
type Field struct {
	Name  string
	Value interface{}
	// BCS is the encoded form of the field as it appeared in the input.
	BCS []byte
}

// Field returns the named field.
func (s *Struct) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// MarshalJSON renders the struct as a JSON object in field order.
func (s *Struct) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
