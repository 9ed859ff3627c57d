// Package move decodes BCS encoded Move values into ordered, JSON friendly
// structs using struct layouts from published packages.
package move

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// ModuleABI is the struct layout section of a compiled module as carried in
// MovePackage.Modules.
type ModuleABI struct {
	Name    string      `json:"name"`
	Structs []StructABI `json:"structs"`
}

// StructABI declares one struct. Field types are canonical type strings that
// may reference the struct's type parameters as T0..Tn.
type StructABI struct {
	Name       string     `json:"name"`
	TypeParams int        `json:"type_params"`
	Fields     []FieldABI `json:"fields"`
}

type FieldABI struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EncodeModule serializes a module for storage in MovePackage.Modules.
func EncodeModule(m ModuleABI) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode module %s", m.Name)
	}
	return data, nil
}

// DecodeModule parses module bytes.
func DecodeModule(data []byte) (*ModuleABI, error) {
	var m ModuleABI
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode module")
	}
	return &m, nil
}

func (m *ModuleABI) lookup(name string) (*StructABI, bool) {
	for i := range m.Structs {
		if m.Structs[i].Name == name {
			return &m.Structs[i], true
		}
	}
	return nil, false
}

// fieldLayout is a struct field with its concrete type.
type fieldLayout struct {
	name string
	typ  ledger.TypeTag
}

// instantiate substitutes the struct's type arguments into its field types.
func (s *StructABI) instantiate(tag ledger.StructTag) ([]fieldLayout, error) {
	if len(tag.TypeParams) != s.TypeParams {
		return nil, fmt.Errorf("%s expects %d type arguments, got %d", tag.String(), s.TypeParams, len(tag.TypeParams))
	}
	out := make([]fieldLayout, 0, len(s.Fields))
	for _, f := range s.Fields {
		generic, err := ledger.ParseTypeTag(f.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s of %s", f.Name, tag.String())
		}
		concrete, err := generic.Substitute(tag.TypeParams)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s of %s", f.Name, tag.String())
		}
		out = append(out, fieldLayout{name: f.Name, typ: concrete})
	}
	return out, nil
}

// scalarKind marks framework types rendered as plain values instead of structs.
type scalarKind int

const (
	scalarNone scalarKind = iota
	scalarString
	scalarOption
	scalarAddress
)

func builtinKey(address, module, name string) string {
	return ledger.NormalizeAddress(address) + "::" + module + "::" + name
}

// scalarBuiltins decode to strings, addresses or optional values.
var scalarBuiltins = map[string]scalarKind{
	builtinKey(ledger.StdAddress, "string", "String"):    scalarString,
	builtinKey(ledger.StdAddress, "ascii", "String"):     scalarString,
	builtinKey(ledger.StdAddress, "option", "Option"):    scalarOption,
	builtinKey(ledger.FrameworkAddress, "object", "UID"): scalarAddress,
	builtinKey(ledger.FrameworkAddress, "object", "ID"):  scalarAddress,
}

// frameworkStructs are layouts available without loading a package.
var frameworkStructs = map[string]StructABI{
	builtinKey(ledger.FrameworkAddress, "balance", "Balance"): {
		Name: "Balance", TypeParams: 1,
		Fields: []FieldABI{{Name: "value", Type: "u64"}},
	},
	builtinKey(ledger.FrameworkAddress, "coin", "Coin"): {
		Name: "Coin", TypeParams: 1,
		Fields: []FieldABI{
			{Name: "id", Type: "0x2::object::UID"},
			{Name: "balance", Type: "0x2::balance::Balance<T0>"},
		},
	},
	builtinKey(ledger.FrameworkAddress, "dynamic_field", "Field"): {
		Name: "Field", TypeParams: 2,
		Fields: []FieldABI{
			{Name: "id", Type: "0x2::object::UID"},
			{Name: "name", Type: "T0"},
			{Name: "value", Type: "T1"},
		},
	},
	builtinKey(ledger.FrameworkAddress, "dynamic_object_field", "Wrapper"): {
		Name: "Wrapper", TypeParams: 1,
		Fields: []FieldABI{{Name: "name", Type: "T0"}},
	},
	builtinKey(ledger.FrameworkAddress, "url", "Url"): {
		Name: "Url",
		Fields: []FieldABI{{Name: "url", Type: "0x1::ascii::String"}},
	},
}
