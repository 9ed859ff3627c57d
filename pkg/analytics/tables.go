// Package analytics turns checkpoints into object, event and dynamic field
// rows and writes them to columnar files or databases.
package analytics

import (
	"github.com/guregu/null"
)

// FileType names a table and the directory its files are written under.
type FileType string

const (
	FileTypeObject       FileType = "objects"
	FileTypeEvent        FileType = "events"
	FileTypeDynamicField FileType = "dynamic_field"
)

// ColumnType is the logical type of a column.
type ColumnType int

const (
	ColumnString ColumnType = iota
	ColumnUint64
	ColumnInt64
	ColumnBool
)

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Schema describes a table. Key lists the columns that identify a row.
type Schema struct {
	Name    string
	Columns []Column
	Key     []string
}

// ColumnNames returns the column names in order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Row is a table entry. Values are in schema column order and are one of
// string, uint64, int64, bool, null.String or null.Int.
type Row interface {
	Values() []interface{}
}

// ObjectStatus is how a transaction changed an object.
type ObjectStatus string

const (
	ObjectCreated ObjectStatus = "created"
	ObjectMutated ObjectStatus = "mutated"
	ObjectDeleted ObjectStatus = "deleted"
)

// DynamicFieldType distinguishes plain dynamic fields from dynamic object fields.
type DynamicFieldType string

const (
	DynamicField  DynamicFieldType = "DynamicField"
	DynamicObject DynamicFieldType = "DynamicObject"
)

// ObjectEntry is one object version written or removed by a transaction.
type ObjectEntry struct {
	ObjectID             string       `json:"object_id"`
	Version              uint64       `json:"version"`
	Digest               string       `json:"digest"`
	Type                 null.String  `json:"type"`
	Checkpoint           uint64       `json:"checkpoint"`
	Epoch                uint64       `json:"epoch"`
	TimestampMs          uint64       `json:"timestamp_ms"`
	OwnerType            null.String  `json:"owner_type"`
	OwnerAddress         null.String  `json:"owner_address"`
	Status               ObjectStatus `json:"object_status"`
	InitialSharedVersion null.Int     `json:"initial_shared_version"`
	PreviousTransaction  string       `json:"previous_transaction"`
	HasPublicTransfer    bool         `json:"has_public_transfer"`
	StorageRebate        null.String  `json:"storage_rebate"`
	BCS                  null.String  `json:"bcs"`
	CoinType             null.String  `json:"coin_type"`
	CoinBalance          null.String  `json:"coin_balance"`
	StructTag            null.String  `json:"struct_tag"`
	ObjectJSON           null.String  `json:"object_json"`
}

var ObjectSchema = Schema{
	Name: string(FileTypeObject),
	Columns: []Column{
		{Name: "object_id", Type: ColumnString},
		{Name: "version", Type: ColumnUint64},
		{Name: "digest", Type: ColumnString},
		{Name: "type", Type: ColumnString, Nullable: true},
		{Name: "checkpoint", Type: ColumnUint64},
		{Name: "epoch", Type: ColumnUint64},
		{Name: "timestamp_ms", Type: ColumnUint64},
		{Name: "owner_type", Type: ColumnString, Nullable: true},
		{Name: "owner_address", Type: ColumnString, Nullable: true},
		{Name: "object_status", Type: ColumnString},
		{Name: "initial_shared_version", Type: ColumnInt64, Nullable: true},
		{Name: "previous_transaction", Type: ColumnString},
		{Name: "has_public_transfer", Type: ColumnBool},
		{Name: "storage_rebate", Type: ColumnString, Nullable: true}, // u64 in decimal
		{Name: "bcs", Type: ColumnString, Nullable: true},
		{Name: "coin_type", Type: ColumnString, Nullable: true},
		{Name: "coin_balance", Type: ColumnString, Nullable: true}, // u64 in decimal
		{Name: "struct_tag", Type: ColumnString, Nullable: true},
		{Name: "object_json", Type: ColumnString, Nullable: true},
	},
	Key: []string{"object_id", "version", "object_status"},
}

func (e ObjectEntry) Values() []interface{} {
	return []interface{}{
		e.ObjectID, e.Version, e.Digest, e.Type,
		e.Checkpoint, e.Epoch, e.TimestampMs,
		e.OwnerType, e.OwnerAddress, string(e.Status), e.InitialSharedVersion,
		e.PreviousTransaction, e.HasPublicTransfer, e.StorageRebate, e.BCS,
		e.CoinType, e.CoinBalance, e.StructTag, e.ObjectJSON,
	}
}

// EventEntry is one event emitted by a transaction.
type EventEntry struct {
	TransactionDigest string `json:"transaction_digest"`
	EventIndex        uint64 `json:"event_index"`
	Checkpoint        uint64 `json:"checkpoint"`
	Epoch             uint64 `json:"epoch"`
	TimestampMs       uint64 `json:"timestamp_ms"`
	Sender            string `json:"sender"`
	Package           string `json:"package"`
	Module            string `json:"module"`
	EventType         string `json:"event_type"`
	BCS               string `json:"bcs"`
	EventJSON         string `json:"event_json"`
}

var EventSchema = Schema{
	Name: string(FileTypeEvent),
	Columns: []Column{
		{Name: "transaction_digest", Type: ColumnString},
		{Name: "event_index", Type: ColumnUint64},
		{Name: "checkpoint", Type: ColumnUint64},
		{Name: "epoch", Type: ColumnUint64},
		{Name: "timestamp_ms", Type: ColumnUint64},
		{Name: "sender", Type: ColumnString},
		{Name: "package", Type: ColumnString},
		{Name: "module", Type: ColumnString},
		{Name: "event_type", Type: ColumnString},
		{Name: "bcs", Type: ColumnString},
		{Name: "event_json", Type: ColumnString},
	},
	Key: []string{"transaction_digest", "event_index"},
}

func (e EventEntry) Values() []interface{} {
	return []interface{}{
		e.TransactionDigest, e.EventIndex, e.Checkpoint, e.Epoch, e.TimestampMs,
		e.Sender, e.Package, e.Module, e.EventType, e.BCS, e.EventJSON,
	}
}

// DynamicFieldEntry is one dynamic field written by a transaction.
type DynamicFieldEntry struct {
	ParentObjectID    string           `json:"parent_object_id"`
	TransactionDigest string           `json:"transaction_digest"`
	Checkpoint        uint64           `json:"checkpoint"`
	Epoch             uint64           `json:"epoch"`
	TimestampMs       uint64           `json:"timestamp_ms"`
	Name              string           `json:"name"`
	BCSName           string           `json:"bcs_name"`
	FieldType         DynamicFieldType `json:"type"`
	ObjectID          string           `json:"object_id"`
	Version           uint64           `json:"version"`
	Digest            string           `json:"digest"`
	ObjectType        string           `json:"object_type"`
}

var DynamicFieldSchema = Schema{
	Name: string(FileTypeDynamicField),
	Columns: []Column{
		{Name: "parent_object_id", Type: ColumnString},
		{Name: "transaction_digest", Type: ColumnString},
		{Name: "checkpoint", Type: ColumnUint64},
		{Name: "epoch", Type: ColumnUint64},
		{Name: "timestamp_ms", Type: ColumnUint64},
		{Name: "name", Type: ColumnString},
		{Name: "bcs_name", Type: ColumnString},
		{Name: "type", Type: ColumnString},
		{Name: "object_id", Type: ColumnString},
		{Name: "version", Type: ColumnUint64},
		{Name: "digest", Type: ColumnString},
		{Name: "object_type", Type: ColumnString},
	},
	Key: []string{"parent_object_id", "object_id", "version"},
}

func (e DynamicFieldEntry) Values() []interface{} {
	return []interface{}{
		e.ParentObjectID, e.TransactionDigest, e.Checkpoint, e.Epoch, e.TimestampMs,
		e.Name, e.BCSName, string(e.FieldType), e.ObjectID, e.Version, e.Digest, e.ObjectType,
	}
}

// SchemaFor returns the schema of a file type.
func SchemaFor(t FileType) (*Schema, bool) {
	switch t {
	case FileTypeObject:
		return &ObjectSchema, true
	case FileTypeEvent:
		return &EventSchema, true
	case FileTypeDynamicField:
		return &DynamicFieldSchema, true
	}
	return nil, false
}

// plainValue unwraps nullable values; ok is false for SQL NULL.
func plainValue(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case null.String:
		if !x.Valid {
			return nil, false
		}
		return x.String, true
	case null.Int:
		if !x.Valid {
			return nil, false
		}
		return x.Int64, true
	}
	return v, true
}

// plainValues unwraps every value of a row, mapping NULL to nil.
func plainValues(r Row) []interface{} {
	values := r.Values()
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i], _ = plainValue(v)
	}
	return out
}
