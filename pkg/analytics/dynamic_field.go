package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

// DynamicFieldHandler emits one row per dynamic field object owned by
// another object.
type DynamicFieldHandler struct {
	rowBuffer[DynamicFieldEntry]
	decoder
}

func NewDynamicFieldHandler(cache *PackageCache) *DynamicFieldHandler {
	return &DynamicFieldHandler{decoder: newDecoder(cache, "dynamic_field_handler")}
}

func (h *DynamicFieldHandler) Name() string       { return "dynamic_field" }
func (h *DynamicFieldHandler) FileType() FileType { return FileTypeDynamicField }

type dynamicFieldName struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

func (h *DynamicFieldHandler) ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	summary := &checkpoint.Summary
	return h.eachTransaction(ctx, checkpoint, func(tx *ledger.CheckpointTransaction) error {
		written := make(map[string]*ledger.Object, len(tx.OutputObjects))
		for i := range tx.OutputObjects {
			written[ledger.NormalizeAddress(tx.OutputObjects[i].ID())] = &tx.OutputObjects[i]
		}
		for i := range tx.OutputObjects {
			if err := h.processObject(ctx, summary, &tx.OutputObjects[i], written); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *DynamicFieldHandler) processObject(ctx context.Context, summary *ledger.CheckpointSummary, obj *ledger.Object, written map[string]*ledger.Object) error {
	mo := obj.Data.Move
	if mo == nil || !mo.Type.IsDynamicField() || obj.Owner.Kind != ledger.OwnerObject {
		return nil
	}
	value, _, err := h.resolve(ctx, mo.Type, mo.Contents)
	if err != nil {
		return fmt.Errorf("dynamic field %s: %w", obj.ID(), err)
	}
	nameField, ok := value.Field("name")
	if !ok {
		return fmt.Errorf("dynamic field %s has no name", obj.ID())
	}

	nameType := mo.Type.TypeParams[0]
	entry := DynamicFieldEntry{
		ParentObjectID:    obj.Owner.Address,
		TransactionDigest: obj.PreviousTransaction,
		Checkpoint:        summary.SequenceNumber,
		Epoch:             summary.Epoch,
		TimestampMs:       summary.TimestampMs,
		BCSName:           encodeBase64(nameField.BCS),
		FieldType:         DynamicField,
		ObjectID:          obj.ID(),
		Version:           obj.Version(),
		Digest:            obj.Digest(),
		ObjectType:        mo.Type.TypeParams[1].String(),
	}
	nameValue := nameField.Value

	if nameType.IsDynamicObjectFieldWrapper() {
		wrapper, ok := nameField.Value.(*move.Struct)
		if !ok {
			return fmt.Errorf("dynamic object field %s: name is not a wrapper", obj.ID())
		}
		inner, ok := wrapper.Field("name")
		if !ok {
			return fmt.Errorf("dynamic object field %s: wrapper has no name", obj.ID())
		}
		nameType = nameType.Struct.TypeParams[0]
		nameValue = inner.Value
		entry.BCSName = encodeBase64(inner.BCS)

		idField, _ := value.Field("value")
		childID, ok := idField.Value.(string)
		if !ok {
			return fmt.Errorf("dynamic object field %s: value is not an object id", obj.ID())
		}
		child, ok := written[ledger.NormalizeAddress(childID)]
		if !ok {
			return fmt.Errorf("failed to find object %s referenced by dynamic object field %s", childID, obj.ID())
		}
		entry.FieldType = DynamicObject
		entry.TransactionDigest = child.PreviousTransaction
		entry.ObjectID = child.ID()
		entry.Version = child.Version()
		entry.Digest = child.Digest()
		entry.ObjectType = ""
		if tag := child.StructTag(); tag != nil {
			entry.ObjectType = tag.String()
		}
	}

	name, err := json.Marshal(dynamicFieldName{Type: nameType.String(), Value: nameValue})
	if err != nil {
		return fmt.Errorf("failed to encode name of dynamic field %s: %w", obj.ID(), err)
	}
	entry.Name = string(name)
	h.add(entry)
	return nil
}
