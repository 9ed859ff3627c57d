package analytics

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/guregu/null"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

// ObjectHandler emits one row per object written or removed by a transaction.
type ObjectHandler struct {
	rowBuffer[ObjectEntry]
	decoder
}

func NewObjectHandler(cache *PackageCache) *ObjectHandler {
	return &ObjectHandler{decoder: newDecoder(cache, "object_handler")}
}

func (h *ObjectHandler) Name() string       { return "object" }
func (h *ObjectHandler) FileType() FileType { return FileTypeObject }

func (h *ObjectHandler) ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	summary := &checkpoint.Summary
	return h.eachTransaction(ctx, checkpoint, func(tx *ledger.CheckpointTransaction) error {
		tracker := NewObjectStatusTracker(&tx.Effects)
		for i := range tx.OutputObjects {
			if err := h.processObject(ctx, summary, &tx.OutputObjects[i], tracker); err != nil {
				return err
			}
		}
		for _, ref := range tx.Effects.AllRemovedObjects() {
			h.add(ObjectEntry{
				ObjectID:            ref.ObjectID,
				Version:             ref.Version,
				Digest:              ref.Digest,
				Checkpoint:          summary.SequenceNumber,
				Epoch:               summary.Epoch,
				TimestampMs:         summary.TimestampMs,
				Status:              ObjectDeleted,
				PreviousTransaction: tx.Transaction.Digest,
			})
		}
		return nil
	})
}

func (h *ObjectHandler) processObject(ctx context.Context, summary *ledger.CheckpointSummary, obj *ledger.Object, tracker *ObjectStatusTracker) error {
	status, ok := tracker.Status(obj.ID())
	if !ok {
		return fmt.Errorf("object %s is not in the transaction effects", obj.ID())
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode object %s: %w", obj.ID(), err)
	}

	entry := ObjectEntry{
		ObjectID:            obj.ID(),
		Version:             obj.Version(),
		Digest:              obj.Digest(),
		Checkpoint:          summary.SequenceNumber,
		Epoch:               summary.Epoch,
		TimestampMs:         summary.TimestampMs,
		OwnerType:           null.StringFrom(string(obj.Owner.Kind)),
		Status:              status,
		PreviousTransaction: obj.PreviousTransaction,
		StorageRebate:       null.StringFrom(strconv.FormatUint(obj.StorageRebate, 10)),
		BCS:                 null.StringFrom(encodeBase64(encoded)),
	}
	switch obj.Owner.Kind {
	case ledger.OwnerAddress, ledger.OwnerObject:
		entry.OwnerAddress = null.StringFrom(obj.Owner.Address)
	case ledger.OwnerShared:
		entry.InitialSharedVersion = null.IntFrom(int64(obj.Owner.InitialSharedVersion))
	}

	if mo := obj.Data.Move; mo != nil {
		entry.Type = null.StringFrom(mo.Type.String())
		entry.HasPublicTransfer = mo.HasPublicTransfer
		if mo.Type.IsCoin() {
			balance, err := coinBalance(mo.Contents)
			if err != nil {
				return fmt.Errorf("coin %s: %w", obj.ID(), err)
			}
			entry.CoinType = null.StringFrom(mo.Type.TypeParams[0].String())
			entry.CoinBalance = null.StringFrom(strconv.FormatUint(balance, 10))
		}
		value, rendered, err := h.resolve(ctx, mo.Type, mo.Contents)
		if err != nil {
			return fmt.Errorf("object %s: %w", obj.ID(), err)
		}
		entry.StructTag = null.StringFrom(value.Type.String())
		entry.ObjectJSON = null.StringFrom(rendered)
	}
	h.add(entry)
	return nil
}

// coinBalance reads the balance of a Coin, which follows its 32 byte id.
func coinBalance(contents []byte) (uint64, error) {
	if len(contents) < move.AddressLength+8 {
		return 0, fmt.Errorf("coin contents too short: %d bytes", len(contents))
	}
	return binary.LittleEndian.Uint64(contents[move.AddressLength : move.AddressLength+8]), nil
}
