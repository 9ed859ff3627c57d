package analytics

import (
	"context"
	"fmt"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// EventHandler emits one row per event. EventIndex restarts at 0 for every
// transaction.
type EventHandler struct {
	rowBuffer[EventEntry]
	decoder
}

func NewEventHandler(cache *PackageCache) *EventHandler {
	return &EventHandler{decoder: newDecoder(cache, "event_handler")}
}

func (h *EventHandler) Name() string       { return "event" }
func (h *EventHandler) FileType() FileType { return FileTypeEvent }

func (h *EventHandler) ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error {
	summary := &checkpoint.Summary
	return h.eachTransaction(ctx, checkpoint, func(tx *ledger.CheckpointTransaction) error {
		if tx.Events == nil {
			return nil
		}
		for idx, event := range tx.Events.Data {
			_, rendered, err := h.resolve(ctx, event.Type, event.Contents)
			if err != nil {
				return fmt.Errorf("event %d of transaction %s: %w", idx, tx.Transaction.Digest, err)
			}
			h.add(EventEntry{
				TransactionDigest: tx.Transaction.Digest,
				EventIndex:        uint64(idx),
				Checkpoint:        summary.SequenceNumber,
				Epoch:             summary.Epoch,
				TimestampMs:       summary.TimestampMs,
				Sender:            event.Sender,
				Package:           event.PackageID,
				Module:            event.TransactionModule,
				EventType:         event.Type.String(),
				BCS:               encodeBase64(event.Contents),
				EventJSON:         rendered,
			})
		}
		return nil
	})
}
