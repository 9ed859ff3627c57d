// Package ledgertest provides checkpoint builders shared by package tests.
package ledgertest

import (
	"fmt"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

// Checkpoint builds a checkpoint with deterministic digests and timestamp.
func Checkpoint(seq, epoch uint64, txs ...ledger.CheckpointTransaction) *ledger.CheckpointData {
	contents := ledger.CheckpointContents{}
	for _, tx := range txs {
		contents.Transactions = append(contents.Transactions, ledger.ExecutionDigests{
			Transaction: tx.Transaction.Digest,
			Effects:     "effects-" + tx.Transaction.Digest,
		})
	}
	return &ledger.CheckpointData{
		Summary: ledger.CheckpointSummary{
			Epoch:          epoch,
			SequenceNumber: seq,
			Digest:         fmt.Sprintf("checkpoint-%08d", seq),
			TimestampMs:    1_700_000_000_000 + seq*1000,
		},
		Contents:     contents,
		Transactions: txs,
	}
}

// Range builds checkpoints [from, to) in a single epoch.
func Range(from, to, epoch uint64) []*ledger.CheckpointData {
	out := make([]*ledger.CheckpointData, 0, to-from)
	for seq := from; seq < to; seq++ {
		out = append(out, Checkpoint(seq, epoch))
	}
	return out
}

// Transaction builds a successful transaction with the given digest and sender.
func Transaction(digest, sender string) ledger.CheckpointTransaction {
	return ledger.CheckpointTransaction{
		Transaction: ledger.Transaction{Digest: digest, Sender: sender, Kind: "programmable"},
		Effects:     ledger.TransactionEffects{TransactionDigest: digest, Status: ledger.ExecutionSuccess},
	}
}
