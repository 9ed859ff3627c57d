package analytics

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

const poolPackageID = "0xabc"

func addrBytes(b byte) []byte {
	out := make([]byte, move.AddressLength)
	out[move.AddressLength-1] = b
	return out
}

func addrString(b byte) string {
	return fmt.Sprintf("0x%064x", b)
}

func u64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func bcsString(s string) []byte {
	return append(move.ULEB128(len(s)), s...)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func mustTag(t *testing.T, s string) ledger.StructTag {
	t.Helper()
	tag, err := ledger.ParseStructTag(s)
	require.NoError(t, err)
	return tag
}

// poolPackage publishes module pool with Pool { id: UID, value: u64 } and
// event Swapped { amount: u64 }.
func poolPackage(t *testing.T) ledger.Object {
	t.Helper()
	module, err := move.EncodeModule(move.ModuleABI{
		Name: "pool",
		Structs: []move.StructABI{
			{
				Name: "Pool",
				Fields: []move.FieldABI{
					{Name: "id", Type: "0x2::object::UID"},
					{Name: "value", Type: "u64"},
				},
			},
			{
				Name:   "Swapped",
				Fields: []move.FieldABI{{Name: "amount", Type: "u64"}},
			},
		},
	})
	require.NoError(t, err)
	return ledger.Object{
		Data: ledger.ObjectData{Package: &ledger.MovePackage{
			ID:      poolPackageID,
			Version: 1,
			Modules: map[string][]byte{"pool": module},
		}},
		Owner: ledger.Owner{Kind: ledger.OwnerImmutable},
	}
}

func moveObject(t *testing.T, id byte, version uint64, typ string, owner ledger.Owner, contents []byte) ledger.Object {
	t.Helper()
	return ledger.Object{
		Data: ledger.ObjectData{Move: &ledger.MoveObject{
			ID:                addrString(id),
			Version:           version,
			Type:              mustTag(t, typ),
			HasPublicTransfer: true,
			Contents:          contents,
		}},
		Owner:         owner,
		StorageRebate: 100,
	}
}

func coinObject(t *testing.T, id byte, balance uint64, owner byte) ledger.Object {
	return moveObject(t, id, 1, "0x2::coin::Coin<0x2::iota::IOTA>",
		ledger.Owner{Kind: ledger.OwnerAddress, Address: addrString(owner)},
		concat(addrBytes(id), u64Bytes(balance)))
}

func poolObject(t *testing.T, id byte, value uint64) ledger.Object {
	return moveObject(t, id, 5, poolPackageID+"::pool::Pool",
		ledger.Owner{Kind: ledger.OwnerShared, InitialSharedVersion: 4},
		concat(addrBytes(id), u64Bytes(value)))
}

func ref(obj ledger.Object) ledger.ObjectRef {
	return ledger.ObjectRef{ObjectID: obj.ID(), Version: obj.Version()}
}

// withOutputs attaches objects to tx, recording each as created.
func withOutputs(tx ledger.CheckpointTransaction, objs ...ledger.Object) ledger.CheckpointTransaction {
	for i := range objs {
		objs[i].PreviousTransaction = tx.Transaction.Digest
		tx.OutputObjects = append(tx.OutputObjects, objs[i])
		tx.Effects.Created = append(tx.Effects.Created, ref(objs[i]))
	}
	return tx
}
