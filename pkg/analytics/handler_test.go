package analytics

import (
	"context"
	"encoding/base64"
	"math"
	"path/filepath"
	"testing"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger/ledgertest"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

func TestObjectHandler(t *testing.T) {
	ctx := context.Background()
	pkg := poolPackage(t)
	tx := withOutputs(ledgertest.Transaction("tx1", addrString(1)), pkg, coinObject(t, 0x10, 1_500, 0x01))

	pool := poolObject(t, 0x20, 7)
	pool.PreviousTransaction = "tx0"
	tx.OutputObjects = append(tx.OutputObjects, pool)
	tx.Effects.Mutated = []ledger.ObjectRef{ref(pool)}
	tx.Effects.Deleted = []ledger.ObjectRef{{ObjectID: addrString(0x30), Version: 2, Digest: "d30"}}
	tx.Effects.Wrapped = []ledger.ObjectRef{{ObjectID: addrString(0x31), Version: 3, Digest: "d31"}}

	h := NewObjectHandler(NewPackageCache(nil))
	require.NoError(t, h.ProcessCheckpoint(ctx, ledgertest.Checkpoint(12, 2, tx)))

	rows := h.Read()
	require.Len(t, rows, 5)
	assert.Empty(t, h.Read(), "read clears the buffer")

	byID := make(map[string]ObjectEntry)
	for _, r := range rows {
		assert.Equal(t, uint64(12), r.Checkpoint)
		assert.Equal(t, uint64(2), r.Epoch)
		assert.Equal(t, uint64(1_700_000_012_000), r.TimestampMs)
		byID[r.ObjectID] = r
	}

	p := byID[poolPackageID]
	assert.Equal(t, ObjectCreated, p.Status)
	assert.False(t, p.Type.Valid)
	assert.False(t, p.ObjectJSON.Valid)
	assert.Equal(t, null.StringFrom("immutable"), p.OwnerType)
	assert.False(t, p.OwnerAddress.Valid)

	coin := byID[addrString(0x10)]
	assert.Equal(t, ObjectCreated, coin.Status)
	assert.Equal(t, null.StringFrom("0x2::iota::IOTA"), coin.CoinType)
	assert.Equal(t, null.StringFrom("1500"), coin.CoinBalance)
	assert.Equal(t, null.StringFrom(addrString(0x01)), coin.OwnerAddress)
	assert.Equal(t, "tx1", coin.PreviousTransaction)
	assert.True(t, coin.HasPublicTransfer)
	assert.Equal(t, tx.OutputObjects[1].Digest(), coin.Digest)

	shared := byID[addrString(0x20)]
	assert.Equal(t, ObjectMutated, shared.Status)
	assert.Equal(t, null.IntFrom(4), shared.InitialSharedVersion)
	assert.Equal(t, null.StringFrom("0xabc::pool::Pool"), shared.StructTag)
	assert.Equal(t, null.StringFrom(`{"id":"`+addrString(0x20)+`","value":7}`), shared.ObjectJSON)
	assert.False(t, shared.CoinType.Valid)
	assert.Equal(t, "tx0", shared.PreviousTransaction)

	for _, id := range []string{addrString(0x30), addrString(0x31)} {
		removed := byID[id]
		assert.Equal(t, ObjectDeleted, removed.Status, id)
		assert.Equal(t, "tx1", removed.PreviousTransaction, id)
		assert.False(t, removed.BCS.Valid, id)
		assert.False(t, removed.OwnerType.Valid, id)
	}
	assert.Equal(t, "d30", byID[addrString(0x30)].Digest)
}

func TestObjectHandlerUnwrappedIsCreated(t *testing.T) {
	coin := coinObject(t, 0x11, 5, 0x02)
	tx := ledgertest.Transaction("tx2", addrString(2))
	tx.OutputObjects = []ledger.Object{coin}
	tx.Effects.Unwrapped = []ledger.ObjectRef{ref(coin)}

	h := NewObjectHandler(NewPackageCache(nil))
	require.NoError(t, h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(1, 0, tx)))
	rows := h.Read()
	require.Len(t, rows, 1)
	assert.Equal(t, ObjectCreated, rows[0].Status)
}

func TestObjectHandlerLargeAmounts(t *testing.T) {
	coin := coinObject(t, 0x13, math.MaxUint64, 0x02)
	coin.StorageRebate = math.MaxInt64 + 1
	tx := withOutputs(ledgertest.Transaction("tx5", addrString(2)), coin)

	h := NewObjectHandler(NewPackageCache(nil))
	require.NoError(t, h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(1, 0, tx)))
	rows := h.Read()
	require.Len(t, rows, 1)
	assert.Equal(t, null.StringFrom("18446744073709551615"), rows[0].CoinBalance)
	assert.Equal(t, null.StringFrom("9223372036854775808"), rows[0].StorageRebate)
}

func TestObjectHandlerErrors(t *testing.T) {
	ctx := context.Background()

	untracked := ledgertest.Transaction("tx3", addrString(3))
	untracked.OutputObjects = []ledger.Object{coinObject(t, 0x12, 1, 0x03)}
	h := NewObjectHandler(NewPackageCache(nil))
	err := h.ProcessCheckpoint(ctx, ledgertest.Checkpoint(4, 0, untracked))
	assert.ErrorContains(t, err, "checkpoint 4")
	assert.ErrorContains(t, err, "not in the transaction effects")

	unknown := withOutputs(ledgertest.Transaction("tx4", addrString(3)), poolObject(t, 0x21, 1))
	err = h.ProcessCheckpoint(ctx, ledgertest.Checkpoint(5, 0, unknown))
	assert.ErrorIs(t, err, move.ErrPackageNotFound)
	assert.ErrorContains(t, err, "checkpoint 5")
	assert.ErrorContains(t, err, addrString(0x21))
}

func TestPackagesCarryAcrossCheckpoints(t *testing.T) {
	ctx := context.Background()
	cache := NewPackageCache(nil)
	h := NewObjectHandler(cache)

	publish := withOutputs(ledgertest.Transaction("publish", addrString(1)), poolPackage(t))
	require.NoError(t, h.ProcessCheckpoint(ctx, ledgertest.Checkpoint(1, 0, publish)))
	assert.Equal(t, 1, cache.Len())

	use := withOutputs(ledgertest.Transaction("use", addrString(1)), poolObject(t, 0x22, 9))
	require.NoError(t, h.ProcessCheckpoint(ctx, ledgertest.Checkpoint(2, 0, use)))
	rows := h.Read()
	require.Len(t, rows, 2)
	assert.Equal(t, null.StringFrom(`{"id":"`+addrString(0x22)+`","value":9}`), rows[1].ObjectJSON)
}

func swapped(t *testing.T, amount uint64) ledger.Event {
	return ledger.Event{
		PackageID:         poolPackageID,
		TransactionModule: "pool",
		Sender:            addrString(1),
		Type:              mustTag(t, poolPackageID+"::pool::Swapped"),
		Contents:          u64Bytes(amount),
	}
}

func TestEventHandler(t *testing.T) {
	publish := withOutputs(ledgertest.Transaction("tx1", addrString(1)), poolPackage(t))
	publish.Events = &ledger.TransactionEvents{Data: []ledger.Event{swapped(t, 1), swapped(t, 2)}}
	second := ledgertest.Transaction("tx2", addrString(1))
	second.Events = &ledger.TransactionEvents{Data: []ledger.Event{swapped(t, 3), swapped(t, 4)}}
	quiet := ledgertest.Transaction("tx3", addrString(1))

	h := NewEventHandler(NewPackageCache(nil))
	require.NoError(t, h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(8, 1, publish, second, quiet)))

	rows := h.Read()
	require.Len(t, rows, 4)
	var indexes []uint64
	for _, r := range rows {
		indexes = append(indexes, r.EventIndex)
		assert.Equal(t, uint64(8), r.Checkpoint)
		assert.Equal(t, "0xabc::pool::Swapped", r.EventType)
		assert.Equal(t, "pool", r.Module)
	}
	assert.Equal(t, []uint64{0, 1, 0, 1}, indexes)
	assert.Equal(t, "tx2", rows[3].TransactionDigest)
	assert.Equal(t, `{"amount":4}`, rows[3].EventJSON)
	assert.Equal(t, base64.StdEncoding.EncodeToString(u64Bytes(4)), rows[3].BCS)
}

func TestEventHandlerUnknownPackage(t *testing.T) {
	tx := ledgertest.Transaction("tx1", addrString(1))
	tx.Events = &ledger.TransactionEvents{Data: []ledger.Event{swapped(t, 1)}}
	h := NewEventHandler(NewPackageCache(nil))
	err := h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(3, 0, tx))
	assert.ErrorIs(t, err, move.ErrPackageNotFound)
	assert.ErrorContains(t, err, "checkpoint 3")
	assert.ErrorContains(t, err, "event 0 of transaction tx1")
}

func TestDynamicFieldHandler(t *testing.T) {
	parent := ledger.Owner{Kind: ledger.OwnerObject, Address: addrString(0x50)}
	field := moveObject(t, 0x40, 2, "0x2::dynamic_field::Field<u64, 0x1::string::String>", parent,
		concat(addrBytes(0x40), u64Bytes(9), bcsString("hello")))
	wrapper := moveObject(t, 0x41, 2, "0x2::dynamic_field::Field<0x2::dynamic_object_field::Wrapper<u64>, 0x2::object::ID>", parent,
		concat(addrBytes(0x41), u64Bytes(3), addrBytes(0x60)))
	addressOwned := moveObject(t, 0x42, 2, "0x2::dynamic_field::Field<u64, u64>",
		ledger.Owner{Kind: ledger.OwnerAddress, Address: addrString(1)},
		concat(addrBytes(0x42), u64Bytes(1), u64Bytes(2)))

	tx := withOutputs(ledgertest.Transaction("tx1", addrString(1)),
		field, wrapper, addressOwned, coinObject(t, 0x60, 10, 0x50))

	h := NewDynamicFieldHandler(NewPackageCache(nil))
	require.NoError(t, h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(6, 1, tx)))
	rows := h.Read()
	require.Len(t, rows, 2)

	plain := rows[0]
	assert.Equal(t, DynamicField, plain.FieldType)
	assert.Equal(t, addrString(0x50), plain.ParentObjectID)
	assert.Equal(t, addrString(0x40), plain.ObjectID)
	assert.Equal(t, `{"type":"u64","value":9}`, plain.Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString(u64Bytes(9)), plain.BCSName)
	assert.Equal(t, "0x1::string::String", plain.ObjectType)
	assert.Equal(t, "tx1", plain.TransactionDigest)
	assert.Equal(t, uint64(6), plain.Checkpoint)

	object := rows[1]
	child := tx.OutputObjects[3]
	assert.Equal(t, DynamicObject, object.FieldType)
	assert.Equal(t, addrString(0x60), object.ObjectID)
	assert.Equal(t, child.Digest(), object.Digest)
	assert.Equal(t, child.Version(), object.Version)
	assert.Equal(t, "0x2::coin::Coin<0x2::iota::IOTA>", object.ObjectType)
	assert.Equal(t, `{"type":"u64","value":3}`, object.Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString(u64Bytes(3)), object.BCSName)
}

func TestDynamicObjectFieldMissingChild(t *testing.T) {
	wrapper := moveObject(t, 0x41, 2, "0x2::dynamic_field::Field<0x2::dynamic_object_field::Wrapper<u64>, 0x2::object::ID>",
		ledger.Owner{Kind: ledger.OwnerObject, Address: addrString(0x50)},
		concat(addrBytes(0x41), u64Bytes(3), addrBytes(0x61)))
	tx := withOutputs(ledgertest.Transaction("tx1", addrString(1)), wrapper)

	h := NewDynamicFieldHandler(NewPackageCache(nil))
	err := h.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(7, 1, tx))
	assert.ErrorContains(t, err, "failed to find object "+addrString(0x61))
	assert.ErrorContains(t, err, "checkpoint 7")
}

func TestSQLitePackageStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "packages.db")

	store, err := NewSQLitePackageStore(path)
	require.NoError(t, err)
	pkg := poolPackage(t)
	require.NoError(t, NewPackageCache(store).Update(ctx, &pkg))
	require.NoError(t, store.Close())

	store, err = NewSQLitePackageStore(path)
	require.NoError(t, err)
	defer store.Close()

	cache := NewPackageCache(store)
	got, err := cache.GetPackage(ctx, "0x0abc")
	require.NoError(t, err)
	assert.Equal(t, pkg.Data.Package.Modules, got.Modules)
	assert.Equal(t, 1, cache.Len())

	_, err = cache.GetPackage(ctx, "0xdef")
	assert.ErrorIs(t, err, move.ErrPackageNotFound)
}
