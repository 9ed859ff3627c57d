package ledger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeTag(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "primitive", input: "u64", want: "u64"},
		{name: "vector", input: "vector<u8>", want: "vector<u8>"},
		{name: "struct", input: "0x2::coin::Coin<0x2::iota::IOTA>", want: "0x2::coin::Coin<0x2::iota::IOTA>"},
		{name: "leading zeros", input: "0x0002::object::UID", want: "0x2::object::UID"},
		{
			name:  "nested generics",
			input: "0x2::dynamic_field::Field<0x2::dynamic_object_field::Wrapper<vector<u8>>,0x2::object::ID>",
			want:  "0x2::dynamic_field::Field<0x2::dynamic_object_field::Wrapper<vector<u8>>, 0x2::object::ID>",
		},
		{name: "type param", input: "vector<T1>", want: "vector<T1>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, err := ParseTypeTag(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tag.String())
		})
	}
}

func TestParseStructTagErrors(t *testing.T) {
	for _, input := range []string{"", "coin::Coin", "0x2::coin", "0x2::coin::Coin<u8", "2::coin::Coin"} {
		_, err := ParseStructTag(input)
		assert.Error(t, err, input)
	}
}

func TestStructTagPredicates(t *testing.T) {
	coin, err := ParseStructTag("0x2::coin::Coin<0x2::iota::IOTA>")
	require.NoError(t, err)
	assert.True(t, coin.IsCoin())
	assert.False(t, coin.IsDynamicField())

	field, err := ParseStructTag("0x2::dynamic_field::Field<0x2::dynamic_object_field::Wrapper<u64>, 0x2::object::ID>")
	require.NoError(t, err)
	assert.True(t, field.IsDynamicField())
	assert.True(t, field.TypeParams[0].IsDynamicObjectFieldWrapper())
	assert.False(t, field.TypeParams[1].IsDynamicObjectFieldWrapper())
}

func TestSubstitute(t *testing.T) {
	generic, err := ParseTypeTag("vector<0x2::balance::Balance<T0>>")
	require.NoError(t, err)
	arg, err := ParseTypeTag("0x2::iota::IOTA")
	require.NoError(t, err)

	got, err := generic.Substitute([]TypeTag{arg})
	require.NoError(t, err)
	assert.Equal(t, "vector<0x2::balance::Balance<0x2::iota::IOTA>>", got.String())

	_, err = generic.Substitute(nil)
	assert.Error(t, err)
}

func TestStructTagJSON(t *testing.T) {
	obj := MoveObject{ID: "0xa", Type: StructTag{Address: "0x2", Module: "coin", Name: "Coin"}}
	encoded, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"type":"0x2::coin::Coin"`)

	var decoded MoveObject
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, obj.Type.String(), decoded.Type.String())
}

func TestAllRemovedObjects(t *testing.T) {
	effects := TransactionEffects{
		Created:              []ObjectRef{{ObjectID: "0x1"}},
		Deleted:              []ObjectRef{{ObjectID: "0x2"}},
		Wrapped:              []ObjectRef{{ObjectID: "0x3"}},
		UnwrappedThenDeleted: []ObjectRef{{ObjectID: "0x4"}},
	}
	removed := effects.AllRemovedObjects()
	require.Len(t, removed, 3)
	assert.Equal(t, "0x2", removed[0].ObjectID)
	assert.Equal(t, "0x3", removed[1].ObjectID)
	assert.Equal(t, "0x4", removed[2].ObjectID)
}

func TestBlobFraming(t *testing.T) {
	var buf bytes.Buffer
	sizes := 0
	for i := 0; i < 3; i++ {
		blob, err := EncodeBlob(CheckpointSummary{SequenceNumber: uint64(i)}, BlobEncodingJSON)
		require.NoError(t, err)
		n := blob.Write(&buf)
		assert.Equal(t, blob.Size(), n)
		sizes += n
	}
	assert.Equal(t, sizes, buf.Len())

	blobs, err := ReadBlobs(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, blobs, 3)
	for i, blob := range blobs {
		var summary CheckpointSummary
		require.NoError(t, blob.Decode(&summary))
		assert.Equal(t, uint64(i), summary.SequenceNumber)
	}

	_, err = ReadBlobs(buf.Bytes()[:buf.Len()-1])
	assert.Error(t, err)
}

func TestCheckpointFileRoundTrip(t *testing.T) {
	data := &CheckpointData{
		Summary: CheckpointSummary{Epoch: 3, SequenceNumber: 42, TimestampMs: 1000, Digest: "abc"},
		Transactions: []CheckpointTransaction{{
			Transaction: Transaction{Digest: "tx1", Sender: "0xa"},
			Effects:     TransactionEffects{TransactionDigest: "tx1", Status: ExecutionSuccess},
		}},
	}
	raw, err := EncodeCheckpointFile(data)
	require.NoError(t, err)
	assert.Equal(t, byte(BlobEncodingJSON), raw[0])

	decoded, err := DecodeCheckpointFile(raw)
	require.NoError(t, err)
	assert.Equal(t, data.Summary, decoded.Summary)
	assert.Equal(t, "tx1", decoded.Transactions[0].Transaction.Digest)

	_, err = DecodeCheckpointFile([]byte{9, '{', '}'})
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestObjectDigestChangesWithContents(t *testing.T) {
	obj := Object{Data: ObjectData{Move: &MoveObject{ID: "0xa", Version: 1, Contents: []byte{1}}}}
	first := obj.Digest()
	assert.Len(t, first, 64)
	assert.Equal(t, first, obj.Digest())

	obj.Data.Move.Contents = []byte{2}
	assert.NotEqual(t, first, obj.Digest())
	assert.Equal(t, "0xa", obj.Ref().ObjectID)
}
