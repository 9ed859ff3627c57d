package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// BlobEncoding tags the serialization used for a blob payload.
type BlobEncoding byte

const (
	BlobEncodingJSON BlobEncoding = 1
)

// ErrUnknownEncoding is returned when a blob carries an unsupported encoding tag.
var ErrUnknownEncoding = errors.New("unknown blob encoding")

// Blob is a length-prefixed, encoding-tagged serialized value.
type Blob struct {
	Encoding BlobEncoding
	Data     []byte
}

// EncodeBlob serializes v into a blob using the given encoding.
func EncodeBlob(v interface{}, encoding BlobEncoding) (Blob, error) {
	switch encoding {
	case BlobEncodingJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return Blob{}, errors.Wrap(err, "failed to encode blob")
		}
		return Blob{Encoding: encoding, Data: data}, nil
	default:
		return Blob{}, errors.Wrapf(ErrUnknownEncoding, "encoding %d", encoding)
	}
}

// Decode deserializes the blob payload into v.
func (b Blob) Decode(v interface{}) error {
	switch b.Encoding {
	case BlobEncodingJSON:
		if err := json.Unmarshal(b.Data, v); err != nil {
			return errors.Wrap(err, "failed to decode blob")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnknownEncoding, "encoding %d", b.Encoding)
	}
}

// Size is the number of bytes Write produces.
func (b Blob) Size() int {
	var lenBuf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(lenBuf[:], uint64(len(b.Data))) + 1 + len(b.Data)
}

// Write appends the framed blob: [uvarint length][encoding][data].
func (b Blob) Write(buf *bytes.Buffer) int {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b.Data)))
	buf.Write(lenBuf[:n])
	buf.WriteByte(byte(b.Encoding))
	buf.Write(b.Data)
	return n + 1 + len(b.Data)
}

// ReadBlob reads one framed blob written by Write.
func ReadBlob(r *bytes.Reader) (Blob, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return Blob{}, err
	}
	enc, err := r.ReadByte()
	if err != nil {
		return Blob{}, errors.Wrap(io.ErrUnexpectedEOF, "missing blob encoding")
	}
	if uint64(r.Len()) < length {
		return Blob{}, errors.Wrapf(io.ErrUnexpectedEOF, "blob length %d exceeds remaining %d bytes", length, r.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Blob{}, err
	}
	return Blob{Encoding: BlobEncoding(enc), Data: data}, nil
}

// ReadBlobs reads framed blobs until the input is exhausted.
func ReadBlobs(data []byte) ([]Blob, error) {
	r := bytes.NewReader(data)
	var blobs []Blob
	for r.Len() > 0 {
		b, err := ReadBlob(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read blob %d", len(blobs))
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

// EncodeCheckpointFile serializes a checkpoint as a standalone source file:
// [encoding][data], without the length prefix.
func EncodeCheckpointFile(data *CheckpointData) ([]byte, error) {
	blob, err := EncodeBlob(data, BlobEncodingJSON)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(blob.Data)+1)
	out = append(out, byte(blob.Encoding))
	return append(out, blob.Data...), nil
}

// DecodeCheckpointFile parses a file produced by EncodeCheckpointFile.
func DecodeCheckpointFile(raw []byte) (*CheckpointData, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty checkpoint file")
	}
	blob := Blob{Encoding: BlobEncoding(raw[0]), Data: raw[1:]}
	var data CheckpointData
	if err := blob.Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
