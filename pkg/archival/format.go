// Package archival batches checkpoints into compressed archive files in a
// remote store and keeps a manifest describing the archive's coverage.
package archival

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

const (
	CheckpointFileMagic uint32 = 0x0000DEAD
	SummaryFileMagic    uint32 = 0x0000CAFE
	ManifestFileMagic   uint32 = 0x00C0FFEE

	// ManifestFileName is the manifest path relative to the archive root.
	ManifestFileName = "MANIFEST"

	fileHeaderSize = 6
)

// StorageFormat tags how the payload of an archive file is laid out.
type StorageFormat byte

const StorageFormatBlob StorageFormat = 1

// Compression tags how the payload of an archive file is compressed.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// FileType distinguishes the two archive files written per roll.
type FileType string

const (
	FileTypeCheckpointContent FileType = "checkpoint_content"
	FileTypeCheckpointSummary FileType = "checkpoint_summary"
)

// Magic returns the file magic for t.
func (t FileType) Magic() uint32 {
	if t == FileTypeCheckpointSummary {
		return SummaryFileMagic
	}
	return CheckpointFileMagic
}

// Suffix returns the file extension for t.
func (t FileType) Suffix() string {
	if t == FileTypeCheckpointSummary {
		return ".sum"
	}
	return ".chk"
}

// FilePath returns epoch_{E}/{start}.chk or .sum.
func FilePath(t FileType, epoch, start uint64) string {
	return fmt.Sprintf("epoch_%d/%d%s", epoch, start, t.Suffix())
}

var (
	ErrBadMagic    = errors.New("unexpected file magic")
	ErrBadHeader   = errors.New("unsupported archive file header")
	ErrBadChecksum = errors.New("checksum mismatch")
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// EncodeFile frames payload as [magic][format][compression][zstd(payload)].
func EncodeFile(magic uint32, payload []byte) []byte {
	out := make([]byte, fileHeaderSize, fileHeaderSize+len(payload)/2)
	binary.BigEndian.PutUint32(out, magic)
	out[4] = byte(StorageFormatBlob)
	out[5] = byte(CompressionZstd)
	return encoder.EncodeAll(payload, out)
}

// DecodeFile validates the header of an archive file and returns its
// uncompressed payload.
func DecodeFile(raw []byte, magic uint32) ([]byte, error) {
	if len(raw) < fileHeaderSize {
		return nil, errors.Wrapf(ErrBadHeader, "file is %d bytes", len(raw))
	}
	if got := binary.BigEndian.Uint32(raw); got != magic {
		return nil, errors.Wrapf(ErrBadMagic, "got %#08x, want %#08x", got, magic)
	}
	if StorageFormat(raw[4]) != StorageFormatBlob {
		return nil, errors.Wrapf(ErrBadHeader, "storage format %d", raw[4])
	}
	switch Compression(raw[5]) {
	case CompressionNone:
		return raw[fileHeaderSize:], nil
	case CompressionZstd:
		payload, err := decoder.DecodeAll(raw[fileHeaderSize:], nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress archive file")
		}
		return payload, nil
	default:
		return nil, errors.Wrapf(ErrBadHeader, "compression %d", raw[5])
	}
}

// Digest is the hex SHA3-256 of data.
func Digest(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DecodeSummaries parses a .sum file into its checkpoint summaries.
func DecodeSummaries(raw []byte) ([]ledger.CheckpointSummary, error) {
	payload, err := DecodeFile(raw, SummaryFileMagic)
	if err != nil {
		return nil, err
	}
	blobs, err := ledger.ReadBlobs(payload)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.CheckpointSummary, len(blobs))
	for i, b := range blobs {
		if err := b.Decode(&out[i]); err != nil {
			return nil, errors.Wrapf(err, "summary %d", i)
		}
	}
	return out, nil
}

// DecodeContents parses a .chk file into its checkpoint contents.
func DecodeContents(raw []byte) ([]ledger.FullCheckpointContents, error) {
	payload, err := DecodeFile(raw, CheckpointFileMagic)
	if err != nil {
		return nil, err
	}
	blobs, err := ledger.ReadBlobs(payload)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.FullCheckpointContents, len(blobs))
	for i, b := range blobs {
		if err := b.Decode(&out[i]); err != nil {
			return nil, errors.Wrapf(err, "contents %d", i)
		}
	}
	return out, nil
}
