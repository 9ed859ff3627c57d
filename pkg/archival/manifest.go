package archival

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// SeqRange is a half-open checkpoint range [Start, End).
type SeqRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r SeqRange) Len() uint64 { return r.End - r.Start }

func (r SeqRange) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// FileMetadata describes one archive file.
type FileMetadata struct {
	FileType           FileType `json:"file_type"`
	EpochNum           uint64   `json:"epoch_num"`
	CheckpointSeqRange SeqRange `json:"checkpoint_seq_range"`
	Sha3Digest         string   `json:"sha3_digest"`
	FileSize           uint64   `json:"file_size"`
}

// Path returns the file's location relative to the archive root.
func (f FileMetadata) Path() string {
	return FilePath(f.FileType, f.EpochNum, f.CheckpointSeqRange.Start)
}

// ManifestVersion is one on-disk revision of the manifest layout.
type ManifestVersion interface {
	Version() int
	latest() *ManifestV2
}

// FileMetadataV1 predates file sizes.
type FileMetadataV1 struct {
	FileType           FileType `json:"file_type"`
	EpochNum           uint64   `json:"epoch_num"`
	CheckpointSeqRange SeqRange `json:"checkpoint_seq_range"`
	Sha3Digest         string   `json:"sha3_digest"`
}

// ManifestV1 is the legacy manifest layout. It is read but never written.
type ManifestV1 struct {
	EpochNum             uint64           `json:"epoch_num"`
	NextCheckpointSeqNum uint64           `json:"next_checkpoint_seq_num"`
	Files                []FileMetadataV1 `json:"files"`
}

func (m *ManifestV1) Version() int { return 1 }

func (m *ManifestV1) latest() *ManifestV2 {
	out := &ManifestV2{
		EpochNum:             m.EpochNum,
		NextCheckpointSeqNum: m.NextCheckpointSeqNum,
		Files:                make([]FileMetadata, 0, len(m.Files)),
	}
	for _, f := range m.Files {
		out.Files = append(out.Files, FileMetadata{
			FileType:           f.FileType,
			EpochNum:           f.EpochNum,
			CheckpointSeqRange: f.CheckpointSeqRange,
			Sha3Digest:         f.Sha3Digest,
		})
	}
	return out
}

// ManifestV2 is the current manifest layout.
type ManifestV2 struct {
	EpochNum             uint64         `json:"epoch_num"`
	NextCheckpointSeqNum uint64         `json:"next_checkpoint_seq_num"`
	Files                []FileMetadata `json:"files"`
}

func (m *ManifestV2) Version() int { return 2 }

func (m *ManifestV2) latest() *ManifestV2 { return m }

// Manifest is the versioned archive index. Readers accept every version;
// any update upgrades it to the latest one.
type Manifest struct {
	v ManifestVersion
}

// NewManifest returns an empty manifest in the latest version.
func NewManifest() *Manifest {
	return &Manifest{v: &ManifestV2{Files: []FileMetadata{}}}
}

// NewManifestFrom wraps an existing version.
func NewManifestFrom(v ManifestVersion) *Manifest {
	return &Manifest{v: v}
}

func (m *Manifest) Version() int { return m.v.Version() }

func (m *Manifest) EpochNum() uint64 { return m.v.latest().EpochNum }

// NextCheckpointSeqNum is one past the last archived checkpoint.
func (m *Manifest) NextCheckpointSeqNum() uint64 { return m.v.latest().NextCheckpointSeqNum }

// Files returns the file list; files from legacy manifests have no size.
func (m *Manifest) Files() []FileMetadata { return m.v.latest().Files }

// Update records newly committed files and upgrades the manifest.
func (m *Manifest) Update(epoch, next uint64, files ...FileMetadata) {
	latest := m.v.latest()
	latest.EpochNum = epoch
	latest.NextCheckpointSeqNum = next
	latest.Files = append(latest.Files, files...)
	m.v = latest
}

const checksumSize = 32

type manifestEnvelope struct {
	Version int         `json:"version"`
	V1      *ManifestV1 `json:"v1,omitempty"`
	V2      *ManifestV2 `json:"v2,omitempty"`
}

// EncodeManifest serializes m as [magic][json envelope][sha3-256 checksum].
func EncodeManifest(m *Manifest) ([]byte, error) {
	env := manifestEnvelope{Version: m.Version()}
	switch v := m.v.(type) {
	case *ManifestV1:
		env.V1 = v
	case *ManifestV2:
		env.V2 = v
	default:
		return nil, fmt.Errorf("unknown manifest version %T", m.v)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}

	var buf bytes.Buffer
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], ManifestFileMagic)
	buf.Write(magic[:])
	buf.Write(body)
	sum := sha3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// DecodeManifest validates the magic and checksum and decodes any manifest version.
func DecodeManifest(raw []byte) (*Manifest, error) {
	if len(raw) < 4+checksumSize {
		return nil, errors.Wrapf(ErrBadHeader, "manifest is %d bytes", len(raw))
	}
	if got := binary.BigEndian.Uint32(raw); got != ManifestFileMagic {
		return nil, errors.Wrapf(ErrBadMagic, "manifest magic %#08x", got)
	}
	split := len(raw) - checksumSize
	sum := sha3.Sum256(raw[:split])
	if !bytes.Equal(sum[:], raw[split:]) {
		return nil, errors.Wrap(ErrBadChecksum, "manifest")
	}

	var env manifestEnvelope
	if err := json.Unmarshal(raw[4:split], &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	switch env.Version {
	case 1:
		if env.V1 == nil {
			return nil, fmt.Errorf("manifest version 1 without body")
		}
		return &Manifest{v: env.V1}, nil
	case 2:
		if env.V2 == nil {
			return nil, fmt.Errorf("manifest version 2 without body")
		}
		if env.V2.Files == nil {
			env.V2.Files = []FileMetadata{}
		}
		return &Manifest{v: env.V2}, nil
	default:
		return nil, fmt.Errorf("unsupported manifest version %d", env.Version)
	}
}

// ReadManifest loads the manifest from store. A missing manifest is an empty one.
func ReadManifest(ctx context.Context, store storage.Store) (*Manifest, error) {
	raw, err := store.Get(ctx, ManifestFileName)
	if errors.Is(err, storage.ErrNotFound) {
		return NewManifest(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	return DecodeManifest(raw)
}

// WriteManifest uploads m to store.
func WriteManifest(ctx context.Context, store storage.Store, m *Manifest) error {
	raw, err := EncodeManifest(m)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, ManifestFileName, raw); err != nil {
		return errors.Wrap(err, "failed to write manifest")
	}
	return nil
}
