package archival

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

// ErrCoverage is returned when archive files leave a gap or overlap.
var ErrCoverage = errors.New("archive coverage is not contiguous")

// VerifyReport summarizes a verified archive.
type VerifyReport struct {
	ManifestVersion int
	Epoch           uint64
	Coverage        SeqRange
	Files           int
	Bytes           uint64
}

// Verify checks that every file listed in the manifest exists, is intact and
// that each file type covers one contiguous range ending at the manifest's
// next checkpoint.
func Verify(ctx context.Context, store storage.Store) (*VerifyReport, error) {
	logger := logrus.WithField("component", "archival.verify")

	manifest, err := ReadManifest(ctx, store)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{
		ManifestVersion: manifest.Version(),
		Epoch:           manifest.EpochNum(),
	}

	byType := map[FileType][]FileMetadata{}
	for _, f := range manifest.Files() {
		byType[f.FileType] = append(byType[f.FileType], f)
	}
	if len(byType[FileTypeCheckpointContent]) != len(byType[FileTypeCheckpointSummary]) {
		return report, errors.Wrapf(ErrCoverage, "%d content files but %d summary files",
			len(byType[FileTypeCheckpointContent]), len(byType[FileTypeCheckpointSummary]))
	}

	next := manifest.NextCheckpointSeqNum()
	for _, typ := range []FileType{FileTypeCheckpointContent, FileTypeCheckpointSummary} {
		files := byType[typ]
		sort.Slice(files, func(i, j int) bool {
			return files[i].CheckpointSeqRange.Start < files[j].CheckpointSeqRange.Start
		})
		if len(files) == 0 {
			if next != 0 {
				return report, errors.Wrapf(ErrCoverage, "no %s files but next checkpoint is %d", typ, next)
			}
			continue
		}

		cursor := files[0].CheckpointSeqRange.Start
		report.Coverage.Start = cursor
		var lastEpoch uint64
		for i, f := range files {
			if f.CheckpointSeqRange.Start != cursor {
				return report, errors.Wrapf(ErrCoverage, "%s file %s starts at %d, expected %d",
					typ, f.Path(), f.CheckpointSeqRange.Start, cursor)
			}
			if f.CheckpointSeqRange.Len() == 0 {
				return report, errors.Wrapf(ErrCoverage, "%s file %s is empty", typ, f.Path())
			}
			if i > 0 && f.EpochNum < lastEpoch {
				return report, errors.Errorf("%s file %s goes back to epoch %d", typ, f.Path(), f.EpochNum)
			}
			if err := verifyFile(ctx, store, f); err != nil {
				return report, err
			}
			cursor = f.CheckpointSeqRange.End
			lastEpoch = f.EpochNum
			report.Files++
			report.Bytes += f.FileSize
		}
		if cursor != next {
			return report, errors.Wrapf(ErrCoverage, "%s files end at %d, manifest next is %d", typ, cursor, next)
		}
		report.Coverage.End = cursor
	}

	logger.WithField("files", report.Files).WithField("coverage", report.Coverage.String()).Info("Archive verified")
	return report, nil
}

func verifyFile(ctx context.Context, store storage.Store, f FileMetadata) error {
	raw, err := store.Get(ctx, f.Path())
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", f.Path())
	}
	if f.FileSize != 0 && uint64(len(raw)) != f.FileSize {
		return errors.Errorf("%s is %d bytes, manifest says %d", f.Path(), len(raw), f.FileSize)
	}
	if got := Digest(raw); got != f.Sha3Digest {
		return errors.Wrapf(ErrBadChecksum, "%s", f.Path())
	}

	switch f.FileType {
	case FileTypeCheckpointSummary:
		summaries, err := DecodeSummaries(raw)
		if err != nil {
			return errors.Wrapf(err, "failed to decode %s", f.Path())
		}
		if uint64(len(summaries)) != f.CheckpointSeqRange.Len() {
			return errors.Errorf("%s holds %d summaries for range %s", f.Path(), len(summaries), f.CheckpointSeqRange)
		}
		for i, s := range summaries {
			want := f.CheckpointSeqRange.Start + uint64(i)
			if s.SequenceNumber != want {
				return errors.Errorf("%s entry %d is checkpoint %d, expected %d", f.Path(), i, s.SequenceNumber, want)
			}
			if s.Epoch != f.EpochNum {
				return errors.Errorf("%s entry %d is in epoch %d, file epoch is %d", f.Path(), i, s.Epoch, f.EpochNum)
			}
		}
	case FileTypeCheckpointContent:
		contents, err := DecodeContents(raw)
		if err != nil {
			return errors.Wrapf(err, "failed to decode %s", f.Path())
		}
		if uint64(len(contents)) != f.CheckpointSeqRange.Len() {
			return errors.Errorf("%s holds %d checkpoints for range %s", f.Path(), len(contents), f.CheckpointSeqRange)
		}
	default:
		return errors.Errorf("unknown file type %q", f.FileType)
	}
	return nil
}
