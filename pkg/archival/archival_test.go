package archival

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger/ledgertest"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(t *testing.T, store storage.Store, cfg Config, clock *fakeClock) *Worker {
	t.Helper()
	w, err := newWorker(context.Background(), store, cfg, clock.Now)
	require.NoError(t, err)
	return w
}

func process(t *testing.T, w *Worker, checkpoints ...*ledger.CheckpointData) {
	t.Helper()
	for _, cp := range checkpoints {
		require.NoError(t, w.ProcessCheckpoint(context.Background(), cp))
	}
}

func contentBlobSize(t *testing.T, cp *ledger.CheckpointData) int {
	t.Helper()
	blob, err := ledger.EncodeBlob(ledger.NewFullCheckpointContents(cp), ledger.BlobEncodingJSON)
	require.NoError(t, err)
	return blob.Size()
}

func readManifest(t *testing.T, store storage.Store) *Manifest {
	t.Helper()
	m, err := ReadManifest(context.Background(), store)
	require.NoError(t, err)
	return m
}

func contentRanges(m *Manifest) []SeqRange {
	var out []SeqRange
	for _, f := range m.Files() {
		if f.FileType == FileTypeCheckpointContent {
			out = append(out, f.CheckpointSeqRange)
		}
	}
	return out
}

func TestFileHeader(t *testing.T) {
	raw := EncodeFile(CheckpointFileMagic, []byte("payload"))
	assert.Equal(t, uint32(0x0000DEAD), binary.BigEndian.Uint32(raw))
	assert.Equal(t, byte(StorageFormatBlob), raw[4])
	assert.Equal(t, byte(CompressionZstd), raw[5])

	payload, err := DecodeFile(raw, CheckpointFileMagic)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	_, err = DecodeFile(raw, SummaryFileMagic)
	assert.ErrorIs(t, err, ErrBadMagic)
	_, err = DecodeFile(raw[:3], CheckpointFileMagic)
	assert.ErrorIs(t, err, ErrBadHeader)

	uncompressed := append([]byte{0, 0, 0xCA, 0xFE, 1, byte(CompressionNone)}, "plain"...)
	payload, err = DecodeFile(uncompressed, SummaryFileMagic)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), payload)

	bad := append([]byte(nil), raw...)
	bad[5] = 9
	_, err = DecodeFile(bad, CheckpointFileMagic)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestFilePath(t *testing.T) {
	assert.Equal(t, "epoch_3/1200.chk", FilePath(FileTypeCheckpointContent, 3, 1200))
	assert.Equal(t, "epoch_0/0.sum", FilePath(FileTypeCheckpointSummary, 0, 0))
}

func TestArchiveCoversEveryCheckpointExactlyOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	checkpoints := ledgertest.Range(0, 25, 0)
	b := contentBlobSize(t, checkpoints[0])

	w := newTestWorker(t, store, Config{CommitFileSize: 4 * b}, newFakeClock())
	process(t, w, checkpoints...)
	require.NoError(t, w.Flush(context.Background()))

	m := readManifest(t, store)
	assert.Equal(t, uint64(25), m.NextCheckpointSeqNum())
	ranges := contentRanges(m)
	require.NotEmpty(t, ranges)
	cursor := uint64(0)
	for _, r := range ranges {
		assert.Equal(t, cursor, r.Start)
		cursor = r.End
	}
	assert.Equal(t, uint64(25), cursor)

	report, err := Verify(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, SeqRange{Start: 0, End: 25}, report.Coverage)
	assert.Equal(t, 2, report.ManifestVersion)
	assert.Equal(t, 2*len(ranges), report.Files)

	summaries, err := DecodeSummaries(mustGet(t, store, FilePath(FileTypeCheckpointSummary, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-00000000", summaries[0].Digest)
}

func mustGet(t *testing.T, store storage.Store, key string) []byte {
	t.Helper()
	raw, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return raw
}

func TestRedeliveryAfterRestartIsIgnored(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 10, 0)...)
	require.NoError(t, w.Flush(context.Background()))
	before := store.PutCount(ManifestFileName)
	keys := store.Keys()

	restarted := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, restarted, ledgertest.Range(0, 10, 0)...)
	require.NoError(t, restarted.Flush(context.Background()))
	assert.Equal(t, before, store.PutCount(ManifestFileName))
	assert.Equal(t, keys, store.Keys())
	_, ok := restarted.SaveProgress(context.Background(), 9)
	assert.False(t, ok)

	process(t, restarted, ledgertest.Checkpoint(10, 0))
	require.NoError(t, restarted.Flush(context.Background()))
	m := readManifest(t, store)
	assert.Equal(t, uint64(11), m.NextCheckpointSeqNum())
	assert.Equal(t, []SeqRange{{0, 10}, {10, 11}}, contentRanges(m))
}

func TestSizeTriggeredRoll(t *testing.T) {
	store := storage.NewMemoryStore()
	checkpoints := ledgertest.Range(0, 5, 0)
	b := contentBlobSize(t, checkpoints[0])
	for _, cp := range checkpoints {
		require.Equal(t, b, contentBlobSize(t, cp))
	}

	// Room for two checkpoints: the third forces a roll.
	w := newTestWorker(t, store, Config{CommitFileSize: 2*b + b/2}, newFakeClock())
	process(t, w, checkpoints[:3]...)
	assert.Equal(t, []SeqRange{{0, 2}}, contentRanges(readManifest(t, store)))

	process(t, w, checkpoints[3:]...)
	assert.Equal(t, []SeqRange{{0, 2}, {2, 4}}, contentRanges(readManifest(t, store)))

	files := readManifest(t, store).Files()
	for _, f := range files {
		assert.Equal(t, uint64(len(mustGet(t, store, f.Path()))), f.FileSize)
		assert.Equal(t, Digest(mustGet(t, store, f.Path())), f.Sha3Digest)
	}
}

func TestEpochChangeRolls(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w,
		ledgertest.Checkpoint(0, 0),
		ledgertest.Checkpoint(1, 0),
		ledgertest.Checkpoint(2, 1),
	)
	m := readManifest(t, store)
	assert.Equal(t, []SeqRange{{0, 2}}, contentRanges(m))
	assert.Equal(t, uint64(0), m.EpochNum())

	require.NoError(t, w.Flush(context.Background()))
	m = readManifest(t, store)
	assert.Equal(t, uint64(1), m.EpochNum())
	assert.Equal(t, "epoch_1/2.chk", m.Files()[2].Path())
}

func TestEpochSkipIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Checkpoint(0, 0))

	err := w.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(1, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEpochSkip)
	assert.False(t, ingestion.IsTransient(err))

	require.NoError(t, w.Flush(context.Background()))
	err = w.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(1, 3))
	assert.ErrorIs(t, err, ErrEpochSkip)
}

func TestCheckpointCountRolls(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{MaxCheckpointsInProgress: 8}, newFakeClock())
	process(t, w, ledgertest.Range(0, 6, 0)...)
	assert.Equal(t, []SeqRange{{0, 5}}, contentRanges(readManifest(t, store)))
}

func TestElapsedTimeRollsOnNextCheckpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := newFakeClock()
	w := newTestWorker(t, store, Config{CommitDuration: time.Minute}, clock)
	process(t, w, ledgertest.Checkpoint(0, 0))
	clock.Advance(2 * time.Minute)
	process(t, w, ledgertest.Checkpoint(1, 0))

	assert.Equal(t, []SeqRange{{0, 1}}, contentRanges(readManifest(t, store)))
}

func TestTimerRollsIdleBuffer(t *testing.T) {
	store := storage.NewMemoryStore()
	w, err := NewWorker(context.Background(), store, Config{CommitDuration: 50 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	process(t, w, ledgertest.Checkpoint(0, 0), ledgertest.Checkpoint(1, 0))
	require.Eventually(t, func() bool {
		m, err := ReadManifest(context.Background(), store)
		return err == nil && m.NextCheckpointSeqNum() == 2
	}, 2*time.Second, 10*time.Millisecond)

	process(t, w, ledgertest.Checkpoint(2, 0))
	seq, ok := w.SaveProgress(context.Background(), 2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
}

func TestTimerRollsSingleCheckpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	w, err := NewWorker(context.Background(), store, Config{CommitDuration: 50 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	process(t, w, ledgertest.Checkpoint(0, 0))
	require.Eventually(t, func() bool {
		m, err := ReadManifest(context.Background(), store)
		return err == nil && m.NextCheckpointSeqNum() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"MANIFEST", "epoch_0/0.chk", "epoch_0/0.sum"}, store.Keys())
	assert.Equal(t, []SeqRange{{0, 1}}, contentRanges(readManifest(t, store)))
	seq, ok := w.SaveProgress(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), seq)
}

func TestFlushReportsWholeBuffer(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 5, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	seq, ok := w.SaveProgress(context.Background(), 4)
	require.True(t, ok)
	assert.Equal(t, uint64(4), seq)
}

func TestGapAfterArchivedFilesIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 4, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	err := w.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(6, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveGap)
	assert.False(t, ingestion.IsTransient(err))

	restarted := newTestWorker(t, store, Config{}, newFakeClock())
	err = restarted.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(5, 0))
	assert.ErrorIs(t, err, ErrArchiveGap)
	assert.Equal(t, uint64(4), readManifest(t, store).NextCheckpointSeqNum())
}

func TestEmptyArchiveMayStartLater(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(100, 103, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	assert.Equal(t, []SeqRange{{100, 103}}, contentRanges(readManifest(t, store)))
	report, err := Verify(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, SeqRange{Start: 100, End: 103}, report.Coverage)
}

func TestNewWorkerRejectsSmallWindow(t *testing.T) {
	_, err := newWorker(context.Background(), storage.NewMemoryStore(), Config{MaxCheckpointsInProgress: 2}, time.Now)
	assert.ErrorContains(t, err, "at least 3")
}

func TestExecutorArchivesWithSmallestWindow(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryStore()
	for _, cp := range ledgertest.Range(0, 20, 0) {
		raw, err := ledger.EncodeCheckpointFile(cp)
		require.NoError(t, err)
		require.NoError(t, source.Put(ctx, ingestion.CheckpointFileName(cp.Summary.SequenceNumber), raw))
	}

	archive := storage.NewMemoryStore()
	w, err := NewWorker(ctx, archive, Config{
		CommitDuration:           50 * time.Millisecond,
		MaxCheckpointsInProgress: MinCheckpointsInProgress,
	})
	require.NoError(t, err)
	defer w.Close()

	store := progress.NewMemoryStore()
	exec := ingestion.NewExecutor(store, ingestion.WithMaxInFlight(MinCheckpointsInProgress))
	require.NoError(t, exec.Register(ingestion.NewWorkerPool("archival", w, 1).WithProgressPoll(10*time.Millisecond)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	reader := ingestion.NewReader(ingestion.NewObjectStoreSource(source), ingestion.ReaderOptions{
		BufferSize:     4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil)
	go func() {
		_, err := exec.Run(runCtx, reader)
		done <- err
	}()

	// The last file is only committed by the timer, with no checkpoint after it.
	require.Eventually(t, func() bool {
		return store.Snapshot()["archival"] == 19
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(20), readManifest(t, archive).NextCheckpointSeqNum())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}
	report, err := Verify(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, SeqRange{Start: 0, End: 20}, report.Coverage)
}

func TestSaveProgress(t *testing.T) {
	store := storage.NewMemoryStore()
	checkpoints := ledgertest.Range(0, 4, 0)
	b := contentBlobSize(t, checkpoints[0])
	w := newTestWorker(t, store, Config{CommitFileSize: 2*b + b/2}, newFakeClock())

	process(t, w, checkpoints[0], checkpoints[1])
	_, ok := w.SaveProgress(context.Background(), 1)
	assert.False(t, ok)

	process(t, w, checkpoints[2])
	seq, ok := w.SaveProgress(context.Background(), 2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	_, ok = w.SaveProgress(context.Background(), 2)
	assert.False(t, ok, "progress is reported once per roll")

	fresh := newTestWorker(t, storage.NewMemoryStore(), Config{}, newFakeClock())
	fresh.state.shouldUpdateProgress = true
	_, ok = fresh.SaveProgress(context.Background(), 0)
	assert.False(t, ok, "nothing archived yet")
}

func TestFailedUploadLeavesStateForRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	checkpoints := ledgertest.Range(0, 3, 0)
	b := contentBlobSize(t, checkpoints[0])
	w := newTestWorker(t, store, Config{CommitFileSize: 2*b + b/2}, newFakeClock())
	process(t, w, checkpoints[:2]...)

	fail := true
	store.PutHook = func(key string) error {
		if fail {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	err := w.ProcessCheckpoint(context.Background(), checkpoints[2])
	require.Error(t, err)
	assert.True(t, ingestion.IsTransient(err))
	assert.Equal(t, SeqRange{0, 2}, w.state.checkpointRange)

	fail = false
	process(t, w, checkpoints[2])
	assert.Equal(t, []SeqRange{{0, 2}}, contentRanges(readManifest(t, store)))
	assert.Equal(t, SeqRange{2, 3}, w.state.checkpointRange)
}

func TestNonContiguousCheckpointIsRejected(t *testing.T) {
	w := newTestWorker(t, storage.NewMemoryStore(), Config{}, newFakeClock())
	process(t, w, ledgertest.Checkpoint(0, 0))
	err := w.ProcessCheckpoint(context.Background(), ledgertest.Checkpoint(2, 0))
	require.Error(t, err)
	assert.False(t, ingestion.IsTransient(err))
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	require.NoError(t, w.Flush(context.Background()))
	assert.Empty(t, store.Keys())
}

func TestManifestRoundTripAndChecksum(t *testing.T) {
	m := NewManifest()
	m.Update(4, 120, FileMetadata{
		FileType:           FileTypeCheckpointContent,
		EpochNum:           4,
		CheckpointSeqRange: SeqRange{100, 120},
		Sha3Digest:         "ab",
		FileSize:           77,
	})
	raw, err := EncodeManifest(m)
	require.NoError(t, err)
	assert.Equal(t, ManifestFileMagic, binary.BigEndian.Uint32(raw))

	decoded, err := DecodeManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Version())
	assert.Equal(t, uint64(4), decoded.EpochNum())
	assert.Equal(t, uint64(120), decoded.NextCheckpointSeqNum())
	assert.Equal(t, m.Files(), decoded.Files())

	tampered := append([]byte(nil), raw...)
	tampered[10] ^= 0xff
	_, err = DecodeManifest(tampered)
	assert.ErrorIs(t, err, ErrBadChecksum)

	_, err = DecodeManifest([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestLegacyManifestIsUpgradedOnWrite(t *testing.T) {
	store := storage.NewMemoryStore()
	legacy := NewManifestFrom(&ManifestV1{
		EpochNum:             0,
		NextCheckpointSeqNum: 0,
		Files:                []FileMetadataV1{},
	})
	require.NoError(t, WriteManifest(context.Background(), store, legacy))
	assert.Equal(t, 1, readManifest(t, store).Version())

	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 3, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	m := readManifest(t, store)
	assert.Equal(t, 2, m.Version())
	assert.Equal(t, uint64(3), m.NextCheckpointSeqNum())
	_, err := Verify(context.Background(), store)
	assert.NoError(t, err)
}

func TestMissingManifestIsEmpty(t *testing.T) {
	m := readManifest(t, storage.NewMemoryStore())
	assert.Equal(t, uint64(0), m.EpochNum())
	assert.Equal(t, uint64(0), m.NextCheckpointSeqNum())
	assert.Empty(t, m.Files())

	report, err := Verify(context.Background(), storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Files)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 4, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	path := FilePath(FileTypeCheckpointSummary, 0, 0)
	raw := mustGet(t, store, path)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, store.Put(context.Background(), path, raw))

	_, err := Verify(context.Background(), store)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestVerifyDetectsGap(t *testing.T) {
	store := storage.NewMemoryStore()
	w := newTestWorker(t, store, Config{}, newFakeClock())
	process(t, w, ledgertest.Range(0, 4, 0)...)
	require.NoError(t, w.Flush(context.Background()))

	m := readManifest(t, store)
	m.Update(m.EpochNum(), 9)
	require.NoError(t, WriteManifest(context.Background(), store, m))

	_, err := Verify(context.Background(), store)
	assert.ErrorIs(t, err, ErrCoverage)
}
