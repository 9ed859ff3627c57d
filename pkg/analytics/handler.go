package analytics

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/move"
)

// Handler extracts rows of one table from checkpoints. Rows accumulate until
// Read returns and clears them.
type Handler[T Row] interface {
	Name() string
	ProcessCheckpoint(ctx context.Context, checkpoint *ledger.CheckpointData) error
	Read() []T
	FileType() FileType
}

// rowBuffer holds the rows produced since the last Read.
type rowBuffer[T Row] struct {
	rows []T
}

func (b *rowBuffer[T]) add(row T) { b.rows = append(b.rows, row) }

// Read returns the buffered rows and clears the buffer.
func (b *rowBuffer[T]) Read() []T {
	out := make([]T, len(b.rows))
	copy(out, b.rows)
	b.rows = b.rows[:0]
	return out
}

// Drain is an alias of Read.
func (b *rowBuffer[T]) Drain() []T { return b.Read() }

// decoder resolves Move values with the packages seen so far.
type decoder struct {
	cache    *PackageCache
	resolver move.Resolver
	logger   *logrus.Entry
}

func newDecoder(cache *PackageCache, component string) decoder {
	return decoder{
		cache:    cache,
		resolver: move.NewLayoutResolver(cache),
		logger:   logrus.WithField("component", component),
	}
}

// eachTransaction updates the package cache with the outputs of every
// transaction before handing it to fn.
func (d *decoder) eachTransaction(ctx context.Context, checkpoint *ledger.CheckpointData, fn func(tx *ledger.CheckpointTransaction) error) error {
	for i := range checkpoint.Transactions {
		tx := &checkpoint.Transactions[i]
		for j := range tx.OutputObjects {
			if err := d.cache.Update(ctx, &tx.OutputObjects[j]); err != nil {
				return fmt.Errorf("checkpoint %d: %w", checkpoint.Summary.SequenceNumber, err)
			}
		}
		if err := fn(tx); err != nil {
			return fmt.Errorf("checkpoint %d: %w", checkpoint.Summary.SequenceNumber, err)
		}
	}
	return nil
}

func (d *decoder) resolve(ctx context.Context, tag ledger.StructTag, contents []byte) (*move.Struct, string, error) {
	value, err := d.resolver.Resolve(ctx, tag, contents)
	if err != nil {
		return nil, "", err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, "", err
	}
	return value, string(encoded), nil
}

// ObjectStatusTracker classifies the output objects of a transaction.
// Unwrapped objects count as created.
type ObjectStatusTracker struct {
	statuses map[string]ObjectStatus
}

func NewObjectStatusTracker(effects *ledger.TransactionEffects) *ObjectStatusTracker {
	t := &ObjectStatusTracker{statuses: make(map[string]ObjectStatus)}
	for _, ref := range effects.Mutated {
		t.statuses[ledger.NormalizeAddress(ref.ObjectID)] = ObjectMutated
	}
	for _, ref := range effects.Created {
		t.statuses[ledger.NormalizeAddress(ref.ObjectID)] = ObjectCreated
	}
	for _, ref := range effects.Unwrapped {
		t.statuses[ledger.NormalizeAddress(ref.ObjectID)] = ObjectCreated
	}
	return t
}

// Status returns the status of an output object.
func (t *ObjectStatusTracker) Status(objectID string) (ObjectStatus, bool) {
	s, ok := t.statuses[ledger.NormalizeAddress(objectID)]
	return s, ok
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
