package ledger

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/sha3"
)

// CheckpointSequenceNumber identifies a checkpoint in the ordered stream.
type CheckpointSequenceNumber = uint64

// CheckpointData is a full checkpoint as delivered by the node: the signed
// summary, its contents and every executed transaction with its effects.
type CheckpointData struct {
	Summary      CheckpointSummary       `json:"checkpoint_summary"`
	Contents     CheckpointContents      `json:"checkpoint_contents"`
	Transactions []CheckpointTransaction `json:"transactions"`
}

// CheckpointSummary is the header of a checkpoint.
type CheckpointSummary struct {
	Epoch                    uint64 `json:"epoch"`
	SequenceNumber           uint64 `json:"sequence_number"`
	NetworkTotalTransactions uint64 `json:"network_total_transactions"`
	Digest                   string `json:"digest"`
	PreviousDigest           string `json:"previous_digest,omitempty"`
	TimestampMs              uint64 `json:"timestamp_ms"`
	EndOfEpoch               bool   `json:"end_of_epoch,omitempty"`
}

// ExecutionDigests pairs a transaction digest with the digest of its effects.
type ExecutionDigests struct {
	Transaction string `json:"transaction"`
	Effects     string `json:"effects"`
}

// CheckpointContents lists the transactions included in a checkpoint.
type CheckpointContents struct {
	Transactions []ExecutionDigests `json:"transactions"`
}

// CheckpointTransaction is one executed transaction together with the
// objects it read and wrote.
type CheckpointTransaction struct {
	Transaction   Transaction        `json:"transaction"`
	Effects       TransactionEffects `json:"effects"`
	Events        *TransactionEvents `json:"events,omitempty"`
	InputObjects  []Object           `json:"input_objects"`
	OutputObjects []Object           `json:"output_objects"`
}

type Transaction struct {
	Digest    string `json:"digest"`
	Sender    string `json:"sender"`
	GasBudget uint64 `json:"gas_budget"`
	Kind      string `json:"kind"`
}

// ExecutionStatus is the outcome of a transaction.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
)

// ObjectRef is the (id, version, digest) triple identifying an object version.
type ObjectRef struct {
	ObjectID string `json:"object_id"`
	Version  uint64 `json:"version"`
	Digest   string `json:"digest"`
}

// TransactionEffects describes how a transaction changed the object set.
type TransactionEffects struct {
	TransactionDigest    string          `json:"transaction_digest"`
	Status               ExecutionStatus `json:"status"`
	Created              []ObjectRef     `json:"created,omitempty"`
	Mutated              []ObjectRef     `json:"mutated,omitempty"`
	Unwrapped            []ObjectRef     `json:"unwrapped,omitempty"`
	Deleted              []ObjectRef     `json:"deleted,omitempty"`
	Wrapped              []ObjectRef     `json:"wrapped,omitempty"`
	UnwrappedThenDeleted []ObjectRef     `json:"unwrapped_then_deleted,omitempty"`
}

// AllRemovedObjects returns every object that no longer exists at the top
// level after the transaction: deleted, wrapped and unwrapped-then-deleted.
func (e *TransactionEffects) AllRemovedObjects() []ObjectRef {
	removed := make([]ObjectRef, 0, len(e.Deleted)+len(e.Wrapped)+len(e.UnwrappedThenDeleted))
	removed = append(removed, e.Deleted...)
	removed = append(removed, e.Wrapped...)
	removed = append(removed, e.UnwrappedThenDeleted...)
	return removed
}

// TransactionEvents holds the events emitted by a transaction, in emission order.
type TransactionEvents struct {
	Data []Event `json:"data"`
}

// Event is a Move event emitted by a transaction.
type Event struct {
	PackageID         string    `json:"package_id"`
	TransactionModule string    `json:"transaction_module"`
	Sender            string    `json:"sender"`
	Type              StructTag `json:"type"`
	Contents          []byte    `json:"contents"`
}

// OwnerKind enumerates the ownership modes of an object.
type OwnerKind string

const (
	OwnerAddress   OwnerKind = "address_owner"
	OwnerObject    OwnerKind = "object_owner"
	OwnerShared    OwnerKind = "shared"
	OwnerImmutable OwnerKind = "immutable"
)

type Owner struct {
	Kind                 OwnerKind `json:"kind"`
	Address              string    `json:"address,omitempty"`
	InitialSharedVersion uint64    `json:"initial_shared_version,omitempty"`
}

// Object is a versioned on-chain object: either a Move object or a package.
type Object struct {
	Data                ObjectData `json:"data"`
	Owner               Owner      `json:"owner"`
	PreviousTransaction string     `json:"previous_transaction"`
	StorageRebate       uint64     `json:"storage_rebate"`
}

// ObjectData is a tagged union; exactly one field is set.
type ObjectData struct {
	Move    *MoveObject  `json:"move,omitempty"`
	Package *MovePackage `json:"package,omitempty"`
}

type MoveObject struct {
	ID                string    `json:"id"`
	Version           uint64    `json:"version"`
	Type              StructTag `json:"type"`
	HasPublicTransfer bool      `json:"has_public_transfer"`
	Contents          []byte    `json:"contents"`
}

// MovePackage is a published package. Modules maps module name to its
// serialized module.
type MovePackage struct {
	ID      string            `json:"id"`
	Version uint64            `json:"version"`
	Modules map[string][]byte `json:"modules"`
}

// ID returns the object id regardless of the object kind.
func (o *Object) ID() string {
	switch {
	case o.Data.Move != nil:
		return o.Data.Move.ID
	case o.Data.Package != nil:
		return o.Data.Package.ID
	}
	return ""
}

// Version returns the object version regardless of the object kind.
func (o *Object) Version() uint64 {
	switch {
	case o.Data.Move != nil:
		return o.Data.Move.Version
	case o.Data.Package != nil:
		return o.Data.Package.Version
	}
	return 0
}

// IsPackage reports whether the object is a published package.
func (o *Object) IsPackage() bool {
	return o.Data.Package != nil
}

// StructTag returns the Move type of the object, or nil for packages.
func (o *Object) StructTag() *StructTag {
	if o.Data.Move == nil {
		return nil
	}
	tag := o.Data.Move.Type
	return &tag
}

// Digest is the SHA3-256 hash of the object's canonical encoding, hex encoded.
func (o *Object) Digest() string {
	encoded, err := json.Marshal(o)
	if err != nil {
		// Object only holds JSON-safe values.
		panic(err)
	}
	sum := sha3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Ref returns the object reference of this object version.
func (o *Object) Ref() ObjectRef {
	return ObjectRef{ObjectID: o.ID(), Version: o.Version(), Digest: o.Digest()}
}

// FullCheckpointContents is the archived form of a checkpoint's contents:
// the contents list plus the transaction and effects data it refers to.
type FullCheckpointContents struct {
	Contents      CheckpointContents `json:"contents"`
	ExecutionData []ExecutionData    `json:"execution_data"`
}

type ExecutionData struct {
	Transaction Transaction        `json:"transaction"`
	Effects     TransactionEffects `json:"effects"`
}

// NewFullCheckpointContents builds the archived contents of a checkpoint.
func NewFullCheckpointContents(data *CheckpointData) FullCheckpointContents {
	exec := make([]ExecutionData, 0, len(data.Transactions))
	for _, tx := range data.Transactions {
		exec = append(exec, ExecutionData{Transaction: tx.Transaction, Effects: tx.Effects})
	}
	return FullCheckpointContents{Contents: data.Contents, ExecutionData: exec}
}
