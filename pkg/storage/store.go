package storage

import (
	"errors"

	"github.com/cuemby/tailkeeper/pkg/types"
)

// ErrNotFound is returned when a requested document does not exist
var ErrNotFound = errors.New("not found")

// Store defines the durable state used by the log sink and the state persistor
type Store interface {
	// Log records, one collection per workload
	AppendRecord(record *types.Record) error
	ListRecords(id types.WorkloadID) ([]*types.Record, error)
	CountRecords(id types.WorkloadID) (int, error)

	// State document (single slot, upsert semantics)
	SaveSnapshot(snapshot *types.Snapshot) error
	LoadSnapshot() (*types.Snapshot, error)

	// Utility
	Close() error
}
