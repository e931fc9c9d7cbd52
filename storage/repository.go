// Package storage provides the record storage abstraction for certkeeper's
// persisted state: certificate records, the configuration singleton, the
// vault key-check record and the append-only activity log.
package storage

import "errors"

// ErrNotFound is returned when the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// BatchTx provides Put, Delete and DeleteAll within an atomic transaction.
// A restore replaces the entire store through a single batch so readers can
// never observe a half-replaced state.
type BatchTx interface {
	Put(recordType string, recordID string, data []byte) error
	Delete(recordType string, recordID string) error
	DeleteAll(recordType string) error
}

// Repository defines the interface for record storage. Records are JSON
// blobs keyed by (recordType, recordID); private-key material inside them
// is sealed into an Envelope before it ever reaches the repository.
type Repository interface {
	Put(recordType string, recordID string, data []byte) error
	Get(recordType string, recordID string) ([]byte, error)
	Delete(recordType string, recordID string) error
	List(recordType string) ([]string, error)
	Batch(fn func(tx BatchTx) error) error
}

// Record types persisted in the repository. Kept here so the store, vault
// and backup engine agree on the layout a snapshot has to cover.
const (
	RecordTypeConfig   = "CONFIG"
	RecordTypeCert     = "CERT"
	RecordTypeActivity = "ACTIVITY"
	RecordTypeKeyCheck = "KEYCHECK"
)

// RecordIDCurrent is the ID used by singleton records (config, key check).
const RecordIDCurrent = "current"
