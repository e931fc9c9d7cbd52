// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/certkeeper/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and demos.
type Repository struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string][]byte)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(recordType, recordID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[makeKey(recordType, recordID)] = append([]byte(nil), data...)
	return nil
}

func (r *Repository) Get(recordType, recordID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (r *Repository) Delete(recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := makeKey(recordType, recordID)
	if _, ok := r.data[k]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, k)
	return nil
}

func (r *Repository) List(recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := recordType + ":"
	var ids []string
	for k := range r.data {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Batch executes fn against a snapshot-backed transaction. On error, all
// writes are rolled back.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string][]byte, len(r.data))
	for k, v := range r.data {
		snapshot[k] = append([]byte(nil), v...)
	}

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Put(recordType, recordID string, data []byte) error {
	tx.repo.data[makeKey(recordType, recordID)] = append([]byte(nil), data...)
	return nil
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	if _, ok := tx.repo.data[k]; !ok {
		return storage.ErrNotFound
	}
	delete(tx.repo.data, k)
	return nil
}

func (tx *memoryBatchTx) DeleteAll(recordType string) error {
	prefix := recordType + ":"
	for k := range tx.repo.data {
		if strings.HasPrefix(k, prefix) {
			delete(tx.repo.data, k)
		}
	}
	return nil
}
