package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/certkeeper/internal/uuid"
	"github.com/jmcleod/certkeeper/storage"
)

// Store is the certificate store. Mutations are serialized per hostname;
// the global lock excludes everything else while a restore or reset replaces
// the store wholesale.
type Store struct {
	repo storage.Repository

	global    sync.RWMutex
	hostLocks sync.Map // hostname -> *sync.Mutex
}

// New creates a Store over the given repository.
func New(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Repository exposes the underlying repository for whole-store transactions
// (backup restore, reset, encryption key change).
func (s *Store) Repository() storage.Repository {
	return s.repo
}

// LockHost serializes mutations for one hostname. It also holds the global
// read lock so a restore in progress excludes the mutation entirely.
// The returned func releases both locks.
func (s *Store) LockHost(hostname string) func() {
	s.global.RLock()
	muIface, _ := s.hostLocks.LoadOrStore(hostname, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return func() {
		mu.Unlock()
		s.global.RUnlock()
	}
}

// LockAll takes the global write lock, excluding every read and mutation for
// the duration of a restore or reset. The returned func releases it.
func (s *Store) LockAll() func() {
	s.global.Lock()
	return s.global.Unlock
}

// RLock takes the global read lock for multi-record reads (listing, export).
func (s *Store) RLock() func() {
	s.global.RLock()
	return s.global.RUnlock
}

// ---------------------------------------------------------------------------
// Configuration singleton
// ---------------------------------------------------------------------------

// GetConfig loads the configuration. Returns storage.ErrNotFound before setup.
func (s *Store) GetConfig() (*Config, error) {
	data, err := s.repo.Get(storage.RecordTypeConfig, storage.RecordIDCurrent)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return &cfg, nil
}

// PutConfig persists the configuration singleton.
func (s *Store) PutConfig(cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return s.repo.Put(storage.RecordTypeConfig, storage.RecordIDCurrent, data)
}

// ---------------------------------------------------------------------------
// Certificate records
// ---------------------------------------------------------------------------

// GetCertificate loads one certificate record by hostname.
func (s *Store) GetCertificate(hostname string) (*Certificate, error) {
	data, err := s.repo.Get(storage.RecordTypeCert, hostname)
	if err != nil {
		return nil, err
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("decoding certificate %s: %w", hostname, err)
	}
	return &cert, nil
}

// PutCertificate persists a certificate record keyed by its hostname.
func (s *Store) PutCertificate(cert *Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encoding certificate %s: %w", cert.Hostname, err)
	}
	return s.repo.Put(storage.RecordTypeCert, cert.Hostname, data)
}

// DeleteCertificate removes a certificate record and its key material.
func (s *Store) DeleteCertificate(hostname string) error {
	return s.repo.Delete(storage.RecordTypeCert, hostname)
}

// ListCertificates loads all certificate records.
func (s *Store) ListCertificates() ([]*Certificate, error) {
	ids, err := s.repo.List(storage.RecordTypeCert)
	if err != nil {
		return nil, err
	}
	certs := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		cert, err := s.GetCertificate(id)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

// activityID builds a sortable record ID so repository key order is
// chronological order.
func activityID(at time.Time) string {
	return fmt.Sprintf("%020d-%s", at.UnixNano(), uuid.New())
}

// AppendActivity appends one lifecycle event for a hostname. The log is
// append-only; nothing ever rewrites an entry.
func (s *Store) AppendActivity(hostname string, event Event, detail string) error {
	entry := ActivityEntry{
		ID:        "",
		Hostname:  hostname,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	entry.ID = activityID(entry.CreatedAt)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding activity entry: %w", err)
	}
	return s.repo.Put(storage.RecordTypeActivity, entry.ID, data)
}

// ListActivity returns the activity log in chronological order, optionally
// filtered by hostname ("" for all).
func (s *Store) ListActivity(hostname string) ([]ActivityEntry, error) {
	ids, err := s.repo.List(storage.RecordTypeActivity)
	if err != nil {
		return nil, err
	}
	entries := make([]ActivityEntry, 0, len(ids))
	for _, id := range ids {
		data, err := s.repo.Get(storage.RecordTypeActivity, id)
		if err != nil {
			return nil, fmt.Errorf("loading activity entry %s: %w", id, err)
		}
		var entry ActivityEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decoding activity entry %s: %w", id, err)
		}
		if hostname != "" && entry.Hostname != hostname {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
