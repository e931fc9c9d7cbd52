// Package backup serializes the certificate store into portable snapshots
// and restores them transactionally. A snapshot carries configuration,
// certificate records with their sealed private keys untouched, the activity
// history and the vault key-check record; the plaintext master key is
// embedded only on explicit opt-in. Restores are all-or-nothing: validation
// precedes mutation, and a safety backup of current state is taken first.
package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/certkeeper/internal/util"
	"github.com/jmcleod/certkeeper/storage"
	"github.com/jmcleod/certkeeper/store"
	"github.com/jmcleod/certkeeper/vault"
)

const (
	// SchemaVersion is the snapshot format version this build reads and writes.
	SchemaVersion = 1

	fileExtension = ".ckbackup"
)

var (
	// ErrInvalidSnapshot is returned when a backup fails parsing or schema
	// validation. The operation aborts before any mutation.
	ErrInvalidSnapshot = errors.New("invalid backup snapshot")

	// ErrBackupNotFound is returned when the named local backup does not exist.
	ErrBackupNotFound = errors.New("backup not found")
)

// Kind tags a snapshot as user-requested or automatically taken. Automatic
// backups are never silently pruned by unrelated operations.
type Kind string

const (
	KindManual Kind = "manual"
	KindAuto   Kind = "auto"
)

// Snapshot is the portable serialized form of the whole store.
type Snapshot struct {
	SchemaVersion int                   `json:"schema_version"`
	CreatedAt     time.Time             `json:"created_at"`
	Kind          Kind                  `json:"kind"`
	CAName        string                `json:"ca_name,omitempty"`
	Config        *store.Config         `json:"config,omitempty"`
	KeyCheck      json.RawMessage       `json:"key_check,omitempty"`
	MasterKey     string                `json:"master_key,omitempty"` // hex root key, embedded on opt-in only
	Certificates  []*store.Certificate  `json:"certificates"`
	Activity      []store.ActivityEntry `json:"activity"`
}

// HasEmbeddedKey reports whether the snapshot is self-contained.
func (s *Snapshot) HasEmbeddedKey() bool {
	return s.MasterKey != ""
}

// Summary is what Peek reports about a backup file without touching live state.
type Summary struct {
	Name             string    `json:"name"`
	SchemaVersion    int       `json:"schema_version"`
	CreatedAt        time.Time `json:"created_at"`
	Kind             Kind      `json:"kind"`
	CAName           string    `json:"ca_name,omitempty"`
	CertificateCount int       `json:"certificate_count"`
	Hostnames        []string  `json:"hostnames"`
	HasEmbeddedKey   bool      `json:"has_embedded_key"`
	HasKeyCheck      bool      `json:"has_key_check"`
}

// Info describes one file in the backup directory.
type Info struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Manager owns the backup directory and the export/restore flows.
type Manager struct {
	dir   string
	store *store.Store
	vault *vault.Vault
	log   *slog.Logger
}

// NewManager creates a Manager writing to dir, creating it if needed.
func NewManager(dir string, st *store.Store, v *vault.Vault, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{dir: dir, store: st, vault: v, log: log.With("component", "backup")}, nil
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// Export serializes the current store into a snapshot. Sealed private keys
// are copied ciphertext-for-ciphertext; nothing is decrypted. When embedKey
// is set the vault must be unlocked, and the raw master key is embedded so
// the backup is self-contained.
func (m *Manager) Export(ctx context.Context, kind Kind, embedKey bool) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := m.store.RLock()
	defer unlock()

	snapshot := &Snapshot{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Kind:          kind,
	}

	cfg, err := m.store.GetConfig()
	if err == nil {
		snapshot.Config = cfg
		snapshot.CAName = cfg.CAName
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if kc, err := m.vault.ExportKeyCheck(); err == nil {
		snapshot.KeyCheck = kc
	}

	certs, err := m.store.ListCertificates()
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		cp := *cert
		cp.ActiveKey = cert.ActiveKey.Clone()
		cp.PendingKey = cert.PendingKey.Clone()
		snapshot.Certificates = append(snapshot.Certificates, &cp)
	}

	snapshot.Activity, err = m.store.ListActivity("")
	if err != nil {
		return nil, err
	}

	if embedKey {
		root, err := m.vault.ExportRoot()
		if err != nil {
			return nil, err
		}
		snapshot.MasterKey = hex.EncodeToString(root)
		util.WipeBytes(root)
	}

	return snapshot, nil
}

// Encode marshals a snapshot to its on-disk form.
func Encode(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Decode parses and validates snapshot bytes. Schema mismatches fail with
// ErrInvalidSnapshot before any caller mutates anything.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrInvalidSnapshot, s.SchemaVersion)
	}
	seen := make(map[string]bool, len(s.Certificates))
	for _, cert := range s.Certificates {
		if cert.Hostname == "" {
			return nil, fmt.Errorf("%w: certificate record without hostname", ErrInvalidSnapshot)
		}
		if seen[cert.Hostname] {
			return nil, fmt.Errorf("%w: duplicate hostname %q", ErrInvalidSnapshot, cert.Hostname)
		}
		seen[cert.Hostname] = true
	}
	if s.MasterKey != "" {
		root, err := hex.DecodeString(s.MasterKey)
		if err != nil || len(root) != 32 {
			return nil, fmt.Errorf("%w: malformed embedded master key", ErrInvalidSnapshot)
		}
		if len(s.KeyCheck) == 0 {
			return nil, fmt.Errorf("%w: embedded master key without key check", ErrInvalidSnapshot)
		}
		if err := vault.CheckRoot(s.KeyCheck, root); err != nil {
			util.WipeBytes(root)
			return nil, fmt.Errorf("%w: embedded master key does not verify", ErrInvalidSnapshot)
		}
		util.WipeBytes(root)
	}
	return &s, nil
}

// fileName builds a timestamped backup file name, extending with a counter
// on collision within the same second.
func (m *Manager) fileName(kind Kind, at time.Time) string {
	base := fmt.Sprintf("%s-%s", kind, at.Format("20060102-150405"))
	name := base + fileExtension
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, fileExtension)
	}
}

// WriteLocal exports a snapshot and writes it into the backup directory,
// returning the file info.
func (m *Manager) WriteLocal(ctx context.Context, kind Kind, embedKey bool) (*Info, error) {
	snapshot, err := m.Export(ctx, kind, embedKey)
	if err != nil {
		return nil, err
	}
	data, err := Encode(snapshot)
	if err != nil {
		return nil, err
	}
	name := m.fileName(kind, snapshot.CreatedAt)
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing backup %s: %w", name, err)
	}
	m.log.Info("backup written", "name", name, "kind", string(kind),
		"certificates", len(snapshot.Certificates), "embedded_key", embedKey)
	return &Info{Name: name, Kind: kind, CreatedAt: snapshot.CreatedAt, Size: int64(len(data))}, nil
}

// SafetyBackup takes an automatic backup before a destructive operation.
// Callers must treat a failure here as fatal for the operation itself.
func (m *Manager) SafetyBackup(ctx context.Context, reason string) (*Info, error) {
	info, err := m.WriteLocal(ctx, KindAuto, false)
	if err != nil {
		return nil, fmt.Errorf("safety backup before %s: %w", reason, err)
	}
	m.log.Info("safety backup taken", "reason", reason, "name", info.Name)
	return info, nil
}

// ---------------------------------------------------------------------------
// Peek / list / delete
// ---------------------------------------------------------------------------

func validBackupName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, "/\\") &&
		!strings.Contains(name, "..") &&
		strings.HasSuffix(name, fileExtension)
}

// Peek reads a backup file and summarizes it without mutating live state.
func (m *Manager) Peek(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return Summarize(filepath.Base(path), data)
}

// PeekLocal summarizes a file in the backup directory by name.
func (m *Manager) PeekLocal(name string) (*Summary, error) {
	if !validBackupName(name) {
		return nil, ErrBackupNotFound
	}
	return m.Peek(filepath.Join(m.dir, name))
}

// Summarize builds a Summary from raw snapshot bytes.
func Summarize(name string, data []byte) (*Summary, error) {
	snapshot, err := Decode(data)
	if err != nil {
		return nil, err
	}
	hostnames := make([]string, 0, len(snapshot.Certificates))
	for _, cert := range snapshot.Certificates {
		hostnames = append(hostnames, cert.Hostname)
	}
	sort.Strings(hostnames)
	return &Summary{
		Name:             name,
		SchemaVersion:    snapshot.SchemaVersion,
		CreatedAt:        snapshot.CreatedAt,
		Kind:             snapshot.Kind,
		CAName:           snapshot.CAName,
		CertificateCount: len(snapshot.Certificates),
		Hostnames:        hostnames,
		HasEmbeddedKey:   snapshot.HasEmbeddedKey(),
		HasKeyCheck:      len(snapshot.KeyCheck) > 0,
	}, nil
}

// List returns the backups in the directory, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExtension) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		kind := KindManual
		if strings.HasPrefix(entry.Name(), string(KindAuto)+"-") {
			kind = KindAuto
		}
		infos = append(infos, Info{
			Name:      entry.Name(),
			Kind:      kind,
			CreatedAt: fi.ModTime().UTC(),
			Size:      fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

// ReadLocal returns the raw bytes of a named local backup.
func (m *Manager) ReadLocal(name string) ([]byte, error) {
	if !validBackupName(name) {
		return nil, ErrBackupNotFound
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBackupNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a named local backup.
func (m *Manager) Delete(name string) error {
	if !validBackupName(name) {
		return ErrBackupNotFound
	}
	err := os.Remove(filepath.Join(m.dir, name))
	if os.IsNotExist(err) {
		return ErrBackupNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

// Restore replaces the entire store with a snapshot's contents. The sequence
// is: validate, safety backup, then one atomic transaction under the global
// store lock. After a successful restore the vault is unlocked only when the
// snapshot embedded its master key; otherwise it stays locked and the
// operator must supply the original key.
func (m *Manager) Restore(ctx context.Context, data []byte) error {
	snapshot, err := Decode(data)
	if err != nil {
		return err
	}

	if _, err := m.SafetyBackup(ctx, "restore"); err != nil {
		return err
	}

	unlock := m.store.LockAll()
	defer unlock()

	repo := m.store.Repository()
	err = repo.Batch(func(tx storage.BatchTx) error {
		for _, recordType := range []string{
			storage.RecordTypeConfig,
			storage.RecordTypeCert,
			storage.RecordTypeActivity,
			storage.RecordTypeKeyCheck,
		} {
			if err := tx.DeleteAll(recordType); err != nil {
				return err
			}
		}
		if snapshot.Config != nil {
			data, err := json.Marshal(snapshot.Config)
			if err != nil {
				return err
			}
			if err := tx.Put(storage.RecordTypeConfig, storage.RecordIDCurrent, data); err != nil {
				return err
			}
		}
		if len(snapshot.KeyCheck) > 0 {
			if err := tx.Put(storage.RecordTypeKeyCheck, storage.RecordIDCurrent, snapshot.KeyCheck); err != nil {
				return err
			}
		}
		for _, cert := range snapshot.Certificates {
			data, err := json.Marshal(cert)
			if err != nil {
				return err
			}
			if err := tx.Put(storage.RecordTypeCert, cert.Hostname, data); err != nil {
				return err
			}
		}
		for _, entry := range snapshot.Activity {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := tx.Put(storage.RecordTypeActivity, entry.ID, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	// The old master key no longer matches the restored key check.
	m.vault.Lock()
	if snapshot.HasEmbeddedKey() {
		root, err := hex.DecodeString(snapshot.MasterKey)
		if err != nil {
			return fmt.Errorf("%w: malformed embedded master key", ErrInvalidSnapshot)
		}
		if err := m.vault.AdoptRoot(root); err != nil {
			return err
		}
	}

	m.log.Info("store restored from snapshot",
		"certificates", len(snapshot.Certificates),
		"embedded_key", snapshot.HasEmbeddedKey())
	return nil
}
