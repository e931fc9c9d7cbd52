// Package engine implements the certificate lifecycle: CSR generation with
// encrypted key custody, the two-phase upload flow, read-only gating,
// activity history and the encryption-key operations. It is the write path
// between the API surface and the store; all persisted private keys pass
// through the vault before the engine stores anything.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/certkeeper/backup"
	"github.com/jmcleod/certkeeper/pki"
	"github.com/jmcleod/certkeeper/storage"
	"github.com/jmcleod/certkeeper/store"
	"github.com/jmcleod/certkeeper/vault"
)

// Engine coordinates the store, vault and backup manager.
type Engine struct {
	store   *store.Store
	vault   *vault.Vault
	backups *backup.Manager
	log     *slog.Logger

	// inflight tracks hostnames with key generation running, so the state
	// is observable and a second generation for the same hostname is
	// refused instead of racing.
	inflight sync.Map
}

// New builds an Engine over its collaborators.
func New(st *store.Store, v *vault.Vault, backups *backup.Manager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, vault: v, backups: backups, log: log.With("component", "engine")}
}

func keyAAD(hostname string) []byte {
	return []byte("key:" + hostname)
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// GetConfig returns the configuration singleton, or ErrNotConfigured before
// first-run setup.
func (e *Engine) GetConfig(ctx context.Context) (*store.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := e.store.GetConfig()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	return cfg, err
}

// SetupConfig creates the configuration singleton on first run. It fails
// with ErrAlreadyConfigured if setup already happened.
func (e *Engine) SetupConfig(ctx context.Context, cfg *store.Config) (*store.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ExpiryWarningDays == 0 {
		cfg.ExpiryWarningDays = store.DefaultExpiryWarningDays
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unlock := e.store.LockHost("_config")
	defer unlock()
	if _, err := e.store.GetConfig(); err == nil {
		return nil, ErrAlreadyConfigured
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := e.store.PutConfig(cfg); err != nil {
		return nil, err
	}
	e.log.Info("configuration created", "ca_name", cfg.CAName, "hostname_suffix", cfg.HostnameSuffix)
	return cfg, nil
}

// UpdateConfig replaces the configuration singleton after validation.
func (e *Engine) UpdateConfig(ctx context.Context, cfg *store.Config) (*store.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unlock := e.store.LockHost("_config")
	defer unlock()
	if _, err := e.store.GetConfig(); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	if err := e.store.PutConfig(cfg); err != nil {
		return nil, err
	}
	e.log.Info("configuration updated", "ca_name", cfg.CAName)
	return cfg, nil
}

func (e *Engine) warnDays() int {
	cfg, err := e.store.GetConfig()
	if err != nil || cfg.ExpiryWarningDays <= 0 {
		return store.DefaultExpiryWarningDays
	}
	return cfg.ExpiryWarningDays
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// CertificateView is a certificate record with its computed lifecycle state.
// Sealed key material never leaves the engine; the view only reports whether
// keys are held.
type CertificateView struct {
	Hostname            string             `json:"hostname"`
	Status              store.Status       `json:"status"`
	Subject             pki.SubjectFields  `json:"subject"`
	SANs                []string           `json:"sans"`
	KeySize             int                `json:"key_size"`
	CreatedAt           time.Time          `json:"created_at"`
	ExpiresAt           *time.Time         `json:"expires_at,omitempty"`
	DaysUntilExpiration *int               `json:"days_until_expiration,omitempty"`
	ReadOnly            bool               `json:"read_only"`
	Note                string             `json:"note,omitempty"`
	CertificatePEM      string             `json:"certificate_pem,omitempty"`
	HasPrivateKey       bool               `json:"has_private_key"`
	PendingCSR          string             `json:"pending_csr,omitempty"`
	HasPendingKey       bool               `json:"has_pending_key"`
	PendingSubject      *pki.SubjectFields `json:"pending_subject,omitempty"`
	PendingSANs         []string           `json:"pending_sans,omitempty"`
	PendingKeySize      int                `json:"pending_key_size,omitempty"`
	PendingNote         string             `json:"pending_note,omitempty"`
	GenerationInFlight  bool               `json:"generation_in_flight,omitempty"`
}

func (e *Engine) view(cert *store.Certificate, now time.Time, warnDays int) *CertificateView {
	v := &CertificateView{
		Hostname:       cert.Hostname,
		Status:         cert.Status(now, warnDays),
		Subject:        cert.Subject,
		SANs:           cert.SANs,
		KeySize:        cert.KeySize,
		CreatedAt:      cert.CreatedAt,
		ExpiresAt:      cert.ExpiresAt,
		ReadOnly:       cert.ReadOnly,
		Note:           cert.Note,
		CertificatePEM: cert.CertificatePEM,
		HasPrivateKey:  cert.ActiveKey != nil,
		PendingCSR:     cert.PendingCSR,
		HasPendingKey:  cert.PendingKey != nil,
		PendingSubject: cert.PendingSubject,
		PendingSANs:    cert.PendingSANs,
		PendingKeySize: cert.PendingKeySize,
		PendingNote:    cert.PendingNote,
	}
	if days, ok := cert.DaysUntilExpiration(now); ok {
		v.DaysUntilExpiration = &days
	}
	if _, running := e.inflight.Load(cert.Hostname); running {
		v.GenerationInFlight = true
	}
	return v
}

// ListFilter narrows and orders ListCertificates output.
type ListFilter struct {
	Status    store.Status // empty = all
	SortBy    string       // hostname (default), created_at, expires_at, status
	SortOrder string       // asc (default), desc
}

// ListCertificates returns views for every record, filtered and sorted.
func (e *Engine) ListCertificates(ctx context.Context, filter ListFilter) ([]*CertificateView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.store.RLock()
	defer unlock()

	certs, err := e.store.ListCertificates()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	warnDays := e.warnDays()

	views := make([]*CertificateView, 0, len(certs))
	for _, cert := range certs {
		v := e.view(cert, now, warnDays)
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		views = append(views, v)
	}

	less := func(a, b *CertificateView) bool { return a.Hostname < b.Hostname }
	switch filter.SortBy {
	case "created_at":
		less = func(a, b *CertificateView) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "expires_at":
		less = func(a, b *CertificateView) bool {
			switch {
			case a.ExpiresAt == nil:
				return b.ExpiresAt != nil
			case b.ExpiresAt == nil:
				return false
			default:
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		}
	case "status":
		less = func(a, b *CertificateView) bool { return a.Status < b.Status }
	}
	sort.SliceStable(views, func(i, j int) bool { return less(views[i], views[j]) })
	if filter.SortOrder == "desc" {
		for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
			views[i], views[j] = views[j], views[i]
		}
	}
	return views, nil
}

// GetCertificate returns one record's view.
func (e *Engine) GetCertificate(ctx context.Context, hostname string) (*CertificateView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.store.RLock()
	defer unlock()
	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return nil, err
	}
	return e.view(cert, time.Now(), e.warnDays()), nil
}

// ListCertificateHistory returns the append-only activity log, optionally
// filtered to one hostname.
func (e *Engine) ListCertificateHistory(ctx context.Context, hostname string) ([]store.ActivityEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.store.RLock()
	defer unlock()
	return e.store.ListActivity(hostname)
}

// ---------------------------------------------------------------------------
// CSR generation
// ---------------------------------------------------------------------------

// GenerateRequest describes a CSR generation call. Zero-valued subject
// fields and key size fall back to the configured defaults.
type GenerateRequest struct {
	Hostname     string            `json:"hostname"`
	Subject      pki.SubjectFields `json:"subject"`
	SANs         []string          `json:"sans"`
	KeySize      int               `json:"key_size"`
	Note         string            `json:"note"`
	IsRenewal    bool              `json:"is_renewal"`
	BypassSuffix bool              `json:"-"`
}

// CSRResult is what GenerateCSR hands back. The private key is already
// sealed and stored; only the CSR leaves the engine.
type CSRResult struct {
	Hostname string   `json:"hostname"`
	CSRPEM   string   `json:"csr"`
	SANs     []string `json:"sans"`
}

func applyDefaults(req *GenerateRequest, cfg *store.Config) {
	if req.KeySize == 0 {
		req.KeySize = cfg.DefaultKeySize
	}
	if req.Subject.Organization == "" {
		req.Subject.Organization = cfg.DefaultOrganization
	}
	if req.Subject.OrganizationalUnit == "" {
		req.Subject.OrganizationalUnit = cfg.DefaultOrganizationalUnit
	}
	if req.Subject.City == "" {
		req.Subject.City = cfg.DefaultCity
	}
	if req.Subject.State == "" {
		req.Subject.State = cfg.DefaultState
	}
	if req.Subject.Country == "" {
		req.Subject.Country = cfg.DefaultCountry
	}
}

// checkGeneratePreconditions validates the request against current state.
// Called once before the CPU-bound generation and again under the hostname
// lock before persisting, since the store may have changed in between.
func (e *Engine) checkGeneratePreconditions(req *GenerateRequest) error {
	cert, err := e.store.GetCertificate(req.Hostname)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if req.IsRenewal {
			return fmt.Errorf("%w: %s", ErrCertificateNotFound, req.Hostname)
		}
		return nil
	case err != nil:
		return err
	}
	if !req.IsRenewal {
		return fmt.Errorf("%w: %s", ErrDuplicateHostname, req.Hostname)
	}
	if cert.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, req.Hostname)
	}
	if cert.CertificatePEM == "" {
		return fmt.Errorf("%w: %s", ErrNotActive, req.Hostname)
	}
	if cert.HasPendingCSR() {
		return fmt.Errorf("%w: %s", ErrRenewalInProgress, req.Hostname)
	}
	return nil
}

// GenerateCSR generates an RSA key pair and CSR, seals the private key in
// the vault and persists the record. The vault must be unlocked. RSA
// generation runs before any store lock is taken; preconditions are
// re-checked under the hostname lock before persisting.
func (e *Engine) GenerateCSR(ctx context.Context, req GenerateRequest) (*CSRResult, error) {
	cfg, err := e.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	applyDefaults(&req, cfg)

	req.Hostname = strings.ToLower(strings.TrimSpace(req.Hostname))
	if !req.BypassSuffix && !strings.HasSuffix(req.Hostname, cfg.HostnameSuffix) {
		return nil, fmt.Errorf("%w: %s (want suffix %s)", ErrSuffixPolicy, req.Hostname, cfg.HostnameSuffix)
	}

	// Refuse early when the vault cannot seal the key anyway.
	if !e.vault.IsUnlocked() {
		return nil, vault.ErrLocked
	}

	if err := e.checkGeneratePreconditions(&req); err != nil {
		return nil, err
	}

	if _, loaded := e.inflight.LoadOrStore(req.Hostname, time.Now()); loaded {
		return nil, fmt.Errorf("%w: %s", ErrGenerationInFlight, req.Hostname)
	}
	defer e.inflight.Delete(req.Hostname)

	result, err := pki.Generate(ctx, pki.Request{
		Hostname: req.Hostname,
		Subject:  req.Subject,
		SANs:     req.SANs,
		KeySize:  req.KeySize,
	})
	if err != nil {
		return nil, err
	}

	sans := make([]string, len(result.SANs))
	for i, san := range result.SANs {
		sans[i] = san.Value
	}

	unlock := e.store.LockHost(req.Hostname)
	defer unlock()

	if err := e.checkGeneratePreconditions(&req); err != nil {
		return nil, err
	}

	sealed, err := e.vault.Seal([]byte(result.PrivateKeyPEM), keyAAD(req.Hostname))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if req.IsRenewal {
		cert, err := e.store.GetCertificate(req.Hostname)
		if err != nil {
			return nil, err
		}
		cert.PendingCSR = result.CSRPEM
		cert.PendingKey = sealed
		cert.PendingSubject = &req.Subject
		cert.PendingSANs = sans
		cert.PendingKeySize = req.KeySize
		cert.PendingNote = req.Note
		if err := e.store.PutCertificate(cert); err != nil {
			return nil, err
		}
		if err := e.store.AppendActivity(req.Hostname, store.EventRenewalStarted, "new CSR generated"); err != nil {
			return nil, err
		}
	} else {
		cert := &store.Certificate{
			Hostname:   req.Hostname,
			Subject:    req.Subject,
			SANs:       sans,
			KeySize:    req.KeySize,
			CreatedAt:  now,
			Note:       req.Note,
			PendingCSR: result.CSRPEM,
			PendingKey: sealed,
		}
		if err := e.store.PutCertificate(cert); err != nil {
			return nil, err
		}
		if err := e.store.AppendActivity(req.Hostname, store.EventCreated, ""); err != nil {
			return nil, err
		}
		if err := e.store.AppendActivity(req.Hostname, store.EventCSRGenerated,
			fmt.Sprintf("%d-bit key", req.KeySize)); err != nil {
			return nil, err
		}
	}

	e.log.Info("csr generated", "hostname", req.Hostname, "key_size", req.KeySize, "renewal", req.IsRenewal)
	return &CSRResult{Hostname: req.Hostname, CSRPEM: result.CSRPEM, SANs: sans}, nil
}

// ---------------------------------------------------------------------------
// Two-phase upload
// ---------------------------------------------------------------------------

// UploadPreview reports how an uploaded certificate relates to the pending
// request, without committing anything.
type UploadPreview struct {
	CSRMatch bool         `json:"csr_match"`
	KeyMatch bool         `json:"key_match"`
	Details  *pki.Details `json:"details"`
}

// checkUpload parses the certificate and computes both match flags against
// the record's pending slot. Decrypting the pending key requires the vault
// to be unlocked.
func (e *Engine) checkUpload(cert *store.Certificate, certPEM string) (*UploadPreview, error) {
	if !cert.HasPendingCSR() {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingCSR, cert.Hostname)
	}
	parsed, details, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	csrMatch, err := pki.MatchCSR(parsed, cert.PendingCSR)
	if err != nil {
		return nil, err
	}
	keyMatch := false
	if cert.PendingKey != nil {
		keyPEM, err := e.vault.Open(cert.PendingKey, keyAAD(cert.Hostname))
		if err != nil {
			return nil, err
		}
		keyMatch, err = pki.MatchKey(parsed, string(keyPEM))
		if err != nil {
			return nil, err
		}
	}
	return &UploadPreview{CSRMatch: csrMatch, KeyMatch: keyMatch, Details: details}, nil
}

// PreviewCertificateUpload is the read-only first phase of the upload flow.
func (e *Engine) PreviewCertificateUpload(ctx context.Context, hostname, certPEM string) (*UploadPreview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.store.RLock()
	defer unlock()
	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return nil, err
	}
	return e.checkUpload(cert, certPEM)
}

// UploadCertificate commits an uploaded certificate. The cryptographic
// checks run again here; preview flags from the caller are not trusted.
// On success the pending slot becomes the active one: the certificate is
// stored, the CSR cleared and the pending key re-associated as the active
// key.
func (e *Engine) UploadCertificate(ctx context.Context, hostname, certPEM string) (*CertificateView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.store.LockHost(hostname)
	defer unlock()

	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return nil, err
	}
	if cert.ReadOnly {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, hostname)
	}

	preview, err := e.checkUpload(cert, certPEM)
	if err != nil {
		return nil, err
	}
	if !preview.CSRMatch || !preview.KeyMatch {
		return nil, fmt.Errorf("%w: csr_match=%t key_match=%t", ErrMismatch, preview.CSRMatch, preview.KeyMatch)
	}

	notAfter := preview.Details.NotAfter
	cert.CertificatePEM = certPEM
	cert.ActiveKey = cert.PendingKey
	cert.ExpiresAt = &notAfter
	if cert.PendingSubject != nil {
		cert.Subject = *cert.PendingSubject
	}
	if len(cert.PendingSANs) > 0 {
		cert.SANs = cert.PendingSANs
	}
	if cert.PendingKeySize != 0 {
		cert.KeySize = cert.PendingKeySize
	}
	if cert.PendingNote != "" {
		cert.Note = cert.PendingNote
	}
	cert.PendingCSR = ""
	cert.PendingKey = nil
	cert.PendingSubject = nil
	cert.PendingSANs = nil
	cert.PendingKeySize = 0
	cert.PendingNote = ""

	if err := e.store.PutCertificate(cert); err != nil {
		return nil, err
	}
	if err := e.store.AppendActivity(hostname, store.EventUploaded,
		"expires "+notAfter.Format("2006-01-02")); err != nil {
		return nil, err
	}

	e.log.Info("certificate uploaded", "hostname", hostname, "expires_at", notAfter)
	return e.view(cert, time.Now(), e.warnDays()), nil
}

// CancelPendingRenewal discards the pending CSR and key. The active
// certificate, if any, is untouched; a record that never had an active
// certificate is removed entirely.
func (e *Engine) CancelPendingRenewal(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.store.LockHost(hostname)
	defer unlock()

	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return err
	}
	if cert.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, hostname)
	}
	if !cert.HasPendingCSR() {
		return fmt.Errorf("%w: %s", ErrNoPendingCSR, hostname)
	}

	if err := e.store.AppendActivity(hostname, store.EventRenewalCancelled, ""); err != nil {
		return err
	}
	if cert.CertificatePEM == "" {
		return e.store.DeleteCertificate(hostname)
	}
	cert.PendingCSR = ""
	cert.PendingKey = nil
	cert.PendingSubject = nil
	cert.PendingSANs = nil
	cert.PendingKeySize = 0
	cert.PendingNote = ""
	return e.store.PutCertificate(cert)
}

// ---------------------------------------------------------------------------
// Read-only, delete, key download
// ---------------------------------------------------------------------------

// SetCertificateReadOnly toggles the read-only flag. Clearing is always
// permitted, including on a read-only record, so records can be unlocked.
func (e *Engine) SetCertificateReadOnly(ctx context.Context, hostname string, readOnly bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.store.LockHost(hostname)
	defer unlock()

	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return err
	}
	if cert.ReadOnly == readOnly {
		return nil
	}
	cert.ReadOnly = readOnly
	if err := e.store.PutCertificate(cert); err != nil {
		return err
	}
	event := store.EventReadOnlyCleared
	if readOnly {
		event = store.EventReadOnlySet
	}
	return e.store.AppendActivity(hostname, event, "")
}

// DeleteCertificate removes a record and its key material irreversibly.
// A safety backup is taken first; if that fails the delete fails. Read-only
// records refuse deletion.
func (e *Engine) DeleteCertificate(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return err
	}
	if cert.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, hostname)
	}

	// The backup export takes the global read lock itself, so it runs
	// before the hostname lock is acquired.
	if _, err := e.backups.SafetyBackup(ctx, "delete "+hostname); err != nil {
		return err
	}

	unlock := e.store.LockHost(hostname)
	defer unlock()

	cert, err = e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return err
	}
	if cert.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, hostname)
	}
	if err := e.store.DeleteCertificate(hostname); err != nil {
		return err
	}
	if err := e.store.AppendActivity(hostname, store.EventDeleted, ""); err != nil {
		return err
	}
	e.log.Info("certificate deleted", "hostname", hostname)
	return nil
}

// GetPrivateKeyPEM decrypts and returns a record's private key. Prefers the
// active key, falling back to a pending one. Requires an unlocked vault.
func (e *Engine) GetPrivateKeyPEM(ctx context.Context, hostname string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := e.store.RLock()
	defer unlock()

	cert, err := e.store.GetCertificate(hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrCertificateNotFound, hostname)
	}
	if err != nil {
		return "", err
	}
	sealed := cert.ActiveKey
	if sealed == nil {
		sealed = cert.PendingKey
	}
	if sealed == nil {
		return "", fmt.Errorf("%w: %s holds no private key", ErrCertificateNotFound, hostname)
	}
	keyPEM, err := e.vault.Open(sealed, keyAAD(hostname))
	if err != nil {
		return "", err
	}
	return string(keyPEM), nil
}

// ---------------------------------------------------------------------------
// Encryption key operations
// ---------------------------------------------------------------------------

// InitializeEncryptionKey sets the master key on first run and leaves the
// vault unlocked.
func (e *Engine) InitializeEncryptionKey(ctx context.Context, key string) error {
	return e.vault.Initialize(ctx, key)
}

// ProvideEncryptionKey unlocks the vault. A wrong key, or no key having
// been set up at all, both fail with vault.ErrInvalidKey.
func (e *Engine) ProvideEncryptionKey(ctx context.Context, key string) error {
	return e.vault.Unlock(ctx, key)
}

// ClearEncryptionKey locks the vault and purges the in-memory key.
func (e *Engine) ClearEncryptionKey() {
	e.vault.Lock()
}

// VaultUnlocked reports whether key-dependent operations are available.
func (e *Engine) VaultUnlocked() bool {
	return e.vault.IsUnlocked()
}

// VaultInitialized reports whether a master key has ever been set.
func (e *Engine) VaultInitialized() bool {
	return e.vault.Initialized()
}

// ChangeEncryptionKey re-encrypts every stored private key under the new
// master key in one atomic transaction. Any failure rolls the whole batch
// back and the old ciphertexts stay valid under the old key. The store is
// write-locked for the duration so no mutation interleaves with the rewrap.
func (e *Engine) ChangeEncryptionKey(ctx context.Context, oldKey, newKey string) error {
	unlock := e.store.LockAll()
	defer unlock()

	// Load the records before the batch opens. The write lock excludes all
	// mutation, and reading inside the transaction would re-enter the
	// repository's own locking.
	certs, err := e.store.ListCertificates()
	if err != nil {
		return err
	}

	err = e.vault.ChangeKey(ctx, oldKey, newKey, func(tx storage.BatchTx, rewrap vault.RewrapFunc) error {
		for _, cert := range certs {
			var err error
			aad := keyAAD(cert.Hostname)
			if cert.ActiveKey != nil {
				cert.ActiveKey, err = rewrap(cert.ActiveKey, aad)
				if err != nil {
					return fmt.Errorf("rewrapping active key for %s: %w", cert.Hostname, err)
				}
			}
			if cert.PendingKey != nil {
				cert.PendingKey, err = rewrap(cert.PendingKey, aad)
				if err != nil {
					return fmt.Errorf("rewrapping pending key for %s: %w", cert.Hostname, err)
				}
			}
			data, err := json.Marshal(cert)
			if err != nil {
				return err
			}
			if err := tx.Put(storage.RecordTypeCert, cert.Hostname, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.store.AppendActivity("", store.EventKeyChanged, ""); err != nil {
		return err
	}
	e.log.Info("encryption key changed")
	return nil
}

// ---------------------------------------------------------------------------
// Backups and reset
// ---------------------------------------------------------------------------

// ExportBackup serializes the store to snapshot bytes for download.
func (e *Engine) ExportBackup(ctx context.Context, embedKey bool) ([]byte, error) {
	snapshot, err := e.backups.Export(ctx, backup.KindManual, embedKey)
	if err != nil {
		return nil, err
	}
	return backup.Encode(snapshot)
}

// CreateManualBackup writes a manual backup into the local directory.
func (e *Engine) CreateManualBackup(ctx context.Context, embedKey bool) (*backup.Info, error) {
	return e.backups.WriteLocal(ctx, backup.KindManual, embedKey)
}

// PeekBackup summarizes snapshot bytes without touching live state.
func (e *Engine) PeekBackup(name string, data []byte) (*backup.Summary, error) {
	return backup.Summarize(name, data)
}

// PeekLocalBackup summarizes a named local backup.
func (e *Engine) PeekLocalBackup(name string) (*backup.Summary, error) {
	return e.backups.PeekLocal(name)
}

// ListLocalBackups lists the backup directory, newest first.
func (e *Engine) ListLocalBackups() ([]backup.Info, error) {
	return e.backups.List()
}

// DeleteLocalBackup removes a named local backup.
func (e *Engine) DeleteLocalBackup(name string) error {
	return e.backups.Delete(name)
}

// RestoreFromBackup replaces the store with a snapshot's contents.
func (e *Engine) RestoreFromBackup(ctx context.Context, data []byte) error {
	if err := e.backups.Restore(ctx, data); err != nil {
		return err
	}
	if err := e.store.AppendActivity("", store.EventRestored, ""); err != nil {
		return err
	}
	return nil
}

// RestoreLocalBackup restores from a named file in the backup directory.
func (e *Engine) RestoreLocalBackup(ctx context.Context, name string) error {
	data, err := e.backups.ReadLocal(name)
	if err != nil {
		return err
	}
	return e.RestoreFromBackup(ctx, data)
}

// ResetDatabase wipes configuration, certificates, activity and vault state
// after taking an automatic backup. The vault ends locked and uninitialized.
func (e *Engine) ResetDatabase(ctx context.Context) error {
	if _, err := e.backups.SafetyBackup(ctx, "reset"); err != nil {
		return err
	}

	unlock := e.store.LockAll()
	defer unlock()

	repo := e.store.Repository()
	err := repo.Batch(func(tx storage.BatchTx) error {
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
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting database: %w", err)
	}
	e.vault.Lock()
	e.log.Info("database reset")
	return nil
}
