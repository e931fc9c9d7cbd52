package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/certkeeper/engine"
	"github.com/jmcleod/certkeeper/store"
)

// maxBodyBytes bounds request bodies. Certificates, CSRs and backups are
// all small; anything larger is malformed input.
const maxBodyBytes = 16 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (p *configPayload) toConfig() *store.Config {
	return &store.Config{
		OwnerEmail:                p.OwnerEmail,
		CAName:                    p.CAName,
		HostnameSuffix:            p.HostnameSuffix,
		ValidityPeriodDays:        p.ValidityPeriodDays,
		DefaultOrganization:       p.DefaultOrganization,
		DefaultOrganizationalUnit: p.DefaultOrganizationalUnit,
		DefaultCity:               p.DefaultCity,
		DefaultState:              p.DefaultState,
		DefaultCountry:            p.DefaultCountry,
		DefaultKeySize:            p.DefaultKeySize,
		ExpiryWarningDays:         p.ExpiryWarningDays,
	}
}

// Status reports configuration and vault state for the UI's startup branch.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	configured := true
	if _, err := a.engine.GetConfig(r.Context()); err != nil {
		configured = false
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Configured:       configured,
		VaultInitialized: a.engine.VaultInitialized(),
		VaultUnlocked:    a.engine.VaultUnlocked(),
	})
}

// Setup performs first-run setup: configuration plus, when a master key is
// supplied, vault initialization in the same call.
func (a *API) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := a.engine.SetupConfig(r.Context(), req.Config.toConfig())
	if err != nil {
		mapError(w, err)
		return
	}
	if req.MasterKey != "" {
		if err := a.engine.InitializeEncryptionKey(r.Context(), req.MasterKey); err != nil {
			mapError(w, err)
			return
		}
	}
	a.audit.log(AuditSetupCompleted, r)
	writeJSON(w, http.StatusCreated, cfg)
}

func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.engine.GetConfig(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := a.engine.UpdateConfig(r.Context(), req.toConfig())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditConfigUpdated, r)
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	views, err := a.engine.ListCertificates(r.Context(), engine.ListFilter{
		Status:    store.Status(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.GetCertificate(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GenerateCSR creates a new record. Suffix bypass needs admin elevation;
// a bypass flag without it is refused outright rather than ignored.
func (a *API) GenerateCSR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.GenerateRequest
		BypassSuffix bool `json:"bypass_suffix"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BypassSuffix && !a.isAdmin(r) {
		writeError(w, http.StatusForbidden, "suffix bypass requires admin token")
		return
	}
	gen := req.GenerateRequest
	gen.IsRenewal = false
	gen.BypassSuffix = req.BypassSuffix
	res, err := a.engine.GenerateCSR(r.Context(), gen)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditCSRGenerated, r, res.Hostname)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	var req engine.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Hostname = hostname
	req.IsRenewal = true
	req.BypassSuffix = true // the record already exists under this name
	res, err := a.engine.GenerateCSR(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditRenewalStarted, r, hostname)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) PreviewUpload(w http.ResponseWriter, r *http.Request) {
	var req CertificatePEMRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	preview, err := a.engine.PreviewCertificateUpload(r.Context(), chi.URLParam(r, "hostname"), req.CertificatePEM)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) UploadCertificate(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	var req CertificatePEMRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := a.engine.UploadCertificate(r.Context(), hostname, req.CertificatePEM)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditCertUploaded, r, hostname)
	writeJSON(w, http.StatusOK, view)
}

func (a *API) CancelPendingRenewal(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if err := a.engine.CancelPendingRenewal(r.Context(), hostname); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditRenewalCancelled, r, hostname)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) SetReadOnly(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	var req ReadOnlyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.engine.SetCertificateReadOnly(r.Context(), hostname, req.ReadOnly); err != nil {
		mapError(w, err)
		return
	}
	event := AuditReadOnlyCleared
	if req.ReadOnly {
		event = AuditReadOnlySet
	}
	a.audit.logHostname(event, r, hostname)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if err := a.engine.DeleteCertificate(r.Context(), hostname); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditCertDeleted, r, hostname)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) GetPrivateKey(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	keyPEM, err := a.engine.GetPrivateKeyPEM(r.Context(), hostname)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logHostname(AuditPrivateKeyAccessed, r, hostname)
	writeJSON(w, http.StatusOK, PrivateKeyResponse{Hostname: hostname, PrivateKeyPEM: keyPEM})
}

func (a *API) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.ListCertificateHistory(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) ListActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.ListCertificateHistory(r.Context(), "")
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Vault
// ---------------------------------------------------------------------------

func (a *API) VaultStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VaultStatusResponse{
		Initialized: a.engine.VaultInitialized(),
		Unlocked:    a.engine.VaultUnlocked(),
	})
}

func (a *API) VaultSetup(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.engine.InitializeEncryptionKey(r.Context(), req.Key); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditVaultInitialized, r)
	writeJSON(w, http.StatusCreated, OKResponse{OK: true})
}

func (a *API) VaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.engine.ProvideEncryptionKey(r.Context(), req.Key); err != nil {
		a.audit.log(AuditVaultUnlockFailed, r)
		mapError(w, err)
		return
	}
	a.audit.log(AuditVaultUnlocked, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) VaultLock(w http.ResponseWriter, r *http.Request) {
	a.engine.ClearEncryptionKey()
	a.audit.log(AuditVaultLocked, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) VaultChangeKey(w http.ResponseWriter, r *http.Request) {
	var req ChangeKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.engine.ChangeEncryptionKey(r.Context(), req.OldKey, req.NewKey); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditKeyChanged, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

func (a *API) ListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := a.engine.ListLocalBackups()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.engine.CreateManualBackup(r.Context(), req.EmbedKey)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBackupCreated, r)
	writeJSON(w, http.StatusCreated, info)
}

// ExportBackup streams a snapshot for download. ?embed_key=true embeds the
// master key so the file is self-contained.
func (a *API) ExportBackup(w http.ResponseWriter, r *http.Request) {
	embedKey := r.URL.Query().Get("embed_key") == "true"
	data, err := a.engine.ExportBackup(r.Context(), embedKey)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBackupExported, r)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="export.ckbackup"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func readSnapshotBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading snapshot body: %v", err))
		return nil, false
	}
	return data, true
}

func (a *API) PeekBackup(w http.ResponseWriter, r *http.Request) {
	data, ok := readSnapshotBody(w, r)
	if !ok {
		return
	}
	summary, err := a.engine.PeekBackup("upload", data)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) PeekLocalBackup(w http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.PeekLocalBackup(chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	data, ok := readSnapshotBody(w, r)
	if !ok {
		return
	}
	if err := a.engine.RestoreFromBackup(r.Context(), data); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBackupRestored, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) RestoreLocalBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.engine.RestoreLocalBackup(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBackupRestored, r, slog.String("backup", name))
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeleteLocalBackup(chi.URLParam(r, "name")); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBackupDeleted, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (a *API) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.ResetDatabase(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditDatabaseReset, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
