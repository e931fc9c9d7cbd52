package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSetupCompleted     AuditEvent = "setup_completed"
	AuditConfigUpdated      AuditEvent = "config_updated"
	AuditCSRGenerated       AuditEvent = "csr_generated"
	AuditRenewalStarted     AuditEvent = "renewal_started"
	AuditRenewalCancelled   AuditEvent = "renewal_cancelled"
	AuditCertUploaded       AuditEvent = "certificate_uploaded"
	AuditCertDeleted        AuditEvent = "certificate_deleted"
	AuditReadOnlySet        AuditEvent = "read_only_set"
	AuditReadOnlyCleared    AuditEvent = "read_only_cleared"
	AuditPrivateKeyAccessed AuditEvent = "private_key_accessed"
	AuditVaultInitialized   AuditEvent = "vault_initialized"
	AuditVaultUnlocked      AuditEvent = "vault_unlocked"
	AuditVaultUnlockFailed  AuditEvent = "vault_unlock_failed"
	AuditVaultLocked        AuditEvent = "vault_locked"
	AuditKeyChanged         AuditEvent = "encryption_key_changed"
	AuditBackupCreated      AuditEvent = "backup_created"
	AuditBackupExported     AuditEvent = "backup_exported"
	AuditBackupRestored     AuditEvent = "backup_restored"
	AuditBackupDeleted      AuditEvent = "backup_deleted"
	AuditDatabaseReset      AuditEvent = "database_reset"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Key material never appears here;
// only event names, hostnames and request metadata do.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logHostname is a convenience for events scoped to one certificate.
func (al *auditLogger) logHostname(event AuditEvent, r *http.Request, hostname string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("hostname", hostname),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
