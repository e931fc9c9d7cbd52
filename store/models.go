// Package store persists certificate records, the configuration singleton
// and the append-only activity log over a storage.Repository. Private keys
// inside certificate records are always sealed envelopes; the store never
// sees plaintext key material.
package store

import (
	"time"

	"github.com/jmcleod/certkeeper/pki"
	"github.com/jmcleod/certkeeper/storage"
)

// Status is the computed lifecycle state of a certificate. It is derived
// from the record's contents and expiry on every read, never stored.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
)

// Certificate is the persisted record for one hostname. The active slot
// (CertificatePEM + ActiveKey) and the pending slot (PendingCSR +
// PendingKey) may coexist while a renewal is in flight.
type Certificate struct {
	Hostname  string            `json:"hostname"`
	Subject   pki.SubjectFields `json:"subject"`
	SANs      []string          `json:"sans"`
	KeySize   int               `json:"key_size"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	ReadOnly  bool              `json:"read_only"`
	Note      string            `json:"note,omitempty"`

	CertificatePEM string            `json:"certificate_pem,omitempty"`
	ActiveKey      *storage.Envelope `json:"active_private_key,omitempty"`

	PendingCSR     string             `json:"pending_csr,omitempty"`
	PendingKey     *storage.Envelope  `json:"pending_private_key,omitempty"`
	PendingSubject *pki.SubjectFields `json:"pending_subject,omitempty"`
	PendingSANs    []string           `json:"pending_sans,omitempty"`
	PendingKeySize int                `json:"pending_key_size,omitempty"`
	PendingNote    string             `json:"pending_note,omitempty"`
}

// HasPendingCSR reports whether a CSR is awaiting a signed certificate.
func (c *Certificate) HasPendingCSR() bool {
	return c.PendingCSR != ""
}

// Status computes the lifecycle state at the given instant. warnDays is the
// configured expiry warning threshold.
func (c *Certificate) Status(now time.Time, warnDays int) Status {
	if c.CertificatePEM == "" {
		return StatusPending
	}
	if c.ExpiresAt == nil {
		return StatusActive
	}
	// The expired boundary compares actual instants. daysUntil truncates
	// toward zero, so a certificate in its last day would otherwise report
	// expired while still valid.
	if now.After(*c.ExpiresAt) {
		return StatusExpired
	}
	if daysUntil(*c.ExpiresAt, now) <= warnDays {
		return StatusExpiring
	}
	return StatusActive
}

// DaysUntilExpiration returns the whole days until expiry (negative when
// already expired) and whether an expiry is set at all.
func (c *Certificate) DaysUntilExpiration(now time.Time) (int, bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return daysUntil(*c.ExpiresAt, now), true
}

func daysUntil(expires, now time.Time) int {
	return int(expires.Sub(now).Hours() / 24)
}

// Event identifies an activity-log entry type.
type Event string

const (
	EventCreated          Event = "created"
	EventCSRGenerated     Event = "csr_generated"
	EventUploaded         Event = "certificate_uploaded"
	EventRenewalStarted   Event = "renewal_started"
	EventRenewalCancelled Event = "renewal_cancelled"
	EventReadOnlySet      Event = "read_only_set"
	EventReadOnlyCleared  Event = "read_only_cleared"
	EventDeleted          Event = "deleted"
	EventRestored         Event = "restored"
	EventExpiring         Event = "expiring"
	EventKeyChanged       Event = "encryption_key_changed"
)

// ActivityEntry is one append-only lifecycle event for a hostname.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Event     Event     `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
