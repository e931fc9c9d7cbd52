package api

import (
	"fmt"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
	AlertBulkKeyExport      AlertType = "bulk_key_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection:
// repeated failed unlock attempts (key guessing) and rapid private-key
// downloads (bulk exfiltration).
type metricsCollector struct {
	mu sync.Mutex

	unlockFailures  []time.Time
	unlockWindow    time.Duration
	unlockThreshold int

	keyExports         []time.Time
	keyExportWindow    time.Duration
	keyExportThreshold int

	alertFn AlertFunc
}

const (
	defaultUnlockFailureWindow    = 1 * time.Minute
	defaultUnlockFailureThreshold = 10
	defaultKeyExportWindow        = 5 * time.Minute
	defaultKeyExportThreshold     = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		unlockWindow:       defaultUnlockFailureWindow,
		unlockThreshold:    defaultUnlockFailureThreshold,
		keyExportWindow:    defaultKeyExportWindow,
		keyExportThreshold: defaultKeyExportThreshold,
		alertFn:            alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditVaultUnlockFailed:
		m.recordUnlockFailure()
	case AuditPrivateKeyAccessed:
		m.recordKeyExport()
	}
}

func (m *metricsCollector) recordUnlockFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.unlockFailures = append(m.unlockFailures, now)
	m.unlockFailures = pruneWindow(m.unlockFailures, now, m.unlockWindow)

	if len(m.unlockFailures) >= m.unlockThreshold {
		count := len(m.unlockFailures)
		m.unlockFailures = nil
		go m.alertFn(AlertEvent{
			Type:      AlertUnlockFailureSpike,
			Message:   fmt.Sprintf("%d failed unlock attempts within %s", count, m.unlockWindow),
			Count:     count,
			Threshold: m.unlockThreshold,
			Timestamp: now,
		})
	}
}

func (m *metricsCollector) recordKeyExport() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.keyExports = append(m.keyExports, now)
	m.keyExports = pruneWindow(m.keyExports, now, m.keyExportWindow)

	if len(m.keyExports) >= m.keyExportThreshold {
		count := len(m.keyExports)
		m.keyExports = nil
		go m.alertFn(AlertEvent{
			Type:      AlertBulkKeyExport,
			Message:   fmt.Sprintf("%d private key downloads within %s", count, m.keyExportWindow),
			Count:     count,
			Threshold: m.keyExportThreshold,
			Timestamp: now,
		})
	}
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
