package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectAlerts() (*sync.Mutex, *[]AlertEvent, AlertFunc) {
	var mu sync.Mutex
	var alerts []AlertEvent
	return &mu, &alerts, func(e AlertEvent) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, e)
	}
}

func TestUnlockFailureSpikeAlert(t *testing.T) {
	mu, alerts, fn := collectAlerts()
	m := newMetricsCollector(fn)

	for i := 0; i < defaultUnlockFailureThreshold; i++ {
		m.recordEvent(AuditVaultUnlockFailed)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*alerts) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, AlertUnlockFailureSpike, (*alerts)[0].Type)
	assert.GreaterOrEqual(t, (*alerts)[0].Count, defaultUnlockFailureThreshold)
}

func TestBulkKeyExportAlert(t *testing.T) {
	mu, alerts, fn := collectAlerts()
	m := newMetricsCollector(fn)

	for i := 0; i < defaultKeyExportThreshold; i++ {
		m.recordEvent(AuditPrivateKeyAccessed)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*alerts) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, AlertBulkKeyExport, (*alerts)[0].Type)
}

func TestIrrelevantEventsDoNotAlert(t *testing.T) {
	mu, alerts, fn := collectAlerts()
	m := newMetricsCollector(fn)

	for i := 0; i < 100; i++ {
		m.recordEvent(AuditCSRGenerated)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *alerts)
}
