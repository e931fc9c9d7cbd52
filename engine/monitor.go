package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmcleod/certkeeper/store"
)

// DefaultMonitorSchedule runs the expiry scan once an hour.
const DefaultMonitorSchedule = "@hourly"

// Monitor periodically scans the store and appends one "expiring" activity
// event the first time a certificate crosses the warning threshold. Status
// itself stays computed on read; the monitor only records the crossing.
type Monitor struct {
	engine *Engine
	cron   *cron.Cron
	log    *slog.Logger
}

// NewMonitor builds a Monitor with the given cron schedule expression.
func NewMonitor(e *Engine, schedule string, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		engine: e,
		cron:   cron.New(),
		log:    log.With("component", "expiry-monitor"),
	}
	if _, err := m.cron.AddFunc(schedule, m.scan); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the schedule. An immediate scan runs first so a restart
// does not wait a full period to notice already-expiring certificates.
func (m *Monitor) Start() {
	m.scan()
	m.cron.Start()
}

// Stop halts the schedule and waits for a running scan to finish.
func (m *Monitor) Stop(ctx context.Context) {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Scan runs one pass synchronously. Exposed for the CLI and tests.
func (m *Monitor) Scan() {
	m.scan()
}

func (m *Monitor) scan() {
	unlock := m.engine.store.RLock()
	defer unlock()

	certs, err := m.engine.store.ListCertificates()
	if err != nil {
		m.log.Error("expiry scan failed", "error", err)
		return
	}
	now := time.Now()
	warnDays := m.engine.warnDays()

	for _, cert := range certs {
		if cert.Status(now, warnDays) != store.StatusExpiring {
			continue
		}
		marker := cert.ExpiresAt.Format(time.RFC3339)
		if m.alreadyNotified(cert.Hostname, marker) {
			continue
		}
		days, _ := cert.DaysUntilExpiration(now)
		if err := m.engine.store.AppendActivity(cert.Hostname, store.EventExpiring, marker); err != nil {
			m.log.Error("recording expiry warning failed", "hostname", cert.Hostname, "error", err)
			continue
		}
		m.log.Warn("certificate expiring", "hostname", cert.Hostname, "days_left", days)
	}
}

// alreadyNotified reports whether an "expiring" event for this expiry date
// was already appended. Renewal replaces the expiry date, so the next
// certificate gets its own warning.
func (m *Monitor) alreadyNotified(hostname, marker string) bool {
	entries, err := m.engine.store.ListActivity(hostname)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.Event == store.EventExpiring && entry.Detail == marker {
			return true
		}
	}
	return false
}
