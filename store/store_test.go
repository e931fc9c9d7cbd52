package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/pki"
	"github.com/jmcleod/certkeeper/storage"
	"github.com/jmcleod/certkeeper/storage/memory"
	"github.com/jmcleod/certkeeper/store"
)

func validConfig() *store.Config {
	return &store.Config{
		OwnerEmail:          "ops@example.com",
		CAName:              "Example Internal CA",
		HostnameSuffix:      ".test.local",
		ValidityPeriodDays:  365,
		DefaultOrganization: "Acme",
		DefaultCity:         "NYC",
		DefaultState:        "NY",
		DefaultCountry:      "US",
		DefaultKeySize:      2048,
		ExpiryWarningDays:   30,
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := store.New(memory.NewRepository())

	_, err := s.GetConfig()
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutConfig(validConfig()))

	cfg, err := s.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, ".test.local", cfg.HostnameSuffix)
	assert.Equal(t, 365, cfg.ValidityPeriodDays)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Config)
	}{
		{"bad email", func(c *store.Config) { c.OwnerEmail = "not-an-email" }},
		{"missing ca name", func(c *store.Config) { c.CAName = "" }},
		{"suffix without dot", func(c *store.Config) { c.HostnameSuffix = "test.local" }},
		{"suffix single label", func(c *store.Config) { c.HostnameSuffix = ".local" }},
		{"suffix bad domain", func(c *store.Config) { c.HostnameSuffix = ".bad_!.local" }},
		{"validity too long", func(c *store.Config) { c.ValidityPeriodDays = 4000 }},
		{"validity zero", func(c *store.Config) { c.ValidityPeriodDays = 0 }},
		{"bad country", func(c *store.Config) { c.DefaultCountry = "XX" }},
		{"bad key size", func(c *store.Config) { c.DefaultKeySize = 1024 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())
}

func TestCertificateStatus(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	cert := &store.Certificate{Hostname: "web01.test.local", PendingCSR: "csr"}
	assert.Equal(t, store.StatusPending, cert.Status(now, 30))

	in90 := now.AddDate(0, 0, 90)
	cert = &store.Certificate{Hostname: "web01.test.local", CertificatePEM: "pem", ExpiresAt: &in90}
	assert.Equal(t, store.StatusActive, cert.Status(now, 30))

	days, ok := cert.DaysUntilExpiration(now)
	require.True(t, ok)
	assert.Equal(t, 90, days)

	in10 := now.AddDate(0, 0, 10)
	cert.ExpiresAt = &in10
	assert.Equal(t, store.StatusExpiring, cert.Status(now, 30))

	past := now.AddDate(0, 0, -1)
	cert.ExpiresAt = &past
	assert.Equal(t, store.StatusExpired, cert.Status(now, 30))

	days, ok = cert.DaysUntilExpiration(now)
	require.True(t, ok)
	assert.Equal(t, -1, days)
}

func TestCertificateStatus_FinalDayBoundary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// Inside the last 24 hours the whole-day count truncates to zero, but
	// the certificate is still valid until the actual expiry instant.
	inSixHours := now.Add(6 * time.Hour)
	cert := &store.Certificate{Hostname: "web01.test.local", CertificatePEM: "pem", ExpiresAt: &inSixHours}
	assert.Equal(t, store.StatusExpiring, cert.Status(now, 30))

	days, ok := cert.DaysUntilExpiration(now)
	require.True(t, ok)
	assert.Equal(t, 0, days)

	anHourAgo := now.Add(-time.Hour)
	cert.ExpiresAt = &anHourAgo
	assert.Equal(t, store.StatusExpired, cert.Status(now, 30))
}

func TestCertificateCRUD(t *testing.T) {
	s := store.New(memory.NewRepository())

	cert := &store.Certificate{
		Hostname:  "web01.test.local",
		Subject:   pki.SubjectFields{Organization: "Acme", City: "NYC", State: "NY", Country: "US"},
		SANs:      []string{"web01.test.local"},
		KeySize:   2048,
		CreatedAt: time.Now().UTC(),
		PendingCSR: "-----BEGIN CERTIFICATE REQUEST-----",
		PendingKey: &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte("123456789012"), Ciphertext: []byte("ct")},
	}
	require.NoError(t, s.PutCertificate(cert))

	loaded, err := s.GetCertificate("web01.test.local")
	require.NoError(t, err)
	assert.Equal(t, cert.PendingCSR, loaded.PendingCSR)
	assert.Equal(t, cert.PendingKey.Ciphertext, loaded.PendingKey.Ciphertext)

	certs, err := s.ListCertificates()
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	require.NoError(t, s.DeleteCertificate("web01.test.local"))
	_, err = s.GetCertificate("web01.test.local")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestActivityLog_AppendOnlyAndOrdered(t *testing.T) {
	s := store.New(memory.NewRepository())

	require.NoError(t, s.AppendActivity("web01.test.local", store.EventCreated, ""))
	require.NoError(t, s.AppendActivity("web01.test.local", store.EventCSRGenerated, "key_size=2048"))
	require.NoError(t, s.AppendActivity("web02.test.local", store.EventCreated, ""))

	entries, err := s.ListActivity("web01.test.local")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.EventCreated, entries[0].Event)
	assert.Equal(t, store.EventCSRGenerated, entries[1].Event)

	all, err := s.ListActivity("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestActivityLog_CorruptEntryFailsLoudly(t *testing.T) {
	repo := memory.NewRepository()
	s := store.New(repo)

	require.NoError(t, s.AppendActivity("web01.test.local", store.EventCreated, ""))
	require.NoError(t, repo.Put(storage.RecordTypeActivity, "zzzz-corrupt", []byte("{not json")))

	_, err := s.ListActivity("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zzzz-corrupt")
}

func TestLockHost_SerializesMutations(t *testing.T) {
	s := store.New(memory.NewRepository())

	unlock := s.LockHost("web01.test.local")
	acquired := make(chan struct{})
	go func() {
		u := s.LockHost("web01.test.local")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
