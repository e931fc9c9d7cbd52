package backup

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/internal/util"
	"github.com/jmcleod/certkeeper/storage/memory"
	"github.com/jmcleod/certkeeper/store"
	"github.com/jmcleod/certkeeper/vault"
)

func testKDFParams(t *testing.T) vault.Option {
	t.Helper()
	params, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return vault.WithKDFParams(params)
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *vault.Vault) {
	t.Helper()
	repo := memory.NewRepository()
	st := store.New(repo)
	v := vault.New(repo, testKDFParams(t))
	require.NoError(t, v.Initialize(t.Context(), "correct horse battery staple"))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := NewManager(t.TempDir(), st, v, log)
	require.NoError(t, err)
	return m, st, v
}

func seedCertificate(t *testing.T, st *store.Store, v *vault.Vault, hostname string) {
	t.Helper()
	env, err := v.Seal([]byte("fake key material"), []byte("key:"+hostname))
	require.NoError(t, err)
	expires := time.Now().Add(200 * 24 * time.Hour)
	require.NoError(t, st.PutCertificate(&store.Certificate{
		Hostname:       hostname,
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n",
		ActiveKey:      env,
		ExpiresAt:      &expires,
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, st.AppendActivity(hostname, store.EventCreated, ""))
}

func TestExportAndSummarize(t *testing.T) {
	m, st, v := newTestManager(t)

	require.NoError(t, st.PutConfig(&store.Config{
		OwnerEmail:          "ops@test.local",
		CAName:              "Test Lab CA",
		HostnameSuffix:      ".test.local",
		ValidityPeriodDays:  365,
		DefaultOrganization: "Test Lab",
		DefaultCity:         "Testville",
		DefaultState:        "TS",
		DefaultCountry:      "US",
		DefaultKeySize:      2048,
		ExpiryWarningDays:   30,
	}))
	seedCertificate(t, st, v, "web01.test.local")
	seedCertificate(t, st, v, "db01.test.local")

	snapshot, err := m.Export(t.Context(), KindManual, false)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, snapshot.SchemaVersion)
	assert.Equal(t, "Test Lab CA", snapshot.CAName)
	assert.Len(t, snapshot.Certificates, 2)
	assert.False(t, snapshot.HasEmbeddedKey())
	assert.NotEmpty(t, snapshot.KeyCheck)

	data, err := Encode(snapshot)
	require.NoError(t, err)
	summary, err := Summarize("manual-x.ckbackup", data)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CertificateCount)
	assert.Equal(t, []string{"db01.test.local", "web01.test.local"}, summary.Hostnames)
	assert.False(t, summary.HasEmbeddedKey)
	assert.True(t, summary.HasKeyCheck)
}

func TestExportEmbeddedKeyRequiresUnlock(t *testing.T) {
	m, _, v := newTestManager(t)

	v.Lock()
	_, err := m.Export(t.Context(), KindManual, true)
	require.ErrorIs(t, err, vault.ErrLocked)

	require.NoError(t, v.Unlock(t.Context(), "correct horse battery staple"))
	snapshot, err := m.Export(t.Context(), KindManual, true)
	require.NoError(t, err)
	assert.True(t, snapshot.HasEmbeddedKey())
}

func TestDecodeRejectsBadSnapshots(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = Decode([]byte(`{"schema_version":99,"certificates":[]}`))
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = Decode([]byte(`{"schema_version":1,"certificates":[{"hostname":"a.test"},{"hostname":"a.test"}]}`))
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	// Embedded key without a key check record to verify against.
	_, err = Decode([]byte(`{"schema_version":1,"certificates":[],"master_key":"` +
		"00000000000000000000000000000000000000000000000000000000000000ff" + `"}`))
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestWriteLocalListDelete(t *testing.T) {
	m, st, v := newTestManager(t)
	seedCertificate(t, st, v, "web01.test.local")

	info, err := m.WriteLocal(t.Context(), KindManual, false)
	require.NoError(t, err)
	assert.Contains(t, info.Name, "manual-")

	_, err = m.WriteLocal(t.Context(), KindAuto, false)
	require.NoError(t, err)

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	summary, err := m.PeekLocal(info.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CertificateCount)

	require.NoError(t, m.Delete(info.Name))
	infos, err = m.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	require.ErrorIs(t, m.Delete(info.Name), ErrBackupNotFound)
	require.ErrorIs(t, m.Delete("../escape.ckbackup"), ErrBackupNotFound)
}

func TestRestoreRoundTrip(t *testing.T) {
	m, st, v := newTestManager(t)
	seedCertificate(t, st, v, "web01.test.local")

	snapshot, err := m.Export(t.Context(), KindManual, true)
	require.NoError(t, err)
	data, err := Encode(snapshot)
	require.NoError(t, err)

	// Mutate state after the backup so the restore visibly rolls it back.
	seedCertificate(t, st, v, "new01.test.local")

	require.NoError(t, m.Restore(t.Context(), data))

	certs, err := st.ListCertificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "web01.test.local", certs[0].Hostname)

	// Embedded key snapshot leaves the vault unlocked and able to open the
	// restored ciphertexts.
	assert.True(t, v.IsUnlocked())
	plaintext, err := v.Open(certs[0].ActiveKey, []byte("key:web01.test.local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fake key material"), plaintext)

	// The restore itself took a safety backup.
	infos, err := m.List()
	require.NoError(t, err)
	found := false
	for _, info := range infos {
		if info.Kind == KindAuto {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRestoreWithoutEmbeddedKeyLocksVault(t *testing.T) {
	m, st, v := newTestManager(t)
	seedCertificate(t, st, v, "web01.test.local")

	snapshot, err := m.Export(t.Context(), KindManual, false)
	require.NoError(t, err)
	data, err := Encode(snapshot)
	require.NoError(t, err)

	require.NoError(t, m.Restore(t.Context(), data))
	assert.False(t, v.IsUnlocked())

	// The original passphrase still unlocks, since the key check round-tripped.
	require.NoError(t, v.Unlock(t.Context(), "correct horse battery staple"))
	cert, err := st.GetCertificate("web01.test.local")
	require.NoError(t, err)
	_, err = v.Open(cert.ActiveKey, []byte("key:web01.test.local"))
	require.NoError(t, err)
}

func TestRestoreInvalidSnapshotMutatesNothing(t *testing.T) {
	m, st, v := newTestManager(t)
	seedCertificate(t, st, v, "web01.test.local")

	err := m.Restore(t.Context(), []byte(`{"schema_version":42}`))
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	certs, err := st.ListCertificates()
	require.NoError(t, err)
	assert.Len(t, certs, 1)
	assert.True(t, v.IsUnlocked())

	// No safety backup either: validation failed before any mutation.
	infos, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
