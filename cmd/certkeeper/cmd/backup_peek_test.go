package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/backup"
	"github.com/jmcleod/certkeeper/store"
)

func writeTestBackup(t *testing.T) string {
	t.Helper()
	snapshot := &backup.Snapshot{
		SchemaVersion: backup.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Kind:          backup.KindManual,
		CAName:        "Test Lab CA",
		Certificates: []*store.Certificate{
			{Hostname: "web01.test.local"},
			{Hostname: "db01.test.local"},
		},
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manual-20260101-120000.ckbackup")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestBackupPeekCommand(t *testing.T) {
	path := writeTestBackup(t)

	rootCmd.SetArgs([]string{"backup", "peek", "--json", path})
	err := rootCmd.Execute()
	assert.NoError(t, err)
}

func TestBackupPeekCommand_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ckbackup")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	rootCmd.SetArgs([]string{"backup", "peek", path})
	err := rootCmd.Execute()
	assert.ErrorIs(t, err, backup.ErrInvalidSnapshot)
}
