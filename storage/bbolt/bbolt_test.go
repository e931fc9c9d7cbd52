package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "certkeeper.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("CERT", "web01.test.local", []byte(`{"hostname":"web01.test.local"}`)))

	data, err := s.Get("CERT", "web01.test.local")
	require.NoError(t, err)
	assert.Contains(t, string(data), "web01.test.local")

	require.NoError(t, s.Delete("CERT", "web01.test.local"))
	_, err = s.Get("CERT", "web01.test.local")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList_KeyOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("ACTIVITY", "00000000000000000002-b", []byte("{}")))
	require.NoError(t, s.Put("ACTIVITY", "00000000000000000001-a", []byte("{}")))
	require.NoError(t, s.Put("CERT", "web01.test.local", []byte("{}")))

	ids, err := s.List("ACTIVITY")
	require.NoError(t, err)
	assert.Equal(t, []string{"00000000000000000001-a", "00000000000000000002-b"}, ids)
}

func TestBatch_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("CERT", "keep.test.local", []byte("{}")))

	sentinel := errors.New("boom")
	err := s.Batch(func(tx storage.BatchTx) error {
		if err := tx.DeleteAll("CERT"); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = s.Get("CERT", "keep.test.local")
	require.NoError(t, err)
}

func TestBatch_DeleteAllThenRepopulate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("CERT", "a.test.local", []byte("{}")))
	require.NoError(t, s.Put("CERT", "b.test.local", []byte("{}")))
	require.NoError(t, s.Put("CONFIG", "current", []byte("{}")))

	err := s.Batch(func(tx storage.BatchTx) error {
		if err := tx.DeleteAll("CERT"); err != nil {
			return err
		}
		return tx.Put("CERT", "c.test.local", []byte("{}"))
	})
	require.NoError(t, err)

	ids, err := s.List("CERT")
	require.NoError(t, err)
	assert.Equal(t, []string{"c.test.local"}, ids)

	// Other record types untouched.
	_, err = s.Get("CONFIG", "current")
	require.NoError(t, err)
}
