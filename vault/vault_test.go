package vault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/internal/util"
	"github.com/jmcleod/certkeeper/storage"
	"github.com/jmcleod/certkeeper/storage/memory"
	"github.com/jmcleod/certkeeper/vault"
)

func testKDFParams(t *testing.T) vault.Option {
	t.Helper()
	params, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return vault.WithKDFParams(params)
}

func newInitializedVault(t *testing.T, key string) (*vault.Vault, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	v := vault.New(repo, testKDFParams(t))
	require.NoError(t, v.Initialize(t.Context(), key))
	return v, repo
}

func TestInitialize_UnlocksAndPersistsCheck(t *testing.T) {
	v, _ := newInitializedVault(t, "correct horse battery staple")
	assert.True(t, v.IsUnlocked())
	assert.True(t, v.Initialized())
}

func TestInitialize_Twice(t *testing.T) {
	v, _ := newInitializedVault(t, "key-one")
	err := v.Initialize(t.Context(), "key-two")
	assert.ErrorIs(t, err, vault.ErrAlreadyInitialized)
}

func TestUnlock_CorrectAndWrongKey(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")
	v.Lock()
	assert.False(t, v.IsUnlocked())

	err := v.Unlock(t.Context(), "wrong-key")
	assert.ErrorIs(t, err, vault.ErrInvalidKey)
	assert.False(t, v.IsUnlocked())

	require.NoError(t, v.Unlock(t.Context(), "master-key"))
	assert.True(t, v.IsUnlocked())
}

func TestUnlock_Uninitialized_SameErrorAsWrongKey(t *testing.T) {
	v := vault.New(memory.NewRepository(), testKDFParams(t))
	err := v.Unlock(t.Context(), "any-key")
	// No oracle: a missing key check reads exactly like a wrong key.
	assert.ErrorIs(t, err, vault.ErrInvalidKey)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")

	env, err := v.Seal([]byte("private key material"), []byte("key:web01.test.local"))
	require.NoError(t, err)

	plaintext, err := v.Open(env, []byte("key:web01.test.local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("private key material"), plaintext)
}

func TestSealOpen_Locked(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")
	env, err := v.Seal([]byte("data"), nil)
	require.NoError(t, err)

	v.Lock()

	_, err = v.Seal([]byte("data"), nil)
	assert.ErrorIs(t, err, vault.ErrLocked)
	_, err = v.Open(env, nil)
	assert.ErrorIs(t, err, vault.ErrLocked)

	// Unlock restores access to previously sealed material.
	require.NoError(t, v.Unlock(t.Context(), "master-key"))
	plaintext, err := v.Open(env, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), plaintext)
}

func TestExportAdoptRoot(t *testing.T) {
	v, repo := newInitializedVault(t, "master-key")

	root, err := v.ExportRoot()
	require.NoError(t, err)
	require.Len(t, root, 32)

	env, err := v.Seal([]byte("data"), nil)
	require.NoError(t, err)

	// A second vault over the same repository can adopt the exported root.
	v2 := vault.New(repo, testKDFParams(t))
	require.NoError(t, v2.AdoptRoot(root))
	assert.True(t, v2.IsUnlocked())

	plaintext, err := v2.Open(env, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), plaintext)
}

func TestAdoptRoot_WrongKey(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")
	err := v.AdoptRoot(make([]byte, 32))
	assert.ErrorIs(t, err, vault.ErrInvalidKey)
}

func TestExportRoot_Locked(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")
	v.Lock()
	_, err := v.ExportRoot()
	assert.ErrorIs(t, err, vault.ErrLocked)
}

func TestChangeKey_RewrapsAndInvalidatesOldKey(t *testing.T) {
	v, _ := newInitializedVault(t, "old-key")

	env, err := v.Seal([]byte("rsa key bytes"), []byte("key:web01.test.local"))
	require.NoError(t, err)

	stored := env
	err = v.ChangeKey(t.Context(), "old-key", "new-key", func(tx storage.BatchTx, rewrap vault.RewrapFunc) error {
		newEnv, err := rewrap(stored, []byte("key:web01.test.local"))
		if err != nil {
			return err
		}
		stored = newEnv
		return nil
	})
	require.NoError(t, err)

	// New ciphertext opens under the held (new) key.
	plaintext, err := v.Open(stored, []byte("key:web01.test.local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rsa key bytes"), plaintext)

	// Old key no longer unlocks.
	v.Lock()
	assert.ErrorIs(t, v.Unlock(t.Context(), "old-key"), vault.ErrInvalidKey)
	require.NoError(t, v.Unlock(t.Context(), "new-key"))
}

func TestChangeKey_InvalidOldKey(t *testing.T) {
	v, _ := newInitializedVault(t, "master-key")
	err := v.ChangeKey(t.Context(), "wrong-old", "new-key", func(tx storage.BatchTx, rewrap vault.RewrapFunc) error {
		return nil
	})
	assert.ErrorIs(t, err, vault.ErrInvalidOldKey)
}

func TestChangeKey_RollbackOnRewrapFailure(t *testing.T) {
	v, _ := newInitializedVault(t, "old-key")

	env, err := v.Seal([]byte("rsa key bytes"), []byte("key:web01.test.local"))
	require.NoError(t, err)

	// A corrupted envelope makes rewrap fail; the whole change must roll back.
	corrupt := env.Clone()
	corrupt.Ciphertext[0] ^= 0xff

	err = v.ChangeKey(t.Context(), "old-key", "new-key", func(tx storage.BatchTx, rewrap vault.RewrapFunc) error {
		_, err := rewrap(corrupt, []byte("key:web01.test.local"))
		return err
	})
	require.Error(t, err)

	// Old key still works; original ciphertext still opens.
	v.Lock()
	require.NoError(t, v.Unlock(t.Context(), "old-key"))
	plaintext, err := v.Open(env, []byte("key:web01.test.local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rsa key bytes"), plaintext)

	// New key was never committed.
	v.Lock()
	assert.ErrorIs(t, v.Unlock(t.Context(), "new-key"), vault.ErrInvalidKey)
}
