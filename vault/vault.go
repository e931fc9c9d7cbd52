// Package vault holds the master encryption key for certkeeper's private-key
// custody. The key is zero-knowledge at rest: only a KDF salt and an HKDF
// verifier of the derived root key are persisted. While unlocked, the root
// key lives in a memguard enclave; Lock purges it, after which no decryption
// can succeed until the next Unlock.
package vault

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/certkeeper/internal/util"
	"github.com/jmcleod/certkeeper/storage"
)

const saltLength = 16

var (
	infoVerify  = []byte("certkeeper:verify:v1")
	infoEncrypt = []byte("certkeeper:encrypt:v1")
)

// KeyCheck is the persisted validation artifact for the master key. It never
// contains key material, only the salt and a verifier derived from the root
// key through a branch of HKDF that is independent of the encryption branch.
type KeyCheck struct {
	Ver       int                 `json:"ver"`
	Salt      []byte              `json:"salt"`
	Params    util.Argon2idParams `json:"params"`
	Verifier  []byte              `json:"verifier"`
	CreatedAt time.Time           `json:"created_at"`
}

// RewrapFunc re-encrypts a single sealed envelope from the old master key to
// the new one. It is handed to the ChangeKey callback so the caller can walk
// every stored private key inside the same transaction.
type RewrapFunc func(env *storage.Envelope, aad []byte) (*storage.Envelope, error)

// Vault is the in-memory holder of the decrypted master key.
type Vault struct {
	repo   storage.Repository
	params util.Argon2idParams

	mu   sync.Mutex
	root *memguard.Enclave // nil while locked
}

// Option configures a Vault.
type Option func(*Vault)

// WithKDFParams sets the argon2id cost used when a key check is created,
// either at first initialization or on a key change. Unlock always uses the
// parameters stored alongside the existing check.
func WithKDFParams(params util.Argon2idParams) Option {
	return func(v *Vault) {
		v.params = params
	}
}

// New creates a locked Vault over the given repository.
func New(repo storage.Repository, opts ...Option) *Vault {
	v := &Vault{repo: repo, params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) loadKeyCheck() (*KeyCheck, error) {
	data, err := v.repo.Get(storage.RecordTypeKeyCheck, storage.RecordIDCurrent)
	if err != nil {
		return nil, err
	}
	var kc KeyCheck
	if err := json.Unmarshal(data, &kc); err != nil {
		return nil, fmt.Errorf("decoding key check: %w", err)
	}
	return &kc, nil
}

func newKeyCheck(masterKey string, params util.Argon2idParams) (*KeyCheck, []byte, error) {
	salt, err := util.RandomBytes(saltLength)
	if err != nil {
		return nil, nil, err
	}
	root, err := util.DeriveArgon2idKey(util.Normalize(masterKey), salt, params)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := util.HKDF(root, salt, infoVerify)
	if err != nil {
		util.WipeBytes(root)
		return nil, nil, err
	}
	kc := &KeyCheck{
		Ver:       1,
		Salt:      salt,
		Params:    params,
		Verifier:  verifier,
		CreatedAt: time.Now().UTC(),
	}
	return kc, root, nil
}

// deriveRoot derives the root key for a candidate master key against the
// stored check record and reports whether it verifies. The comparison is
// constant time.
func deriveRoot(candidate string, kc *KeyCheck) ([]byte, bool, error) {
	root, err := util.DeriveArgon2idKey(util.Normalize(candidate), kc.Salt, kc.Params)
	if err != nil {
		return nil, false, err
	}
	verifier, err := util.HKDF(root, kc.Salt, infoVerify)
	if err != nil {
		util.WipeBytes(root)
		return nil, false, err
	}
	if subtle.ConstantTimeCompare(verifier, kc.Verifier) != 1 {
		util.WipeBytes(root)
		return nil, false, nil
	}
	return root, true, nil
}

// Initialized reports whether a key-check record exists.
func (v *Vault) Initialized() bool {
	_, err := v.repo.Get(storage.RecordTypeKeyCheck, storage.RecordIDCurrent)
	return err == nil
}

// Initialize sets the master key for a vault that has never had one. The
// vault is left unlocked on success.
func (v *Vault) Initialize(ctx context.Context, masterKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Initialized() {
		return ErrAlreadyInitialized
	}
	kc, root, err := newKeyCheck(masterKey, v.params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(kc)
	if err != nil {
		util.WipeBytes(root)
		return err
	}
	if err := v.repo.Put(storage.RecordTypeKeyCheck, storage.RecordIDCurrent, data); err != nil {
		util.WipeBytes(root)
		return fmt.Errorf("storing key check: %w", err)
	}
	v.root = memguard.NewEnclave(root)
	return nil
}

// Unlock verifies the candidate key and, on success, holds the derived root
// key in memory for the session. Failure leaves the vault locked; the error
// does not reveal whether a key exists at all.
func (v *Vault) Unlock(ctx context.Context, candidate string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	kc, err := v.loadKeyCheck()
	if err != nil {
		return ErrInvalidKey
	}
	root, ok, err := deriveRoot(candidate, kc)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidKey
	}
	if v.root == nil {
		v.root = memguard.NewEnclave(root)
	} else {
		// A concurrent unlock already won; this attempt verified the same
		// key, so the held material is equivalent.
		util.WipeBytes(root)
	}
	return nil
}

// Lock purges the in-memory key. After Lock returns, no decryption operation
// can succeed until the next Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.root = nil
}

// IsUnlocked reports whether the master key is currently held in memory.
func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.root != nil
}

// withEncKey runs fn with the encryption key derived from the held root key.
// The key is wiped before withEncKey returns.
func (v *Vault) withEncKey(fn func(encKey []byte) error) error {
	v.mu.Lock()
	enclave := v.root
	v.mu.Unlock()
	if enclave == nil {
		return ErrLocked
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	kc, err := v.loadKeyCheck()
	if err != nil {
		return fmt.Errorf("loading key check: %w", err)
	}
	encKey, err := util.HKDF(buf.Bytes(), kc.Salt, infoEncrypt)
	if err != nil {
		return err
	}
	defer util.WipeBytes(encKey)

	return fn(encKey)
}

// Seal encrypts plaintext under the master key. Fails with ErrLocked while
// the vault holds no key.
func (v *Vault) Seal(plaintext, aad []byte) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := v.withEncKey(func(encKey []byte) error {
		var err error
		env, err = storage.Seal(encKey, plaintext, aad)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Open decrypts a sealed envelope under the master key. Fails with ErrLocked
// while the vault holds no key.
func (v *Vault) Open(env *storage.Envelope, aad []byte) ([]byte, error) {
	var plaintext []byte
	err := v.withEncKey(func(encKey []byte) error {
		var err error
		plaintext, err = storage.Open(encKey, env, aad)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ExportRoot returns a copy of the raw root key for embedding into a
// self-contained backup. Fails with ErrLocked while the vault holds no key.
func (v *Vault) ExportRoot() ([]byte, error) {
	v.mu.Lock()
	enclave := v.root
	v.mu.Unlock()
	if enclave == nil {
		return nil, ErrLocked
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

// CheckRoot verifies a raw root key against an encoded key-check record
// without touching vault state. Restore uses it to validate an embedded key
// before committing anything.
func CheckRoot(keyCheckData, root []byte) error {
	var kc KeyCheck
	if err := json.Unmarshal(keyCheckData, &kc); err != nil {
		return ErrInvalidKey
	}
	verifier, err := util.HKDF(root, kc.Salt, infoVerify)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(verifier, kc.Verifier) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// AdoptRoot verifies a raw root key against the current key-check record and
// unlocks the vault with it. Used when restoring a backup with an embedded
// key. The input slice is wiped on failure and consumed on success.
func (v *Vault) AdoptRoot(root []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := v.repo.Get(storage.RecordTypeKeyCheck, storage.RecordIDCurrent)
	if err != nil {
		util.WipeBytes(root)
		return ErrInvalidKey
	}
	if err := CheckRoot(data, root); err != nil {
		util.WipeBytes(root)
		return err
	}
	v.root = memguard.NewEnclave(root)
	return nil
}

// ExportKeyCheck returns the raw key-check record for inclusion in a backup
// snapshot. It contains no key material.
func (v *Vault) ExportKeyCheck() ([]byte, error) {
	return v.repo.Get(storage.RecordTypeKeyCheck, storage.RecordIDCurrent)
}

// ChangeKey re-keys the vault. It verifies oldKey, derives fresh key
// material for newKey, and runs rewrapAll inside one storage transaction:
// the callback must re-encrypt every stored envelope through the provided
// RewrapFunc. Any failure rolls the whole transaction back, leaving the
// original ciphertexts valid under oldKey.
func (v *Vault) ChangeKey(ctx context.Context, oldKey, newKey string, rewrapAll func(tx storage.BatchTx, rewrap RewrapFunc) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	kc, err := v.loadKeyCheck()
	if err != nil {
		return ErrInvalidOldKey
	}
	oldRoot, ok, err := deriveRoot(oldKey, kc)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOldKey
	}
	defer util.WipeBytes(oldRoot)

	oldEnc, err := util.HKDF(oldRoot, kc.Salt, infoEncrypt)
	if err != nil {
		return err
	}
	defer util.WipeBytes(oldEnc)

	newCheck, newRoot, err := newKeyCheck(newKey, v.params)
	if err != nil {
		return err
	}
	newEnc, err := util.HKDF(newRoot, newCheck.Salt, infoEncrypt)
	if err != nil {
		util.WipeBytes(newRoot)
		return err
	}
	defer util.WipeBytes(newEnc)

	checkData, err := json.Marshal(newCheck)
	if err != nil {
		util.WipeBytes(newRoot)
		return err
	}

	rewrap := func(env *storage.Envelope, aad []byte) (*storage.Envelope, error) {
		plaintext, err := storage.Open(oldEnc, env, aad)
		if err != nil {
			return nil, fmt.Errorf("opening envelope under old key: %w", err)
		}
		defer util.WipeBytes(plaintext)
		return storage.Seal(newEnc, plaintext, aad)
	}

	err = v.repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(storage.RecordTypeKeyCheck, storage.RecordIDCurrent, checkData); err != nil {
			return err
		}
		return rewrapAll(tx, rewrap)
	})
	if err != nil {
		util.WipeBytes(newRoot)
		return err
	}

	v.root = memguard.NewEnclave(newRoot)
	return nil
}
