package vault

import "errors"

var (
	// ErrLocked indicates a decryption-dependent operation was attempted
	// while the vault holds no master key. Callers surface this distinctly
	// so a UI can prompt for unlock instead of reporting data corruption.
	ErrLocked = errors.New("vault is locked")

	// ErrInvalidKey indicates the supplied master key failed verification.
	// It is deliberately uninformative: the same error covers both a wrong
	// key and a vault that has no key set, to avoid an existence oracle.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidOldKey indicates the old key supplied to ChangeKey failed
	// verification.
	ErrInvalidOldKey = errors.New("invalid old encryption key")

	// ErrAlreadyInitialized indicates Initialize was called on a vault that
	// already has a key-check record.
	ErrAlreadyInitialized = errors.New("vault is already initialized")
)
