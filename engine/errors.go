package engine

import "errors"

var (
	// ErrNotConfigured is returned by operations that need the configuration
	// singleton before first-run setup has happened.
	ErrNotConfigured = errors.New("configuration not set up")

	// ErrAlreadyConfigured is returned by SetupConfig when configuration
	// already exists. UpdateConfig is the mutation path after setup.
	ErrAlreadyConfigured = errors.New("configuration already exists")

	// ErrCertificateNotFound is returned when no record exists for a hostname.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrDuplicateHostname is returned by a non-renewal GenerateCSR when the
	// hostname already has a record.
	ErrDuplicateHostname = errors.New("hostname already exists")

	// ErrSuffixPolicy is returned when a hostname does not end with the
	// configured suffix and no bypass was authorized.
	ErrSuffixPolicy = errors.New("hostname does not match configured suffix")

	// ErrReadOnly is returned when a mutating operation hits a record with
	// the read-only flag set.
	ErrReadOnly = errors.New("certificate is read-only")

	// ErrRenewalInProgress is returned by GenerateCSR when a pending renewal
	// already rides alongside the active certificate. Cancel it first.
	ErrRenewalInProgress = errors.New("renewal already in progress")

	// ErrNoPendingCSR is returned by upload and cancel operations when the
	// record has no pending CSR to act on.
	ErrNoPendingCSR = errors.New("no pending certificate request")

	// ErrMismatch is returned by UploadCertificate when the certificate does
	// not cryptographically match the pending CSR or private key.
	ErrMismatch = errors.New("certificate does not match pending request")

	// ErrGenerationInFlight is returned when key generation for a hostname
	// is already running.
	ErrGenerationInFlight = errors.New("key generation already in progress")

	// ErrNotActive is returned by a renewal GenerateCSR when the record has
	// no active certificate to renew.
	ErrNotActive = errors.New("certificate has no active slot to renew")
)
