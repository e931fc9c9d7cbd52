package api

// ErrorResponse is the JSON body for all error statuses.
type ErrorResponse struct {
	Error  string `json:"error"`
	Fields []ErrorField `json:"fields,omitempty"`
}

// ErrorField carries one field-level validation failure.
type ErrorField struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// StatusResponse reports the overall application state for the UI's
// first-run and limited-mode branches.
type StatusResponse struct {
	Configured       bool `json:"configured"`
	VaultInitialized bool `json:"vault_initialized"`
	VaultUnlocked    bool `json:"vault_unlocked"`
}

// SetupRequest creates the configuration and optionally sets the master
// key in the same first-run step.
type SetupRequest struct {
	Config    configPayload `json:"config"`
	MasterKey string        `json:"master_key,omitempty"`
}

// configPayload mirrors store.Config for requests; aliased here so the
// wire format stays decoupled from the persisted struct.
type configPayload struct {
	OwnerEmail                string `json:"owner_email"`
	CAName                    string `json:"ca_name"`
	HostnameSuffix            string `json:"hostname_suffix"`
	ValidityPeriodDays        int    `json:"validity_period_days"`
	DefaultOrganization       string `json:"default_organization"`
	DefaultOrganizationalUnit string `json:"default_organizational_unit"`
	DefaultCity               string `json:"default_city"`
	DefaultState              string `json:"default_state"`
	DefaultCountry            string `json:"default_country"`
	DefaultKeySize            int    `json:"default_key_size"`
	ExpiryWarningDays         int    `json:"expiry_warning_days"`
}

// KeyRequest carries a master key for vault setup and unlock.
type KeyRequest struct {
	Key string `json:"key"`
}

// ChangeKeyRequest carries both keys for a master key rotation.
type ChangeKeyRequest struct {
	OldKey string `json:"old_key"`
	NewKey string `json:"new_key"`
}

// VaultStatusResponse reports vault state.
type VaultStatusResponse struct {
	Initialized bool `json:"initialized"`
	Unlocked    bool `json:"unlocked"`
}

// CertificatePEMRequest carries a PEM certificate for preview and upload.
type CertificatePEMRequest struct {
	CertificatePEM string `json:"certificate_pem"`
}

// ReadOnlyRequest toggles the read-only flag.
type ReadOnlyRequest struct {
	ReadOnly bool `json:"read_only"`
}

// PrivateKeyResponse returns a decrypted private key PEM.
type PrivateKeyResponse struct {
	Hostname      string `json:"hostname"`
	PrivateKeyPEM string `json:"private_key_pem"`
}

// BackupCreateRequest controls manual backup creation.
type BackupCreateRequest struct {
	EmbedKey bool `json:"embed_key"`
}

// OKResponse is the generic success body for mutations with no payload.
type OKResponse struct {
	OK bool `json:"ok"`
}
