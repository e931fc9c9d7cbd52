package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/certkeeper/backup"
	"github.com/jmcleod/certkeeper/engine"
	"github.com/jmcleod/certkeeper/pki"
	"github.com/jmcleod/certkeeper/storage"
	"github.com/jmcleod/certkeeper/store"
	"github.com/jmcleod/certkeeper/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates typed engine errors into the HTTP taxonomy. Field
// level validation failures carry their fields so the UI can surface them
// one by one.
func mapError(w http.ResponseWriter, err error) {
	var verr *store.ConfigValidationError
	if errors.As(err, &verr) {
		fields := make([]ErrorField, len(verr.Fields))
		for i, f := range verr.Fields {
			fields[i] = ErrorField{Field: f.Field, Reason: f.Reason}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid configuration", Fields: fields})
		return
	}

	switch {
	case errors.Is(err, pki.ErrInvalidKeySize),
		errors.Is(err, pki.ErrInvalidSubject),
		errors.Is(err, pki.ErrInvalidSAN),
		errors.Is(err, pki.ErrInvalidPEM),
		errors.Is(err, pki.ErrNotCSR),
		errors.Is(err, engine.ErrSuffixPolicy),
		errors.Is(err, backup.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrInvalidKey), errors.Is(err, vault.ErrInvalidOldKey):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrCertificateNotFound),
		errors.Is(err, engine.ErrNotConfigured),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDuplicateHostname),
		errors.Is(err, engine.ErrAlreadyConfigured),
		errors.Is(err, engine.ErrRenewalInProgress),
		errors.Is(err, engine.ErrGenerationInFlight),
		errors.Is(err, engine.ErrNoPendingCSR),
		errors.Is(err, engine.ErrNotActive),
		errors.Is(err, vault.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, vault.ErrLocked):
		writeError(w, http.StatusLocked, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
