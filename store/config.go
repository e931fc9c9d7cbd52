package store

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jmcleod/certkeeper/pki"
)

// Config is the CA-wide configuration singleton. Created once at setup,
// mutated through admin edit, removed only by a full reset.
type Config struct {
	OwnerEmail                string `json:"owner_email" validate:"required,email"`
	CAName                    string `json:"ca_name" validate:"required"`
	HostnameSuffix            string `json:"hostname_suffix" validate:"required"`
	ValidityPeriodDays        int    `json:"validity_period_days" validate:"required,min=1,max=3650"`
	DefaultOrganization       string `json:"default_organization" validate:"required"`
	DefaultOrganizationalUnit string `json:"default_organizational_unit"`
	DefaultCity               string `json:"default_city" validate:"required"`
	DefaultState              string `json:"default_state" validate:"required"`
	DefaultCountry            string `json:"default_country" validate:"required,iso3166_1_alpha2"`
	DefaultKeySize            int    `json:"default_key_size" validate:"required,oneof=2048 3072 4096"`
	ExpiryWarningDays         int    `json:"expiry_warning_days" validate:"required,min=1,max=365"`
}

// DefaultExpiryWarningDays is applied when setup does not specify a
// threshold for the "expiring" status.
const DefaultExpiryWarningDays = 30

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes a single invalid configuration field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ConfigValidationError carries per-field failures so the caller can surface
// them field by field.
type ConfigValidationError struct {
	Fields []FieldError
}

func (e *ConfigValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks all configuration fields. The hostname suffix must start
// with a dot and name a multi-label domain (for example ".internal.example").
func (c *Config) Validate() error {
	var fields []FieldError

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				fields = append(fields, FieldError{
					Field:  fe.Field(),
					Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			return err
		}
	}

	if c.HostnameSuffix != "" {
		if reason, ok := checkHostnameSuffix(c.HostnameSuffix); !ok {
			fields = append(fields, FieldError{Field: "HostnameSuffix", Reason: reason})
		}
	}

	if len(fields) > 0 {
		return &ConfigValidationError{Fields: fields}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func checkHostnameSuffix(suffix string) (string, bool) {
	if !strings.HasPrefix(suffix, ".") {
		return "must start with a dot", false
	}
	domain := suffix[1:]
	if !strings.Contains(domain, ".") {
		return "must contain at least two labels", false
	}
	if !pki.ValidDNSName(domain) {
		return "is not a valid domain", false
	}
	return "", true
}
