// Package pki generates RSA key pairs and PKCS#10 certificate signing
// requests, and performs the parse/match checks behind the two-phase
// certificate upload. It is purely computational: keys it produces are handed
// to the vault for encryption before anything is persisted, and nothing in
// this package touches the store.
package pki

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// ErrInvalidKeySize is returned for key sizes outside {2048, 3072, 4096}.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidSubject is returned when required subject fields are missing
	// or malformed.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidSAN is returned when a SAN entry is neither a valid DNS name
	// nor a valid IP literal. The whole request fails; entries are never
	// silently dropped.
	ErrInvalidSAN = errors.New("invalid subject alternative name")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNotCSR is returned when a PEM block is not a certificate request.
	ErrNotCSR = errors.New("PEM block is not a certificate request")
)

// ValidKeySizes are the accepted RSA modulus sizes.
var ValidKeySizes = []int{2048, 3072, 4096}

// SubjectFields holds the distinguished-name components of a CSR subject.
type SubjectFields struct {
	Organization       string `json:"organization"`
	OrganizationalUnit string `json:"organizational_unit"`
	City               string `json:"city"`
	State              string `json:"state"`
	Country            string `json:"country"`
}

// SANType classifies a subject alternative name entry.
type SANType string

const (
	SANDNS SANType = "dns"
	SANIP  SANType = "ip"
)

// SAN is a classified subject alternative name.
type SAN struct {
	Value string
	Type  SANType
	IP    net.IP // set when Type == SANIP
}

var (
	countryRE  = regexp.MustCompile(`^[A-Z]{2}$`)
	dnsLabelRE = regexp.MustCompile(`^(\*|[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)$`)
)

// ValidKeySize reports whether size is an accepted RSA modulus size.
func ValidKeySize(size int) bool {
	for _, s := range ValidKeySizes {
		if s == size {
			return true
		}
	}
	return false
}

// ValidateSubject checks the required subject fields: organization, city and
// state must be non-empty, and country must be exactly two uppercase letters.
func ValidateSubject(subject SubjectFields) error {
	if strings.TrimSpace(subject.Organization) == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidSubject)
	}
	if strings.TrimSpace(subject.City) == "" {
		return fmt.Errorf("%w: city is required", ErrInvalidSubject)
	}
	if strings.TrimSpace(subject.State) == "" {
		return fmt.Errorf("%w: state is required", ErrInvalidSubject)
	}
	if !countryRE.MatchString(subject.Country) {
		return fmt.Errorf("%w: country must be a two-letter uppercase ISO-3166 code", ErrInvalidSubject)
	}
	return nil
}

// ValidDNSName reports whether name is a syntactically valid DNS hostname.
// A single leading wildcard label is allowed.
func ValidDNSName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	for i, label := range labels {
		if !dnsLabelRE.MatchString(label) {
			return false
		}
		if label == "*" && i != 0 {
			return false
		}
	}
	return true
}

// looksLikeIP reports whether a SAN entry was evidently intended as an IP
// literal: anything containing a colon, or consisting only of digits and
// dots. Such entries must parse as real addresses or the request fails.
func looksLikeIP(s string) bool {
	if strings.Contains(s, ":") {
		return true
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return len(s) > 0
}

// ClassifySANs normalizes a SAN list: the hostname is always first,
// duplicates collapse preserving first-seen order, and every entry is
// classified as DNS or IP. A malformed entry fails the whole list.
func ClassifySANs(hostname string, sans []string) ([]SAN, error) {
	if !ValidDNSName(hostname) {
		return nil, fmt.Errorf("%w: hostname %q is not a valid DNS name", ErrInvalidSAN, hostname)
	}

	seen := map[string]bool{hostname: true}
	result := []SAN{{Value: hostname, Type: SANDNS}}

	for _, entry := range sans {
		entry = strings.TrimSpace(entry)
		if entry == "" || seen[entry] {
			continue
		}
		seen[entry] = true

		if ip := net.ParseIP(entry); ip != nil {
			result = append(result, SAN{Value: entry, Type: SANIP, IP: ip})
			continue
		}
		if looksLikeIP(entry) {
			return nil, fmt.Errorf("%w: %q is not a valid IP literal", ErrInvalidSAN, entry)
		}
		if !ValidDNSName(entry) {
			return nil, fmt.Errorf("%w: %q is not a valid DNS name", ErrInvalidSAN, entry)
		}
		result = append(result, SAN{Value: entry, Type: SANDNS})
	}
	return result, nil
}
