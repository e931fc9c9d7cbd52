package pki

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"
)

// Details holds the fields extracted from a parsed x509 certificate,
// as shown to the caller during upload preview.
type Details struct {
	SubjectCN         string    `json:"subject_cn"`
	IssuerCN          string    `json:"issuer_cn"`
	IssuerO           string    `json:"issuer_o"`
	SerialNumber      string    `json:"serial_number"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	KeySize           int       `json:"key_size"`
	SANs              []string  `json:"sans"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
}

// ParseCertificatePEM decodes a PEM certificate and extracts its details.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, *Details, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	fingerprint := sha256.Sum256(block.Bytes)

	sans := append([]string(nil), cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}

	issuerO := ""
	if len(cert.Issuer.Organization) > 0 {
		issuerO = cert.Issuer.Organization[0]
	}

	keySize := 0
	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
		keySize = pub.N.BitLen()
	}

	return cert, &Details{
		SubjectCN:         cert.Subject.CommonName,
		IssuerCN:          cert.Issuer.CommonName,
		IssuerO:           issuerO,
		SerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		KeySize:           keySize,
		SANs:              sans,
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
	}, nil
}

// ParseCSRPEM decodes a PEM certificate request and verifies its signature.
func ParseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if block.Type != "CERTIFICATE REQUEST" {
		return nil, ErrNotCSR
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}
	return csr, nil
}

// ParsePrivateKeyPEM decodes an RSA private key in PKCS#1 or PKCS#8 form.
func ParsePrivateKeyPEM(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidPEM)
	}
	return key, nil
}

func publicKeysEqual(a crypto.PublicKey, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}

// MatchCSR reports whether the certificate's public key matches the CSR's.
func MatchCSR(cert *x509.Certificate, csrPEM string) (bool, error) {
	csr, err := ParseCSRPEM(csrPEM)
	if err != nil {
		return false, err
	}
	return publicKeysEqual(cert.PublicKey, csr.PublicKey), nil
}

// MatchKey reports whether the certificate's public key matches the private key.
func MatchKey(cert *x509.Certificate, keyPEM string) (bool, error) {
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return false, err
	}
	return publicKeysEqual(cert.PublicKey, key.Public()), nil
}
