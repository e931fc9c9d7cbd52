package pki_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certkeeper/pki"
)

func testSubject() pki.SubjectFields {
	return pki.SubjectFields{
		Organization:       "Acme",
		OrganizationalUnit: "Platform",
		City:               "NYC",
		State:              "NY",
		Country:            "US",
	}
}

// signFromCSR issues a self-consistent certificate for the CSR's public key,
// signed by a throwaway test CA.
func signFromCSR(t *testing.T, csrPEM string, validityDays int) string {
	t.Helper()

	csr, err := pki.ParseCSRPEM(csrPEM)
	require.NoError(t, err)

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now().UTC()
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA", Organization: []string{"TestOrg"}},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, validityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, csr.PublicKey, caKey)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}))
}

func TestGenerate(t *testing.T) {
	res, err := pki.Generate(t.Context(), pki.Request{
		Hostname: "web01.test.local",
		Subject:  testSubject(),
		SANs:     []string{"web01-alt.test.local", "10.0.0.5"},
		KeySize:  2048,
	})
	require.NoError(t, err)

	assert.Contains(t, res.PrivateKeyPEM, "BEGIN RSA PRIVATE KEY")
	assert.Contains(t, res.CSRPEM, "BEGIN CERTIFICATE REQUEST")

	csr, err := pki.ParseCSRPEM(res.CSRPEM)
	require.NoError(t, err)
	assert.Equal(t, "web01.test.local", csr.Subject.CommonName)
	assert.Equal(t, []string{"Acme"}, csr.Subject.Organization)
	assert.Equal(t, []string{"NYC"}, csr.Subject.Locality)
	assert.Equal(t, []string{"web01.test.local", "web01-alt.test.local"}, csr.DNSNames)
	require.Len(t, csr.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", csr.IPAddresses[0].String())

	// Hostname is always SAN[0].
	require.NotEmpty(t, res.SANs)
	assert.Equal(t, "web01.test.local", res.SANs[0].Value)
	assert.Equal(t, pki.SANDNS, res.SANs[0].Type)
}

func TestGenerate_InvalidKeySize(t *testing.T) {
	_, err := pki.Generate(t.Context(), pki.Request{
		Hostname: "web01.test.local",
		Subject:  testSubject(),
		KeySize:  1024,
	})
	assert.ErrorIs(t, err, pki.ErrInvalidKeySize)
}

func TestGenerate_SubjectValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*pki.SubjectFields)
	}{
		{"missing organization", func(s *pki.SubjectFields) { s.Organization = "" }},
		{"missing city", func(s *pki.SubjectFields) { s.City = " " }},
		{"missing state", func(s *pki.SubjectFields) { s.State = "" }},
		{"lowercase country", func(s *pki.SubjectFields) { s.Country = "us" }},
		{"long country", func(s *pki.SubjectFields) { s.Country = "USA" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject := testSubject()
			tt.mutate(&subject)
			_, err := pki.Generate(t.Context(), pki.Request{
				Hostname: "web01.test.local",
				Subject:  subject,
				KeySize:  2048,
			})
			assert.ErrorIs(t, err, pki.ErrInvalidSubject)
		})
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := pki.Generate(ctx, pki.Request{
		Hostname: "web01.test.local",
		Subject:  testSubject(),
		KeySize:  4096,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifySANs(t *testing.T) {
	sans, err := pki.ClassifySANs("web01.test.local", []string{
		"alt.test.local",
		"web01.test.local", // duplicate of hostname
		"alt.test.local",   // duplicate
		"192.168.1.10",
		"fd00::1",
	})
	require.NoError(t, err)

	values := make([]string, len(sans))
	for i, s := range sans {
		values[i] = s.Value
	}
	// First-seen order, hostname first, duplicates collapsed.
	assert.Equal(t, []string{"web01.test.local", "alt.test.local", "192.168.1.10", "fd00::1"}, values)
	assert.Equal(t, pki.SANIP, sans[2].Type)
	assert.Equal(t, pki.SANIP, sans[3].Type)
}

func TestClassifySANs_MalformedIP(t *testing.T) {
	_, err := pki.ClassifySANs("web01.test.local", []string{"999.1.1.1"})
	assert.ErrorIs(t, err, pki.ErrInvalidSAN)

	_, err = pki.ClassifySANs("web01.test.local", []string{"fd00::zz"})
	assert.ErrorIs(t, err, pki.ErrInvalidSAN)
}

func TestClassifySANs_BadDNSName(t *testing.T) {
	_, err := pki.ClassifySANs("web01.test.local", []string{"bad_name!.test.local"})
	assert.ErrorIs(t, err, pki.ErrInvalidSAN)

	_, err = pki.ClassifySANs("-leading.test.local", nil)
	assert.ErrorIs(t, err, pki.ErrInvalidSAN)
}

func TestMatchCSRAndKey(t *testing.T) {
	res, err := pki.Generate(t.Context(), pki.Request{
		Hostname: "web01.test.local",
		Subject:  testSubject(),
		KeySize:  2048,
	})
	require.NoError(t, err)

	certPEM := signFromCSR(t, res.CSRPEM, 365)
	cert, details, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	assert.Equal(t, "web01.test.local", details.SubjectCN)
	assert.Equal(t, "Test CA", details.IssuerCN)
	assert.Equal(t, "TestOrg", details.IssuerO)
	assert.Equal(t, 2048, details.KeySize)
	assert.Contains(t, details.SANs, "web01.test.local")

	csrMatch, err := pki.MatchCSR(cert, res.CSRPEM)
	require.NoError(t, err)
	assert.True(t, csrMatch)

	keyMatch, err := pki.MatchKey(cert, res.PrivateKeyPEM)
	require.NoError(t, err)
	assert.True(t, keyMatch)

	// A certificate for a different key matches neither.
	other, err := pki.Generate(t.Context(), pki.Request{
		Hostname: "web02.test.local",
		Subject:  testSubject(),
		KeySize:  2048,
	})
	require.NoError(t, err)

	csrMatch, err = pki.MatchCSR(cert, other.CSRPEM)
	require.NoError(t, err)
	assert.False(t, csrMatch)

	keyMatch, err = pki.MatchKey(cert, other.PrivateKeyPEM)
	require.NoError(t, err)
	assert.False(t, keyMatch)
}

func TestParseCertificatePEM_Invalid(t *testing.T) {
	_, _, err := pki.ParseCertificatePEM("not a certificate")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}
