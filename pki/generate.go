package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
)

// Request holds the parameters for generating a key pair and CSR.
type Request struct {
	Hostname string
	Subject  SubjectFields
	SANs     []string
	KeySize  int
}

// Result is the output of Generate: both PEMs plus the classified SAN list
// actually encoded into the CSR.
type Result struct {
	PrivateKeyPEM string
	CSRPEM        string
	SANs          []SAN
}

// Generate produces an RSA key pair and a PKCS#10 CSR for the request.
// RSA generation is CPU-bound and can take several seconds at 4096 bits, so
// the computation runs in its own goroutine and the call returns early with
// ctx.Err() if the context is cancelled first. Callers must not hold store
// locks across this call.
func Generate(ctx context.Context, req Request) (*Result, error) {
	if !ValidKeySize(req.KeySize) {
		return nil, fmt.Errorf("%w: %d (must be one of 2048, 3072, 4096)", ErrInvalidKeySize, req.KeySize)
	}
	if err := ValidateSubject(req.Subject); err != nil {
		return nil, err
	}
	sans, err := ClassifySANs(req.Hostname, req.SANs)
	if err != nil {
		return nil, err
	}

	type keyResult struct {
		key *rsa.PrivateKey
		err error
	}
	ch := make(chan keyResult, 1)
	go func() {
		key, err := rsa.GenerateKey(rand.Reader, req.KeySize)
		ch <- keyResult{key: key, err: err}
	}()

	var key *rsa.PrivateKey
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("generating RSA key: %w", res.err)
		}
		key = res.key
	}

	var dnsNames []string
	var ips []net.IP
	for _, san := range sans {
		switch san.Type {
		case SANDNS:
			dnsNames = append(dnsNames, san.Value)
		case SANIP:
			ips = append(ips, san.IP)
		}
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         req.Hostname,
			Organization:       []string{req.Subject.Organization},
			Locality:           []string{req.Subject.City},
			Province:           []string{req.Subject.State},
			Country:            []string{req.Subject.Country},
			OrganizationalUnit: unitOrNil(req.Subject.OrganizationalUnit),
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
		DNSNames:           dnsNames,
		IPAddresses:        ips,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("creating CSR: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	csrPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: csrDER,
	})

	return &Result{
		PrivateKeyPEM: string(keyPEM),
		CSRPEM:        string(csrPEM),
		SANs:          sans,
	}, nil
}

func unitOrNil(ou string) []string {
	if ou == "" {
		return nil
	}
	return []string{ou}
}
