package hypermangle

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// SelfSignedIssuer issues certificates from an in-memory development CA.
// It drives the same challenge callbacks as an ACME order so the
// lifecycle and the challenge listener behave as in production, but no
// external validation takes place.
type SelfSignedIssuer struct {
	// Validity is the lifetime of issued leaves. Defaults to 90 days.
	Validity time.Duration

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caPEM  []byte
}

// NewSelfSignedIssuer generates a fresh CA named after org.
func NewSelfSignedIssuer(org string) (*SelfSignedIssuer, error) {
	certPEM, keyPEM, err := GenerateCA(org, 10)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	caKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not ECDSA")
	}

	return &SelfSignedIssuer{
		Validity: 90 * 24 * time.Hour,
		caCert:   caCert,
		caKey:    caKey,
		caPEM:    certPEM,
	}, nil
}

// Name implements [Issuer].
func (s *SelfSignedIssuer) Name() string {
	return "self-signed"
}

// CACertPEM returns the CA certificate clients must trust.
func (s *SelfSignedIssuer) CACertPEM() []byte {
	return s.caPEM
}

// Issue implements [Issuer].
func (s *SelfSignedIssuer) Issue(ctx context.Context, hostname string, solver ChallengeSolver) (*IssuedCertificate, error) {
	token := uuid.NewString()
	if err := solver.Present(hostname, token, token+".self-signed"); err != nil {
		return nil, err
	}
	defer func() { _ = solver.CleanUp(hostname, token) }()
	solver.Validating(hostname, token)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	chain, key, err := s.sign(hostname, now.Add(-time.Minute), now.Add(s.Validity))
	if err != nil {
		return nil, err
	}
	return &IssuedCertificate{Chain: chain, Key: key}, nil
}

func (s *SelfSignedIssuer) sign(host string, notBefore, notAfter time.Time) (chainPEM, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: s.caCert.Subject.Organization,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &privKey.PublicKey, s.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	chainPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	chainPEM = append(chainPEM, s.caPEM...)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return chainPEM, keyPEM, nil
}

// GenerateCA generates a CA certificate and ECDSA P-256 key valid for
// validYears. Both are returned PEM-encoded.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Development CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
