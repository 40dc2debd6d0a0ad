package yuri

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// File names of the persisted authority inside the data directory.
const (
	AuthorityCertFile = "yuri_ca.pem"
	AuthorityKeyFile  = "yuri_ca.key"
)

// Subject fields of a generated authority.
const (
	AuthorityCommonName   = "Yuri Proxy CA"
	AuthorityOrganization = "Yuri App"
)

// Authority is the root signing identity of the proxy. Clients trust its
// certificate once, so the same material must be reused across restarts.
type Authority struct {
	CertPath string
	KeyPath  string

	CertPEM []byte
	KeyPEM  []byte
}

// EnsureAuthority loads the authority persisted in dir, or generates and
// persists a new one when either file is missing. A complete pair is never
// overwritten, so repeated calls return byte-identical material.
func EnsureAuthority(dir string) (*Authority, error) {
	a := &Authority{
		CertPath: filepath.Join(dir, AuthorityCertFile),
		KeyPath:  filepath.Join(dir, AuthorityKeyFile),
	}

	certOK, err := fileExists(a.CertPath)
	if err != nil {
		return nil, err
	}
	keyOK, err := fileExists(a.KeyPath)
	if err != nil {
		return nil, err
	}

	if certOK && keyOK {
		if a.CertPEM, err = os.ReadFile(a.CertPath); err != nil {
			return nil, fmt.Errorf("%w: read CA cert: %w", ErrIO, err)
		}
		if a.KeyPEM, err = os.ReadFile(a.KeyPath); err != nil {
			return nil, fmt.Errorf("%w: read CA key: %w", ErrIO, err)
		}
		if _, _, err := parseAuthorityPEM(a.CertPEM, a.KeyPEM); err != nil {
			return nil, err
		}
		return a, nil
	}

	a.CertPEM, a.KeyPEM, err = GenerateCA(AuthorityCommonName, AuthorityOrganization, 10)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrIO, err)
	}
	if err := os.WriteFile(a.CertPath, a.CertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write CA cert: %w", ErrIO, err)
	}
	if err := os.WriteFile(a.KeyPath, a.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write CA key: %w", ErrIO, err)
	}

	return a, nil
}

// ExportPublicCertificate returns the PEM-encoded certificate for
// installation into a client trust store.
func (a *Authority) ExportPublicCertificate() string {
	return string(a.CertPEM)
}

// Certificate parses the authority material into a certificate and signer.
func (a *Authority) Certificate() (*x509.Certificate, crypto.Signer, error) {
	return parseAuthorityPEM(a.CertPEM, a.KeyPEM)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
}

// GenerateCA generates a self-signed CA that may sign leaf certificates
// only (path length 0). Returns PEM-encoded certificate and key.
func GenerateCA(commonName, org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate CA key: %w", ErrCrypto, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate serial: %w", ErrCrypto, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create CA certificate: %w", ErrCrypto, err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}

func parseAuthorityPEM(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("%w: failed to decode CA certificate PEM", ErrCrypto)
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse CA cert: %w", ErrCrypto, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("%w: failed to decode CA key PEM", ErrCrypto)
	}

	if key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		return caCert, key, nil
	}

	// PKCS8 covers keys written by other tools (RSA or ECDSA).
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		if ecKey, ecErr := x509.ParseECPrivateKey(keyBlock.Bytes); ecErr == nil {
			return caCert, ecKey, nil
		}
		return nil, nil, fmt.Errorf("%w: parse CA key: %w", ErrCrypto, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: CA key cannot sign", ErrCrypto)
	}
	return caCert, signer, nil
}
