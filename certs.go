package yuri

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCertCacheSize bounds the number of signed leaf certificates kept
// in memory.
const DefaultCertCacheSize = 1000

// CertManager issues per-host leaf certificates signed by the authority.
// It is the transport-side half of TLS interception; the Authority only
// supplies the root material.
type CertManager struct {
	caCert *x509.Certificate
	caKey  crypto.Signer

	// Metrics receives cache statistics (optional).
	Metrics *Metrics

	// serializes generation so concurrent handshakes for one host sign once
	mu    sync.Mutex
	cache *lru.Cache[string, *tls.Certificate]
}

// NewCertManager creates a CertManager from the authority with a leaf cache
// of cacheSize entries. A non-positive size selects DefaultCertCacheSize.
func NewCertManager(a *Authority, cacheSize int) (*CertManager, error) {
	return NewCertManagerFromPEM(a.CertPEM, a.KeyPEM, cacheSize)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte, cacheSize int) (*CertManager, error) {
	caCert, caKey, err := parseAuthorityPEM(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCertCacheSize
	}
	cache, err := lru.New[string, *tls.Certificate](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cert cache: %w", err)
	}

	return &CertManager{
		caCert: caCert,
		caKey:  caKey,
		cache:  cache,
	}, nil
}

// GetCertificate returns a TLS certificate for the given host, generating one if needed.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if cert, ok := cm.cache.Get(host); ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cert, ok := cm.cache.Get(host); ok {
		return cert, nil
	}
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache.Add(host, cert)
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(cm.cache.Len())
	}
	return cert, nil
}

// CacheLen returns the number of cached leaf certificates.
func (cm *CertManager) CacheLen() int {
	return cm.cache.Len()
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %w", ErrCrypto, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %w", ErrCrypto, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{AuthorityOrganization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create certificate: %w", ErrCrypto, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caCert.Raw},
		PrivateKey:  privKey,
	}, nil
}
