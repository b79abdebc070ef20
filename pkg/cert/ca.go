// Package cert keeps a small local certificate authority so the development
// collector can be served over HTTPS and agents can be told to trust it.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/httpseal/alfseal/pkg/logger"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// Authority issues server certificates signed by a CA kept in a directory
type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// Load opens the CA stored in dir, creating the directory and a new CA when
// none exists yet
func Load(dir string, log *slog.Logger) (*Authority, error) {
	a := &Authority{
		dir:    dir,
		logger: logger.OrNop(log),
		cache:  make(map[string]*tls.Certificate),
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}

	if _, err := os.Stat(a.CertPath()); errors.Is(err, os.ErrNotExist) {
		if err := a.create(); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authority) create() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{"alfseal local collector CA"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode CA key: %w", err)
	}
	if err := writePEM(a.CertPath(), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(a.dir, caKeyFile), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}

	a.cert = cert
	a.key = key
	a.logger.Info("Created CA certificate", "path", a.CertPath())
	return nil
}

func (a *Authority) load() error {
	certBlock, err := readPEM(a.CertPath(), "CERTIFICATE")
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(filepath.Join(a.dir, caKeyFile), "EC PRIVATE KEY")
	if err != nil {
		return err
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	a.cert = cert
	a.key = key
	return nil
}

// Certificate returns a server certificate for host, issuing it on first use.
// IP literals are placed in the IP SANs, anything else in the DNS SANs.
func (a *Authority) Certificate(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = "localhost"
	}

	a.mu.RLock()
	cert, ok := a.cache[host]
	a.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cert, err := a.issue(host)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[host] = cert
	a.mu.Unlock()
	return cert, nil
}

func (a *Authority) issue(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key for %s: %w", host, err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// TLSConfig returns a server configuration issuing certificates by SNI.
// Clients that send no server name get a certificate for fallbackHost.
func (a *Authority) TLSConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return a.Certificate(host)
		},
	}
}

// CertPath returns the path of the PEM encoded CA certificate
func (a *Authority) CertPath() string {
	return filepath.Join(a.dir, caCertFile)
}

// Pool returns a pool trusting only this CA
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// LoadPool reads PEM certificates from path into a pool
func LoadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("failed to decode %s: expected %s block", path, blockType)
	}
	return block, nil
}
