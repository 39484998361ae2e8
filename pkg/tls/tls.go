package tls

import (
	"crypto/x509"
	"fmt"
	"os"
)

// LoadCACert returns a pool holding the PEM certificates in path. An empty
// path yields the system pool.
func LoadCACert(path string) (*x509.CertPool, error) {
	if path == "" {
		return x509.SystemCertPool()
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
