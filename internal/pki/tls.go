// Package pki validates the TLS material the supervisor hands to the
// relay helper. The relay's on-wire TLS is opaque to the supervisor,
// which never terminates TLS itself, so this package only needs to
// fail fast with a clear ConfigError before spawning the child, rather
// than build a live tls.Config for an in-process listener.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

// ValidateMaterial loads the key/cert/CA paths supplied on the CLI and
// confirms they parse as a matched keypair and a usable CA pool. It
// returns nil if all three paths are empty: TLS material is optional
// at the Config level and only required when the relay is actually
// invoked with encryption.
func ValidateMaterial(certPath, keyPath, caPath string) error {
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil
	}
	if certPath == "" || keyPath == "" {
		return xfererr.New(xfererr.KindConfig, "--cert and --key must be supplied together")
	}

	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return xfererr.Wrap(xfererr.KindConfig, "loading TLS certificate/key pair", err)
	}

	if caPath != "" {
		if _, err := loadCACertPool(caPath); err != nil {
			return xfererr.Wrap(xfererr.KindConfig, "loading CA certificate", err)
		}
	}

	return nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
