package db

import (
	"fmt"
	"net/url"
	"os"
)

// buildDSN appends certificate verification parameters to the database URL when a
// root certificate is configured. Without one the URL is used unchanged.
func buildDSN(databaseURL, sslRootCert string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if sslRootCert == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(sslRootCert); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", sslRootCert, err)
	}

	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", sslRootCert)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
