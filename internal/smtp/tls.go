package smtp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FindType selects how a CertificateSelector matches candidates.
type FindType string

const (
	// FindBySubject matches on the certificate subject common name.
	FindBySubject FindType = "subject"
	// FindByFile matches on the certificate file name (without extension).
	FindByFile FindType = "file"
)

// CertificateSelector locates exactly one certificate/key pair inside a
// store directory. Zero or multiple matches fail resolution, so a listener
// never comes up with an ambiguous identity.
type CertificateSelector struct {
	// StoreDir is the directory scanned for "<name>.pem" / "<name>-key.pem"
	// pairs.
	StoreDir string
	// FindType selects the match strategy.
	FindType FindType
	// FindValue is the value matched against, case-insensitively.
	FindValue string
}

// Resolve scans the store and returns the single matching certificate.
func (s CertificateSelector) Resolve() (*tls.Certificate, error) {
	if s.StoreDir == "" || s.FindValue == "" {
		return nil, fmt.Errorf("certificate selector requires a store directory and find value")
	}

	entries, err := os.ReadDir(s.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate store %s: %w", s.StoreDir, err)
	}

	var matches []tls.Certificate
	var matched []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pem") || strings.HasSuffix(name, "-key.pem") {
			continue
		}

		base := strings.TrimSuffix(name, ".pem")
		certPath := filepath.Join(s.StoreDir, name)
		keyPath := filepath.Join(s.StoreDir, base+"-key.pem")

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			// Unpaired or unreadable entries are not candidates.
			continue
		}

		ok, err := s.matches(base, cert)
		if err != nil {
			continue
		}
		if ok {
			matches = append(matches, cert)
			matched = append(matched, base)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no certificate in %s matches %s=%q", s.StoreDir, s.FindType, s.FindValue)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("certificate selector %s=%q is ambiguous: matches %s",
			s.FindType, s.FindValue, strings.Join(matched, ", "))
	}
}

// matches applies the selector's strategy against one candidate.
func (s CertificateSelector) matches(base string, cert tls.Certificate) (bool, error) {
	switch s.FindType {
	case FindByFile:
		return strings.EqualFold(base, s.FindValue), nil
	case FindBySubject:
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false, err
		}
		return strings.EqualFold(leaf.Subject.CommonName, s.FindValue), nil
	default:
		return false, fmt.Errorf("unknown find type %q", s.FindType)
	}
}

// LoadCertificate loads a certificate/key file pair for an endpoint.
func LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &cert, nil
}
