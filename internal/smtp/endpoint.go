package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EndpointDefinition describes where the server binds and whether the
// listener speaks implicit TLS. Immutable after construction.
type EndpointDefinition struct {
	address string
	port    int
	cert    *tls.Certificate
}

// NewEndpoint builds an endpoint. "Any" or an empty address binds the
// wildcard address; the port must be positive.
func NewEndpoint(address string, port int) (EndpointDefinition, error) {
	if port <= 0 || port > 65535 {
		return EndpointDefinition{}, fmt.Errorf("invalid endpoint port %d", port)
	}

	if strings.EqualFold(address, "any") {
		address = ""
	}
	if address != "" {
		if ip := net.ParseIP(address); ip == nil {
			return EndpointDefinition{}, fmt.Errorf("invalid endpoint address %q", address)
		}
	}

	return EndpointDefinition{address: address, port: port}, nil
}

// NewTLSEndpoint builds an endpoint whose listener speaks implicit TLS using
// a certificate resolved by the given selector.
func NewTLSEndpoint(address string, port int, selector CertificateSelector) (EndpointDefinition, error) {
	ep, err := NewEndpoint(address, port)
	if err != nil {
		return EndpointDefinition{}, err
	}

	cert, err := selector.Resolve()
	if err != nil {
		return EndpointDefinition{}, err
	}
	ep.cert = cert

	return ep, nil
}

// NewTLSEndpointFromFiles builds an implicit-TLS endpoint from an explicit
// certificate/key file pair.
func NewTLSEndpointFromFiles(address string, port int, certFile, keyFile string) (EndpointDefinition, error) {
	ep, err := NewEndpoint(address, port)
	if err != nil {
		return EndpointDefinition{}, err
	}

	cert, err := LoadCertificate(certFile, keyFile)
	if err != nil {
		return EndpointDefinition{}, err
	}
	ep.cert = cert

	return ep, nil
}

// Address returns the configured bind address; empty means wildcard.
func (e EndpointDefinition) Address() string {
	return e.address
}

// Port returns the configured port.
func (e EndpointDefinition) Port() int {
	return e.port
}

// Addr returns the host:port string for net.Listen.
func (e EndpointDefinition) Addr() string {
	return net.JoinHostPort(e.address, strconv.Itoa(e.port))
}

// TLS reports whether the listener should speak implicit TLS.
func (e EndpointDefinition) TLS() bool {
	return e.cert != nil
}

// TLSConfig returns the listener TLS configuration, or nil for plaintext.
func (e EndpointDefinition) TLSConfig() *tls.Config {
	if e.cert == nil {
		return nil
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*e.cert},
	}
}

// String renders the endpoint for logs.
func (e EndpointDefinition) String() string {
	addr := e.address
	if addr == "" {
		addr = "any"
	}
	scheme := "smtp"
	if e.TLS() {
		scheme = "smtps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, addr, e.port)
}
