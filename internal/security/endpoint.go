package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint wraps every rejection from an EndpointPolicy.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

// EndpointPolicy decides which URLs the server may call (webhook targets,
// the oracle relayer) or hand to others (the callback base URL).
type EndpointPolicy struct {
	RequireHTTPS  bool
	AllowInternal bool // loopback, private, link-local and metadata hosts
}

var (
	// WebhookPolicy guards user-supplied webhook targets against SSRF.
	WebhookPolicy = EndpointPolicy{}
	// ProductionOraclePolicy applies to the relayer and callback URLs in
	// production. Relayers commonly sit on a private network.
	ProductionOraclePolicy = EndpointPolicy{RequireHTTPS: true, AllowInternal: true}
)

var internalHostnames = []string{"localhost", "metadata.google.internal", "metadata.google"}

// CheckURL validates syntax, scheme and any literal host. It never
// resolves names.
func (p EndpointPolicy) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return nil, fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
		}
	default:
		return nil, fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if p.AllowInternal {
		return u, nil
	}

	host := u.Hostname()
	for _, b := range internalHostnames {
		if strings.EqualFold(host, b) {
			return nil, fmt.Errorf("%w: host %q is internal", ErrBlockedEndpoint, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// Validate runs CheckURL and, unless internal hosts are allowed, resolves
// the hostname and rejects it if any address is internal.
func (p EndpointPolicy) Validate(ctx context.Context, raw string) error {
	u, err := p.CheckURL(raw)
	if err != nil {
		return err
	}
	if p.AllowInternal || net.ParseIP(u.Hostname()) != nil {
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, u.Hostname())
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, u.Hostname())
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", u.Hostname(), err)
		}
	}
	return nil
}

// ValidateEndpointURL applies WebhookPolicy with a short resolution
// deadline.
func ValidateEndpointURL(raw string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return WebhookPolicy.Validate(ctx, raw)
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
