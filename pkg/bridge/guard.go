package bridge

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// SSRFGuard rejects destinations resolving to private, loopback, or
// link-local addresses. It also runs on every redirect target.
type SSRFGuard struct {
	// AllowPrivate disables the check, for single-host deployments and
	// tests.
	AllowPrivate bool
	// AllowedHosts bypass resolution checks entirely.
	AllowedHosts map[string]bool

	lookup func(host string) ([]net.IP, error)
}

func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{lookup: net.LookupIP}
}

// Check validates a destination URL before dialing.
func (g *SSRFGuard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("bridge: target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("bridge: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("bridge: target url has no host")
	}
	if g.AllowPrivate || g.AllowedHosts[host] {
		return nil
	}

	ips, err := g.lookup(host)
	if err != nil {
		return fmt.Errorf("bridge: resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isDisallowed(ip) {
			return fmt.Errorf("bridge: destination %s resolves to disallowed address %s", host, ip)
		}
	}
	return nil
}

// CheckRedirect is installed on the outbound client so the guard also
// covers redirect targets.
func (g *SSRFGuard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return fmt.Errorf("bridge: too many redirects")
	}
	return g.Check(req.URL.String())
}

func isDisallowed(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
