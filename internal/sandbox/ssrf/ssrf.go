// Package ssrf validates outbound URLs before any socket is opened on behalf
// of untrusted tool code.
//
// Validation classifies the hostname and every resolved address against the
// block lists below, and pins the resolved IP so the caller connects to the
// address that was checked rather than whatever a second DNS lookup returns
// (DNS rebinding between check and use).
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Error is returned for every rejected URL. Reason is safe to surface to the
// tool author; it never carries resolved internal addresses beyond the one
// the caller supplied.
type Error struct {
	URL    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssrf: %s: %s", e.URL, e.Reason)
}

// ValidatedURL is the result of a successful validation.
type ValidatedURL struct {
	// URL is the parsed original URL.
	URL *url.URL
	// Hostname is the original hostname, preserved for the Host header and
	// TLS SNI.
	Hostname string
	// Port is the effective port (explicit or scheme default).
	Port string
	// PinnedIP is the resolved address that must be used for the connection.
	// For literal-IP URLs it is the literal itself.
	PinnedIP net.IP
}

// Address returns the "ip:port" dial target for the pinned address.
func (v *ValidatedURL) Address() string {
	return net.JoinHostPort(v.PinnedIP.String(), v.Port)
}

// blockedHostnames are rejected by name before any DNS resolution. Cloud
// metadata services and cluster-internal DNS stay unreachable even when an
// attacker controls the zone they resolve in.
var blockedHostnames = map[string]struct{}{
	"localhost":                            {},
	"metadata.google.internal":             {},
	"metadata.goog":                        {},
	"metadata":                             {},
	"instance-data":                        {},
	"metadata.azure.com":                   {},
	"kubernetes.default":                   {},
	"kubernetes.default.svc":               {},
	"kubernetes.default.svc.cluster.local": {},
}

var blockedSuffixes = []string{
	".localhost",
	".internal",
	".cluster.local",
	".svc",
}

// Validate parses rawURL, applies the scheme/hostname/IP policy, resolves
// the hostname exactly once, and returns the pinned address. DNS resolution
// failure is an error, not a pass.
func Validate(ctx context.Context, rawURL string) (*ValidatedURL, error) {
	v, host, err := validateStatic(rawURL)
	if err != nil {
		return nil, err
	}
	if v.PinnedIP != nil {
		return v, nil // literal IP, already checked
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &Error{URL: rawURL, Reason: fmt.Sprintf("hostname %q did not resolve", host)}
	}
	if len(addrs) == 0 {
		return nil, &Error{URL: rawURL, Reason: fmt.Sprintf("hostname %q resolved to no addresses", host)}
	}

	// Every resolved address must pass; a single blocked A record fails the
	// whole URL so round-robin answers cannot smuggle an internal target.
	for _, a := range addrs {
		if reason := classifyIP(a.IP); reason != "" {
			return nil, &Error{URL: rawURL, Reason: fmt.Sprintf("resolved address %s is %s", a.IP, reason)}
		}
	}

	v.PinnedIP = addrs[0].IP
	return v, nil
}

// ValidateForProxy enforces the scheme, hostname, and literal-IP rules but
// performs no DNS resolution. It is used when an outbound HTTP proxy is the
// component that connects, so the proxy's own egress policy is the final
// check. PinnedIP is only set for literal-IP URLs.
func ValidateForProxy(rawURL string) (*ValidatedURL, error) {
	v, _, err := validateStatic(rawURL)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func validateStatic(rawURL string) (*ValidatedURL, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &Error{URL: rawURL, Reason: "unparseable URL"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", &Error{URL: rawURL, Reason: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, "", &Error{URL: rawURL, Reason: "empty hostname"}
	}

	if _, blocked := blockedHostnames[host]; blocked {
		return nil, "", &Error{URL: rawURL, Reason: fmt.Sprintf("hostname %q is blocked", host)}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, "", &Error{URL: rawURL, Reason: fmt.Sprintf("hostname %q is blocked", host)}
		}
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	v := &ValidatedURL{URL: u, Hostname: host, Port: port}

	if ip := net.ParseIP(strings.Trim(u.Hostname(), "[]")); ip != nil {
		if reason := classifyIP(ip); reason != "" {
			return nil, "", &Error{URL: rawURL, Reason: fmt.Sprintf("address %s is %s", ip, reason)}
		}
		v.PinnedIP = ip
	}

	return v, host, nil
}

// classifyIP returns a non-empty reason when the address must not be dialled.
func classifyIP(ip net.IP) string {
	switch {
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast():
		return "link-local"
	case ip.IsLinkLocalMulticast(), ip.IsMulticast():
		return "multicast"
	case ip.IsPrivate():
		return "private"
	}

	// IPv4-mapped (::ffff:a.b.c.d) and IPv4-compatible (::a.b.c.d) IPv6
	// addresses carry an embedded IPv4 target that must pass the same checks.
	if v4 := embeddedIPv4(ip); v4 != nil {
		if reason := classifyIP(v4); reason != "" {
			return "an IPv6 wrapper around a " + reason + " IPv4 address"
		}
	}
	return ""
}

func embeddedIPv4(ip net.IP) net.IP {
	ip16 := ip.To16()
	if ip16 == nil || ip.To4() != nil {
		return nil
	}
	// ::ffff:0:0/96 (mapped) or ::/96 excluding :: and ::1 (compatible).
	zero10 := true
	for _, b := range ip16[:10] {
		if b != 0 {
			zero10 = false
			break
		}
	}
	if !zero10 {
		return nil
	}
	if ip16[10] == 0xff && ip16[11] == 0xff {
		return net.IPv4(ip16[12], ip16[13], ip16[14], ip16[15])
	}
	if ip16[10] == 0 && ip16[11] == 0 {
		v4 := net.IPv4(ip16[12], ip16[13], ip16[14], ip16[15])
		if v4.Equal(net.IPv4zero) {
			return nil
		}
		return v4
	}
	return nil
}
