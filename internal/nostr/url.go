package nostr

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrUnsafeRelayURL = errors.New("nostr: relay URL blocked")

// NormalizeRelayURL validates and normalizes a relay URL from NIP-65 events
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || strings.Contains(host, " ") {
		return ""
	}
	if !IsLoopbackHost(host) && (len(host) < 3 || !strings.Contains(host, ".")) {
		return ""
	}
	if IsInternalHost(host) {
		return ""
	}

	// Normalize: strip trailing slash, lowercase
	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// ValidateRelayURL checks that a relay URL is safe to connect to.
// Loopback is allowed for development; other private ranges are blocked
// unless allowPrivate is set.
func ValidateRelayURL(relayURL string, allowPrivate bool) error {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeRelayURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrUnsafeRelayURL, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeRelayURL)
	}
	if allowPrivate || IsLoopbackHost(host) {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isRelayIPSafe(ip) {
			return fmt.Errorf("%w: private address %s", ErrUnsafeRelayURL, host)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// If we can't resolve, allow it (might be valid external host)
		// but block obvious internal names
		if strings.HasSuffix(host, ".") || IsInternalHost(host) {
			return fmt.Errorf("%w: internal host %s", ErrUnsafeRelayURL, host)
		}
		return nil
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrUnsafeRelayURL, host, ip)
		}
	}
	return nil
}

// isRelayIPSafe checks if an IP is safe for relay connections
// Allows loopback (localhost) but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	switch {
	case ip == nil:
		return false
	case ip.IsLoopback():
		return true
	case ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(),
		ip.IsMulticast():
		return false
	}
	return true
}

// IsInternalHost checks if a hostname is internal/private and should not be accessed.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

// IsLoopbackHost checks if a hostname resolves to localhost.
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "::1" ||
		host == "[::1]" ||
		strings.HasPrefix(host, "127.")
}
