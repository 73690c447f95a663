// Package ipallow matches connecting source addresses against a server's
// allowlist. Entries may be literal IPs ("10.0.0.5"), CIDR ranges
// ("10.0.0.0/24"), or wildcard patterns ("10.0.*"). An empty list means
// unrestricted.
package ipallow

import (
	"fmt"
	"net/netip"
	"strings"
)

// Validate reports whether a single allowlist entry is well-formed. Called at
// write time so malformed entries never reach the authentication hot path.
func Validate(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("empty entry")
	}
	if strings.Contains(entry, "*") {
		return validateWildcard(entry)
	}
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid CIDR range: %w", err)
		}
		return nil
	}
	if _, err := netip.ParseAddr(entry); err != nil {
		return fmt.Errorf("invalid IP address: %w", err)
	}
	return nil
}

// Match reports whether ip matches any entry in the allowlist. An empty
// allowlist matches everything.
func Match(allowlist []string, ip string) bool {
	if len(allowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue

		case strings.Contains(entry, "*"):
			if wildcardMatch(entry, addr.String()) {
				return true
			}

		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}

		default:
			allowed, err := netip.ParseAddr(entry)
			if err != nil {
				continue
			}
			if allowed.Unmap() == addr {
				return true
			}
		}
	}
	return false
}

// wildcardMatch compares dot-separated segments; "*" matches one segment and
// a trailing "*" matches all remaining segments.
func wildcardMatch(pattern, ip string) bool {
	patParts := strings.Split(pattern, ".")
	ipParts := strings.Split(ip, ".")

	for i, p := range patParts {
		if p == "*" {
			if i == len(patParts)-1 {
				return true
			}
			continue
		}
		if i >= len(ipParts) || p != ipParts[i] {
			return false
		}
	}
	return len(patParts) == len(ipParts)
}

func validateWildcard(entry string) error {
	for _, part := range strings.Split(entry, ".") {
		if part == "*" {
			continue
		}
		if part == "" {
			return fmt.Errorf("invalid wildcard pattern")
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return fmt.Errorf("invalid wildcard pattern")
			}
		}
	}
	return nil
}
