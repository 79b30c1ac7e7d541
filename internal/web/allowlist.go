package web

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist restricts the HTTP endpoint to client addresses inside any of its
// prefixes. A nil Allowlist admits everyone.
type Allowlist []netip.Prefix

var loopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// ParseAllowlist reads a comma separated list of CIDRs, bare addresses and
// the word localhost. Blank input yields nil.
func ParseAllowlist(raw string) (Allowlist, error) {
	var list Allowlist
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		switch {
		case field == "":
		case strings.EqualFold(field, "localhost"):
			list = append(list, loopback...)
		case strings.Contains(field, "/"):
			prefix, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("invalid HTTP allowlist prefix %q: %w", field, err)
			}
			list = append(list, prefix.Masked())
		default:
			addr, err := netip.ParseAddr(field)
			if err != nil {
				return nil, fmt.Errorf("invalid HTTP allowlist address %q: %w", field, err)
			}
			list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return list, nil
}

// Allows reports whether host, an address without port, is admitted. IPv6
// zones are ignored and IPv4-mapped IPv6 addresses match IPv4 prefixes.
func (a Allowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.WithZone("").Unmap()
	for _, prefix := range a {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
