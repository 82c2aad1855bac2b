package iputil

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// ParseIP parses an IP address string and returns a netip.Addr
func ParseIP(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)

	// Handle IPv6 with brackets [::1]:8080
	if strings.HasPrefix(s, "[") {
		if idx := strings.Index(s, "]"); idx != -1 {
			s = s[1:idx]
		}
	} else if strings.Contains(s, ".") && strings.Contains(s, ":") && !strings.Contains(s, "::") {
		// IPv4 with port like 192.168.1.1:8080
		if idx := strings.LastIndex(s, ":"); idx != -1 {
			s = s[:idx]
		}
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", models.ErrInvalidIP, s)
	}

	return NormalizeIP(addr), nil
}

// ParsePrefix parses a CIDR prefix string and returns a netip.Prefix
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)

	// If it's a single IP, convert to /32 or /128
	if !strings.Contains(s, "/") {
		addr, err := ParseIP(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", models.ErrInvalidCIDR, s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", models.ErrInvalidCIDR, s)
	}

	return prefix, nil
}

// Canonical returns the canonical text form of an IP address, used as the
// store key. IPv4-mapped IPv6 addresses collapse to IPv4.
func Canonical(s string) (string, error) {
	addr, err := ParseIP(s)
	if err != nil {
		return "", err
	}
	return addr.WithZone("").String(), nil
}

// CanonicalPrefix returns the masked text form of a CIDR range
func CanonicalPrefix(s string) (string, error) {
	prefix, err := ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return prefix.Masked().String(), nil
}

// NormalizeIP normalizes an IP address (IPv4-mapped IPv6 to IPv4)
func NormalizeIP(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		return addr.Unmap()
	}
	return addr
}

// IsPublic reports whether an address can carry geo or reputation data
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsMulticast() &&
		!addr.IsUnspecified() && !addr.IsLinkLocalUnicast()
}

// PrefixToIPNet converts a netip.Prefix to a *net.IPNet
func PrefixToIPNet(prefix netip.Prefix) *net.IPNet {
	prefix = prefix.Masked()
	return &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}
}
