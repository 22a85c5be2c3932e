package wetwire_vpn

import "net/netip"

var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// CheckPublicIPv4 returns an *InvalidAddressError unless addr is a globally
// routable IPv4 literal.
func CheckPublicIPv4(addr string) error {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return &InvalidAddressError{Address: addr, Reason: "not an IP literal"}
	}
	if !ip.Is4() {
		return &InvalidAddressError{Address: addr, Reason: "not IPv4"}
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return &InvalidAddressError{Address: addr, Reason: "not publicly routable"}
	}
	for _, p := range nonPublic {
		if p.Contains(ip) {
			return &InvalidAddressError{Address: addr, Reason: "reserved range " + p.String()}
		}
	}
	return nil
}
