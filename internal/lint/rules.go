package lint

import (
	"fmt"
	"strings"

	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

// RoutedSubnet flags sites where every subnet opted out of cross-site
// routing. Apply still succeeds but the tunnels carry no traffic.
type RoutedSubnet struct{}

func (r RoutedSubnet) ID() string { return "WVP001" }
func (r RoutedSubnet) Description() string {
	return "Each site should route at least one subnet to its peer"
}

func (r RoutedSubnet) Check(t *topology.Topology) []Issue {
	var issues []Issue
	for _, s := range t.Sites {
		routed := false
		for _, sub := range s.Subnets {
			if sub.CrossSite() {
				routed = true
				break
			}
		}
		if !routed {
			issues = append(issues, Issue{
				Rule:     r.ID(),
				Severity: SeverityWarning,
				Site:     s.Name,
				Message:  "no subnet is routed to the peer",
			})
		}
	}
	return issues
}

// PinnedPeers notes that configured peer addresses win over the addresses
// the VPN connection allocates.
type PinnedPeers struct{}

func (r PinnedPeers) ID() string { return "WVP002" }
func (r PinnedPeers) Description() string {
	return "Pinned peer addresses override the allocated ones"
}

func (r PinnedPeers) Check(t *topology.Topology) []Issue {
	if len(t.Peering.Tunnel.PeerAddresses) == 0 {
		return nil
	}
	return []Issue{{
		Rule:     r.ID(),
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("tunnel peers pinned to %s", strings.Join(t.Peering.Tunnel.PeerAddresses, ", ")),
	}}
}

// WeakProposal flags IKE or ESP proposals using broken primitives.
type WeakProposal struct{}

func (r WeakProposal) ID() string { return "WVP003" }
func (r WeakProposal) Description() string {
	return "Avoid weak IKE and ESP proposals"
}

var weakPrimitives = []string{"md5", "sha1", "3des", "des", "modp768", "modp1024"}

func (r WeakProposal) Check(t *topology.Topology) []Issue {
	var issues []Issue
	tun := t.Peering.Tunnel
	for _, p := range []struct{ field, value string }{{"ike", tun.IKE}, {"esp", tun.ESP}} {
		for _, alg := range strings.Split(strings.ToLower(p.value), "-") {
			if contains(weakPrimitives, strings.TrimRight(alg, "!")) {
				issues = append(issues, Issue{
					Rule:     r.ID(),
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s proposal %q uses %s", p.field, p.value, alg),
				})
			}
		}
	}
	return issues
}

// SelectorMismatch catches traffic selectors that tunnel generation would
// reject later, after both sites are already provisioned.
type SelectorMismatch struct{}

func (r SelectorMismatch) ID() string { return "WVP004" }
func (r SelectorMismatch) Description() string {
	return "Traffic selectors must match the site CIDRs"
}

func (r SelectorMismatch) Check(t *topology.Topology) []Issue {
	var issues []Issue
	tun := t.Peering.Tunnel
	check := func(field, configured string, site topology.Site) {
		if configured == "" || site.Name == "" || configured == site.CIDR {
			return
		}
		issues = append(issues, Issue{
			Rule:     r.ID(),
			Severity: SeverityError,
			Site:     site.Name,
			Message:  fmt.Sprintf("tunnel %s %s does not match the site CIDR %s", field, configured, site.CIDR),
		})
	}
	check("localSubnet", tun.LocalSubnet, t.SelfManaged())
	check("remoteSubnet", tun.RemoteSubnet, t.Managed())
	return issues
}

// DPDAction checks the dead peer detection action against the values the
// daemon accepts.
type DPDAction struct{}

func (r DPDAction) ID() string { return "WVP005" }
func (r DPDAction) Description() string {
	return "dpdAction must be clear, hold, restart or none"
}

func (r DPDAction) Check(t *topology.Topology) []Issue {
	action := t.Peering.Tunnel.DPDAction
	if action == "" || contains([]string{"clear", "hold", "restart", "none"}, action) {
		return nil
	}
	return []Issue{{
		Rule:     r.ID(),
		Severity: SeverityError,
		Message:  fmt.Sprintf("unknown dpdAction %q", action),
	}}
}

// PrivateASN flags public ASNs on the customer gateway.
type PrivateASN struct{}

func (r PrivateASN) ID() string { return "WVP006" }
func (r PrivateASN) Description() string {
	return "Use a private ASN for the customer gateway"
}

func (r PrivateASN) Check(t *topology.Topology) []Issue {
	asn := t.Peering.ASN
	if (asn >= 64512 && asn <= 65534) || (asn >= 4200000000 && asn <= 4294967294) {
		return nil
	}
	return []Issue{{
		Rule:     r.ID(),
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("ASN %d is not in a private range", asn),
	}}
}

// EndpointAccess notes a self-managed endpoint with neither a key pair nor
// a session manager role. Nobody can log in to debug the tunnels.
type EndpointAccess struct{}

func (r EndpointAccess) ID() string { return "WVP007" }
func (r EndpointAccess) Description() string {
	return "The self-managed endpoint should be reachable for maintenance"
}

func (r EndpointAccess) Check(t *topology.Topology) []Issue {
	s := t.SelfManaged()
	if s.Name == "" || s.Endpoint.KeyName != "" || s.Endpoint.SSMRole {
		return nil
	}
	return []Issue{{
		Rule:     r.ID(),
		Severity: SeverityInfo,
		Site:     s.Name,
		Message:  "endpoint has no keyName and no ssmRole",
	}}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
