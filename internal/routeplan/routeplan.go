// Package routeplan computes the route entries that send cross-site traffic
// from a network's subnets to the peer's CIDR.
package routeplan

import (
	"fmt"
	"net"
	"sort"

	"github.com/apparentlymart/go-cidr/cidr"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Plan is a set of route entries keyed by (route table, destination).
type Plan struct {
	entries map[string]wetwire.RouteEntry
}

// New returns an empty plan.
func New() *Plan {
	return &Plan{entries: make(map[string]wetwire.RouteEntry)}
}

// Add records an entry. An entry with the same route table and destination
// replaces the previous one.
func (p *Plan) Add(e wetwire.RouteEntry) {
	p.entries[e.Key()] = e
}

// Len returns the number of entries.
func (p *Plan) Len() int {
	return len(p.entries)
}

// Entries returns the entries sorted by route table then destination.
func (p *Plan) Entries() []wetwire.RouteEntry {
	out := make([]wetwire.RouteEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteTableID != out[j].RouteTableID {
			return out[i].RouteTableID < out[j].RouteTableID
		}
		return out[i].DestinationCIDR < out[j].DestinationCIDR
	})
	return out
}

// Compute returns one entry per cross-site subnet of local, each sending
// peerCIDR to nextHop. Subnets must already carry their route table ids.
func Compute(local wetwire.Network, peerCIDR, nextHop string, hopType wetwire.NextHopType) ([]wetwire.RouteEntry, error) {
	p := New()
	if err := p.AddNetwork(local, peerCIDR, nextHop, hopType); err != nil {
		return nil, err
	}
	return p.Entries(), nil
}

// AddNetwork adds the entries Compute would return to the plan.
func (p *Plan) AddNetwork(local wetwire.Network, peerCIDR, nextHop string, hopType wetwire.NextHopType) error {
	_, peer, err := net.ParseCIDR(peerCIDR)
	if err != nil || peer.String() != peerCIDR {
		return &wetwire.InvalidAddressError{Address: peerCIDR, Reason: "peer CIDR must be a network address"}
	}
	if nextHop == "" {
		return fmt.Errorf("no next hop for %s", peerCIDR)
	}
	if local.CIDRBlock != "" {
		_, own, err := net.ParseCIDR(local.CIDRBlock)
		if err != nil {
			return &wetwire.InvalidAddressError{Address: local.CIDRBlock, Reason: "not a CIDR block"}
		}
		if err := cidr.VerifyNoOverlap([]*net.IPNet{own, peer}, anyIPv4); err != nil {
			return &wetwire.TopologyMismatchError{
				Field:    "peer CIDR",
				Expected: "a block outside " + local.CIDRBlock,
				Actual:   peerCIDR,
			}
		}
	}

	for _, s := range local.Subnets {
		if !s.CrossSite() {
			continue
		}
		if s.RouteTableID == "" {
			return fmt.Errorf("subnet %s has no route table yet", s.Name)
		}
		p.Add(wetwire.RouteEntry{
			RouteTableID:     s.RouteTableID,
			DestinationCIDR:  peerCIDR,
			NextHopGatewayID: nextHop,
			NextHopType:      hopType,
		})
	}
	return nil
}

var anyIPv4 = &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
