// Package tunnel derives the dual-tunnel IPsec configuration for a
// self-managed endpoint and renders it into a startup script.
package tunnel

import (
	"fmt"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Tunnels is the number of redundant tunnels per peering.
const Tunnels = 2

// Defaults applied to empty Params fields.
const (
	DefaultIKEVersion  = "ikev2"
	DefaultIKE         = "aes256-sha256-modp2048"
	DefaultESP         = "aes256-sha256-modp2048"
	DefaultIKELifetime = "8h"
	DefaultKeyLife     = "1h"
	DefaultRekeyMargin = "3m"
	DefaultDPDDelay    = "10s"
	DefaultDPDTimeout  = "30s"
	DefaultDPDAction   = "restart"
	DefaultAuto        = "start"
)

// Params overrides the daemon settings shared by both tunnels.
type Params struct {
	IKEVersion  string
	IKE         string
	ESP         string
	IKELifetime string
	KeyLife     string
	RekeyMargin string
	DPDDelay    string
	DPDTimeout  string
	DPDAction   string
}

// Input is everything Generate needs.
type Input struct {
	Local  wetwire.Network
	Remote wetwire.Network
	// LocalSubnet and RemoteSubnet are the configured traffic selectors.
	// Empty values take the network CIDRs; anything else must equal them.
	LocalSubnet  string
	RemoteSubnet string
	// LocalID is the endpoint's public address.
	LocalID       string
	PeerAddresses []string
	PSKs          []wetwire.SecretRef
	Params        Params
}

// Generate returns one TunnelConfig per peer address, marked 100 and 200.
func Generate(in Input) ([]wetwire.TunnelConfig, error) {
	left, err := selector("leftsubnet", in.LocalSubnet, in.Local.CIDRBlock)
	if err != nil {
		return nil, err
	}
	right, err := selector("rightsubnet", in.RemoteSubnet, in.Remote.CIDRBlock)
	if err != nil {
		return nil, err
	}
	if left == right {
		return nil, &wetwire.TopologyMismatchError{Field: "rightsubnet", Expected: "a block other than " + left, Actual: right}
	}

	if err := wetwire.CheckPublicIPv4(in.LocalID); err != nil {
		return nil, fmt.Errorf("leftid: %w", err)
	}
	if len(in.PeerAddresses) != Tunnels {
		return nil, fmt.Errorf("need %d peer addresses, got %d", Tunnels, len(in.PeerAddresses))
	}
	if len(in.PSKs) != Tunnels {
		return nil, fmt.Errorf("need %d pre-shared keys, got %d", Tunnels, len(in.PSKs))
	}
	for _, addr := range in.PeerAddresses {
		if err := wetwire.CheckPublicIPv4(addr); err != nil {
			return nil, fmt.Errorf("right: %w", err)
		}
	}
	if in.PeerAddresses[0] == in.PeerAddresses[1] {
		return nil, fmt.Errorf("peer addresses must differ, both are %s", in.PeerAddresses[0])
	}
	if in.PSKs[0] == in.PSKs[1] || in.PSKs[0] == "" {
		return nil, fmt.Errorf("each tunnel needs its own pre-shared key")
	}

	p := in.Params.withDefaults()
	out := make([]wetwire.TunnelConfig, 0, Tunnels)
	for i := 0; i < Tunnels; i++ {
		out = append(out, wetwire.TunnelConfig{
			Name:             fmt.Sprintf("tunnel%d", i+1),
			LocalID:          in.LocalID,
			PeerPublicIP:     in.PeerAddresses[i],
			LocalSubnetCIDR:  left,
			RemoteSubnetCIDR: right,
			Mark:             100 * (i + 1),
			PSK:              in.PSKs[i],
			IKEVersion:       p.IKEVersion,
			IKE:              p.IKE,
			ESP:              p.ESP,
			IKELifetime:      p.IKELifetime,
			KeyLife:          p.KeyLife,
			RekeyMargin:      p.RekeyMargin,
			DPDDelay:         p.DPDDelay,
			DPDTimeout:       p.DPDTimeout,
			DPDAction:        p.DPDAction,
			Auto:             DefaultAuto,
		})
	}
	return out, nil
}

func selector(field, configured, recorded string) (string, error) {
	if recorded == "" {
		return "", fmt.Errorf("%s: network has no CIDR", field)
	}
	if configured != "" && configured != recorded {
		return "", &wetwire.TopologyMismatchError{Field: field, Expected: recorded, Actual: configured}
	}
	return recorded, nil
}

func (p Params) withDefaults() Params {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&p.IKEVersion, DefaultIKEVersion)
	def(&p.IKE, DefaultIKE)
	def(&p.ESP, DefaultESP)
	def(&p.IKELifetime, DefaultIKELifetime)
	def(&p.KeyLife, DefaultKeyLife)
	def(&p.RekeyMargin, DefaultRekeyMargin)
	def(&p.DPDDelay, DefaultDPDDelay)
	def(&p.DPDTimeout, DefaultDPDTimeout)
	def(&p.DPDAction, DefaultDPDAction)
	return p
}
