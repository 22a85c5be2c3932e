package sitevpn

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/gateway"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
	"github.com/lex00/wetwire-vpn-go/internal/tunnel"
)

func (b *builder) secretRef() wetwire.SecretRef {
	return wetwire.SecretRef(b.Topology.Peering.Tunnel.SecretRef)
}

// secretsStage makes sure both pre-shared keys exist. Only the reference is
// published.
func (b *builder) secretsStage() orchestrator.Stage {
	site := b.self
	return orchestrator.Stage{
		Name:     StageName(KindTunnelSecrets, site.Name),
		Produces: handles(KindTunnelSecrets, site, HandleSecretRef),
		Config:   wetwire.Handles{"secretRef": string(b.secretRef())},
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			ref := b.secretRef()
			if _, err := b.keys.Ensure(ctx, ref, tunnel.Tunnels); err != nil {
				return nil, err
			}
			return wetwire.Handles{handle(KindTunnelSecrets, site, HandleSecretRef): string(ref)}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			if b.KeepSecrets {
				return nil
			}
			ref := wetwire.SecretRef(rec.Outputs[handle(KindTunnelSecrets, site, HandleSecretRef)])
			if ref == "" {
				return nil
			}
			return b.keys.Forget(ctx, ref, tunnel.Tunnels)
		},
	}
}

func (b *builder) customerGatewayStage() orchestrator.Stage {
	site := b.self
	publicIP := handle(KindEndpoint, site, HandlePublicIP)
	return orchestrator.Stage{
		Name:     StageName(KindCustomerGateway, site.Name),
		Produces: handles(KindCustomerGateway, site, HandleCustomerGatewayID),
		Consumes: []string{publicIP},
		Config:   wetwire.Handles{"asn": strconv.FormatInt(b.Topology.Peering.ASN, 10)},
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			ip, err := sc.Get(publicIP)
			if err != nil {
				return nil, err
			}
			cgw, err := b.binding.RegisterPeer(ctx, "cgw-"+site.Name, ip, b.Topology.Peering.ASN)
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{handle(KindCustomerGateway, site, HandleCustomerGatewayID): cgw.ID}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			id := rec.Outputs[handle(KindCustomerGateway, site, HandleCustomerGatewayID)]
			return wetwire.Provisioning("delete-customer-gateway", b.Provisioner.DeleteCustomerGateway(ctx, id))
		},
	}
}

func (b *builder) gatewayStage() orchestrator.Stage {
	site := b.managed
	networkID := handle(KindNetwork, site, HandleNetworkID)
	gatewayID := handle(KindGateway, site, HandleGatewayID)
	return orchestrator.Stage{
		Name:     StageName(KindGateway, site.Name),
		Produces: []string{gatewayID},
		Consumes: []string{networkID},
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			netID, err := sc.Get(networkID)
			if err != nil {
				return nil, err
			}
			gw, err := b.Provisioner.CreateGateway(ctx, "vgw-"+site.Name)
			if err != nil {
				return nil, wetwire.Provisioning("create-gateway", err)
			}
			gw, err = b.binding.Attach(ctx, wetwire.Network{ID: netID, Name: "vpc-" + site.Name}, gw)
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{gatewayID: gw.ID}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			id := rec.Outputs[gatewayID]
			if err := b.Provisioner.DetachGateway(ctx, id, rec.Inputs[networkID]); err != nil {
				return wetwire.Provisioning("detach-gateway", err)
			}
			return wetwire.Provisioning("delete-gateway", b.Provisioner.DeleteGateway(ctx, id))
		},
	}
}

// vpnConnectionStage connects the managed gateway to the self-managed
// endpoint and waits for both tunnel outside addresses.
func (b *builder) vpnConnectionStage() orchestrator.Stage {
	site := b.managed
	var (
		cgwID     = handle(KindCustomerGateway, b.self, HandleCustomerGatewayID)
		gatewayID = handle(KindGateway, site, HandleGatewayID)
		networkID = handle(KindNetwork, site, HandleNetworkID)
		localCIDR = handle(KindNetwork, site, HandleCIDR)
		peerCIDR  = handle(KindNetwork, b.self, HandleCIDR)
		secretRef = handle(KindTunnelSecrets, b.self, HandleSecretRef)
		connID    = handle(KindVpnConnection, site, HandleVpnConnectionID)
		tunnel1   = handle(KindVpnConnection, site, HandleTunnel1Address)
		tunnel2   = handle(KindVpnConnection, site, HandleTunnel2Address)
	)
	return orchestrator.Stage{
		Name:      StageName(KindVpnConnection, site.Name),
		Produces:  []string{connID, tunnel1, tunnel2},
		Consumes:  []string{cgwID, gatewayID, networkID, localCIDR, peerCIDR, secretRef},
		DependsOn: []string{StageName(KindEndpoint, site.Name)},
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			in := sc.In
			ref := wetwire.SecretRef(in[secretRef])
			psks := make([]string, 0, tunnel.Tunnels)
			for i := 1; i <= tunnel.Tunnels; i++ {
				psk, err := b.keys.Reveal(ctx, tunnel.KeyRef(ref, i))
				if err != nil {
					return nil, err
				}
				psks = append(psks, psk)
			}

			conn, err := b.binding.Connect(ctx, gateway.ConnectSpec{
				Name:            "vpn-" + site.Name,
				CustomerGateway: wetwire.CustomerGateway{ID: in[cgwID], Name: "cgw-" + b.self.Name},
				Gateway:         wetwire.ManagedGateway{ID: in[gatewayID], AttachedNetworkID: in[networkID]},
				LocalCIDR:       in[localCIDR],
				RemoteCIDR:      in[peerCIDR],
				PreSharedKeys:   psks,
			})
			if err != nil {
				return nil, err
			}

			addrs := conn.TunnelAddresses
			if len(addrs) < tunnel.Tunnels {
				joined, err := sc.Await(ctx, tunnel1, func(ctx context.Context) (string, bool, error) {
					cur, err := b.Provisioner.DescribeVpnConnection(ctx, conn.ID)
					if err != nil {
						return "", false, wetwire.Provisioning("describe-vpn-connection", err)
					}
					if len(cur.TunnelAddresses) < tunnel.Tunnels {
						return "", false, nil
					}
					return strings.Join(cur.TunnelAddresses[:tunnel.Tunnels], ","), true, nil
				})
				if err != nil {
					return nil, err
				}
				addrs = strings.Split(joined, ",")
			}
			return wetwire.Handles{
				connID:  conn.ID,
				tunnel1: addrs[0],
				tunnel2: addrs[1],
			}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			return wetwire.Provisioning("delete-vpn-connection", b.Provisioner.DeleteVpnConnection(ctx, rec.Outputs[connID]))
		},
	}
}

// tunnelStage generates the tunnel configs for the self-managed endpoint,
// renders them with the keys and hands the script to the endpoint OS. A
// changed tunnel spec replaces the script on the same endpoint.
func (b *builder) tunnelStage() orchestrator.Stage {
	site := b.self
	var (
		instanceID = handle(KindEndpoint, site, HandleInstanceID)
		publicIP   = handle(KindEndpoint, site, HandlePublicIP)
		localCIDR  = handle(KindNetwork, site, HandleCIDR)
		peerCIDR   = handle(KindNetwork, b.managed, HandleCIDR)
		tunnel1    = handle(KindVpnConnection, b.managed, HandleTunnel1Address)
		tunnel2    = handle(KindVpnConnection, b.managed, HandleTunnel2Address)
		secretRef  = handle(KindTunnelSecrets, site, HandleSecretRef)
		configs    = handle(KindTunnel, site, HandleConfigs)
	)
	return orchestrator.Stage{
		Name:     StageName(KindTunnel, site.Name),
		Produces: []string{configs},
		Consumes: []string{instanceID, publicIP, localCIDR, peerCIDR, tunnel1, tunnel2, secretRef},
		Config:   tunnelConfig(b.Topology.Peering.Tunnel),
		InPlace:  true,
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			in := sc.In
			spec := b.Topology.Peering.Tunnel

			peers := []string{in[tunnel1], in[tunnel2]}
			if len(spec.PeerAddresses) == tunnel.Tunnels {
				if spec.PeerAddresses[0] != peers[0] || spec.PeerAddresses[1] != peers[1] {
					sc.Log.WithField("allocated", strings.Join(peers, ",")).Warn("using pinned peer addresses")
				}
				peers = spec.PeerAddresses
			}

			ref := wetwire.SecretRef(in[secretRef])
			psks := make([]wetwire.SecretRef, tunnel.Tunnels)
			for i := range psks {
				psks[i] = tunnel.KeyRef(ref, i+1)
			}

			cfgs, err := tunnel.Generate(tunnel.Input{
				Local:         wetwire.Network{Name: "vpc-" + site.Name, CIDRBlock: in[localCIDR]},
				Remote:        wetwire.Network{Name: "vpc-" + b.managed.Name, CIDRBlock: in[peerCIDR]},
				LocalSubnet:   spec.LocalSubnet,
				RemoteSubnet:  spec.RemoteSubnet,
				LocalID:       in[publicIP],
				PeerAddresses: peers,
				PSKs:          psks,
				Params:        Params(spec),
			})
			if err != nil {
				return nil, err
			}
			script, err := tunnel.Render(ctx, cfgs, b.keys)
			if err != nil {
				return nil, err
			}
			if err := b.OS.ApplyStartupScript(ctx, in[instanceID], script); err != nil {
				return nil, wetwire.Provisioning("apply-startup-script", err)
			}

			encoded, err := wetwire.EncodeHandle(cfgs)
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{configs: encoded}, nil
		},
	}
}

// tunnelConfig lists every tunnel setting except the secret reference, which
// arrives as a handle.
func tunnelConfig(spec topology.TunnelSpec) wetwire.Handles {
	return wetwire.Handles{
		"localSubnet":   spec.LocalSubnet,
		"remoteSubnet":  spec.RemoteSubnet,
		"peerAddresses": strings.Join(spec.PeerAddresses, ","),
		"ikeVersion":    spec.IKEVersion,
		"ike":           spec.IKE,
		"esp":           spec.ESP,
		"ikeLifetime":   spec.IKELifetime,
		"keyLife":       spec.KeyLife,
		"rekeyMargin":   spec.RekeyMargin,
		"dpdDelay":      spec.DPDDelay,
		"dpdTimeout":    spec.DPDTimeout,
		"dpdAction":     spec.DPDAction,
	}
}

// Params maps the topology's tunnel settings onto generator parameters.
func Params(spec topology.TunnelSpec) tunnel.Params {
	return tunnel.Params{
		IKEVersion:  spec.IKEVersion,
		IKE:         spec.IKE,
		ESP:         spec.ESP,
		IKELifetime: spec.IKELifetime,
		KeyLife:     spec.KeyLife,
		RekeyMargin: spec.RekeyMargin,
		DPDDelay:    spec.DPDDelay,
		DPDTimeout:  spec.DPDTimeout,
		DPDAction:   spec.DPDAction,
	}
}

// Configs decodes the tunnel configs recorded by the tunnel stage.
func Configs(rec wetwire.StageRecord) ([]wetwire.TunnelConfig, error) {
	for name := range rec.Outputs {
		if strings.HasSuffix(name, "."+HandleConfigs) {
			var cfgs []wetwire.TunnelConfig
			if err := rec.Outputs.Decode(name, &cfgs); err != nil {
				return nil, err
			}
			return cfgs, nil
		}
	}
	return nil, fmt.Errorf("stage %s recorded no tunnel configs", rec.Stage)
}
