// Package sitevpn builds the stage graph for a two-site VPN topology: one
// network per site, the self-managed endpoint and its tunnel daemon on one
// side, the managed gateway and its VPN connection on the other, and the
// routes that join them.
package sitevpn

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/gateway"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
	"github.com/lex00/wetwire-vpn-go/internal/tunnel"
)

// Stage kinds. A stage is named "<kind>-<site>".
const (
	KindNetwork         = "network"
	KindEndpoint        = "endpoint"
	KindTunnelSecrets   = "tunnel-secrets"
	KindCustomerGateway = "customer-gateway"
	KindGateway         = "gateway"
	KindVpnConnection   = "vpn-connection"
	KindTunnel          = "tunnel"
	KindRoutes          = "routes"
)

// Handles published by the stages.
const (
	HandleNetworkID         = "network_id"
	HandleCIDR              = "cidr"
	HandleSubnets           = "subnets"
	HandleInstanceID        = "instance_id"
	HandlePublicIP          = "public_ip"
	HandlePrivateIP         = "private_ip"
	HandleSecretRef         = "secret_ref"
	HandleCustomerGatewayID = "customer_gateway_id"
	HandleGatewayID         = "gateway_id"
	HandleVpnConnectionID   = "vpn_connection_id"
	HandleTunnel1Address    = "tunnel1_address"
	HandleTunnel2Address    = "tunnel2_address"
	HandleConfigs           = "configs"
	HandleRoutes            = "routes"
)

// StageName returns the name of the kind stage for site.
func StageName(kind, site string) string {
	return kind + "-" + site
}

// Deps are the collaborators the stages drive.
type Deps struct {
	Topology    *topology.Topology
	Provisioner provision.Provisioner
	// OS receives the tunnel startup script for the self-managed endpoint.
	OS      provision.EndpointOS
	Secrets secrets.Store
	Log     logrus.FieldLogger
	// KeepSecrets leaves the pre-shared keys in the secret store on teardown.
	KeepSecrets bool
}

type builder struct {
	Deps
	self    topology.Site
	managed topology.Site
	binding *gateway.Binding
	keys    *tunnel.Keyring
}

// Stages returns the stage list for d.Topology in declaration order.
func Stages(d Deps) ([]orchestrator.Stage, error) {
	if d.Topology == nil {
		return nil, errors.New("no topology")
	}
	if d.Provisioner == nil {
		return nil, errors.New("no provisioner")
	}
	if d.OS == nil {
		return nil, errors.New("no endpoint OS")
	}
	if d.Secrets == nil {
		return nil, errors.New("no secret store")
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	b := &builder{
		Deps:    d,
		self:    d.Topology.SelfManaged(),
		managed: d.Topology.Managed(),
		binding: gateway.New(d.Provisioner, d.Log),
		keys:    tunnel.NewKeyring(d.Secrets),
	}
	if b.self.Name == "" || b.managed.Name == "" {
		return nil, errors.New("topology needs a self-managed and a managed site")
	}

	return []orchestrator.Stage{
		b.networkStage(b.self),
		b.networkStage(b.managed),
		b.selfEndpointStage(),
		b.managedEndpointStage(),
		b.secretsStage(),
		b.customerGatewayStage(),
		b.gatewayStage(),
		b.vpnConnectionStage(),
		b.managedRoutesStage(),
		b.tunnelStage(),
		b.selfRoutesStage(),
	}, nil
}

// New builds the orchestrator for d.
func New(d Deps, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	stages, err := Stages(d)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = d.Log
	}
	return orchestrator.New(stages, opts)
}

// TunnelStage returns the name of the stage that records the tunnel configs.
func TunnelStage(t *topology.Topology) string {
	return StageName(KindTunnel, t.SelfManaged().Name)
}

func handle(kind string, site topology.Site, h string) string {
	return wetwire.HandleName(StageName(kind, site.Name), h)
}

func handles(kind string, site topology.Site, hs ...string) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = handle(kind, site, h)
	}
	return out
}

// network rebuilds a site's network from its published handles.
func network(in wetwire.Handles, site topology.Site) (wetwire.Network, error) {
	n := wetwire.Network{
		Name:      "vpc-" + site.Name,
		ID:        in[handle(KindNetwork, site, HandleNetworkID)],
		CIDRBlock: in[handle(KindNetwork, site, HandleCIDR)],
	}
	if n.ID == "" || n.CIDRBlock == "" {
		return n, fmt.Errorf("network of site %s is not materialized", site.Name)
	}
	if err := in.Decode(handle(KindNetwork, site, HandleSubnets), &n.Subnets); err != nil {
		return n, err
	}
	return n, nil
}

func subnetID(n wetwire.Network, name string) (string, error) {
	for _, s := range n.Subnets {
		if s.Name == name {
			if s.ID == "" {
				return "", fmt.Errorf("subnet %s has no id yet", name)
			}
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("subnet %s not found in %s", name, n.Name)
}
