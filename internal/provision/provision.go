// Package provision defines the cloud collaborator the stages drive. Every
// create call is idempotent by name: asking for an object that already
// exists returns it instead of creating a second one.
package provision

import (
	"context"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// Networks creates isolated networks with their subnets and route tables.
type Networks interface {
	// CreateNetwork returns net with ids filled in for the network, every
	// subnet and every subnet's route table. Public subnets also get a
	// default route to an internet gateway.
	CreateNetwork(ctx context.Context, net wetwire.Network) (wetwire.Network, error)
	DeleteNetwork(ctx context.Context, net wetwire.Network) error
}

// IngressRule allows inbound traffic to an endpoint.
type IngressRule struct {
	Protocol    string `json:"protocol" yaml:"protocol"` // tcp, udp, icmp or -1
	FromPort    int32  `json:"fromPort" yaml:"fromPort"`
	ToPort      int32  `json:"toPort" yaml:"toPort"`
	CIDR        string `json:"cidr" yaml:"cidr"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// EndpointSpec describes a compute node to create.
type EndpointSpec struct {
	Name         string
	NetworkID    string
	SubnetID     string
	Role         wetwire.EndpointRole
	InstanceType string
	ImageID      string
	KeyName      string
	// SSMRole attaches an instance profile allowing Session Manager access.
	SSMRole bool
	// Forwarding disables the source/destination check so the node can
	// route traffic for other hosts.
	Forwarding bool
	Ingress    []IngressRule
}

// Endpoints creates and inspects compute nodes.
type Endpoints interface {
	CreateEndpoint(ctx context.Context, spec EndpointSpec) (wetwire.Endpoint, error)
	// DescribeEndpoint returns the current view of the node. PublicIP is
	// empty until the cloud has allocated one.
	DescribeEndpoint(ctx context.Context, id string) (wetwire.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// ConnectionSpec describes a VPN connection to create.
type ConnectionSpec struct {
	Name              string
	CustomerGatewayID string
	GatewayID         string
	// LocalCIDR is the managed side, RemoteCIDR the customer side.
	LocalCIDR        string
	RemoteCIDR       string
	StaticRoutesOnly bool
	// PreSharedKeys holds one key per tunnel. Implementations hand them to
	// the cloud and must not log or return them.
	PreSharedKeys []string
}

// Gateways manages the vendor gateway, the customer gateway record and the
// VPN connection between them.
type Gateways interface {
	CreateGateway(ctx context.Context, name string) (wetwire.ManagedGateway, error)
	DescribeGateway(ctx context.Context, id string) (wetwire.ManagedGateway, error)
	AttachGateway(ctx context.Context, gatewayID, networkID string) error
	DetachGateway(ctx context.Context, gatewayID, networkID string) error
	DeleteGateway(ctx context.Context, id string) error

	CreateCustomerGateway(ctx context.Context, name, publicIP string, asn int64) (wetwire.CustomerGateway, error)
	DeleteCustomerGateway(ctx context.Context, id string) error

	CreateVpnConnection(ctx context.Context, spec ConnectionSpec) (wetwire.VpnConnection, error)
	// DescribeVpnConnection returns the connection; TunnelAddresses is empty
	// until both outside addresses are allocated.
	DescribeVpnConnection(ctx context.Context, id string) (wetwire.VpnConnection, error)
	CreateVpnConnectionRoute(ctx context.Context, connectionID, destinationCIDR string) error
	DeleteVpnConnection(ctx context.Context, id string) error
}

// Routes writes route table entries.
type Routes interface {
	// ReplaceRoute creates the entry, replacing any entry with the same key.
	ReplaceRoute(ctx context.Context, e wetwire.RouteEntry) error
	DeleteRoute(ctx context.Context, e wetwire.RouteEntry) error
}

// Provisioner is the full cloud collaborator.
type Provisioner interface {
	Networks
	Endpoints
	Gateways
	Routes
}

// EndpointOS configures the operating system of a self-managed endpoint.
type EndpointOS interface {
	ApplyStartupScript(ctx context.Context, endpointID string, script []byte) error
}
