// Package wetwire_vpn provides the shared data model for provisioning a two-site
// network joined by a site-to-site IPsec VPN.
//
// A topology is materialized as an ordered set of stages. Each stage produces
// handles (network ids, public addresses, gateway ids) that later stages
// consume:
//
//	network-a ─┐
//	           ├─ endpoint-a ── customer-gateway-a ─┐
//	network-b ─┼─ gateway-b ────────────────────────┼─ vpn-connection-b ── routes-b
//	           └─ endpoint-b ───────────────────────┘          └─ tunnel-a ── routes-a
//
// The wetwire-vpn CLI loads a topology file, resolves the stage order and drives
// the provisioning collaborators.
package wetwire_vpn

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SubnetKind classifies a subnet by its reachability from the internet.
type SubnetKind string

const (
	// SubnetPublic subnets route 0.0.0.0/0 through an internet gateway.
	SubnetPublic SubnetKind = "Public"
	// SubnetPrivateIsolated subnets have no route to the internet.
	SubnetPrivateIsolated SubnetKind = "PrivateIsolated"
)

// Valid reports whether k is a known subnet kind.
func (k SubnetKind) Valid() bool {
	return k == SubnetPublic || k == SubnetPrivateIsolated
}

// EndpointRole selects how an endpoint terminates IPsec.
type EndpointRole string

const (
	// RoleSelfManagedTunnel endpoints run their own tunnel daemon.
	RoleSelfManagedTunnel EndpointRole = "SelfManagedTunnel"
	// RoleManagedGateway endpoints sit behind a vendor-managed VPN gateway.
	RoleManagedGateway EndpointRole = "ManagedGateway"
)

// Valid reports whether r is a known endpoint role.
func (r EndpointRole) Valid() bool {
	return r == RoleSelfManagedTunnel || r == RoleManagedGateway
}

// NextHopType says what kind of object a route entry forwards to.
type NextHopType string

const (
	// NextHopGateway forwards to a managed VPN gateway.
	NextHopGateway NextHopType = "gateway"
	// NextHopInstance forwards to a compute node (self-managed tunnel endpoint).
	NextHopInstance NextHopType = "instance"
)

// Network is one isolated virtual network.
type Network struct {
	ID        string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string   `json:"name" yaml:"name"`
	CIDRBlock string   `json:"cidrBlock" yaml:"cidrBlock"`
	Subnets   []Subnet `json:"subnets" yaml:"subnets"`
}

// Subnet is owned by exactly one Network. RouteTableID is filled in by the
// provisioning collaborator.
type Subnet struct {
	ID           string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string     `json:"name" yaml:"name"`
	CIDR         string     `json:"cidr,omitempty" yaml:"cidr,omitempty"`
	CIDRMask     int        `json:"cidrMask" yaml:"cidrMask"`
	Kind         SubnetKind `json:"kind" yaml:"kind"`
	RouteTableID string     `json:"routeTableId,omitempty" yaml:"routeTableId,omitempty"`
	// Routed marks the subnet as needing cross-site reachability.
	// Nil means yes.
	Routed *bool `json:"routed,omitempty" yaml:"routed,omitempty"`
}

// CrossSite reports whether the subnet takes part in cross-site routing.
func (s Subnet) CrossSite() bool {
	return s.Routed == nil || *s.Routed
}

// Endpoint is a compute node acting as one side of the tunnel.
// An empty PublicIP means the address has not been allocated yet.
type Endpoint struct {
	ID        string       `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string       `json:"name" yaml:"name"`
	NetworkID string       `json:"networkId" yaml:"networkId"`
	PublicIP  string       `json:"publicIp,omitempty" yaml:"publicIp,omitempty"`
	PrivateIP string       `json:"privateIp,omitempty" yaml:"privateIp,omitempty"`
	Role      EndpointRole `json:"role" yaml:"role"`
}

// Pending reports whether the endpoint is still waiting for its public address.
func (e Endpoint) Pending() bool {
	return e.PublicIP == ""
}

// CustomerGateway is one side's IPsec identity as seen by the other side's
// managed gateway.
type CustomerGateway struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	PeerPublicIP string `json:"peerPublicIp" yaml:"peerPublicIp"`
	ASN          int64  `json:"asn" yaml:"asn"`
}

// ManagedGateway is a vendor-managed VPN gateway. Once attached it is never
// reattached.
type ManagedGateway struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty"`
	AttachedNetworkID string `json:"attachedNetworkId,omitempty" yaml:"attachedNetworkId,omitempty"`
}

// VpnConnection binds a CustomerGateway to a ManagedGateway. LocalCIDR is the
// managed gateway's side, RemoteCIDR the customer gateway's side.
type VpnConnection struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name,omitempty" yaml:"name,omitempty"`
	CustomerGatewayID string   `json:"customerGatewayId" yaml:"customerGatewayId"`
	GatewayID         string   `json:"gatewayId" yaml:"gatewayId"`
	LocalCIDR         string   `json:"localCidr" yaml:"localCidr"`
	RemoteCIDR        string   `json:"remoteCidr" yaml:"remoteCidr"`
	StaticRoutesOnly  bool     `json:"staticRoutesOnly" yaml:"staticRoutesOnly"`
	TunnelAddresses   []string `json:"tunnelAddresses,omitempty" yaml:"tunnelAddresses,omitempty"`
}

// RouteEntry is one destination-to-next-hop mapping in a route table.
type RouteEntry struct {
	RouteTableID     string      `json:"routeTableId" yaml:"routeTableId"`
	DestinationCIDR  string      `json:"destinationCidr" yaml:"destinationCidr"`
	NextHopGatewayID string      `json:"nextHopGatewayId" yaml:"nextHopGatewayId"`
	NextHopType      NextHopType `json:"nextHopType,omitempty" yaml:"nextHopType,omitempty"`
}

// Key identifies the route entry within its route table.
func (r RouteEntry) Key() string {
	return r.RouteTableID + "|" + r.DestinationCIDR
}

// SecretRef names a secret held in a secret store. The value never travels
// with the reference.
type SecretRef string

// TunnelConfig is the self-managed tunnel daemon's per-tunnel parameter set.
type TunnelConfig struct {
	Name             string    `json:"name" yaml:"name"`
	LocalID          string    `json:"localId" yaml:"localId"`
	PeerPublicIP     string    `json:"peerPublicIp" yaml:"peerPublicIp"`
	LocalSubnetCIDR  string    `json:"localSubnetCidr" yaml:"localSubnetCidr"`
	RemoteSubnetCIDR string    `json:"remoteSubnetCidr" yaml:"remoteSubnetCidr"`
	Mark             int       `json:"mark" yaml:"mark"`
	PSK              SecretRef `json:"pskRef" yaml:"pskRef"`

	IKEVersion  string `json:"ikeVersion" yaml:"ikeVersion"`
	IKE         string `json:"ike" yaml:"ike"`
	ESP         string `json:"esp" yaml:"esp"`
	IKELifetime string `json:"ikeLifetime" yaml:"ikeLifetime"`
	KeyLife     string `json:"keyLife" yaml:"keyLife"`
	RekeyMargin string `json:"rekeyMargin" yaml:"rekeyMargin"`
	DPDDelay    string `json:"dpdDelay" yaml:"dpdDelay"`
	DPDTimeout  string `json:"dpdTimeout" yaml:"dpdTimeout"`
	DPDAction   string `json:"dpdAction" yaml:"dpdAction"`
	Auto        string `json:"auto" yaml:"auto"`
}

// Handles maps qualified handle names ("<stage>.<handle>") to values.
type Handles map[string]string

// HandleName qualifies a handle with the stage that produces it.
func HandleName(stage, handle string) string {
	return stage + "." + handle
}

// Names returns the handle names in sorted order.
func (h Handles) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode unmarshals a structured handle value produced with EncodeHandle.
func (h Handles) Decode(name string, v any) error {
	raw, ok := h[name]
	if !ok {
		return fmt.Errorf("handle %s not present", name)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding handle %s: %w", name, err)
	}
	return nil
}

// Clone returns an independent copy.
func (h Handles) Clone() Handles {
	out := make(Handles, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// EncodeHandle serializes a structured value (subnet list, route list) for
// storage in a handle.
func EncodeHandle(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StageRecord is the persisted outcome of one materialized stage.
type StageRecord struct {
	Stage       string  `json:"stage" yaml:"stage"`
	Inputs      Handles `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     Handles `json:"outputs" yaml:"outputs"`
	// Config holds the topology settings the stage was built from.
	Config      Handles `json:"config,omitempty" yaml:"config,omitempty"`
	CompletedAt string  `json:"completedAt" yaml:"completedAt"`
}

// PlanResult is the output of `wetwire-vpn plan`.
type PlanResult struct {
	Success bool        `json:"success" yaml:"success"`
	Order   []PlanStage `json:"order,omitempty" yaml:"order,omitempty"`
	Errors  []string    `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// PlanStage is one stage in the resolved order.
type PlanStage struct {
	Name      string   `json:"name" yaml:"name"`
	Produces  []string `json:"produces,omitempty" yaml:"produces,omitempty"`
	Consumes  []string `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Completed bool     `json:"completed" yaml:"completed"`
	// Changed marks a recorded stage whose configuration no longer matches
	// the topology.
	Changed   bool     `json:"changed,omitempty" yaml:"changed,omitempty"`
}

// ApplyResult is the output of `wetwire-vpn apply`.
type ApplyResult struct {
	Success       bool     `json:"success" yaml:"success"`
	Completed     []string `json:"completed,omitempty" yaml:"completed,omitempty"`
	LastCompleted string   `json:"lastCompleted,omitempty" yaml:"lastCompleted,omitempty"`
	FailedStage   string   `json:"failedStage,omitempty" yaml:"failedStage,omitempty"`
	Errors        []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ValidateResult is the output of `wetwire-vpn validate`.
type ValidateResult struct {
	Success  bool     `json:"success"`
	Sites    int      `json:"sites"`
	Stages   int      `json:"stages"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// StateDiff is the difference between two state snapshots.
type StateDiff struct {
	Added    []DiffEntry `json:"added,omitempty" yaml:"added,omitempty"`
	Removed  []DiffEntry `json:"removed,omitempty" yaml:"removed,omitempty"`
	Modified []DiffEntry `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// DiffEntry describes a single stage change.
type DiffEntry struct {
	Stage   string   `json:"stage" yaml:"stage"`
	Changes []string `json:"changes,omitempty" yaml:"changes,omitempty"`
}

// DiffSummary counts the changes.
type DiffSummary struct {
	Added    int `json:"added" yaml:"added"`
	Removed  int `json:"removed" yaml:"removed"`
	Modified int `json:"modified" yaml:"modified"`
	Total    int `json:"total" yaml:"total"`
}
