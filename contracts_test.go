package wetwire_vpn

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSubnet_CrossSite(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name     string
		subnet   Subnet
		expected bool
	}{
		{
			name:     "unset defaults to routed",
			subnet:   Subnet{Name: "public", Kind: SubnetPublic},
			expected: true,
		},
		{
			name:     "explicitly routed",
			subnet:   Subnet{Name: "isolated", Kind: SubnetPrivateIsolated, Routed: &yes},
			expected: true,
		},
		{
			name:     "opted out",
			subnet:   Subnet{Name: "mgmt", Kind: SubnetPrivateIsolated, Routed: &no},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.subnet.CrossSite())
		})
	}
}

func TestKindsAndRoles_Valid(t *testing.T) {
	assert.True(t, SubnetPublic.Valid())
	assert.True(t, SubnetPrivateIsolated.Valid())
	assert.False(t, SubnetKind("PrivateWithEgress").Valid())

	assert.True(t, RoleSelfManagedTunnel.Valid())
	assert.True(t, RoleManagedGateway.Valid())
	assert.False(t, EndpointRole("").Valid())
}

func TestEndpoint_Pending(t *testing.T) {
	assert.True(t, Endpoint{Name: "ec2-a"}.Pending())
	assert.False(t, Endpoint{Name: "ec2-a", PublicIP: "52.95.110.10"}.Pending())
}

func TestHandles_EncodeDecode(t *testing.T) {
	subnets := []Subnet{
		{ID: "subnet-1", Name: "public", CIDR: "10.0.0.0/24", CIDRMask: 24, Kind: SubnetPublic, RouteTableID: "rtb-1"},
		{ID: "subnet-2", Name: "isolated", CIDR: "10.0.1.0/24", CIDRMask: 24, Kind: SubnetPrivateIsolated, RouteTableID: "rtb-2"},
	}
	raw, err := EncodeHandle(subnets)
	require.NoError(t, err)

	h := Handles{HandleName("network-a", "subnets"): raw}

	var got []Subnet
	require.NoError(t, h.Decode("network-a.subnets", &got))
	assert.Equal(t, subnets, got)

	err = h.Decode("network-b.subnets", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present")
}

func TestHandles_NamesSortedAndClone(t *testing.T) {
	h := Handles{"b.x": "2", "a.y": "1", "c.z": "3"}
	assert.Equal(t, []string{"a.y", "b.x", "c.z"}, h.Names())

	clone := h.Clone()
	clone["a.y"] = "changed"
	assert.Equal(t, "1", h["a.y"])
}

func TestRouteEntry_Key(t *testing.T) {
	a := RouteEntry{RouteTableID: "rtb-1", DestinationCIDR: "10.0.0.0/16", NextHopGatewayID: "vgw-1"}
	b := RouteEntry{RouteTableID: "rtb-1", DestinationCIDR: "10.0.0.0/16", NextHopGatewayID: "vgw-2"}
	assert.Equal(t, a.Key(), b.Key())
}

func TestTunnelConfig_MarshalCarriesOnlyReference(t *testing.T) {
	cfg := TunnelConfig{
		Name:             "tunnel1",
		LocalID:          "52.95.110.10",
		PeerPublicIP:     "16.78.37.31",
		LocalSubnetCIDR:  "10.0.0.0/16",
		RemoteSubnetCIDR: "172.16.0.0/16",
		Mark:             100,
		PSK:              SecretRef("site-to-site/tunnel1"),
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pskRef":"site-to-site/tunnel1"`)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "pskRef: site-to-site/tunnel1")
}

func TestErrors_As(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target any
		msg    string
	}{
		{
			name:   "cycle",
			err:    &CycleError{Cycle: []string{"a", "b", "a"}},
			target: new(*CycleError),
			msg:    "a → b → a",
		},
		{
			name:   "unresolved",
			err:    &UnresolvedHandleError{Stage: "routes-b", Handle: "gateway-b.gateway_id"},
			target: new(*UnresolvedHandleError),
			msg:    "gateway-b.gateway_id",
		},
		{
			name:   "already attached",
			err:    &AlreadyAttachedError{GatewayID: "vgw-1", AttachedNetworkID: "vpc-1", RequestedNetworkID: "vpc-2"},
			target: new(*AlreadyAttachedError),
			msg:    "already attached to vpc-1",
		},
		{
			name:   "invalid address",
			err:    &InvalidAddressError{Address: "10.0.0.1", Reason: "not public"},
			target: new(*InvalidAddressError),
			msg:    "not public",
		},
		{
			name:   "mismatch",
			err:    &TopologyMismatchError{Field: "leftsubnet", Expected: "10.0.0.0/16", Actual: "10.1.0.0/16"},
			target: new(*TopologyMismatchError),
			msg:    "leftsubnet",
		},
		{
			name:   "timeout",
			err:    &HandleTimeoutError{Stage: "endpoint-a", Handle: "endpoint-a.public_ip", Attempts: 5},
			target: new(*HandleTimeoutError),
			msg:    "after 5 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, errors.As(wrapped, tt.target))
			assert.Contains(t, wrapped.Error(), tt.msg)
		})
	}
}

func TestProvisioning_WrapsOnce(t *testing.T) {
	assert.NoError(t, Provisioning("create-vpc", nil))

	base := errors.New("throttled")
	err := Provisioning("create-vpc", base)
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "create-vpc", pe.Op)
	assert.ErrorIs(t, err, base)

	again := Provisioning("outer-op", err)
	require.True(t, errors.As(again, &pe))
	assert.Equal(t, "create-vpc", pe.Op)
}

func TestStageError_ReportsLastCompleted(t *testing.T) {
	cause := &HandleTimeoutError{Stage: "endpoint-a", Handle: "endpoint-a.public_ip", Attempts: 3}
	err := &StageError{Stage: "endpoint-a", LastCompleted: "network-b", Err: cause}

	assert.Contains(t, err.Error(), "last completed: network-b")

	var hte *HandleTimeoutError
	assert.True(t, errors.As(err, &hte))

	first := &StageError{Stage: "network-a", Err: errors.New("boom")}
	assert.Contains(t, first.Error(), "last completed: none")
}
