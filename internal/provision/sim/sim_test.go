package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

func siteA() wetwire.Network {
	return wetwire.Network{
		Name:      "vpc-a",
		CIDRBlock: "10.0.0.0/16",
		Subnets: []wetwire.Subnet{
			{Name: "public", CIDR: "10.0.0.0/24", Kind: wetwire.SubnetPublic},
			{Name: "isolated", CIDR: "10.0.1.0/24", Kind: wetwire.SubnetPrivateIsolated},
		},
	}
}

func TestCreateNetwork(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	n, err := c.CreateNetwork(ctx, siteA())
	require.NoError(t, err)
	assert.Equal(t, "vpc-00000001", n.ID)
	assert.Equal(t, "subnet-00000002", n.Subnets[0].ID)
	assert.Equal(t, "rtb-00000003", n.Subnets[0].RouteTableID)

	routes := c.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, n.Subnets[0].RouteTableID, routes[0].RouteTableID)
	assert.Equal(t, "0.0.0.0/0", routes[0].DestinationCIDR)

	again, err := c.CreateNetwork(ctx, siteA())
	require.NoError(t, err)
	assert.Equal(t, n, again)

	_, err = c.CreateNetwork(ctx, wetwire.Network{Name: "bad", CIDRBlock: "nope"})
	var iae *wetwire.InvalidAddressError
	assert.True(t, errors.As(err, &iae))
}

func TestEndpoint_PublicAddressAfterPolls(t *testing.T) {
	c := New(Options{PublicIPAfter: 2})
	ctx := context.Background()
	n, err := c.CreateNetwork(ctx, siteA())
	require.NoError(t, err)

	ep, err := c.CreateEndpoint(ctx, provision.EndpointSpec{
		Name:       "ec2-a",
		NetworkID:  n.ID,
		SubnetID:   n.Subnets[0].ID,
		Role:       wetwire.RoleSelfManagedTunnel,
		Forwarding: true,
	})
	require.NoError(t, err)
	assert.True(t, ep.Pending())
	assert.Equal(t, "10.0.0.10", ep.PrivateIP)
	assert.True(t, c.Forwarding(ep.ID))

	for i := 0; i < 2; i++ {
		got, err := c.DescribeEndpoint(ctx, ep.ID)
		require.NoError(t, err)
		assert.True(t, got.Pending(), "poll %d", i)
	}
	got, err := c.DescribeEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "52.95.110.10", got.PublicIP)

	isolated, err := c.CreateEndpoint(ctx, provision.EndpointSpec{Name: "ec2-x", NetworkID: n.ID, SubnetID: n.Subnets[1].ID})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		got, _ := c.DescribeEndpoint(ctx, isolated.ID)
		assert.True(t, got.Pending())
	}
}

func TestDependencyViolations(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	n, err := c.CreateNetwork(ctx, siteA())
	require.NoError(t, err)

	gw, err := c.CreateGateway(ctx, "vgw-b")
	require.NoError(t, err)
	require.NoError(t, c.AttachGateway(ctx, gw.ID, n.ID))
	assert.Error(t, c.AttachGateway(ctx, gw.ID, n.ID))

	cgw, err := c.CreateCustomerGateway(ctx, "cgw-a", "52.95.110.10", 65000)
	require.NoError(t, err)
	conn, err := c.CreateVpnConnection(ctx, provision.ConnectionSpec{
		Name: "vpn-b", CustomerGatewayID: cgw.ID, GatewayID: gw.ID,
		PreSharedKeys: []string{"First.key_1", "Second.key_2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.PreSharedKeyCount(conn.ID))

	assert.Error(t, c.DeleteNetwork(ctx, n), "gateway still attached")
	assert.Error(t, c.DeleteGateway(ctx, gw.ID), "still attached")
	assert.Error(t, c.DeleteCustomerGateway(ctx, cgw.ID), "used by connection")

	require.NoError(t, c.DeleteVpnConnection(ctx, conn.ID))
	require.NoError(t, c.DeleteCustomerGateway(ctx, cgw.ID))
	require.NoError(t, c.DetachGateway(ctx, gw.ID, n.ID))
	require.NoError(t, c.DeleteGateway(ctx, gw.ID))
	require.NoError(t, c.DeleteNetwork(ctx, n))
	assert.True(t, c.Empty())
}

func TestVpnConnection_TunnelAddressesAfterPolls(t *testing.T) {
	c := New(Options{TunnelAddressesAfter: 1})
	ctx := context.Background()
	n, _ := c.CreateNetwork(ctx, siteA())
	gw, _ := c.CreateGateway(ctx, "vgw-b")
	require.NoError(t, c.AttachGateway(ctx, gw.ID, n.ID))
	cgw, _ := c.CreateCustomerGateway(ctx, "cgw-a", "52.95.110.10", 65000)

	conn, err := c.CreateVpnConnection(ctx, provision.ConnectionSpec{Name: "vpn-b", CustomerGatewayID: cgw.ID, GatewayID: gw.ID})
	require.NoError(t, err)
	assert.Empty(t, conn.TunnelAddresses)

	first, err := c.DescribeVpnConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, first.TunnelAddresses)
	second, err := c.DescribeVpnConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultTunnelAddresses, second.TunnelAddresses)

	require.NoError(t, c.CreateVpnConnectionRoute(ctx, conn.ID, "10.0.0.0/16"))
	require.NoError(t, c.CreateVpnConnectionRoute(ctx, conn.ID, "10.0.0.0/16"))
	assert.Equal(t, []string{"10.0.0.0/16"}, c.StaticRoutes(conn.ID))
}

func TestRoutesAndEndpointDeletion(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	n, _ := c.CreateNetwork(ctx, siteA())
	ep, err := c.CreateEndpoint(ctx, provision.EndpointSpec{Name: "ec2-a", NetworkID: n.ID, SubnetID: n.Subnets[0].ID})
	require.NoError(t, err)

	e := wetwire.RouteEntry{RouteTableID: n.Subnets[1].RouteTableID, DestinationCIDR: "172.16.0.0/16", NextHopGatewayID: ep.ID, NextHopType: wetwire.NextHopInstance}
	require.NoError(t, c.ReplaceRoute(ctx, e))
	assert.Error(t, c.ReplaceRoute(ctx, wetwire.RouteEntry{RouteTableID: "rtb-missing", DestinationCIDR: "172.16.0.0/16"}))

	assert.Error(t, c.DeleteEndpoint(ctx, ep.ID), "route points at endpoint")
	require.NoError(t, c.DeleteRoute(ctx, e))
	require.NoError(t, c.DeleteEndpoint(ctx, ep.ID))
	require.NoError(t, c.DeleteEndpoint(ctx, ep.ID), "already gone")
}

func TestStartupScriptAndFailures(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	n, _ := c.CreateNetwork(ctx, siteA())
	ep, _ := c.CreateEndpoint(ctx, provision.EndpointSpec{Name: "ec2-a", NetworkID: n.ID, SubnetID: n.Subnets[0].ID})

	require.NoError(t, c.ApplyStartupScript(ctx, ep.ID, []byte("#!/bin/bash\n")))
	script, ok := c.Script(ep.ID)
	require.True(t, ok)
	assert.Equal(t, "#!/bin/bash\n", string(script))
	assert.Error(t, c.ApplyStartupScript(ctx, "i-missing", nil))

	boom := errors.New("boom")
	c.FailOn("CreateGateway", boom)
	_, err := c.CreateGateway(ctx, "vgw-b")
	assert.ErrorIs(t, err, boom)
	c.FailOn("CreateGateway", nil)
	_, err = c.CreateGateway(ctx, "vgw-b")
	assert.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.CreateGateway(cancelled, "vgw-c")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Contains(t, c.Operations(), "CreateGateway vgw-b")
}
