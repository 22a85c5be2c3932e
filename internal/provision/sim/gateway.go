package sim

import (
	"context"
	"fmt"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

// CreateGateway returns a detached gateway.
func (c *Cloud) CreateGateway(ctx context.Context, name string) (wetwire.ManagedGateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateGateway"); err != nil {
		return wetwire.ManagedGateway{}, err
	}
	if id, ok := c.lookup("gateway", name); ok {
		return *c.gateways[id], nil
	}
	gw := &wetwire.ManagedGateway{ID: c.newID("vgw"), Name: name}
	c.gateways[gw.ID] = gw
	c.remember("gateway", name, gw.ID)
	c.record("CreateGateway", " ", name)
	return *gw, nil
}

func (c *Cloud) DescribeGateway(ctx context.Context, id string) (wetwire.ManagedGateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DescribeGateway"); err != nil {
		return wetwire.ManagedGateway{}, err
	}
	gw, ok := c.gateways[id]
	if !ok {
		return wetwire.ManagedGateway{}, fmt.Errorf("gateway %s not found", id)
	}
	return *gw, nil
}

// AttachGateway refuses a second attachment, mirroring the cloud.
func (c *Cloud) AttachGateway(ctx context.Context, gatewayID, networkID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "AttachGateway"); err != nil {
		return err
	}
	gw, ok := c.gateways[gatewayID]
	if !ok {
		return fmt.Errorf("gateway %s not found", gatewayID)
	}
	if _, ok := c.networks[networkID]; !ok {
		return fmt.Errorf("network %s not found", networkID)
	}
	if gw.AttachedNetworkID != "" {
		return fmt.Errorf("gateway %s is already attached to %s", gatewayID, gw.AttachedNetworkID)
	}
	gw.AttachedNetworkID = networkID
	c.record("AttachGateway", " ", gatewayID, " ", networkID)
	return nil
}

func (c *Cloud) DetachGateway(ctx context.Context, gatewayID, networkID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DetachGateway"); err != nil {
		return err
	}
	gw, ok := c.gateways[gatewayID]
	if !ok || gw.AttachedNetworkID != networkID {
		return nil
	}
	for _, r := range c.routes {
		if r.NextHopGatewayID == gatewayID {
			return fmt.Errorf("gateway %s is the next hop of %s", gatewayID, r.Key())
		}
	}
	gw.AttachedNetworkID = ""
	c.record("DetachGateway", " ", gatewayID)
	return nil
}

// DeleteGateway fails while the gateway is attached or used by a connection.
func (c *Cloud) DeleteGateway(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteGateway"); err != nil {
		return err
	}
	gw, ok := c.gateways[id]
	if !ok {
		return nil
	}
	if gw.AttachedNetworkID != "" {
		return fmt.Errorf("gateway %s is still attached to %s", id, gw.AttachedNetworkID)
	}
	for _, conn := range c.conns {
		if conn.GatewayID == id {
			return fmt.Errorf("gateway %s is used by connection %s", id, conn.ID)
		}
	}
	delete(c.gateways, id)
	c.forget("gateway", gw.Name)
	c.record("DeleteGateway", " ", gw.Name)
	return nil
}

func (c *Cloud) CreateCustomerGateway(ctx context.Context, name, publicIP string, asn int64) (wetwire.CustomerGateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateCustomerGateway"); err != nil {
		return wetwire.CustomerGateway{}, err
	}
	if id, ok := c.lookup("customer-gateway", name); ok {
		return *c.customers[id], nil
	}
	cgw := &wetwire.CustomerGateway{ID: c.newID("cgw"), Name: name, PeerPublicIP: publicIP, ASN: asn}
	c.customers[cgw.ID] = cgw
	c.remember("customer-gateway", name, cgw.ID)
	c.record("CreateCustomerGateway", " ", name, " ", publicIP)
	return *cgw, nil
}

// DeleteCustomerGateway fails while a connection references the record.
func (c *Cloud) DeleteCustomerGateway(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteCustomerGateway"); err != nil {
		return err
	}
	cgw, ok := c.customers[id]
	if !ok {
		return nil
	}
	for _, conn := range c.conns {
		if conn.CustomerGatewayID == id {
			return fmt.Errorf("customer gateway %s is used by connection %s", id, conn.ID)
		}
	}
	delete(c.customers, id)
	c.forget("customer-gateway", cgw.Name)
	c.record("DeleteCustomerGateway", " ", cgw.Name)
	return nil
}

// CreateVpnConnection keeps only the number of pre-shared keys it was given.
func (c *Cloud) CreateVpnConnection(ctx context.Context, spec provision.ConnectionSpec) (wetwire.VpnConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateVpnConnection"); err != nil {
		return wetwire.VpnConnection{}, err
	}
	if id, ok := c.lookup("connection", spec.Name); ok {
		return c.conns[id].snapshot(), nil
	}
	if _, ok := c.customers[spec.CustomerGatewayID]; !ok {
		return wetwire.VpnConnection{}, fmt.Errorf("customer gateway %s not found", spec.CustomerGatewayID)
	}
	gw, ok := c.gateways[spec.GatewayID]
	if !ok {
		return wetwire.VpnConnection{}, fmt.Errorf("gateway %s not found", spec.GatewayID)
	}
	if gw.AttachedNetworkID == "" {
		return wetwire.VpnConnection{}, fmt.Errorf("gateway %s is not attached", spec.GatewayID)
	}
	conn := &connection{
		VpnConnection: wetwire.VpnConnection{
			ID:                c.newID("vpn"),
			Name:              spec.Name,
			CustomerGatewayID: spec.CustomerGatewayID,
			GatewayID:         spec.GatewayID,
			LocalCIDR:         spec.LocalCIDR,
			RemoteCIDR:        spec.RemoteCIDR,
			StaticRoutesOnly:  spec.StaticRoutesOnly,
		},
		keys: len(spec.PreSharedKeys),
	}
	c.conns[conn.ID] = conn
	c.remember("connection", spec.Name, conn.ID)
	c.record("CreateVpnConnection", " ", spec.Name)
	return conn.snapshot(), nil
}

func (conn *connection) snapshot() wetwire.VpnConnection {
	out := conn.VpnConnection
	out.TunnelAddresses = append([]string(nil), conn.TunnelAddresses...)
	return out
}

// PreSharedKeyCount returns how many keys a connection was created with.
func (c *Cloud) PreSharedKeyCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[id]; ok {
		return conn.keys
	}
	return 0
}

// StaticRoutes returns the static routes of a connection.
func (c *Cloud) StaticRoutes(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[id]; ok {
		return append([]string(nil), conn.cidrs...)
	}
	return nil
}

// DescribeVpnConnection reports the tunnel addresses once
// Options.TunnelAddressesAfter describes have passed.
func (c *Cloud) DescribeVpnConnection(ctx context.Context, id string) (wetwire.VpnConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DescribeVpnConnection"); err != nil {
		return wetwire.VpnConnection{}, err
	}
	conn, ok := c.conns[id]
	if !ok {
		return wetwire.VpnConnection{}, fmt.Errorf("connection %s not found", id)
	}
	if len(conn.TunnelAddresses) == 0 {
		if conn.polls >= c.opts.TunnelAddressesAfter {
			conn.TunnelAddresses = append([]string(nil), c.opts.TunnelAddresses...)
		}
		conn.polls++
	}
	return conn.snapshot(), nil
}

func (c *Cloud) CreateVpnConnectionRoute(ctx context.Context, connectionID, destinationCIDR string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateVpnConnectionRoute"); err != nil {
		return err
	}
	conn, ok := c.conns[connectionID]
	if !ok {
		return fmt.Errorf("connection %s not found", connectionID)
	}
	for _, existing := range conn.cidrs {
		if existing == destinationCIDR {
			return nil
		}
	}
	conn.cidrs = append(conn.cidrs, destinationCIDR)
	c.record("CreateVpnConnectionRoute", " ", connectionID, " ", destinationCIDR)
	return nil
}

func (c *Cloud) DeleteVpnConnection(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteVpnConnection"); err != nil {
		return err
	}
	conn, ok := c.conns[id]
	if !ok {
		return nil
	}
	delete(c.conns, id)
	c.forget("connection", conn.Name)
	c.record("DeleteVpnConnection", " ", conn.Name)
	return nil
}

// ReplaceRoute writes the entry; the route table must exist.
func (c *Cloud) ReplaceRoute(ctx context.Context, e wetwire.RouteEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "ReplaceRoute"); err != nil {
		return err
	}
	if !c.hasRouteTable(e.RouteTableID) {
		return fmt.Errorf("route table %s not found", e.RouteTableID)
	}
	c.routes[e.Key()] = e
	c.record("ReplaceRoute", " ", e.Key(), " ", e.NextHopGatewayID)
	return nil
}

func (c *Cloud) DeleteRoute(ctx context.Context, e wetwire.RouteEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteRoute"); err != nil {
		return err
	}
	if _, ok := c.routes[e.Key()]; !ok {
		return nil
	}
	delete(c.routes, e.Key())
	c.record("DeleteRoute", " ", e.Key())
	return nil
}

func (c *Cloud) hasRouteTable(id string) bool {
	for _, n := range c.networks {
		for _, s := range n.Subnets {
			if s.RouteTableID == id {
				return true
			}
		}
	}
	return false
}
