// Package gateway binds the vendor-managed gateway to its network and to the
// peer's customer gateway.
package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

// MaxASN is the largest ASN a customer gateway accepts.
const MaxASN = 2147483647

// Binding applies gateway operations through the provisioner.
type Binding struct {
	gw  provision.Gateways
	log logrus.FieldLogger
}

// New returns a Binding.
func New(gw provision.Gateways, log logrus.FieldLogger) *Binding {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Binding{gw: gw, log: log}
}

// Attach attaches gateway to network. Attaching to the network it is
// already attached to does nothing; any other network is refused.
func (b *Binding) Attach(ctx context.Context, network wetwire.Network, gateway wetwire.ManagedGateway) (wetwire.ManagedGateway, error) {
	if network.ID == "" {
		return gateway, fmt.Errorf("network %s has no id", network.Name)
	}
	current, err := b.gw.DescribeGateway(ctx, gateway.ID)
	if err != nil {
		return gateway, wetwire.Provisioning("describe-gateway", err)
	}

	switch current.AttachedNetworkID {
	case network.ID:
		b.log.WithField("gateway", gateway.ID).Debug("already attached")
		return current, nil
	case "":
	default:
		return current, &wetwire.AlreadyAttachedError{
			GatewayID:          gateway.ID,
			AttachedNetworkID:  current.AttachedNetworkID,
			RequestedNetworkID: network.ID,
		}
	}

	if err := b.gw.AttachGateway(ctx, gateway.ID, network.ID); err != nil {
		return current, wetwire.Provisioning("attach-gateway", err)
	}
	current.AttachedNetworkID = network.ID
	b.log.WithFields(logrus.Fields{"gateway": gateway.ID, "network": network.ID}).Info("gateway attached")
	return current, nil
}

// RegisterPeer records the self-managed endpoint as a customer gateway.
func (b *Binding) RegisterPeer(ctx context.Context, name, peerPublicIP string, asn int64) (wetwire.CustomerGateway, error) {
	if err := wetwire.CheckPublicIPv4(peerPublicIP); err != nil {
		return wetwire.CustomerGateway{}, err
	}
	if asn < 1 || asn > MaxASN {
		return wetwire.CustomerGateway{}, fmt.Errorf("ASN %d out of range 1..%d", asn, MaxASN)
	}
	cgw, err := b.gw.CreateCustomerGateway(ctx, name, peerPublicIP, asn)
	if err != nil {
		return wetwire.CustomerGateway{}, wetwire.Provisioning("create-customer-gateway", err)
	}
	return cgw, nil
}

// ConnectSpec is the input to Connect.
type ConnectSpec struct {
	Name            string
	CustomerGateway wetwire.CustomerGateway
	Gateway         wetwire.ManagedGateway
	// LocalCIDR is the managed site, RemoteCIDR the self-managed site.
	LocalCIDR     string
	RemoteCIDR    string
	PreSharedKeys []string
}

// Connect creates a static-routed VPN connection between the gateways and
// adds the connection route for the remote CIDR.
func (b *Binding) Connect(ctx context.Context, spec ConnectSpec) (wetwire.VpnConnection, error) {
	if spec.Gateway.AttachedNetworkID == "" {
		return wetwire.VpnConnection{}, fmt.Errorf("gateway %s is not attached to a network", spec.Gateway.ID)
	}
	if spec.CustomerGateway.ID == "" {
		return wetwire.VpnConnection{}, fmt.Errorf("customer gateway %s has no id", spec.CustomerGateway.Name)
	}
	for _, c := range []string{spec.LocalCIDR, spec.RemoteCIDR} {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return wetwire.VpnConnection{}, &wetwire.InvalidAddressError{Address: c, Reason: "not a CIDR block"}
		}
	}

	conn, err := b.gw.CreateVpnConnection(ctx, provision.ConnectionSpec{
		Name:              spec.Name,
		CustomerGatewayID: spec.CustomerGateway.ID,
		GatewayID:         spec.Gateway.ID,
		LocalCIDR:         spec.LocalCIDR,
		RemoteCIDR:        spec.RemoteCIDR,
		StaticRoutesOnly:  true,
		PreSharedKeys:     spec.PreSharedKeys,
	})
	if err != nil {
		return wetwire.VpnConnection{}, wetwire.Provisioning("create-vpn-connection", err)
	}
	if err := b.gw.CreateVpnConnectionRoute(ctx, conn.ID, spec.RemoteCIDR); err != nil {
		return conn, wetwire.Provisioning("create-vpn-connection-route", err)
	}

	conn.StaticRoutesOnly = true
	conn.LocalCIDR = spec.LocalCIDR
	conn.RemoteCIDR = spec.RemoteCIDR
	b.log.WithFields(logrus.Fields{"connection": conn.ID, "remote": spec.RemoteCIDR}).Info("vpn connection created")
	return conn, nil
}
