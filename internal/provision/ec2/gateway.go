package ec2

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/retry"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

var errNotYet = errors.New("not yet")

// CreateGateway returns the virtual private gateway tagged name, creating it
// when absent.
func (p *Provider) CreateGateway(ctx context.Context, name string) (wetwire.ManagedGateway, error) {
	found, err := p.ec2.DescribeVpnGateways(ctx, &ec2.DescribeVpnGatewaysInput{
		Filters: p.nameFilters(name, filter("state", "pending", "available")),
	})
	if err != nil {
		return wetwire.ManagedGateway{}, fmt.Errorf("describing gateway %s: %w", name, err)
	}
	if len(found.VpnGateways) > 0 {
		return gatewayFrom(found.VpnGateways[0]), nil
	}
	created, err := p.ec2.CreateVpnGateway(ctx, &ec2.CreateVpnGatewayInput{
		Type:              types.GatewayTypeIpsec1,
		TagSpecifications: p.tags(types.ResourceTypeVpnGateway, name),
	})
	if err != nil {
		return wetwire.ManagedGateway{}, fmt.Errorf("creating gateway %s: %w", name, err)
	}
	gw := gatewayFrom(*created.VpnGateway)
	gw.Name = name
	p.log.WithField("gateway", name).WithField("id", gw.ID).Info("gateway created")
	return gw, nil
}

func gatewayFrom(g types.VpnGateway) wetwire.ManagedGateway {
	gw := wetwire.ManagedGateway{
		ID:   aws.ToString(g.VpnGatewayId),
		Name: tagValue(g.Tags, "Name"),
	}
	for _, a := range g.VpcAttachments {
		if a.State == types.AttachmentStatusAttached || a.State == types.AttachmentStatusAttaching {
			gw.AttachedNetworkID = aws.ToString(a.VpcId)
		}
	}
	return gw
}

// DescribeGateway returns the gateway and the VPC it is attached to, if any.
func (p *Provider) DescribeGateway(ctx context.Context, id string) (wetwire.ManagedGateway, error) {
	out, err := p.ec2.DescribeVpnGateways(ctx, &ec2.DescribeVpnGatewaysInput{VpnGatewayIds: []string{id}})
	if err != nil {
		return wetwire.ManagedGateway{}, fmt.Errorf("describing gateway %s: %w", id, err)
	}
	if len(out.VpnGateways) == 0 {
		return wetwire.ManagedGateway{}, fmt.Errorf("gateway %s not found", id)
	}
	return gatewayFrom(out.VpnGateways[0]), nil
}

// AttachGateway attaches the gateway and waits until the attachment settles.
func (p *Provider) AttachGateway(ctx context.Context, gatewayID, networkID string) error {
	if _, err := p.ec2.AttachVpnGateway(ctx, &ec2.AttachVpnGatewayInput{
		VpnGatewayId: aws.String(gatewayID),
		VpcId:        aws.String(networkID),
	}); err != nil {
		return fmt.Errorf("attaching %s to %s: %w", gatewayID, networkID, err)
	}
	return p.poll(ctx, "gateway attachment", func() error {
		out, err := p.ec2.DescribeVpnGateways(ctx, &ec2.DescribeVpnGatewaysInput{VpnGatewayIds: []string{gatewayID}})
		if err != nil {
			return err
		}
		for _, g := range out.VpnGateways {
			for _, a := range g.VpcAttachments {
				if aws.ToString(a.VpcId) == networkID && a.State == types.AttachmentStatusAttached {
					return nil
				}
			}
		}
		return errNotYet
	})
}

// DetachGateway detaches the gateway from the VPC and waits for it.
func (p *Provider) DetachGateway(ctx context.Context, gatewayID, networkID string) error {
	if _, err := p.ec2.DetachVpnGateway(ctx, &ec2.DetachVpnGatewayInput{
		VpnGatewayId: aws.String(gatewayID),
		VpcId:        aws.String(networkID),
	}); err != nil {
		if isNotFound(err) || isCode(err, "InvalidVpnGatewayAttachment.NotFound") {
			return nil
		}
		return fmt.Errorf("detaching %s from %s: %w", gatewayID, networkID, err)
	}
	return p.poll(ctx, "gateway detachment", func() error {
		gw, err := p.DescribeGateway(ctx, gatewayID)
		if err != nil {
			return err
		}
		if gw.AttachedNetworkID == networkID {
			return errNotYet
		}
		return nil
	})
}

// DeleteGateway deletes the gateway, retrying while a detachment drains.
func (p *Provider) DeleteGateway(ctx context.Context, id string) error {
	return p.retryIncorrectState(ctx, "deleting gateway "+id, func() error {
		_, err := p.ec2.DeleteVpnGateway(ctx, &ec2.DeleteVpnGatewayInput{VpnGatewayId: aws.String(id)})
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// CreateCustomerGateway registers the peer's public address.
func (p *Provider) CreateCustomerGateway(ctx context.Context, name, publicIP string, asn int64) (wetwire.CustomerGateway, error) {
	found, err := p.ec2.DescribeCustomerGateways(ctx, &ec2.DescribeCustomerGatewaysInput{
		Filters: p.nameFilters(name, filter("state", "pending", "available"), filter("ip-address", publicIP)),
	})
	if err != nil {
		return wetwire.CustomerGateway{}, fmt.Errorf("describing customer gateway %s: %w", name, err)
	}
	if len(found.CustomerGateways) > 0 {
		return customerGatewayFrom(found.CustomerGateways[0], name), nil
	}
	created, err := p.ec2.CreateCustomerGateway(ctx, &ec2.CreateCustomerGatewayInput{
		Type:              types.GatewayTypeIpsec1,
		IpAddress:         aws.String(publicIP),
		BgpAsn:            aws.Int32(int32(asn)),
		TagSpecifications: p.tags(types.ResourceTypeCustomerGateway, name),
	})
	if err != nil {
		return wetwire.CustomerGateway{}, fmt.Errorf("creating customer gateway %s: %w", name, err)
	}
	cgw := customerGatewayFrom(*created.CustomerGateway, name)
	p.log.WithField("customerGateway", name).WithField("id", cgw.ID).Info("customer gateway created")
	return cgw, nil
}

func customerGatewayFrom(c types.CustomerGateway, name string) wetwire.CustomerGateway {
	asn, _ := strconv.ParseInt(aws.ToString(c.BgpAsn), 10, 64)
	return wetwire.CustomerGateway{
		ID:           aws.ToString(c.CustomerGatewayId),
		Name:         name,
		PeerPublicIP: aws.ToString(c.IpAddress),
		ASN:          asn,
	}
}

// DeleteCustomerGateway deletes the record, retrying while a connection
// that references it is still being deleted.
func (p *Provider) DeleteCustomerGateway(ctx context.Context, id string) error {
	return p.retryIncorrectState(ctx, "deleting customer gateway "+id, func() error {
		_, err := p.ec2.DeleteCustomerGateway(ctx, &ec2.DeleteCustomerGatewayInput{CustomerGatewayId: aws.String(id)})
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// CreateVpnConnection creates the connection. The pre-shared keys go to the
// tunnel options and nowhere else.
func (p *Provider) CreateVpnConnection(ctx context.Context, spec provision.ConnectionSpec) (wetwire.VpnConnection, error) {
	found, err := p.ec2.DescribeVpnConnections(ctx, &ec2.DescribeVpnConnectionsInput{
		Filters: p.nameFilters(spec.Name, filter("state", "pending", "available")),
	})
	if err != nil {
		return wetwire.VpnConnection{}, fmt.Errorf("describing connection %s: %w", spec.Name, err)
	}
	if len(found.VpnConnections) > 0 {
		return connectionFrom(found.VpnConnections[0]), nil
	}

	opts := &types.VpnConnectionOptionsSpecification{
		StaticRoutesOnly: aws.Bool(spec.StaticRoutesOnly),
		// EC2 names the customer side "local".
		LocalIpv4NetworkCidr:  aws.String(spec.RemoteCIDR),
		RemoteIpv4NetworkCidr: aws.String(spec.LocalCIDR),
	}
	for _, psk := range spec.PreSharedKeys {
		opts.TunnelOptions = append(opts.TunnelOptions, types.VpnTunnelOptionsSpecification{PreSharedKey: aws.String(psk)})
	}
	created, err := p.ec2.CreateVpnConnection(ctx, &ec2.CreateVpnConnectionInput{
		CustomerGatewayId: aws.String(spec.CustomerGatewayID),
		VpnGatewayId:      aws.String(spec.GatewayID),
		Type:              aws.String(string(types.GatewayTypeIpsec1)),
		Options:           opts,
		TagSpecifications: p.tags(types.ResourceTypeVpnConnection, spec.Name),
	})
	if err != nil {
		return wetwire.VpnConnection{}, fmt.Errorf("creating connection %s: %w", spec.Name, err)
	}
	conn := connectionFrom(*created.VpnConnection)
	conn.Name = spec.Name
	p.log.WithField("connection", spec.Name).WithField("id", conn.ID).Info("VPN connection created")
	return conn, nil
}

// connectionFrom never copies the tunnel options' pre-shared keys.
func connectionFrom(c types.VpnConnection) wetwire.VpnConnection {
	conn := wetwire.VpnConnection{
		ID:                aws.ToString(c.VpnConnectionId),
		Name:              tagValue(c.Tags, "Name"),
		CustomerGatewayID: aws.ToString(c.CustomerGatewayId),
		GatewayID:         aws.ToString(c.VpnGatewayId),
	}
	var addrs []string
	if o := c.Options; o != nil {
		conn.StaticRoutesOnly = aws.ToBool(o.StaticRoutesOnly)
		conn.LocalCIDR = aws.ToString(o.RemoteIpv4NetworkCidr)
		conn.RemoteCIDR = aws.ToString(o.LocalIpv4NetworkCidr)
		for _, t := range o.TunnelOptions {
			if a := aws.ToString(t.OutsideIpAddress); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		for _, t := range c.VgwTelemetry {
			if a := aws.ToString(t.OutsideIpAddress); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) >= 2 {
		conn.TunnelAddresses = addrs[:2]
	}
	return conn
}

// DescribeVpnConnection returns the connection with its outside tunnel
// addresses once both are allocated.
func (p *Provider) DescribeVpnConnection(ctx context.Context, id string) (wetwire.VpnConnection, error) {
	out, err := p.ec2.DescribeVpnConnections(ctx, &ec2.DescribeVpnConnectionsInput{VpnConnectionIds: []string{id}})
	if err != nil {
		return wetwire.VpnConnection{}, fmt.Errorf("describing connection %s: %w", id, err)
	}
	if len(out.VpnConnections) == 0 {
		return wetwire.VpnConnection{}, fmt.Errorf("connection %s not found", id)
	}
	return connectionFrom(out.VpnConnections[0]), nil
}

// CreateVpnConnectionRoute adds a static route to the connection.
func (p *Provider) CreateVpnConnectionRoute(ctx context.Context, connectionID, destinationCIDR string) error {
	_, err := p.ec2.CreateVpnConnectionRoute(ctx, &ec2.CreateVpnConnectionRouteInput{
		VpnConnectionId:      aws.String(connectionID),
		DestinationCidrBlock: aws.String(destinationCIDR),
	})
	if err != nil && !isCode(err, "RouteAlreadyExists", "InvalidVpnConnectionRoute.Duplicate") {
		return fmt.Errorf("adding %s to %s: %w", destinationCIDR, connectionID, err)
	}
	return nil
}

// DeleteVpnConnection deletes the connection.
func (p *Provider) DeleteVpnConnection(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteVpnConnection(ctx, &ec2.DeleteVpnConnectionInput{VpnConnectionId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting connection %s: %w", id, err)
	}
	return nil
}

// poll retries check until it stops returning errNotYet.
func (p *Provider) poll(ctx context.Context, what string, check func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         check,
		IsFatalError: func(err error) bool { return !errors.Is(err, errNotYet) },
		Attempts:     30,
		Delay:        p.retryDelay,
		MaxDelay:     8 * p.retryDelay,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        p.clock,
		Stop:         ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", what, retry.LastError(err))
	}
	return nil
}

func (p *Provider) retryIncorrectState(ctx context.Context, what string, call func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         call,
		IsFatalError: func(err error) bool { return !isCode(err, "IncorrectState", "DependencyViolation") },
		NotifyFunc: func(err error, attempt int) {
			p.log.WithField("attempt", attempt).Debugf("%s: %v", what, err)
		},
		Attempts:    30,
		Delay:       p.retryDelay,
		MaxDelay:    8 * p.retryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, retry.LastError(err))
	}
	return nil
}
