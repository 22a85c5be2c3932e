package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// ReplaceRoute writes e, replacing an existing entry for the same destination.
func (p *Provider) ReplaceRoute(ctx context.Context, e wetwire.RouteEntry) error {
	in := &ec2.CreateRouteInput{
		RouteTableId:         aws.String(e.RouteTableID),
		DestinationCidrBlock: aws.String(e.DestinationCIDR),
	}
	switch e.NextHopType {
	case wetwire.NextHopInstance:
		in.InstanceId = aws.String(e.NextHopGatewayID)
	default:
		in.GatewayId = aws.String(e.NextHopGatewayID)
	}
	if err := p.createOrReplaceRoute(ctx, in); err != nil {
		return fmt.Errorf("route %s via %s in %s: %w", e.DestinationCIDR, e.NextHopGatewayID, e.RouteTableID, err)
	}
	p.log.WithField("routeTable", e.RouteTableID).
		WithField("destination", e.DestinationCIDR).
		WithField("nextHop", e.NextHopGatewayID).
		Debug("route written")
	return nil
}

func (p *Provider) createOrReplaceRoute(ctx context.Context, in *ec2.CreateRouteInput) error {
	_, err := p.ec2.CreateRoute(ctx, in)
	if err == nil || !isCode(err, "RouteAlreadyExists") {
		return err
	}
	_, err = p.ec2.ReplaceRoute(ctx, &ec2.ReplaceRouteInput{
		RouteTableId:         in.RouteTableId,
		DestinationCidrBlock: in.DestinationCidrBlock,
		GatewayId:            in.GatewayId,
		InstanceId:           in.InstanceId,
	})
	return err
}

// DeleteRoute removes e. A missing entry is not an error.
func (p *Provider) DeleteRoute(ctx context.Context, e wetwire.RouteEntry) error {
	_, err := p.ec2.DeleteRoute(ctx, &ec2.DeleteRouteInput{
		RouteTableId:         aws.String(e.RouteTableID),
		DestinationCidrBlock: aws.String(e.DestinationCIDR),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting route %s in %s: %w", e.DestinationCIDR, e.RouteTableID, err)
	}
	return nil
}
