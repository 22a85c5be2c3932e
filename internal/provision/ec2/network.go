package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

const defaultRoute = "0.0.0.0/0"

func subnetTag(netName, subnet string) string { return netName + "-" + subnet }

func igwTag(netName string) string { return netName + "-igw" }

// CreateNetwork creates the VPC, its subnets and one route table per subnet.
func (p *Provider) CreateNetwork(ctx context.Context, net wetwire.Network) (wetwire.Network, error) {
	out := net
	out.Subnets = append([]wetwire.Subnet(nil), net.Subnets...)

	vpcID, err := p.ensureVpc(ctx, net)
	if err != nil {
		return wetwire.Network{}, err
	}
	out.ID = vpcID

	var igwID string
	for _, s := range net.Subnets {
		if s.Kind == wetwire.SubnetPublic {
			if igwID, err = p.ensureInternetGateway(ctx, net.Name, vpcID); err != nil {
				return wetwire.Network{}, err
			}
			break
		}
	}

	for i, s := range out.Subnets {
		name := subnetTag(net.Name, s.Name)
		subnetID, err := p.ensureSubnet(ctx, vpcID, name, s)
		if err != nil {
			return wetwire.Network{}, err
		}
		rtID, err := p.ensureRouteTable(ctx, vpcID, name, subnetID)
		if err != nil {
			return wetwire.Network{}, err
		}
		if s.Kind == wetwire.SubnetPublic {
			if err := p.createOrReplaceRoute(ctx, &ec2.CreateRouteInput{
				RouteTableId:         aws.String(rtID),
				DestinationCidrBlock: aws.String(defaultRoute),
				GatewayId:            aws.String(igwID),
			}); err != nil {
				return wetwire.Network{}, fmt.Errorf("default route for %s: %w", name, err)
			}
		}
		out.Subnets[i].ID = subnetID
		out.Subnets[i].RouteTableID = rtID
	}

	p.log.WithField("network", net.Name).WithField("id", vpcID).Info("network ready")
	return out, nil
}

func (p *Provider) ensureVpc(ctx context.Context, net wetwire.Network) (string, error) {
	found, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: p.nameFilters(net.Name)})
	if err != nil {
		return "", fmt.Errorf("describing VPC %s: %w", net.Name, err)
	}
	if len(found.Vpcs) > 0 {
		return aws.ToString(found.Vpcs[0].VpcId), nil
	}
	created, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(net.CIDRBlock),
		TagSpecifications: p.tags(types.ResourceTypeVpc, net.Name),
	})
	if err != nil {
		return "", fmt.Errorf("creating VPC %s: %w", net.Name, err)
	}
	return aws.ToString(created.Vpc.VpcId), nil
}

func (p *Provider) ensureInternetGateway(ctx context.Context, netName, vpcID string) (string, error) {
	name := igwTag(netName)
	found, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: p.nameFilters(name)})
	if err != nil {
		return "", fmt.Errorf("describing internet gateway %s: %w", name, err)
	}
	if len(found.InternetGateways) > 0 {
		igw := found.InternetGateways[0]
		for _, a := range igw.Attachments {
			if aws.ToString(a.VpcId) == vpcID {
				return aws.ToString(igw.InternetGatewayId), nil
			}
		}
		return aws.ToString(igw.InternetGatewayId), p.attachInternetGateway(ctx, aws.ToString(igw.InternetGatewayId), vpcID)
	}
	created, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: p.tags(types.ResourceTypeInternetGateway, name),
	})
	if err != nil {
		return "", fmt.Errorf("creating internet gateway %s: %w", name, err)
	}
	id := aws.ToString(created.InternetGateway.InternetGatewayId)
	return id, p.attachInternetGateway(ctx, id, vpcID)
}

func (p *Provider) attachInternetGateway(ctx context.Context, igwID, vpcID string) error {
	_, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	})
	if err != nil && !isCode(err, "Resource.AlreadyAssociated") {
		return fmt.Errorf("attaching internet gateway %s: %w", igwID, err)
	}
	return nil
}

func (p *Provider) ensureSubnet(ctx context.Context, vpcID, name string, s wetwire.Subnet) (string, error) {
	found, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: p.nameFilters(name, filter("vpc-id", vpcID)),
	})
	if err != nil {
		return "", fmt.Errorf("describing subnet %s: %w", name, err)
	}
	if len(found.Subnets) > 0 {
		return aws.ToString(found.Subnets[0].SubnetId), nil
	}
	created, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(s.CIDR),
		TagSpecifications: p.tags(types.ResourceTypeSubnet, name),
	})
	if err != nil {
		return "", fmt.Errorf("creating subnet %s: %w", name, err)
	}
	id := aws.ToString(created.Subnet.SubnetId)
	if s.Kind == wetwire.SubnetPublic {
		if _, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(id),
			MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return "", fmt.Errorf("enabling public addresses on %s: %w", name, err)
		}
	}
	return id, nil
}

func (p *Provider) ensureRouteTable(ctx context.Context, vpcID, name, subnetID string) (string, error) {
	found, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: p.nameFilters(name, filter("vpc-id", vpcID)),
	})
	if err != nil {
		return "", fmt.Errorf("describing route table %s: %w", name, err)
	}
	var rtID string
	if len(found.RouteTables) > 0 {
		rt := found.RouteTables[0]
		rtID = aws.ToString(rt.RouteTableId)
		for _, a := range rt.Associations {
			if aws.ToString(a.SubnetId) == subnetID {
				return rtID, nil
			}
		}
	} else {
		created, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
			VpcId:             aws.String(vpcID),
			TagSpecifications: p.tags(types.ResourceTypeRouteTable, name),
		})
		if err != nil {
			return "", fmt.Errorf("creating route table %s: %w", name, err)
		}
		rtID = aws.ToString(created.RouteTable.RouteTableId)
	}
	if _, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(rtID),
		SubnetId:     aws.String(subnetID),
	}); err != nil {
		return "", fmt.Errorf("associating route table %s: %w", name, err)
	}
	return rtID, nil
}

// DeleteNetwork removes the route tables, subnets, internet gateway and VPC.
// Objects already gone are skipped.
func (p *Provider) DeleteNetwork(ctx context.Context, net wetwire.Network) error {
	if net.ID == "" {
		return nil
	}
	var errs []error
	for _, s := range net.Subnets {
		if s.RouteTableID != "" {
			if err := p.deleteRouteTable(ctx, s.RouteTableID); err != nil {
				errs = append(errs, err)
			}
		}
		if s.ID != "" {
			if _, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(s.ID)}); err != nil && !isNotFound(err) {
				errs = append(errs, fmt.Errorf("deleting subnet %s: %w", s.ID, err))
			}
		}
	}

	igws, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []types.Filter{filter("attachment.vpc-id", net.ID)},
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("describing internet gateways: %w", err))
	} else {
		for _, igw := range igws.InternetGateways {
			id := igw.InternetGatewayId
			if _, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{InternetGatewayId: id, VpcId: aws.String(net.ID)}); err != nil && !isNotFound(err) {
				errs = append(errs, fmt.Errorf("detaching %s: %w", aws.ToString(id), err))
				continue
			}
			if _, err := p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: id}); err != nil && !isNotFound(err) {
				errs = append(errs, fmt.Errorf("deleting %s: %w", aws.ToString(id), err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(net.ID)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting VPC %s: %w", net.ID, err)
	}
	return nil
}

func (p *Provider) deleteRouteTable(ctx context.Context, id string) error {
	found, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("describing route table %s: %w", id, err)
	}
	for _, rt := range found.RouteTables {
		for _, a := range rt.Associations {
			if aws.ToBool(a.Main) {
				continue
			}
			if _, err := p.ec2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: a.RouteTableAssociationId,
			}); err != nil && !isNotFound(err) {
				return fmt.Errorf("disassociating route table %s: %w", id, err)
			}
		}
	}
	if _, err := p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting route table %s: %w", id, err)
	}
	return nil
}
