package sitevpn

import (
	"context"
	"fmt"
	"strconv"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

func (b *builder) networkStage(site topology.Site) orchestrator.Stage {
	return orchestrator.Stage{
		Name:     StageName(KindNetwork, site.Name),
		Produces: handles(KindNetwork, site, HandleNetworkID, HandleCIDR, HandleSubnets),
		Config:   networkConfig(site),
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			def, err := site.Network()
			if err != nil {
				return nil, err
			}
			n, err := b.Provisioner.CreateNetwork(ctx, def)
			if err != nil {
				return nil, wetwire.Provisioning("create-network", err)
			}
			for _, s := range n.Subnets {
				if s.ID == "" || s.RouteTableID == "" {
					return nil, fmt.Errorf("subnet %s came back without ids", s.Name)
				}
			}
			subnets, err := wetwire.EncodeHandle(n.Subnets)
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{
				handle(KindNetwork, site, HandleNetworkID): n.ID,
				handle(KindNetwork, site, HandleCIDR):      n.CIDRBlock,
				handle(KindNetwork, site, HandleSubnets):   subnets,
			}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			n, err := network(rec.Outputs, site)
			if err != nil {
				return err
			}
			return wetwire.Provisioning("delete-network", b.Provisioner.DeleteNetwork(ctx, n))
		},
	}
}

// networkConfig covers the address layout only. Routed flags are read by the
// routes stages.
func networkConfig(site topology.Site) wetwire.Handles {
	c := wetwire.Handles{"cidr": site.CIDR}
	for _, s := range site.Subnets {
		layout := string(s.Kind) + "/" + strconv.Itoa(s.CIDRMask)
		if s.CIDR != "" {
			layout += " " + s.CIDR
		}
		c["subnet."+s.Name] = layout
	}
	return c
}

// Ingress of the self-managed endpoint: IKE, NAT-T, SSH and ICMP from
// anywhere.
func selfIngress() []provision.IngressRule {
	const anywhere = "0.0.0.0/0"
	return []provision.IngressRule{
		{Protocol: "udp", FromPort: 500, ToPort: 500, CIDR: anywhere, Description: "ISAKMP"},
		{Protocol: "udp", FromPort: 4500, ToPort: 4500, CIDR: anywhere, Description: "IPsec NAT-T"},
		{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: anywhere, Description: "SSH"},
		{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: anywhere, Description: "ICMP"},
	}
}

// Ingress of the managed-side endpoint: SSH and ICMP from the peer site only.
func managedIngress(peerCIDR string) []provision.IngressRule {
	return []provision.IngressRule{
		{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: peerCIDR, Description: "SSH from peer site"},
		{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: peerCIDR, Description: "ICMP from peer site"},
	}
}

func (b *builder) endpointSpec(site topology.Site, n wetwire.Network) (provision.EndpointSpec, error) {
	subnetName, err := site.EndpointSubnet()
	if err != nil {
		return provision.EndpointSpec{}, err
	}
	id, err := subnetID(n, subnetName)
	if err != nil {
		return provision.EndpointSpec{}, err
	}
	e := site.Endpoint
	return provision.EndpointSpec{
		Name:         e.Name,
		NetworkID:    n.ID,
		SubnetID:     id,
		Role:         e.Role,
		InstanceType: e.InstanceType,
		ImageID:      e.ImageID,
		KeyName:      e.KeyName,
		SSMRole:      e.SSMRole,
	}, nil
}

func endpointConfig(site topology.Site, forwarding bool, ingress []provision.IngressRule) wetwire.Handles {
	e := site.Endpoint
	c := wetwire.Handles{
		"name":         e.Name,
		"role":         string(e.Role),
		"instanceType": e.InstanceType,
		"imageId":      e.ImageID,
		"keyName":      e.KeyName,
		"subnet":       e.Subnet,
		"ssmRole":      strconv.FormatBool(e.SSMRole),
		"forwarding":   strconv.FormatBool(forwarding),
	}
	for i, r := range ingress {
		c["ingress."+strconv.Itoa(i)] = fmt.Sprintf("%s %d-%d %s", r.Protocol, r.FromPort, r.ToPort, r.CIDR)
	}
	return c
}

func (b *builder) selfEndpointStage() orchestrator.Stage {
	site := b.self
	return orchestrator.Stage{
		Name:     StageName(KindEndpoint, site.Name),
		Produces: handles(KindEndpoint, site, HandleInstanceID, HandlePublicIP),
		Consumes: handles(KindNetwork, site, HandleNetworkID, HandleCIDR, HandleSubnets),
		Config:   endpointConfig(site, true, selfIngress()),
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			n, err := network(sc.In, site)
			if err != nil {
				return nil, err
			}
			spec, err := b.endpointSpec(site, n)
			if err != nil {
				return nil, err
			}
			spec.Forwarding = true
			spec.Ingress = selfIngress()

			ep, err := b.Provisioner.CreateEndpoint(ctx, spec)
			if err != nil {
				return nil, wetwire.Provisioning("create-endpoint", err)
			}
			publicIP := ep.PublicIP
			if ep.Pending() {
				publicIP, err = sc.Await(ctx, handle(KindEndpoint, site, HandlePublicIP), func(ctx context.Context) (string, bool, error) {
					cur, err := b.Provisioner.DescribeEndpoint(ctx, ep.ID)
					if err != nil {
						return "", false, wetwire.Provisioning("describe-endpoint", err)
					}
					return cur.PublicIP, !cur.Pending(), nil
				})
				if err != nil {
					return nil, err
				}
			}
			return wetwire.Handles{
				handle(KindEndpoint, site, HandleInstanceID): ep.ID,
				handle(KindEndpoint, site, HandlePublicIP):   publicIP,
			}, nil
		},
		Teardown: b.deleteEndpoint(site),
	}
}

func (b *builder) managedEndpointStage() orchestrator.Stage {
	site := b.managed
	peerCIDR := handle(KindNetwork, b.self, HandleCIDR)
	return orchestrator.Stage{
		Name:     StageName(KindEndpoint, site.Name),
		Produces: handles(KindEndpoint, site, HandleInstanceID, HandlePrivateIP),
		Consumes: append(handles(KindNetwork, site, HandleNetworkID, HandleCIDR, HandleSubnets), peerCIDR),
		Config:   endpointConfig(site, false, managedIngress(b.self.CIDR)),
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			n, err := network(sc.In, site)
			if err != nil {
				return nil, err
			}
			spec, err := b.endpointSpec(site, n)
			if err != nil {
				return nil, err
			}
			peer, err := sc.Get(peerCIDR)
			if err != nil {
				return nil, err
			}
			spec.Ingress = managedIngress(peer)

			ep, err := b.Provisioner.CreateEndpoint(ctx, spec)
			if err != nil {
				return nil, wetwire.Provisioning("create-endpoint", err)
			}
			return wetwire.Handles{
				handle(KindEndpoint, site, HandleInstanceID): ep.ID,
				handle(KindEndpoint, site, HandlePrivateIP):  ep.PrivateIP,
			}, nil
		},
		Teardown: b.deleteEndpoint(site),
	}
}

func (b *builder) deleteEndpoint(site topology.Site) orchestrator.TeardownFunc {
	return func(ctx context.Context, rec wetwire.StageRecord) error {
		id := rec.Outputs[handle(KindEndpoint, site, HandleInstanceID)]
		if id == "" {
			return nil
		}
		return wetwire.Provisioning("delete-endpoint", b.Provisioner.DeleteEndpoint(ctx, id))
	}
}
