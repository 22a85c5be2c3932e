package sitevpn

import (
	"context"
	"strings"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
	"github.com/lex00/wetwire-vpn-go/internal/routeplan"
	"github.com/lex00/wetwire-vpn-go/internal/topology"
)

// managedRoutesStage sends the self-managed site's CIDR from every routed
// subnet of the managed site to the VPN gateway. It waits for the VPN
// connection so traffic is not blackholed before the tunnels exist.
func (b *builder) managedRoutesStage() orchestrator.Stage {
	site := b.managed
	gatewayID := handle(KindGateway, site, HandleGatewayID)
	peerCIDR := handle(KindNetwork, b.self, HandleCIDR)
	consumes := append(handles(KindNetwork, site, HandleNetworkID, HandleCIDR, HandleSubnets),
		peerCIDR, gatewayID, handle(KindVpnConnection, site, HandleVpnConnectionID))

	return b.routesStage(site, consumes, func(sc *orchestrator.StageContext) (string, string, wetwire.NextHopType, error) {
		peer, err := sc.Get(peerCIDR)
		if err != nil {
			return "", "", "", err
		}
		hop, err := sc.Get(gatewayID)
		return peer, hop, wetwire.NextHopGateway, err
	})
}

// selfRoutesStage sends the managed site's CIDR from every routed subnet of
// the self-managed site to the tunnel endpoint. It runs after the tunnel
// stage has configured the endpoint.
func (b *builder) selfRoutesStage() orchestrator.Stage {
	site := b.self
	instanceID := handle(KindEndpoint, site, HandleInstanceID)
	peerCIDR := handle(KindNetwork, b.managed, HandleCIDR)
	consumes := append(handles(KindNetwork, site, HandleNetworkID, HandleCIDR, HandleSubnets),
		peerCIDR, instanceID, handle(KindTunnel, site, HandleConfigs))

	return b.routesStage(site, consumes, func(sc *orchestrator.StageContext) (string, string, wetwire.NextHopType, error) {
		peer, err := sc.Get(peerCIDR)
		if err != nil {
			return "", "", "", err
		}
		hop, err := sc.Get(instanceID)
		return peer, hop, wetwire.NextHopInstance, err
	})
}

type nextHopFunc func(sc *orchestrator.StageContext) (peerCIDR, nextHop string, hopType wetwire.NextHopType, err error)

// routesStage replaces the planned entries and, when it replaces an earlier
// build, deletes the recorded entries that are no longer planned.
func (b *builder) routesStage(site topology.Site, consumes []string, next nextHopFunc) orchestrator.Stage {
	routes := handle(KindRoutes, site, HandleRoutes)
	return orchestrator.Stage{
		Name:     StageName(KindRoutes, site.Name),
		Produces: []string{routes},
		Consumes: consumes,
		Config:   wetwire.Handles{"routed": strings.Join(routedSubnets(site), ",")},
		InPlace:  true,
		Materialize: func(ctx context.Context, sc *orchestrator.StageContext) (wetwire.Handles, error) {
			n, err := network(sc.In, site)
			if err != nil {
				return nil, err
			}
			applyRouted(n.Subnets, site)
			peer, hop, hopType, err := next(sc)
			if err != nil {
				return nil, err
			}
			entries, err := routeplan.Compute(n, peer, hop, hopType)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				sc.Log.Warn("no subnet is routed to the peer site")
			}
			for _, e := range entries {
				if err := b.Provisioner.ReplaceRoute(ctx, e); err != nil {
					return nil, wetwire.Provisioning("replace-route", err)
				}
				sc.Log.WithField("route_table", e.RouteTableID).Debugf("%s via %s", e.DestinationCIDR, e.NextHopGatewayID)
			}
			if sc.Previous != nil {
				if err := b.pruneRoutes(ctx, sc, entries); err != nil {
					return nil, err
				}
			}
			encoded, err := wetwire.EncodeHandle(entries)
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{routes: encoded}, nil
		},
		Teardown: func(ctx context.Context, rec wetwire.StageRecord) error {
			entries, err := Routes(rec)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := b.Provisioner.DeleteRoute(ctx, e); err != nil {
					return wetwire.Provisioning("delete-route", err)
				}
			}
			return nil
		},
	}
}

// pruneRoutes deletes the previously recorded entries that planned does not
// replace.
func (b *builder) pruneRoutes(ctx context.Context, sc *orchestrator.StageContext, planned []wetwire.RouteEntry) error {
	prev, err := Routes(*sc.Previous)
	if err != nil {
		sc.Log.WithError(err).Warn("previous routes unreadable, nothing pruned")
		return nil
	}
	keep := make(map[string]bool, len(planned))
	for _, e := range planned {
		keep[e.Key()] = true
	}
	for _, e := range prev {
		if keep[e.Key()] {
			continue
		}
		if err := b.Provisioner.DeleteRoute(ctx, e); err != nil {
			return wetwire.Provisioning("delete-route", err)
		}
		sc.Log.WithField("route_table", e.RouteTableID).Infof("removed %s", e.DestinationCIDR)
	}
	return nil
}

// applyRouted copies the topology's routed flags onto the recorded subnets,
// which keep the flags they were created with.
func applyRouted(subnets []wetwire.Subnet, site topology.Site) {
	flags := make(map[string]*bool, len(site.Subnets))
	for _, s := range site.Subnets {
		flags[s.Name] = s.Routed
	}
	for i := range subnets {
		subnets[i].Routed = flags[subnets[i].Name]
	}
}

func routedSubnets(site topology.Site) []string {
	var names []string
	for _, s := range site.Subnets {
		if s.CrossSite() {
			names = append(names, s.Name)
		}
	}
	return names
}

// Routes decodes the route entries recorded by a routes stage.
func Routes(rec wetwire.StageRecord) ([]wetwire.RouteEntry, error) {
	var entries []wetwire.RouteEntry
	if err := rec.Outputs.Decode(wetwire.HandleName(rec.Stage, HandleRoutes), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
