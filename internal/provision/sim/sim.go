// Package sim is an in-memory cloud used by tests, dry runs and the
// simulated provider of the CLI. Ids and addresses are deterministic for a
// given call sequence.
package sim

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

// Default address pools.
const (
	DefaultPublicPool = "52.95.110.0/24"
)

// DefaultTunnelAddresses are the outside addresses handed to every VPN
// connection unless Options.TunnelAddresses is set.
var DefaultTunnelAddresses = []string{"16.78.37.31", "16.78.205.31"}

// Options tunes the simulated allocation delays.
type Options struct {
	// PublicIPAfter is the number of DescribeEndpoint calls that return no
	// public address before one is allocated.
	PublicIPAfter int
	// TunnelAddressesAfter is the same for DescribeVpnConnection.
	TunnelAddressesAfter int
	TunnelAddresses      []string
	PublicPool           string
}

type endpoint struct {
	wetwire.Endpoint
	subnetID string
	polls    int
	public   bool
	forward  bool
	ingress  []provision.IngressRule
}

type connection struct {
	wetwire.VpnConnection
	polls int
	keys  int
	cidrs []string
}

// Cloud implements provision.Provisioner and provision.EndpointOS in memory.
type Cloud struct {
	mu   sync.Mutex
	opts Options
	seq  int
	pub  int

	networks   map[string]*wetwire.Network // by id
	endpoints  map[string]*endpoint
	gateways   map[string]*wetwire.ManagedGateway
	customers  map[string]*wetwire.CustomerGateway
	conns      map[string]*connection
	routes     map[string]wetwire.RouteEntry
	scripts    map[string][]byte
	byName     map[string]string // kind/name -> id
	failures   map[string]error
	operations []string
}

var (
	_ provision.Provisioner = (*Cloud)(nil)
	_ provision.EndpointOS  = (*Cloud)(nil)
)

// New returns an empty Cloud.
func New(opts Options) *Cloud {
	if opts.PublicPool == "" {
		opts.PublicPool = DefaultPublicPool
	}
	if len(opts.TunnelAddresses) == 0 {
		opts.TunnelAddresses = DefaultTunnelAddresses
	}
	return &Cloud{
		opts:      opts,
		networks:  map[string]*wetwire.Network{},
		endpoints: map[string]*endpoint{},
		gateways:  map[string]*wetwire.ManagedGateway{},
		customers: map[string]*wetwire.CustomerGateway{},
		conns:     map[string]*connection{},
		routes:    map[string]wetwire.RouteEntry{},
		scripts:   map[string][]byte{},
		byName:    map[string]string{},
		failures:  map[string]error{},
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (c *Cloud) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Operations returns the successful mutating calls in order.
func (c *Cloud) Operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.operations...)
}

// Routes returns every route entry, sorted by key.
func (c *Cloud) Routes() []wetwire.RouteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wetwire.RouteEntry, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Script returns the startup script applied to an endpoint.
func (c *Cloud) Script(endpointID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scripts[endpointID]
	return s, ok
}

// Empty reports whether every object has been deleted.
func (c *Cloud) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.networks)+len(c.endpoints)+len(c.gateways)+len(c.customers)+len(c.conns)+len(c.routes) == 0
}

// begin checks context and injected failures; callers hold c.mu.
func (c *Cloud) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.failures[op]; err != nil {
		return err
	}
	return nil
}

func (c *Cloud) record(op string, args ...any) {
	c.operations = append(c.operations, fmt.Sprint(append([]any{op}, args...)...))
}

func (c *Cloud) newID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%08x", prefix, c.seq)
}

func (c *Cloud) lookup(kind, name string) (string, bool) {
	id, ok := c.byName[kind+"/"+name]
	return id, ok
}

func (c *Cloud) remember(kind, name, id string) {
	c.byName[kind+"/"+name] = id
}

func (c *Cloud) forget(kind, name string) {
	delete(c.byName, kind+"/"+name)
}

func (c *Cloud) nextPublicIP() (string, error) {
	_, pool, err := net.ParseCIDR(c.opts.PublicPool)
	if err != nil {
		return "", err
	}
	c.pub++
	ip, err := cidr.Host(pool, 9+c.pub)
	if err != nil {
		return "", fmt.Errorf("public pool %s exhausted: %w", c.opts.PublicPool, err)
	}
	return ip.String(), nil
}

func cloneNetwork(n wetwire.Network) wetwire.Network {
	n.Subnets = append([]wetwire.Subnet(nil), n.Subnets...)
	return n
}

// CreateNetwork assigns ids and route tables. Public subnets get a default
// route to a simulated internet gateway.
func (c *Cloud) CreateNetwork(ctx context.Context, n wetwire.Network) (wetwire.Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateNetwork"); err != nil {
		return wetwire.Network{}, err
	}
	if id, ok := c.lookup("network", n.Name); ok {
		return cloneNetwork(*c.networks[id]), nil
	}
	if _, _, err := net.ParseCIDR(n.CIDRBlock); err != nil {
		return wetwire.Network{}, &wetwire.InvalidAddressError{Address: n.CIDRBlock, Reason: "not a CIDR block"}
	}

	out := cloneNetwork(n)
	out.ID = c.newID("vpc")
	var igw string
	for i := range out.Subnets {
		s := &out.Subnets[i]
		s.ID = c.newID("subnet")
		s.RouteTableID = c.newID("rtb")
		if s.Kind == wetwire.SubnetPublic {
			if igw == "" {
				igw = c.newID("igw")
			}
			e := wetwire.RouteEntry{RouteTableID: s.RouteTableID, DestinationCIDR: "0.0.0.0/0", NextHopGatewayID: igw, NextHopType: wetwire.NextHopGateway}
			c.routes[e.Key()] = e
		}
	}
	c.networks[out.ID] = &out
	c.remember("network", n.Name, out.ID)
	c.record("CreateNetwork", " ", n.Name)
	return cloneNetwork(out), nil
}

// DeleteNetwork fails while an endpoint or gateway still uses the network.
func (c *Cloud) DeleteNetwork(ctx context.Context, n wetwire.Network) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteNetwork"); err != nil {
		return err
	}
	stored, ok := c.networks[n.ID]
	if !ok {
		return nil
	}
	for _, e := range c.endpoints {
		if e.NetworkID == n.ID {
			return fmt.Errorf("network %s has dependencies: endpoint %s", n.ID, e.ID)
		}
	}
	for _, g := range c.gateways {
		if g.AttachedNetworkID == n.ID {
			return fmt.Errorf("network %s has dependencies: gateway %s", n.ID, g.ID)
		}
	}
	for _, s := range stored.Subnets {
		for k, r := range c.routes {
			if r.RouteTableID == s.RouteTableID {
				delete(c.routes, k)
			}
		}
	}
	delete(c.networks, n.ID)
	c.forget("network", stored.Name)
	c.record("DeleteNetwork", " ", stored.Name)
	return nil
}

func (c *Cloud) subnet(networkID, subnetID string) (wetwire.Subnet, error) {
	n, ok := c.networks[networkID]
	if !ok {
		return wetwire.Subnet{}, fmt.Errorf("network %s not found", networkID)
	}
	for _, s := range n.Subnets {
		if s.ID == subnetID {
			return s, nil
		}
	}
	return wetwire.Subnet{}, fmt.Errorf("subnet %s not found in %s", subnetID, networkID)
}

// CreateEndpoint places the node in its subnet. The public address of a
// node in a public subnet shows up after Options.PublicIPAfter describes.
func (c *Cloud) CreateEndpoint(ctx context.Context, spec provision.EndpointSpec) (wetwire.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "CreateEndpoint"); err != nil {
		return wetwire.Endpoint{}, err
	}
	if id, ok := c.lookup("endpoint", spec.Name); ok {
		return c.endpoints[id].Endpoint, nil
	}
	s, err := c.subnet(spec.NetworkID, spec.SubnetID)
	if err != nil {
		return wetwire.Endpoint{}, err
	}
	_, block, err := net.ParseCIDR(s.CIDR)
	if err != nil {
		return wetwire.Endpoint{}, fmt.Errorf("subnet %s: %w", s.ID, err)
	}
	private, err := cidr.Host(block, 10+len(c.endpoints))
	if err != nil {
		return wetwire.Endpoint{}, err
	}

	e := &endpoint{
		Endpoint: wetwire.Endpoint{
			ID:        c.newID("i"),
			Name:      spec.Name,
			NetworkID: spec.NetworkID,
			PrivateIP: private.String(),
			Role:      spec.Role,
		},
		subnetID: spec.SubnetID,
		public:   s.Kind == wetwire.SubnetPublic,
		forward:  spec.Forwarding,
		ingress:  append([]provision.IngressRule(nil), spec.Ingress...),
	}
	c.endpoints[e.ID] = e
	c.remember("endpoint", spec.Name, e.ID)
	c.record("CreateEndpoint", " ", spec.Name)
	return e.Endpoint, nil
}

// DescribeEndpoint counts polls and allocates the public address once the
// configured number has passed.
func (c *Cloud) DescribeEndpoint(ctx context.Context, id string) (wetwire.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DescribeEndpoint"); err != nil {
		return wetwire.Endpoint{}, err
	}
	e, ok := c.endpoints[id]
	if !ok {
		return wetwire.Endpoint{}, fmt.Errorf("endpoint %s not found", id)
	}
	if e.public && e.PublicIP == "" {
		if e.polls >= c.opts.PublicIPAfter {
			ip, err := c.nextPublicIP()
			if err != nil {
				return wetwire.Endpoint{}, err
			}
			e.PublicIP = ip
		}
		e.polls++
	}
	return e.Endpoint, nil
}

// Ingress returns the rules an endpoint was created with.
func (c *Cloud) Ingress(id string) []provision.IngressRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.endpoints[id]; ok {
		return append([]provision.IngressRule(nil), e.ingress...)
	}
	return nil
}

// Forwarding reports whether the endpoint forwards traffic for other hosts.
func (c *Cloud) Forwarding(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.endpoints[id]
	return ok && e.forward
}

// DeleteEndpoint fails while a route still points at the endpoint.
func (c *Cloud) DeleteEndpoint(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "DeleteEndpoint"); err != nil {
		return err
	}
	e, ok := c.endpoints[id]
	if !ok {
		return nil
	}
	for _, r := range c.routes {
		if r.NextHopGatewayID == id {
			return fmt.Errorf("endpoint %s is the next hop of %s", id, r.Key())
		}
	}
	delete(c.endpoints, id)
	delete(c.scripts, id)
	c.forget("endpoint", e.Name)
	c.record("DeleteEndpoint", " ", e.Name)
	return nil
}

// ApplyStartupScript stores the script.
func (c *Cloud) ApplyStartupScript(ctx context.Context, endpointID string, script []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx, "ApplyStartupScript"); err != nil {
		return err
	}
	if _, ok := c.endpoints[endpointID]; !ok {
		return fmt.Errorf("endpoint %s not found", endpointID)
	}
	c.scripts[endpointID] = append([]byte(nil), script...)
	c.record("ApplyStartupScript", " ", endpointID)
	return nil
}
