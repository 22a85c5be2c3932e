// Package topology loads and validates the two-site topology file: the
// ground truth every stage and the tunnel generator derive their values from.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"

	"github.com/apparentlymart/go-cidr/cidr"
	"gopkg.in/yaml.v3"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
)

// DefaultASN is the private ASN recorded on the customer gateway.
const DefaultASN = 65000

const (
	minSubnetMask = 16
	maxSubnetMask = 28
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,30}$`)

// Topology is the declarative description of both sites and the peering.
type Topology struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Region      string  `json:"region,omitempty" yaml:"region,omitempty"`
	Sites       []Site  `json:"sites" yaml:"sites"`
	Peering     Peering `json:"peering" yaml:"peering"`
}

// Site is one isolated network and the endpoint placed in it.
type Site struct {
	Name     string           `json:"name" yaml:"name"`
	CIDR     string           `json:"cidr" yaml:"cidr"`
	Subnets  []wetwire.Subnet `json:"subnets" yaml:"subnets"`
	Endpoint EndpointSpec     `json:"endpoint" yaml:"endpoint"`
}

// EndpointSpec describes the compute node of a site.
type EndpointSpec struct {
	Name         string               `json:"name,omitempty" yaml:"name,omitempty"`
	Role         wetwire.EndpointRole `json:"role" yaml:"role"`
	InstanceType string               `json:"instanceType,omitempty" yaml:"instanceType,omitempty"`
	ImageID      string               `json:"imageId,omitempty" yaml:"imageId,omitempty"`
	KeyName      string               `json:"keyName,omitempty" yaml:"keyName,omitempty"`
	// Subnet names the subnet the node is placed in. Defaults to the first
	// Public subnet for self-managed endpoints and the first PrivateIsolated
	// subnet otherwise.
	Subnet  string `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	SSMRole bool   `json:"ssmRole,omitempty" yaml:"ssmRole,omitempty"`
}

// Peering holds the parameters shared by both ends of the VPN.
type Peering struct {
	ASN    int64      `json:"asn,omitempty" yaml:"asn,omitempty"`
	Tunnel TunnelSpec `json:"tunnel" yaml:"tunnel"`
}

// TunnelSpec configures the self-managed side's tunnel daemon.
type TunnelSpec struct {
	// LocalSubnet and RemoteSubnet default to the self-managed and managed
	// site CIDRs. They are checked against those CIDRs at generation time.
	LocalSubnet  string `json:"localSubnet,omitempty" yaml:"localSubnet,omitempty"`
	RemoteSubnet string `json:"remoteSubnet,omitempty" yaml:"remoteSubnet,omitempty"`
	// PeerAddresses pins the two remote tunnel addresses. When empty they are
	// taken from the VPN connection.
	PeerAddresses []string `json:"peerAddresses,omitempty" yaml:"peerAddresses,omitempty"`
	// SecretRef is the secret store prefix holding the pre-shared keys.
	SecretRef string `json:"secretRef,omitempty" yaml:"secretRef,omitempty"`

	IKEVersion  string `json:"ikeVersion,omitempty" yaml:"ikeVersion,omitempty"`
	IKE         string `json:"ike,omitempty" yaml:"ike,omitempty"`
	ESP         string `json:"esp,omitempty" yaml:"esp,omitempty"`
	IKELifetime string `json:"ikeLifetime,omitempty" yaml:"ikeLifetime,omitempty"`
	KeyLife     string `json:"keyLife,omitempty" yaml:"keyLife,omitempty"`
	RekeyMargin string `json:"rekeyMargin,omitempty" yaml:"rekeyMargin,omitempty"`
	DPDDelay    string `json:"dpdDelay,omitempty" yaml:"dpdDelay,omitempty"`
	DPDTimeout  string `json:"dpdTimeout,omitempty" yaml:"dpdTimeout,omitempty"`
	DPDAction   string `json:"dpdAction,omitempty" yaml:"dpdAction,omitempty"`
}

// Load reads a topology file, accepting JSON or YAML.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a topology document, applies defaults and validates it.
func Parse(data []byte) (*Topology, error) {
	var t Topology

	// Try JSON first
	if err := json.Unmarshal(data, &t); err != nil {
		t = Topology{}
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to parse as JSON or YAML: %w", err)
		}
	}

	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ApplyDefaults fills in optional fields.
func (t *Topology) ApplyDefaults() {
	if t.Peering.ASN == 0 {
		t.Peering.ASN = DefaultASN
	}
	for i := range t.Sites {
		s := &t.Sites[i]
		if s.Endpoint.Name == "" {
			s.Endpoint.Name = "ec2-" + s.Name
		}
		if s.Endpoint.InstanceType == "" {
			s.Endpoint.InstanceType = "t3.nano"
		}
	}
	if t.Peering.Tunnel.SecretRef == "" && t.Name != "" {
		t.Peering.Tunnel.SecretRef = t.Name + "/tunnels"
	}
}

// Validate checks the topology and returns every problem found.
func (t *Topology) Validate() error {
	var errs []error

	if !nameRe.MatchString(t.Name) {
		errs = append(errs, fmt.Errorf("topology name %q must be a lowercase label", t.Name))
	}
	if len(t.Sites) != 2 {
		errs = append(errs, fmt.Errorf("expected exactly 2 sites, got %d", len(t.Sites)))
	}

	seen := make(map[string]bool)
	var blocks []*net.IPNet
	roles := make(map[wetwire.EndpointRole]int)
	for _, s := range t.Sites {
		if !nameRe.MatchString(s.Name) {
			errs = append(errs, fmt.Errorf("site name %q must be a lowercase label", s.Name))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate site %q", s.Name))
		}
		seen[s.Name] = true

		block, err := parseBlock(s.CIDR)
		if err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", s.Name, err))
			continue
		}
		blocks = append(blocks, block)

		if _, err := CarveSubnets(s); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", s.Name, err))
		}

		if !s.Endpoint.Role.Valid() {
			errs = append(errs, fmt.Errorf("site %s: unknown endpoint role %q", s.Name, s.Endpoint.Role))
			continue
		}
		roles[s.Endpoint.Role]++
		if _, err := s.EndpointSubnet(); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", s.Name, err))
		}
	}

	if len(blocks) == 2 {
		if err := cidr.VerifyNoOverlap(blocks, anyIPv4()); err != nil {
			errs = append(errs, &wetwire.InvalidAddressError{
				Address: blocks[0].String() + "," + blocks[1].String(),
				Reason:  "site CIDRs overlap",
			})
		}
	}

	if len(t.Sites) == 2 && (roles[wetwire.RoleSelfManagedTunnel] != 1 || roles[wetwire.RoleManagedGateway] != 1) {
		errs = append(errs, errors.New("topology needs one SelfManagedTunnel site and one ManagedGateway site"))
	}

	if t.Peering.ASN < 1 || t.Peering.ASN > 2147483647 {
		errs = append(errs, fmt.Errorf("peering ASN %d out of range", t.Peering.ASN))
	}

	tun := t.Peering.Tunnel
	if n := len(tun.PeerAddresses); n != 0 && n != 2 {
		errs = append(errs, fmt.Errorf("tunnel peerAddresses needs 0 or 2 entries, got %d", n))
	}
	for _, addr := range tun.PeerAddresses {
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			errs = append(errs, &wetwire.InvalidAddressError{Address: addr, Reason: "not an IPv4 literal"})
		}
	}
	for field, v := range map[string]string{"localSubnet": tun.LocalSubnet, "remoteSubnet": tun.RemoteSubnet} {
		if v == "" {
			continue
		}
		if _, err := parseBlock(v); err != nil {
			errs = append(errs, fmt.Errorf("tunnel %s: %w", field, err))
		}
	}
	if tun.SecretRef != "" {
		if err := secrets.ValidPath(tun.SecretRef); err != nil {
			errs = append(errs, fmt.Errorf("tunnel secretRef: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Site returns the named site.
func (t *Topology) Site(name string) (Site, bool) {
	for _, s := range t.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return Site{}, false
}

// SelfManaged returns the site whose endpoint runs its own tunnel daemon.
func (t *Topology) SelfManaged() Site {
	return t.siteWithRole(wetwire.RoleSelfManagedTunnel)
}

// Managed returns the site behind the vendor-managed gateway.
func (t *Topology) Managed() Site {
	return t.siteWithRole(wetwire.RoleManagedGateway)
}

func (t *Topology) siteWithRole(role wetwire.EndpointRole) Site {
	for _, s := range t.Sites {
		if s.Endpoint.Role == role {
			return s
		}
	}
	return Site{}
}

// Network returns the site's network definition with carved subnet CIDRs.
// Ids are left empty; the provisioning collaborator fills them in.
func (s Site) Network() (wetwire.Network, error) {
	subnets, err := CarveSubnets(s)
	if err != nil {
		return wetwire.Network{}, err
	}
	return wetwire.Network{
		Name:      "vpc-" + s.Name,
		CIDRBlock: s.CIDR,
		Subnets:   subnets,
	}, nil
}

// EndpointSubnet returns the name of the subnet hosting the site's endpoint.
func (s Site) EndpointSubnet() (string, error) {
	if s.Endpoint.Subnet != "" {
		for _, sub := range s.Subnets {
			if sub.Name == s.Endpoint.Subnet {
				if s.Endpoint.Role == wetwire.RoleSelfManagedTunnel && sub.Kind != wetwire.SubnetPublic {
					return "", fmt.Errorf("self-managed endpoint needs a Public subnet, %s is %s", sub.Name, sub.Kind)
				}
				return sub.Name, nil
			}
		}
		return "", fmt.Errorf("endpoint subnet %q not defined", s.Endpoint.Subnet)
	}

	want := wetwire.SubnetPrivateIsolated
	if s.Endpoint.Role == wetwire.RoleSelfManagedTunnel {
		want = wetwire.SubnetPublic
	}
	for _, sub := range s.Subnets {
		if sub.Kind == want {
			return sub.Name, nil
		}
	}
	if want == wetwire.SubnetPublic {
		return "", errors.New("self-managed endpoint needs a Public subnet")
	}
	if len(s.Subnets) > 0 {
		return s.Subnets[0].Name, nil
	}
	return "", errors.New("site has no subnets")
}

func parseBlock(s string) (*net.IPNet, error) {
	ip, block, err := net.ParseCIDR(s)
	if err != nil {
		return nil, &wetwire.InvalidAddressError{Address: s, Reason: "not a CIDR block"}
	}
	if ip.To4() == nil {
		return nil, &wetwire.InvalidAddressError{Address: s, Reason: "only IPv4 blocks are supported"}
	}
	if !ip.Equal(block.IP) {
		return nil, &wetwire.InvalidAddressError{Address: s, Reason: "host bits set, use " + block.String()}
	}
	return block, nil
}

func anyIPv4() *net.IPNet {
	_, block, _ := net.ParseCIDR("0.0.0.0/0")
	return block
}
