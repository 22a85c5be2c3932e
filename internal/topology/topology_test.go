package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

const siteToSiteYAML = `
name: site-to-site
description: Site-to-site VPN between VPC A and VPC B
region: ap-southeast-3
sites:
  - name: a
    cidr: 10.0.0.0/16
    subnets:
      - name: public
        kind: Public
        cidrMask: 24
      - name: isolated
        kind: PrivateIsolated
        cidrMask: 24
    endpoint:
      role: SelfManagedTunnel
      ssmRole: true
  - name: b
    cidr: 172.16.0.0/16
    subnets:
      - name: isolated
        kind: PrivateIsolated
        cidrMask: 24
    endpoint:
      role: ManagedGateway
peering:
  tunnel:
    peerAddresses: [16.78.37.31, 16.78.205.31]
`

func TestParse_SiteToSite(t *testing.T) {
	topo, err := Parse([]byte(siteToSiteYAML))
	require.NoError(t, err)

	assert.Equal(t, "site-to-site", topo.Name)
	assert.Equal(t, int64(DefaultASN), topo.Peering.ASN)
	assert.Equal(t, "site-to-site/tunnels", topo.Peering.Tunnel.SecretRef)

	a := topo.SelfManaged()
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, "ec2-a", a.Endpoint.Name)
	assert.Equal(t, "t3.nano", a.Endpoint.InstanceType)

	b := topo.Managed()
	assert.Equal(t, "b", b.Name)

	site, ok := topo.Site("b")
	require.True(t, ok)
	assert.Equal(t, "172.16.0.0/16", site.CIDR)

	_, ok = topo.Site("c")
	assert.False(t, ok)
}

func TestParse_JSON(t *testing.T) {
	doc := `{
  "name": "lab",
  "sites": [
    {"name": "a", "cidr": "192.168.0.0/26",
     "subnets": [{"name": "public", "kind": "Public", "cidrMask": 27}],
     "endpoint": {"role": "SelfManagedTunnel"}},
    {"name": "b", "cidr": "10.0.0.0/26",
     "subnets": [{"name": "private", "kind": "PrivateIsolated", "cidrMask": 27}],
     "endpoint": {"role": "ManagedGateway"}}
  ],
  "peering": {"asn": 65010, "tunnel": {}}
}`
	topo, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(65010), topo.Peering.ASN)

	net, err := topo.SelfManaged().Network()
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.0/27", net.Subnets[0].CIDR)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(siteToSiteYAML), 0o644))

	topo, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, topo.Sites, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Topology)
		wantMsg string
	}{
		{
			name: "overlapping sites",
			mutate: func(topo *Topology) {
				topo.Sites[1].CIDR = "10.0.128.0/17"
			},
			wantMsg: "site CIDRs overlap",
		},
		{
			name: "two self-managed sites",
			mutate: func(topo *Topology) {
				topo.Sites[1].Endpoint.Role = wetwire.RoleSelfManagedTunnel
				topo.Sites[1].Subnets[0].Kind = wetwire.SubnetPublic
			},
			wantMsg: "one SelfManagedTunnel site and one ManagedGateway site",
		},
		{
			name: "self-managed without public subnet",
			mutate: func(topo *Topology) {
				topo.Sites[0].Subnets = topo.Sites[0].Subnets[1:]
			},
			wantMsg: "needs a Public subnet",
		},
		{
			name: "host bits set",
			mutate: func(topo *Topology) {
				topo.Sites[0].CIDR = "10.0.0.1/16"
			},
			wantMsg: "host bits set",
		},
		{
			name: "one peer address",
			mutate: func(topo *Topology) {
				topo.Peering.Tunnel.PeerAddresses = []string{"16.78.37.31"}
			},
			wantMsg: "needs 0 or 2 entries",
		},
		{
			name: "asn out of range",
			mutate: func(topo *Topology) {
				topo.Peering.ASN = -1
			},
			wantMsg: "out of range",
		},
		{
			name: "secret ref with empty segment",
			mutate: func(topo *Topology) {
				topo.Peering.Tunnel.SecretRef = "site-to-site//tunnels"
			},
			wantMsg: "tunnel secretRef: invalid secret path",
		},
		{
			name: "secret ref escaping its prefix",
			mutate: func(topo *Topology) {
				topo.Peering.Tunnel.SecretRef = "../tunnels"
			},
			wantMsg: "tunnel secretRef",
		},
		{
			name: "mask too small",
			mutate: func(topo *Topology) {
				topo.Sites[1].Subnets[0].CIDRMask = 30
			},
			wantMsg: "must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo, err := Parse([]byte(siteToSiteYAML))
			require.NoError(t, err)

			tt.mutate(topo)
			err = topo.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_OverlapIsInvalidAddress(t *testing.T) {
	topo, err := Parse([]byte(siteToSiteYAML))
	require.NoError(t, err)
	topo.Sites[1].CIDR = "10.0.0.0/16"

	err = topo.Validate()
	var iae *wetwire.InvalidAddressError
	assert.True(t, errors.As(err, &iae))
}

func TestCarveSubnets(t *testing.T) {
	tests := []struct {
		name     string
		site     Site
		expected []string
	}{
		{
			name: "sequential /24s",
			site: Site{Name: "a", CIDR: "10.0.0.0/16", Subnets: []wetwire.Subnet{
				{Name: "public", Kind: wetwire.SubnetPublic, CIDRMask: 24},
				{Name: "isolated", Kind: wetwire.SubnetPrivateIsolated, CIDRMask: 24},
			}},
			expected: []string{"10.0.0.0/24", "10.0.1.0/24"},
		},
		{
			name: "alignment after a small block",
			site: Site{Name: "a", CIDR: "10.0.0.0/16", Subnets: []wetwire.Subnet{
				{Name: "small", Kind: wetwire.SubnetPublic, CIDRMask: 28},
				{Name: "big", Kind: wetwire.SubnetPrivateIsolated, CIDRMask: 20},
			}},
			expected: []string{"10.0.0.0/28", "10.0.16.0/20"},
		},
		{
			name: "explicit cidr is kept",
			site: Site{Name: "b", CIDR: "172.16.0.0/16", Subnets: []wetwire.Subnet{
				{Name: "isolated", Kind: wetwire.SubnetPrivateIsolated, CIDR: "172.16.8.0/24"},
				{Name: "next", Kind: wetwire.SubnetPrivateIsolated, CIDRMask: 24},
			}},
			expected: []string{"172.16.8.0/24", "172.16.9.0/24"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subnets, err := CarveSubnets(tt.site)
			require.NoError(t, err)
			var got []string
			for _, s := range subnets {
				got = append(got, s.CIDR)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCarveSubnets_Errors(t *testing.T) {
	full := Site{Name: "a", CIDR: "192.168.0.0/26", Subnets: []wetwire.Subnet{
		{Name: "one", Kind: wetwire.SubnetPublic, CIDRMask: 27},
		{Name: "two", Kind: wetwire.SubnetPublic, CIDRMask: 27},
		{Name: "three", Kind: wetwire.SubnetPublic, CIDRMask: 27},
	}}
	_, err := CarveSubnets(full)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no room")

	outside := Site{Name: "a", CIDR: "10.0.0.0/16", Subnets: []wetwire.Subnet{
		{Name: "stray", Kind: wetwire.SubnetPublic, CIDR: "10.1.0.0/24"},
	}}
	_, err = CarveSubnets(outside)
	require.Error(t, err)

	dup := Site{Name: "a", CIDR: "10.0.0.0/16", Subnets: []wetwire.Subnet{
		{Name: "x", Kind: wetwire.SubnetPublic, CIDRMask: 24},
		{Name: "x", Kind: wetwire.SubnetPublic, CIDRMask: 24},
	}}
	_, err = CarveSubnets(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate subnet")
}

func TestEndpointSubnet(t *testing.T) {
	topo, err := Parse([]byte(siteToSiteYAML))
	require.NoError(t, err)

	name, err := topo.SelfManaged().EndpointSubnet()
	require.NoError(t, err)
	assert.Equal(t, "public", name)

	name, err = topo.Managed().EndpointSubnet()
	require.NoError(t, err)
	assert.Equal(t, "isolated", name)

	site := topo.SelfManaged()
	site.Endpoint.Subnet = "isolated"
	_, err = site.EndpointSubnet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a Public subnet")
}
