package tunnel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
)

func siteInput() Input {
	return Input{
		Local:         wetwire.Network{Name: "vpc-a", CIDRBlock: "10.0.0.0/16"},
		Remote:        wetwire.Network{Name: "vpc-b", CIDRBlock: "172.16.0.0/16"},
		LocalID:       "52.95.110.10",
		PeerAddresses: []string{"16.78.37.31", "16.78.205.31"},
		PSKs:          []wetwire.SecretRef{"site-to-site/tunnels/tunnel1", "site-to-site/tunnels/tunnel2"},
	}
}

func TestGenerate_SiteToSite(t *testing.T) {
	configs, err := Generate(siteInput())
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "16.78.37.31", configs[0].PeerPublicIP)
	assert.Equal(t, "16.78.205.31", configs[1].PeerPublicIP)
	assert.Equal(t, 100, configs[0].Mark)
	assert.Equal(t, 200, configs[1].Mark)
	assert.NotEqual(t, configs[0].PSK, configs[1].PSK)

	for _, c := range configs {
		assert.Equal(t, "10.0.0.0/16", c.LocalSubnetCIDR)
		assert.Equal(t, "172.16.0.0/16", c.RemoteSubnetCIDR)
		assert.Equal(t, "52.95.110.10", c.LocalID)
		assert.Equal(t, "ikev2", c.IKEVersion)
		assert.Equal(t, "8h", c.IKELifetime)
		assert.Equal(t, "1h", c.KeyLife)
		assert.Equal(t, "3m", c.RekeyMargin)
		assert.Equal(t, "10s", c.DPDDelay)
		assert.Equal(t, "30s", c.DPDTimeout)
		assert.Equal(t, "restart", c.DPDAction)
		assert.Equal(t, "start", c.Auto)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	first, err := Generate(siteInput())
	require.NoError(t, err)
	second, err := Generate(siteInput())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerate_Params(t *testing.T) {
	in := siteInput()
	in.Params = Params{IKEVersion: "ikev1", DPDAction: "clear"}
	configs, err := Generate(in)
	require.NoError(t, err)
	assert.Equal(t, "ikev1", configs[0].IKEVersion)
	assert.Equal(t, "clear", configs[1].DPDAction)
	assert.Equal(t, DefaultIKE, configs[0].IKE)
}

func TestGenerate_TopologyMismatch(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Input)
		field string
	}{
		{name: "left", edit: func(in *Input) { in.LocalSubnet = "10.1.0.0/16" }, field: "leftsubnet"},
		{name: "right", edit: func(in *Input) { in.RemoteSubnet = "172.16.0.0/24" }, field: "rightsubnet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := siteInput()
			tt.edit(&in)
			_, err := Generate(in)
			var tme *wetwire.TopologyMismatchError
			require.True(t, errors.As(err, &tme))
			assert.Equal(t, tt.field, tme.Field)
		})
	}

	in := siteInput()
	in.LocalSubnet = "10.0.0.0/16"
	in.RemoteSubnet = "172.16.0.0/16"
	_, err := Generate(in)
	assert.NoError(t, err)
}

func TestGenerate_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Input)
	}{
		{name: "private local id", edit: func(in *Input) { in.LocalID = "10.0.0.10" }},
		{name: "one peer", edit: func(in *Input) { in.PeerAddresses = in.PeerAddresses[:1] }},
		{name: "same peer twice", edit: func(in *Input) { in.PeerAddresses[1] = in.PeerAddresses[0] }},
		{name: "bad peer", edit: func(in *Input) { in.PeerAddresses[0] = "vgw-1" }},
		{name: "shared psk", edit: func(in *Input) { in.PSKs[1] = in.PSKs[0] }},
		{name: "no remote cidr", edit: func(in *Input) { in.Remote.CIDRBlock = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := siteInput()
			tt.edit(&in)
			_, err := Generate(in)
			assert.Error(t, err)
		})
	}
}

func TestKeyring_DerivesDistinctKeys(t *testing.T) {
	ctx := context.Background()
	store := secrets.NewMemoryStore()
	k := NewKeyring(store)

	refs, err := k.Ensure(ctx, "site-to-site/tunnels", 2)
	require.NoError(t, err)
	assert.Equal(t, []wetwire.SecretRef{"site-to-site/tunnels/tunnel1", "site-to-site/tunnels/tunnel2"}, refs)

	one, err := k.Reveal(ctx, refs[0])
	require.NoError(t, err)
	two, err := k.Reveal(ctx, refs[1])
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
	assert.NoError(t, ValidatePSK(one))
	assert.NoError(t, ValidatePSK(two))

	_, err = store.Get(ctx, "site-to-site/tunnels/seed")
	assert.NoError(t, err)

	again, err := k.Ensure(ctx, "site-to-site/tunnels", 2)
	require.NoError(t, err)
	assert.Equal(t, refs, again)
	still, _ := k.Reveal(ctx, refs[0])
	assert.Equal(t, one, still)
}

func TestKeyring_SeedIsDeterministic(t *testing.T) {
	ctx := context.Background()
	seed := bytes.Repeat([]byte{7}, 32)

	var keys []string
	for i := 0; i < 2; i++ {
		k := NewKeyring(secrets.NewMemoryStore())
		k.rand = bytes.NewReader(seed)
		refs, err := k.Ensure(ctx, "lab", 1)
		require.NoError(t, err)
		psk, err := k.Reveal(ctx, refs[0])
		require.NoError(t, err)
		keys = append(keys, psk)
	}
	assert.Equal(t, keys[0], keys[1])
}

func TestKeyring_SuppliedKeys(t *testing.T) {
	ctx := context.Background()
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "lab/tunnel1", "Supplied.key_1"))
	k := NewKeyring(store)

	refs, err := k.Ensure(ctx, "lab", 2)
	require.NoError(t, err)
	psk, _ := k.Reveal(ctx, refs[0])
	assert.Equal(t, "Supplied.key_1", psk)

	dup := secrets.NewMemoryStore()
	require.NoError(t, dup.Put(ctx, "lab/tunnel1", "Same.key_123"))
	require.NoError(t, dup.Put(ctx, "lab/tunnel2", "Same.key_123"))
	_, err = NewKeyring(dup).Ensure(ctx, "lab", 2)
	assert.ErrorContains(t, err, "same pre-shared key")

	bad := secrets.NewMemoryStore()
	require.NoError(t, bad.Put(ctx, "lab/tunnel1", "0startswithzero"))
	_, err = NewKeyring(bad).Ensure(ctx, "lab", 2)
	assert.Error(t, err)
}

func TestKeyring_Forget(t *testing.T) {
	ctx := context.Background()
	store := secrets.NewMemoryStore()
	k := NewKeyring(store)
	refs, err := k.Ensure(ctx, "lab", 2)
	require.NoError(t, err)

	require.NoError(t, k.Forget(ctx, "lab", 2))
	_, err = k.Reveal(ctx, refs[1])
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	_, err = store.Get(ctx, "lab/seed")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestValidatePSK(t *testing.T) {
	tests := []struct {
		psk   string
		valid bool
	}{
		{"Abcdefgh", true},
		{"a.b_c.d_e1", true},
		{"short", false},
		{"0abcdefgh", false},
		{"has-dash-1", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		err := ValidatePSK(tt.psk)
		if tt.valid {
			assert.NoError(t, err, tt.psk)
		} else {
			assert.Error(t, err, tt.psk)
		}
	}
}

func TestRender(t *testing.T) {
	ctx := context.Background()
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "site-to-site/tunnels/tunnel1", "First.key_1"))
	require.NoError(t, store.Put(ctx, "site-to-site/tunnels/tunnel2", "Second.key_2"))
	k := NewKeyring(store)

	configs, err := Generate(siteInput())
	require.NoError(t, err)

	conf := RenderIPsecConf(configs)
	assert.Contains(t, conf, "conn tunnel1\n")
	assert.Contains(t, conf, "\tright=16.78.37.31\n")
	assert.Contains(t, conf, "\tright=16.78.205.31\n")
	assert.Contains(t, conf, "\tleftsubnet=10.0.0.0/16\n")
	assert.Contains(t, conf, "\trightsubnet=172.16.0.0/16\n")
	assert.Contains(t, conf, "\tmark=100\n")
	assert.Contains(t, conf, "\tmark=200\n")
	assert.Contains(t, conf, "\tauto=start\n")
	assert.NotContains(t, conf, "First.key_1")

	script, err := Render(ctx, configs, k)
	require.NoError(t, err)
	s := string(script)
	assert.Contains(t, s, `52.95.110.10 16.78.37.31 : PSK "First.key_1"`)
	assert.Contains(t, s, `52.95.110.10 16.78.205.31 : PSK "Second.key_2"`)
	assert.Contains(t, s, "ip link add vti1 type vti remote 16.78.37.31 key 100")
	assert.Contains(t, s, "ip route add 172.16.0.0/16 dev vti2 metric 200")

	_, err = Render(ctx, nil, k)
	assert.Error(t, err)

	_, err = Render(ctx, configs, NewKeyring(secrets.NewMemoryStore()))
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}
