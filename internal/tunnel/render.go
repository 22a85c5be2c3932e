package tunnel

import (
	"context"
	"fmt"
	"strings"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// KeySource resolves pre-shared key references.
type KeySource interface {
	Reveal(ctx context.Context, ref wetwire.SecretRef) (string, error)
}

// RenderIPsecConf returns the ipsec.conf stanzas for configs. It holds no
// secret material.
func RenderIPsecConf(configs []wetwire.TunnelConfig) string {
	var b strings.Builder
	b.WriteString("config setup\n")
	b.WriteString("\tcharondebug=\"ike 1, knl 1, cfg 0\"\n")
	b.WriteString("\tuniqueids=no\n\n")

	for _, c := range configs {
		fmt.Fprintf(&b, "conn %s\n", c.Name)
		fmt.Fprintf(&b, "\tauto=%s\n", c.Auto)
		b.WriteString("\tleft=%defaultroute\n")
		fmt.Fprintf(&b, "\tleftid=%s\n", c.LocalID)
		fmt.Fprintf(&b, "\tright=%s\n", c.PeerPublicIP)
		b.WriteString("\ttype=tunnel\n")
		b.WriteString("\tleftauth=psk\n")
		b.WriteString("\trightauth=psk\n")
		fmt.Fprintf(&b, "\tkeyexchange=%s\n", c.IKEVersion)
		fmt.Fprintf(&b, "\tike=%s\n", c.IKE)
		fmt.Fprintf(&b, "\tikelifetime=%s\n", c.IKELifetime)
		fmt.Fprintf(&b, "\tesp=%s\n", c.ESP)
		fmt.Fprintf(&b, "\tkeylife=%s\n", c.KeyLife)
		fmt.Fprintf(&b, "\trekeymargin=%s\n", c.RekeyMargin)
		b.WriteString("\tkeyingtries=%forever\n")
		fmt.Fprintf(&b, "\tleftsubnet=%s\n", c.LocalSubnetCIDR)
		fmt.Fprintf(&b, "\trightsubnet=%s\n", c.RemoteSubnetCIDR)
		fmt.Fprintf(&b, "\tdpddelay=%s\n", c.DPDDelay)
		fmt.Fprintf(&b, "\tdpdtimeout=%s\n", c.DPDTimeout)
		fmt.Fprintf(&b, "\tdpdaction=%s\n", c.DPDAction)
		fmt.Fprintf(&b, "\tmark=%d\n", c.Mark)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderSecrets returns the ipsec.secrets stanza matching configs.
func RenderSecrets(ctx context.Context, configs []wetwire.TunnelConfig, keys KeySource) (string, error) {
	var b strings.Builder
	for _, c := range configs {
		psk, err := keys.Reveal(ctx, c.PSK)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.Name, err)
		}
		fmt.Fprintf(&b, "%s %s : PSK \"%s\"\n", c.LocalID, c.PeerPublicIP, psk)
	}
	return b.String(), nil
}

// Render returns the startup script that installs the daemon, writes both
// files, creates one VTI interface per tunnel keyed by its mark and starts
// the tunnels.
func Render(ctx context.Context, configs []wetwire.TunnelConfig, keys KeySource) ([]byte, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no tunnel configs to render")
	}
	secretsFile, err := RenderSecrets(ctx, configs, keys)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -euo pipefail\n\n")
	b.WriteString("dnf install -y strongswan\n")
	b.WriteString("sysctl -w net.ipv4.ip_forward=1\n")
	b.WriteString("sysctl -w net.ipv4.conf.all.rp_filter=2\n\n")

	b.WriteString("cat > /etc/strongswan/ipsec.conf <<'EOF'\n")
	b.WriteString(RenderIPsecConf(configs))
	b.WriteString("EOF\n\n")

	b.WriteString("umask 077\n")
	b.WriteString("cat > /etc/strongswan/ipsec.secrets <<'EOF'\n")
	b.WriteString(secretsFile)
	b.WriteString("EOF\n\n")

	b.WriteString("cat > /etc/strongswan/strongswan.d/charon-vti.conf <<'EOF'\n")
	b.WriteString("charon {\n\tinstall_routes = no\n}\nEOF\n\n")

	for i, c := range configs {
		vti := fmt.Sprintf("vti%d", i+1)
		fmt.Fprintf(&b, "ip link add %s type vti remote %s key %d\n", vti, c.PeerPublicIP, c.Mark)
		fmt.Fprintf(&b, "sysctl -w net.ipv4.conf.%s.disable_policy=1\n", vti)
		fmt.Fprintf(&b, "ip link set %s up mtu 1419\n", vti)
		fmt.Fprintf(&b, "ip route add %s dev %s metric %d\n", c.RemoteSubnetCIDR, vti, c.Mark)
	}
	b.WriteString("\nsystemctl enable --now strongswan\n")
	return []byte(b.String()), nil
}
