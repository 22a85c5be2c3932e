package topology

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// CarveSubnets assigns a CIDR to every subnet of the site, in declaration
// order, packing each block at the lowest aligned address after the previous
// one. Subnets with an explicit CIDR keep it and must lie inside the site.
func CarveSubnets(s Site) ([]wetwire.Subnet, error) {
	parent, err := parseBlock(s.CIDR)
	if err != nil {
		return nil, err
	}
	if len(s.Subnets) == 0 {
		return nil, errors.New("site has no subnets")
	}
	parentLen, _ := parent.Mask.Size()

	out := make([]wetwire.Subnet, 0, len(s.Subnets))
	blocks := make([]*net.IPNet, 0, len(s.Subnets))
	names := make(map[string]bool)
	cursor := ipv4ToUint(parent.IP)
	_, last := cidr.AddressRange(parent)
	end := ipv4ToUint(last)

	for _, sub := range s.Subnets {
		if sub.Name == "" {
			return nil, errors.New("subnet without a name")
		}
		if names[sub.Name] {
			return nil, fmt.Errorf("duplicate subnet %q", sub.Name)
		}
		names[sub.Name] = true
		if !sub.Kind.Valid() {
			return nil, fmt.Errorf("subnet %s: unknown kind %q", sub.Name, sub.Kind)
		}

		var block *net.IPNet
		if sub.CIDR != "" {
			block, err = parseBlock(sub.CIDR)
			if err != nil {
				return nil, fmt.Errorf("subnet %s: %w", sub.Name, err)
			}
			sub.CIDRMask, _ = block.Mask.Size()
		} else {
			if sub.CIDRMask < parentLen || sub.CIDRMask < minSubnetMask || sub.CIDRMask > maxSubnetMask {
				return nil, fmt.Errorf("subnet %s: mask /%d must be between /%d and /%d",
					sub.Name, sub.CIDRMask, max(parentLen, minSubnetMask), maxSubnetMask)
			}
			size := uint32(1) << uint(32-sub.CIDRMask)
			offset := cursor - ipv4ToUint(parent.IP)
			index := (offset + size - 1) / size
			if uint64(ipv4ToUint(parent.IP))+uint64(index+1)*uint64(size)-1 > uint64(end) {
				return nil, fmt.Errorf("subnet %s: no room for a /%d in %s", sub.Name, sub.CIDRMask, s.CIDR)
			}
			block, err = cidr.Subnet(parent, sub.CIDRMask-parentLen, int(index))
			if err != nil {
				return nil, fmt.Errorf("subnet %s: %w", sub.Name, err)
			}
		}

		_, blockLast := cidr.AddressRange(block)
		if next := ipv4ToUint(blockLast) + 1; next > cursor {
			cursor = next
		}
		blocks = append(blocks, block)
		sub.CIDR = block.String()
		out = append(out, sub)
	}

	if err := cidr.VerifyNoOverlap(blocks, parent); err != nil {
		return nil, &wetwire.InvalidAddressError{Address: s.CIDR, Reason: err.Error()}
	}
	return out, nil
}

func ipv4ToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}
