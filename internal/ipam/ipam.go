// Package ipam allocates external IPv4 addresses for VM-backed instances
// out of a configured set of CIDR pools.
//
// The allocator itself holds no state — it is a pure function over the
// pool and the set of addresses already in use — because the store
// (internal/store) is the sole owner of the in-use set: allocation and
// the instance mutation that records the assigned IP happen inside the
// same store.Mutate critical section, so a crash between the two can
// never leak an address.
package ipam

import (
	"errors"
	"fmt"
	"net"
)

// ErrOutOfAddresses is returned by Allocate when every address in every
// configured pool is already in use.
var ErrOutOfAddresses = errors.New("external IP pool is exhausted")

// Pool is a single CIDR range addresses are handed out from.
type Pool struct {
	cidr    *net.IPNet
	network uint32
	first   uint32
	last    uint32
}

// ParsePools parses a list of CIDR strings (EXTERNAL_IP_POOL, comma
// separated) into Pools, in the order given — allocation walks pools in
// that order, lowest free address first within each.
func ParsePools(cidrs []string) ([]Pool, error) {
	pools := make([]Pool, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", c, err)
		}
		network := ipToUint32(ipnet.IP.Mask(ipnet.Mask))
		ones, bits := ipnet.Mask.Size()
		size := uint32(1) << uint(bits-ones)
		broadcast := network + size - 1

		first, last := network+1, broadcast-1
		if size <= 2 {
			// /31 and /32 pools have no distinct network/broadcast to skip.
			first, last = network, broadcast
		}
		pools = append(pools, Pool{cidr: ipnet, network: network, first: first, last: last})
	}
	return pools, nil
}

// Allocate returns the lowest free address across pools, in pool order,
// that is not present in inUse. Network and broadcast addresses are
// never handed out.
func Allocate(pools []Pool, inUse map[string]bool) (string, error) {
	for _, p := range pools {
		for v := p.first; v <= p.last; v++ {
			ip := uint32ToIP(v).String()
			if !inUse[ip] {
				return ip, nil
			}
		}
	}
	return "", ErrOutOfAddresses
}

// CountAvailable returns the number of addresses across pools that are
// not present in inUse, for the ip_pool_available metric.
func CountAvailable(pools []Pool, inUse map[string]bool) int {
	n := 0
	for _, p := range pools {
		for v := p.first; v <= p.last; v++ {
			if !inUse[uint32ToIP(v).String()] {
				n++
			}
		}
	}
	return n
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
