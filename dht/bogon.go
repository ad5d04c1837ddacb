package dht

import "net"

var bogonNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"224.0.0.0/4", "240.0.0.0/4",
		"::/128", "::1/128", "::ffff:0:0/96", "100::/64", "2001:db8::/32",
		"fc00::/7", "fe80::/10", "ff00::/8",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		bogonNets = append(bogonNets, n)
	}
}

// isBogon reports whether ip must never enter the routing table: private,
// loopback, link-local, multicast and other non-global ranges.
func isBogon(ip net.IP) bool {
	for _, n := range bogonNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
