package core

import (
	"fmt"
	"net"
)

// NodeInfo identifies a remote node by its Id and UDP endpoint.
type NodeInfo struct {
	Id      Id
	Addr    *net.UDPAddr
	Version uint32
}

// NewNodeInfo builds a NodeInfo from an id and endpoint.
func NewNodeInfo(id Id, addr *net.UDPAddr) NodeInfo {
	return NodeInfo{Id: id, Addr: addr}
}

// IsIPv4 reports whether the node's endpoint is an IPv4 address.
func (ni NodeInfo) IsIPv4() bool {
	return ni.Addr != nil && ni.Addr.IP.To4() != nil
}

// Matches reports whether two NodeInfos name the same node or the same
// endpoint; either collision makes them conflict for routing purposes.
func (ni NodeInfo) Matches(o NodeInfo) bool {
	return ni.Id == o.Id || sameEndpoint(ni.Addr, o.Addr)
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func (ni NodeInfo) String() string {
	return fmt.Sprintf("<%s,%s>", ni.Id, ni.Addr)
}

// FormatVersion renders a packed implementation version for log output.
// The high half carries a 2-character implementation tag, the low half the
// version number.
func FormatVersion(v uint32) string {
	if v == 0 {
		return "N/A"
	}
	tag := []byte{byte(v >> 24), byte(v >> 16)}
	for _, c := range tag {
		if c < ' ' || c > '~' {
			return fmt.Sprintf("unknown/%d", v)
		}
	}
	return fmt.Sprintf("%s/%d", tag, uint16(v))
}
