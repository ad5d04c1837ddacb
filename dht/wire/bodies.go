package wire

import (
	"errors"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
)

// NodeEntry is the on-wire [id, ip, port] triple of a routing-table node.
type NodeEntry struct {
	Id   []byte
	IP   net.IP
	Port uint16
}

// MarshalCBOR encodes the entry as a 3-element array.
func (e NodeEntry) MarshalCBOR() ([]byte, error) {
	ip := e.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return encMode.Marshal([]any{e.Id, []byte(ip), e.Port})
}

// UnmarshalCBOR decodes a 3-element array.
func (e *NodeEntry) UnmarshalCBOR(data []byte) error {
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("wire: node entry has %d elements", len(parts))
	}
	var ip []byte
	if err := decMode.Unmarshal(parts[0], &e.Id); err != nil {
		return err
	}
	if err := decMode.Unmarshal(parts[1], &ip); err != nil {
		return err
	}
	if err := decMode.Unmarshal(parts[2], &e.Port); err != nil {
		return err
	}
	if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
		return errors.New("wire: node entry has invalid address")
	}
	e.IP = net.IP(ip)
	return nil
}

// PeerEntry is the on-wire [peerId, nodeId, port, url?, sig] tuple of a
// peer announcement.
type PeerEntry struct {
	PeerId    []byte
	NodeId    []byte
	Port      uint16
	URL       string
	Signature []byte
}

// MarshalCBOR encodes the entry as a 4- or 5-element array; the URL element
// is present only when non-empty.
func (e PeerEntry) MarshalCBOR() ([]byte, error) {
	arr := []any{e.PeerId, e.NodeId, e.Port}
	if e.URL != "" {
		arr = append(arr, e.URL)
	}
	arr = append(arr, e.Signature)
	return encMode.Marshal(arr)
}

// UnmarshalCBOR decodes a 4- or 5-element array.
func (e *PeerEntry) UnmarshalCBOR(data []byte) error {
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 4 && len(parts) != 5 {
		return fmt.Errorf("wire: peer entry has %d elements", len(parts))
	}
	if err := decMode.Unmarshal(parts[0], &e.PeerId); err != nil {
		return err
	}
	if err := decMode.Unmarshal(parts[1], &e.NodeId); err != nil {
		return err
	}
	if err := decMode.Unmarshal(parts[2], &e.Port); err != nil {
		return err
	}
	next := 3
	if len(parts) == 5 {
		if err := decMode.Unmarshal(parts[next], &e.URL); err != nil {
			return err
		}
		next++
	} else {
		e.URL = ""
	}
	return decMode.Unmarshal(parts[next], &e.Signature)
}

// PingRequest and PingResponse carry no fields.
type (
	PingRequest  struct{}
	PingResponse struct{}
)

// FindNodeRequest asks for the nodes closest to Target.
type FindNodeRequest struct {
	Target []byte `cbor:"t"`
	Want   int32  `cbor:"w"`
}

// Wants4 reports whether the requester asked for IPv4 nodes.
func (r *FindNodeRequest) Wants4() bool { return r.Want&WantIPv4 != 0 }

// Wants6 reports whether the requester asked for IPv6 nodes.
func (r *FindNodeRequest) Wants6() bool { return r.Want&WantIPv6 != 0 }

// WantsToken reports whether the requester asked for a write token.
func (r *FindNodeRequest) WantsToken() bool { return r.Want&WantToken != 0 }

// FindNodeResponse returns closest nodes per requested family, plus an
// optional write token.
type FindNodeResponse struct {
	Nodes4 []NodeEntry `cbor:"n4,omitempty"`
	Nodes6 []NodeEntry `cbor:"n6,omitempty"`
	Token  int32       `cbor:"tok,omitempty"`
}

// FindValueRequest extends FindNodeRequest with a known-sequence floor:
// responders omit values older than Seq.
type FindValueRequest struct {
	Target []byte `cbor:"t"`
	Want   int32  `cbor:"w"`
	Seq    int32  `cbor:"seq"`
}

// Wants4 reports whether the requester asked for IPv4 nodes.
func (r *FindValueRequest) Wants4() bool { return r.Want&WantIPv4 != 0 }

// Wants6 reports whether the requester asked for IPv6 nodes.
func (r *FindValueRequest) Wants6() bool { return r.Want&WantIPv6 != 0 }

// FindValueResponse carries either a value or closest nodes.
type FindValueResponse struct {
	Nodes4    []NodeEntry `cbor:"n4,omitempty"`
	Nodes6    []NodeEntry `cbor:"n6,omitempty"`
	Token     int32       `cbor:"tok,omitempty"`
	PublicKey []byte      `cbor:"k,omitempty"`
	Recipient []byte      `cbor:"rec,omitempty"`
	Nonce     []byte      `cbor:"n,omitempty"`
	Signature []byte      `cbor:"sig,omitempty"`
	Seq       *int32      `cbor:"seq,omitempty"`
	Data      []byte      `cbor:"v,omitempty"`
}

// HasValue reports whether the response carries value data.
func (r *FindValueResponse) HasValue() bool { return len(r.Data) > 0 }

// StoreValueRequest writes a value, authorized by a recent token.
type StoreValueRequest struct {
	Token     int32  `cbor:"tok"`
	PublicKey []byte `cbor:"k,omitempty"`
	Recipient []byte `cbor:"rec,omitempty"`
	Nonce     []byte `cbor:"n,omitempty"`
	Signature []byte `cbor:"sig,omitempty"`
	Seq       *int32 `cbor:"seq,omitempty"`
	CAS       *int32 `cbor:"cas,omitempty"`
	Data      []byte `cbor:"v"`
}

// StoreValueResponse carries no fields.
type StoreValueResponse struct{}

// FindPeerRequest asks for announcements under a peer id.
type FindPeerRequest struct {
	Target []byte `cbor:"t"`
	Want   int32  `cbor:"w"`
}

// Wants4 reports whether the requester asked for IPv4 nodes.
func (r *FindPeerRequest) Wants4() bool { return r.Want&WantIPv4 != 0 }

// Wants6 reports whether the requester asked for IPv6 nodes.
func (r *FindPeerRequest) Wants6() bool { return r.Want&WantIPv6 != 0 }

// FindPeerResponse carries either announcements or closest nodes.
type FindPeerResponse struct {
	Nodes4 []NodeEntry `cbor:"n4,omitempty"`
	Nodes6 []NodeEntry `cbor:"n6,omitempty"`
	Token  int32       `cbor:"tok,omitempty"`
	Peers4 []PeerEntry `cbor:"p4,omitempty"`
	Peers6 []PeerEntry `cbor:"p6,omitempty"`
}

// HasPeers reports whether the response carries announcements.
func (r *FindPeerResponse) HasPeers() bool {
	return len(r.Peers4) > 0 || len(r.Peers6) > 0
}

// AnnouncePeerRequest publishes a signed peer announcement.
type AnnouncePeerRequest struct {
	Token     int32  `cbor:"tok"`
	PeerId    []byte `cbor:"pid"`
	NodeId    []byte `cbor:"nid"`
	Port      uint16 `cbor:"port"`
	AltURL    string `cbor:"alt,omitempty"`
	Signature []byte `cbor:"sig"`
}

// AnnouncePeerResponse carries no fields.
type AnnouncePeerResponse struct{}

// Error is the body of an `e` message.
type Error struct {
	Code    int32  `cbor:"c"`
	Message string `cbor:"m"`
}
