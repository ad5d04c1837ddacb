package dht

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
)

// tokenManager mints and verifies stateless 4-byte write tokens. A token
// binds the requester's id and endpoint to a target id and a 5-minute time
// window under a rotating session secret.
type tokenManager struct {
	sessionSecret [32]byte
	timestamp     time.Time
	previous      time.Time
}

func newTokenManager() *tokenManager {
	tm := &tokenManager{timestamp: time.Now()}
	crypto.ReadRandom(tm.sessionSecret[:])
	return tm
}

func (tm *tokenManager) updateTimestamps() {
	now := time.Now()
	for now.Sub(tm.timestamp) > TokenTimeout {
		tm.previous = tm.timestamp
		tm.timestamp = now
	}
}

func tokenOf(nodeId core.Id, ip net.IP, port uint16, targetId core.Id, stamp time.Time, secret []byte) int32 {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	h := sha256.New()
	h.Write(nodeId[:])
	h.Write(ip)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	h.Write(portBuf[:])
	h.Write(targetId[:])
	var stampBuf [8]byte
	binary.BigEndian.PutUint64(stampBuf[:], uint64(stamp.UnixMilli()))
	h.Write(stampBuf[:])
	h.Write(secret)
	digest := h.Sum(nil)

	pos := int(digest[0]) & 0x1f
	return int32(uint32(digest[pos])<<24 |
		uint32(digest[(pos+1)&0x1f])<<16 |
		uint32(digest[(pos+2)&0x1f])<<8 |
		uint32(digest[(pos+3)&0x1f]))
}

// generate mints a token for the given requester and target.
func (tm *tokenManager) generate(nodeId core.Id, addr *net.UDPAddr, targetId core.Id) int32 {
	tm.updateTimestamps()
	return tokenOf(nodeId, addr.IP, uint16(addr.Port), targetId, tm.timestamp, tm.sessionSecret[:])
}

// verify accepts tokens minted in the current or previous window.
func (tm *tokenManager) verify(token int32, nodeId core.Id, addr *net.UDPAddr, targetId core.Id) bool {
	tm.updateTimestamps()
	if token == tokenOf(nodeId, addr.IP, uint16(addr.Port), targetId, tm.timestamp, tm.sessionSecret[:]) {
		return true
	}
	if tm.previous.IsZero() {
		return false
	}
	return token == tokenOf(nodeId, addr.IP, uint16(addr.Port), targetId, tm.previous, tm.sessionSecret[:])
}
