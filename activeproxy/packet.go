// Package activeproxy implements the reverse tunnel that makes a NAT-bound
// upstream reachable through a rendezvous server: a pool of outbound TCP
// connections speaking a length-prefixed, type-disguised, box-encrypted
// framing.
package activeproxy

import (
	"fmt"

	"github.com/corvid-net/corvid/crypto"
)

// packetType identifies a frame; the on-wire flag byte is a random value
// inside the type's band, plus the ACK bit where applicable.
type packetType uint8

const (
	packetAuth packetType = iota
	packetAuthAck
	packetAttach
	packetAttachAck
	packetPing
	packetPingAck
	packetConnect
	packetConnectAck
	packetDisconnect
	packetDisconnectAck
	packetData
	packetError
)

const (
	ackMask  = 0x80
	typeMask = 0x7f
)

// flag bands, inclusive
const (
	authMin       = 0x00
	authMax       = 0x07
	attachMin     = 0x08
	attachMax     = 0x0f
	pingMin       = 0x10
	pingMax       = 0x1f
	connectMin    = 0x20
	connectMax    = 0x2f
	disconnectMin = 0x30
	disconnectMax = 0x3f
	dataMin       = 0x40
	dataMax       = 0x6f
	errorMin      = 0x70
	errorMax      = 0x7f
)

func (t packetType) String() string {
	switch t {
	case packetAuth:
		return "AUTH"
	case packetAuthAck:
		return "AUTH_ACK"
	case packetAttach:
		return "ATTACH"
	case packetAttachAck:
		return "ATTACH_ACK"
	case packetPing:
		return "PING"
	case packetPingAck:
		return "PING_ACK"
	case packetConnect:
		return "CONNECT"
	case packetConnectAck:
		return "CONNECT_ACK"
	case packetDisconnect:
		return "DISCONNECT"
	case packetDisconnectAck:
		return "DISCONNECT_ACK"
	case packetData:
		return "DATA"
	case packetError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func randomInBand(min, max uint8) uint8 {
	return min + crypto.RandomUint8n(max-min+1)
}

// flagOf picks a random on-wire flag for the type; the specific byte only
// exists to blind passive observers.
func flagOf(t packetType) uint8 {
	switch t {
	case packetAuth:
		return randomInBand(authMin, authMax)
	case packetAuthAck:
		return randomInBand(authMin, authMax) | ackMask
	case packetAttach:
		return randomInBand(attachMin, attachMax)
	case packetAttachAck:
		return randomInBand(attachMin, attachMax) | ackMask
	case packetPing:
		return randomInBand(pingMin, pingMax)
	case packetPingAck:
		return randomInBand(pingMin, pingMax) | ackMask
	case packetConnect:
		return randomInBand(connectMin, connectMax)
	case packetConnectAck:
		return randomInBand(connectMin, connectMax) | ackMask
	case packetDisconnect:
		return randomInBand(disconnectMin, disconnectMax)
	case packetDisconnectAck:
		return randomInBand(disconnectMin, disconnectMax) | ackMask
	case packetData:
		return randomInBand(dataMin, dataMax)
	case packetError:
		return randomInBand(errorMin, errorMax) | ackMask
	default:
		panic("activeproxy: invalid packet type")
	}
}

// typeOf recovers the packet type from a received flag byte.
func typeOf(flag uint8) (packetType, error) {
	ack := flag&ackMask != 0
	band := flag & typeMask

	switch {
	case band <= authMax:
		if ack {
			return packetAuthAck, nil
		}
		return packetAuth, nil
	case band <= attachMax:
		if ack {
			return packetAttachAck, nil
		}
		return packetAttach, nil
	case band <= pingMax:
		if ack {
			return packetPingAck, nil
		}
		return packetPing, nil
	case band <= connectMax:
		if ack {
			return packetConnectAck, nil
		}
		return packetConnect, nil
	case band <= disconnectMax:
		if ack {
			return packetDisconnectAck, nil
		}
		return packetDisconnect, nil
	case band <= dataMax:
		if ack {
			return 0, fmt.Errorf("activeproxy: invalid flag %#02x", flag)
		}
		return packetData, nil
	default:
		// the ERROR band tolerates either ack polarity
		return packetError, nil
	}
}
