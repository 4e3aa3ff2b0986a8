package ufavonet

import "ufavonet-go/packet"

// ClientControl is the 2-bit control field a client stamps on every
// outbound datagram.
type ClientControl uint8

const (
	ClientNone ClientControl = iota
	ClientNoticeConnecting
	ClientNoticeDisconnect
	ClientNoticeResetTickCount
)

// ServerControl is the 2-bit control field a server stamps on every
// outbound datagram it sends to a client.
type ServerControl uint8

const (
	ServerNone ServerControl = iota
	ServerPendingConnection
	ServerNoticeKick
	ServerRequestResetTickCount
)

// MaxDatagramSize is the largest datagram either peer will construct or
// accept.
const MaxDatagramSize = 65535

// WriteHeader appends the tick and 2-bit control field common to every
// datagram. control must fit in 2 bits.
func WriteHeader(p *packet.Packet, tick uint16, control uint8) error {
	if err := p.WriteUint16(tick); err != nil {
		return err
	}
	return p.WriteBits(control, 2)
}

// ReadHeader reads the tick and 2-bit control field written by
// WriteHeader.
func ReadHeader(p *packet.Packet) (tick uint16, control uint8, err error) {
	tick, err = p.ReadUint16()
	if err != nil {
		return 0, 0, err
	}
	control, err = p.ReadBits(2)
	if err != nil {
		return 0, 0, err
	}
	return tick, control, nil
}

// WriteKickReason appends the 3-bit kick reason following a
// ServerNoticeKick control field.
func WriteKickReason(p *packet.Packet, reason KickReason) error {
	return p.WriteBits(uint8(reason), 3)
}

// ReadKickReason reads the 3-bit kick reason following a
// ServerNoticeKick control field.
func ReadKickReason(p *packet.Packet) (KickReason, error) {
	v, err := p.ReadBits(3)
	if err != nil {
		return KickNone, err
	}
	return KickReason(v), nil
}
