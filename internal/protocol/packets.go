// Package protocol implements the framed binary protocol spoken by game
// clients over TCP and by GameServers and the JoinServer over UDP.
//
// Every frame starts with a type byte. C1 and C3 frames carry an 8-bit
// total length, C2 and C4 frames a big-endian 16-bit one. The opcode
// follows the length field, and messages that use one carry a sub-opcode
// immediately after it. Multi-byte scalars are big-endian unless a reply
// layout says otherwise.
package protocol

// Frame type bytes.
const (
	TypeC1 byte = 0xC1 // short
	TypeC2 byte = 0xC2 // long
	TypeC3 byte = 0xC3 // short, encrypted payload
	TypeC4 byte = 0xC4 // long, encrypted payload
)

// Opcodes handled by the ConnectServer.
const (
	OpInit           byte = 0x00 // S->C greeting
	OpGameServerLive byte = 0x01 // GS->CS heartbeat (UDP)
	OpJoinServerLive byte = 0x02 // JS->CS heartbeat (UDP)
	OpServerList     byte = 0xF4 // C<->S list family

	SubCustomList byte = 0x01
	SubServerList byte = 0x02
	SubServerInfo byte = 0x03
)

// MaxPacketSize bounds every frame, inbound or outbound.
const MaxPacketSize = 2048

// Header sizes per family.
const (
	ShortHeaderSize = 2
	LongHeaderSize  = 3
)

// Fixed string widths used in replies.
const (
	ServerNameSize    = 32
	ServerAddressSize = 16
)

// MinDatagramSize is the smallest UDP payload worth decoding.
const MinDatagramSize = 3
