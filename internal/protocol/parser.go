package protocol

import (
	"encoding/binary"
	"fmt"
)

// GameServerLive is the GS->CS heartbeat (C1 0C 01).
type GameServerLive struct {
	ServerCode   uint16
	UserTotal    uint8
	UserCount    uint16
	AccountCount uint16
	MaxUserCount uint16
}

// GameServerLiveSize is the full frame size of a GameServer heartbeat.
const GameServerLiveSize = ShortHeaderSize + 1 + 9

// JoinServerLive is the JS->CS heartbeat (C1 07 02).
type JoinServerLive struct {
	QueueSize uint32
}

// JoinServerLiveSize is the full frame size of a JoinServer heartbeat.
const JoinServerLiveSize = ShortHeaderSize + 1 + 4

// ParseGameServerLive decodes a GameServer heartbeat body.
func ParseGameServerLive(f Frame) (GameServerLive, error) {
	var msg GameServerLive
	body := f.Body()
	if len(body) < 9 {
		return msg, fmt.Errorf("%w: gameserver heartbeat has %d bytes", ErrShortPayload, len(body))
	}
	msg.ServerCode = binary.BigEndian.Uint16(body[0:])
	msg.UserTotal = body[2]
	msg.UserCount = binary.BigEndian.Uint16(body[3:])
	msg.AccountCount = binary.BigEndian.Uint16(body[5:])
	msg.MaxUserCount = binary.BigEndian.Uint16(body[7:])
	return msg, nil
}

// ParseJoinServerLive decodes a JoinServer heartbeat body.
func ParseJoinServerLive(f Frame) (JoinServerLive, error) {
	var msg JoinServerLive
	body := f.Body()
	if len(body) < 4 {
		return msg, fmt.Errorf("%w: joinserver heartbeat has %d bytes", ErrShortPayload, len(body))
	}
	msg.QueueSize = binary.BigEndian.Uint32(body)
	return msg, nil
}

// ParseServerInfoRequest returns the ServerCode byte of a C1 05 F4 03 request.
func ParseServerInfoRequest(f Frame) (uint16, error) {
	body := f.Body()
	if len(body) < 2 {
		return 0, fmt.Errorf("%w: server info request has %d bytes", ErrShortPayload, len(body))
	}
	return uint16(body[1]), nil
}

// BuildGameServerLive encodes a GameServer heartbeat. GameServers and the
// test suite use it; the ConnectServer only receives these.
func BuildGameServerLive(msg GameServerLive) []byte {
	b := NewShortBuilder(OpGameServerLive).
		WriteUint16(msg.ServerCode).
		WriteByte(msg.UserTotal).
		WriteUint16(msg.UserCount).
		WriteUint16(msg.AccountCount).
		WriteUint16(msg.MaxUserCount)
	out, _ := b.Build()
	return out
}

// BuildJoinServerLive encodes a JoinServer heartbeat.
func BuildJoinServerLive(msg JoinServerLive) []byte {
	out, _ := NewShortBuilder(OpJoinServerLive).WriteUint32(msg.QueueSize).Build()
	return out
}

// BuildInit returns the greeting sent on connect: C1 04 00 01.
func BuildInit() []byte {
	out, _ := NewShortBuilder(OpInit).WriteByte(1).Build()
	return out
}

// BuildServerInfo returns the C1 F4 03 reply carrying the address of a
// GameServer. The port is little-endian on the wire.
func BuildServerInfo(address string, port uint16) []byte {
	out, _ := NewShortBuilder(OpServerList).
		WriteByte(SubServerInfo).
		WriteFixedString(address, ServerAddressSize).
		WriteUint16LE(port).
		Build()
	return out
}

// CustomListRecordSize and ServerListRecordSize are the per-server sizes
// of the two list replies.
const (
	CustomListRecordSize = 2 + ServerNameSize
	ServerListRecordSize = 2 + 1
)

// NewCustomListBuilder starts a C2 F4 01 reply and returns the offset of
// its 16-bit count field.
func NewCustomListBuilder() (*PacketBuilder, int) {
	b := NewLongBuilder(OpServerList).WriteByte(SubCustomList)
	return b, b.Reserve(2)
}

// NewServerListBuilder starts a C2 F4 02 reply and returns the offset of
// its 8-bit count field.
func NewServerListBuilder() (*PacketBuilder, int) {
	b := NewLongBuilder(OpServerList).WriteByte(SubServerList)
	return b, b.Reserve(1)
}
