package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketBuilder assembles an outbound frame. The length field is patched
// by Build once the payload is complete.
type PacketBuilder struct {
	buf []byte
	err error
}

// NewShortBuilder starts a C1 frame with the given opcode.
func NewShortBuilder(head byte) *PacketBuilder {
	b := &PacketBuilder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, TypeC1, 0, head)
	return b
}

// NewLongBuilder starts a C2 frame with the given opcode.
func NewLongBuilder(head byte) *PacketBuilder {
	b := &PacketBuilder{buf: make([]byte, 0, 256)}
	b.buf = append(b.buf, TypeC2, 0, 0, head)
	return b
}

// WriteByte appends a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteUint16 appends v big-endian.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// WriteUint16LE appends v little-endian. Only the server-info port uses it.
func (b *PacketBuilder) WriteUint16LE(v uint16) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

// WriteUint32 appends v big-endian.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// WriteFixedString appends s truncated or zero-padded to exactly n bytes.
// The last byte is always NUL.
func (b *PacketBuilder) WriteFixedString(s string, n int) *PacketBuilder {
	field := make([]byte, n)
	copy(field[:n-1], s)
	b.buf = append(b.buf, field...)
	return b
}

// WriteBytes appends raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf = append(b.buf, data...)
	return b
}

// Reserve appends n zero bytes and returns their offset so a count can be
// filled in with PutUint16/PutByte after the records are written.
func (b *PacketBuilder) Reserve(n int) int {
	off := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

// PutByte overwrites the byte at off.
func (b *PacketBuilder) PutByte(off int, v byte) { b.buf[off] = v }

// PutUint16 overwrites two bytes at off with v big-endian.
func (b *PacketBuilder) PutUint16(off int, v uint16) {
	binary.BigEndian.PutUint16(b.buf[off:], v)
}

// Len returns the current frame size including the header.
func (b *PacketBuilder) Len() int { return len(b.buf) }

// Build patches the length field and returns the frame.
func (b *PacketBuilder) Build() ([]byte, error) {
	n := len(b.buf)
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if IsShort(b.buf[0]) {
		if n > 0xFF {
			return nil, fmt.Errorf("%w: %d bytes in a short frame", ErrFrameTooLarge, n)
		}
		b.buf[1] = byte(n)
	} else {
		binary.BigEndian.PutUint16(b.buf[1:], uint16(n))
	}
	return b.buf, nil
}

func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}

// Encode builds a frame for head and payload, choosing the short family
// when the total fits in 255 bytes and the long family otherwise.
func Encode(head byte, payload []byte) ([]byte, error) {
	return encode(head, nil, payload)
}

// EncodeSub is Encode with a sub-opcode written after head.
func EncodeSub(head, sub byte, payload []byte) ([]byte, error) {
	return encode(head, []byte{sub}, payload)
}

func encode(head byte, sub, payload []byte) ([]byte, error) {
	var b *PacketBuilder
	if ShortHeaderSize+1+len(sub)+len(payload) <= 0xFF {
		b = NewShortBuilder(head)
	} else {
		b = NewLongBuilder(head)
	}
	return b.WriteBytes(sub).WriteBytes(payload).Build()
}
