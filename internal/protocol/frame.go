package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrBadHeader is returned when the type byte is not C1, C2, C3 or C4.
	ErrBadHeader = errors.New("protocol: bad frame header")
	// ErrBadLength is returned when the declared length is shorter than the
	// header or larger than MaxPacketSize.
	ErrBadLength = errors.New("protocol: bad frame length")
	// ErrFrameTooLarge is returned when an outbound frame would exceed MaxPacketSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrShortPayload is returned when a message body is smaller than its layout.
	ErrShortPayload = errors.New("protocol: payload too short")
)

// Frame is one complete, self-delimited protocol unit. Its length always
// equals the declared length field.
type Frame []byte

// IsShort reports whether t is a short (8-bit length) frame type.
func IsShort(t byte) bool { return t == TypeC1 || t == TypeC3 }

// IsLong reports whether t is a long (16-bit length) frame type.
func IsLong(t byte) bool { return t == TypeC2 || t == TypeC4 }

// HeaderSize returns the header length for type byte t, or 0 when t is unknown.
func HeaderSize(t byte) int {
	switch {
	case IsShort(t):
		return ShortHeaderSize
	case IsLong(t):
		return LongHeaderSize
	}
	return 0
}

// Type returns the frame type byte.
func (f Frame) Type() byte { return f[0] }

// Encrypted reports whether the frame uses the C3/C4 flavour. Payloads are
// passed through unchanged either way.
func (f Frame) Encrypted() bool { return f[0] == TypeC3 || f[0] == TypeC4 }

// HeaderSize returns 2 for short frames and 3 for long ones.
func (f Frame) HeaderSize() int { return HeaderSize(f[0]) }

// HasHead reports whether the frame carries an opcode byte.
func (f Frame) HasHead() bool { return len(f) > f.HeaderSize() }

// Head returns the opcode, or 0 for a header-only frame.
func (f Frame) Head() byte {
	if !f.HasHead() {
		return 0
	}
	return f[f.HeaderSize()]
}

// Sub returns the byte following the opcode and whether it is present.
func (f Frame) Sub() (byte, bool) {
	i := f.HeaderSize() + 1
	if len(f) <= i {
		return 0, false
	}
	return f[i], true
}

// Body returns everything after the opcode.
func (f Frame) Body() []byte {
	i := f.HeaderSize() + 1
	if len(f) <= i {
		return nil
	}
	return f[i:]
}

func (f Frame) String() string {
	return fmt.Sprintf("%02X/%02X len=%d", f.Type(), f.Head(), len(f))
}

// Peek inspects the start of buf and returns the declared frame length.
// A zero length with a nil error means more bytes are needed.
func Peek(buf []byte) (int, error) {
	if len(buf) < 3 {
		return 0, nil
	}
	var size, hdr int
	switch t := buf[0]; {
	case IsShort(t):
		hdr = ShortHeaderSize
		size = int(buf[1])
	case IsLong(t):
		hdr = LongHeaderSize
		size = int(buf[1])<<8 | int(buf[2])
	default:
		return 0, fmt.Errorf("%w: 0x%02X", ErrBadHeader, t)
	}
	if size < hdr || size > MaxPacketSize {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, size)
	}
	return size, nil
}

// Decode extracts the first complete frame from buf. It returns the frame
// (aliasing buf) and the number of bytes consumed; n == 0 with a nil error
// means buf does not yet hold a complete frame.
func Decode(buf []byte) (Frame, int, error) {
	size, err := Peek(buf)
	if err != nil || size == 0 || len(buf) < size {
		return nil, 0, err
	}
	return Frame(buf[:size]), size, nil
}

// Reassembler accumulates a TCP byte stream into frames. It owns a
// fixed MaxPacketSize staging buffer; a declared length never exceeds that
// capacity, so a full buffer always contains at least one complete frame.
type Reassembler struct {
	buf  [MaxPacketSize]byte
	fill int
	off  int
}

// Free returns the unused tail of the staging buffer for the next read.
func (r *Reassembler) Free() []byte { return r.buf[r.fill:] }

// Advance records n bytes written into the slice returned by Free.
func (r *Reassembler) Advance(n int) { r.fill += n }

// Len returns the number of buffered, not yet consumed bytes.
func (r *Reassembler) Len() int { return r.fill - r.off }

// Next returns the next complete frame as an owned copy, or nil when more
// bytes are needed. A non-nil error poisons the stream.
func (r *Reassembler) Next() (Frame, error) {
	f, n, err := Decode(r.buf[r.off:r.fill])
	if err != nil || n == 0 {
		return nil, err
	}
	r.off += n
	out := make(Frame, n)
	copy(out, f)
	return out, nil
}

// Compact moves the unread tail to the start of the buffer.
func (r *Reassembler) Compact() {
	if r.off == 0 {
		return
	}
	n := copy(r.buf[:], r.buf[r.off:r.fill])
	r.fill = n
	r.off = 0
}

// Feed appends p and returns every frame that became complete. It is the
// convenience form of Free/Advance/Next/Compact used by tests and tools.
func (r *Reassembler) Feed(p []byte) ([]Frame, error) {
	var frames []Frame
	for len(p) > 0 {
		n := copy(r.Free(), p)
		p = p[n:]
		r.Advance(n)
		for {
			f, err := r.Next()
			if err != nil {
				return frames, err
			}
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
		r.Compact()
	}
	return frames, nil
}
