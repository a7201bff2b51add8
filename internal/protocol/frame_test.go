package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeNeedsMore(t *testing.T) {
	cases := [][]byte{
		nil,
		{0xC1},
		{0xC1, 0x04},
		{0xC1, 0x04, 0xF4},
		{0xC2, 0x00, 0x08, 0xF4, 0x01},
	}
	for _, buf := range cases {
		f, n, err := Decode(buf)
		if err != nil || n != 0 || f != nil {
			t.Errorf("Decode(% X) = %v, %d, %v; want need-more", buf, f, n, err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		buf  []byte
		want error
	}{
		{[]byte{0xC5, 0x04, 0x00, 0x01}, ErrBadHeader},
		{[]byte{0x00, 0x00, 0x00}, ErrBadHeader},
		{[]byte{0xC1, 0x01, 0x00}, ErrBadLength},
		{[]byte{0xC2, 0x00, 0x02, 0x00}, ErrBadLength},
		{[]byte{0xC2, 0x08, 0x01, 0x00}, ErrBadLength},
		{[]byte{0xC4, 0xFF, 0xFF, 0x00}, ErrBadLength},
	}
	for _, c := range cases {
		if _, _, err := Decode(c.buf); !errors.Is(err, c.want) {
			t.Errorf("Decode(% X) error = %v, want %v", c.buf, err, c.want)
		}
	}
}

func TestDecodeHeaderOnlyFrame(t *testing.T) {
	f, n, err := Decode([]byte{0xC1, 0x02, 0xAA})
	if err != nil || n != 2 {
		t.Fatalf("Decode = %d, %v", n, err)
	}
	if f.HasHead() {
		t.Errorf("header-only frame reports an opcode")
	}
}

func TestFrameAccessors(t *testing.T) {
	short := Frame{0xC3, 0x05, 0xF4, 0x03, 0x14}
	if !short.Encrypted() || short.HeaderSize() != 2 || short.Head() != 0xF4 {
		t.Errorf("short accessors wrong: %v", short)
	}
	if sub, ok := short.Sub(); !ok || sub != 0x03 {
		t.Errorf("Sub() = %02X, %v", sub, ok)
	}

	long := Frame{0xC2, 0x00, 0x06, 0xF4, 0x02, 0x00}
	if long.Encrypted() || long.HeaderSize() != 3 || long.Head() != 0xF4 {
		t.Errorf("long accessors wrong: %v", long)
	}
	if diff := cmp.Diff([]byte{0x02, 0x00}, long.Body()); diff != "" {
		t.Errorf("Body() mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 2, 251, 252, 253, 254, 255, 1024, MaxPacketSize - LongHeaderSize - 1} {
		payload := make([]byte, size)
		rng.Read(payload)
		head := byte(rng.Intn(256))

		out, err := Encode(head, payload)
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", size, err)
		}
		f, n, err := Decode(out)
		if err != nil || n != len(out) {
			t.Fatalf("Decode(Encode(%d bytes)) = %d, %v", size, n, err)
		}
		wantShort := ShortHeaderSize+1+size <= 0xFF
		if IsShort(f.Type()) != wantShort {
			t.Errorf("size %d: short=%v, want %v", size, IsShort(f.Type()), wantShort)
		}
		if f.Head() != head {
			t.Errorf("size %d: head %02X, want %02X", size, f.Head(), head)
		}
		if diff := cmp.Diff(payload, []byte(f[f.HeaderSize()+1:]), cmp.Comparer(bytes.Equal)); diff != "" {
			t.Errorf("size %d: payload mismatch (-want +got):\n%s", size, diff)
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := Encode(0x01, make([]byte, MaxPacketSize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Encode oversized error = %v, want ErrFrameTooLarge", err)
	}
}

func TestEncodeSub(t *testing.T) {
	out, err := EncodeSub(OpServerList, SubServerList, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xC1, 0x04, 0xF4, 0x02}, out); diff != "" {
		t.Errorf("EncodeSub mismatch (-want +got):\n%s", diff)
	}
}

func randomStream(rng *rand.Rand, count int) ([]byte, []Frame) {
	var stream []byte
	var frames []Frame
	for i := 0; i < count; i++ {
		payload := make([]byte, rng.Intn(600))
		rng.Read(payload)
		out, err := Encode(byte(rng.Intn(256)), payload)
		if err != nil {
			panic(err)
		}
		stream = append(stream, out...)
		frames = append(frames, Frame(out))
	}
	return stream, frames
}

func TestReassemblerChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	stream, want := randomStream(rng, 200)

	var whole Reassembler
	got, err := whole.Feed(stream)
	if err != nil {
		t.Fatalf("single chunk: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("single chunk mismatch (-want +got):\n%s", diff)
	}

	for trial := 0; trial < 20; trial++ {
		var r Reassembler
		var chunked []Frame
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(300)
			if n > len(rest) {
				n = len(rest)
			}
			frames, err := r.Feed(rest[:n])
			if err != nil {
				t.Fatalf("trial %d: %v", trial, err)
			}
			chunked = append(chunked, frames...)
			rest = rest[n:]
		}
		if diff := cmp.Diff(want, chunked); diff != "" {
			t.Fatalf("trial %d mismatch (-want +got):\n%s", trial, diff)
		}
		if r.Len() != 0 {
			t.Errorf("trial %d: %d bytes left over", trial, r.Len())
		}
	}
}

func TestReassemblerMaxFrame(t *testing.T) {
	out, err := Encode(0x10, make([]byte, MaxPacketSize-LongHeaderSize-1))
	if err != nil {
		t.Fatal(err)
	}
	var r Reassembler
	frames, err := r.Feed(append(out, out...))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
}

func TestReassemblerBadStream(t *testing.T) {
	var r Reassembler
	frames, err := r.Feed([]byte{0xC1, 0x04, 0x00, 0x01, 0x99, 0x00, 0x00})
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("error = %v, want ErrBadHeader", err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames before the bad header, want 1", len(frames))
	}
}
