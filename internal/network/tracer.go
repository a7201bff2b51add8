package network

import (
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/util"
)

// Log suppression for per-peer noise.
var (
	frameErrors    = util.NewLogOnce(time.Minute)
	capRejects     = util.NewLogOnce(time.Minute)
	datagramErrors = util.NewLogOnce(time.Minute)
)

// Tracer dumps TCP traffic when enabled from the console. Both directions
// start disabled.
type Tracer struct {
	recv   atomic.Bool
	send   atomic.Bool
	logger zerolog.Logger
}

// NewTracer creates a disabled tracer.
func NewTracer() *Tracer {
	return &Tracer{logger: util.ComponentLogger("trace")}
}

// SetRecv toggles tracing of inbound frames.
func (t *Tracer) SetRecv(on bool) { t.recv.Store(on) }

// SetSend toggles tracing of outbound frames.
func (t *Tracer) SetSend(on bool) { t.send.Store(on) }

// RecvEnabled reports whether inbound tracing is on.
func (t *Tracer) RecvEnabled() bool { return t != nil && t.recv.Load() }

// SendEnabled reports whether outbound tracing is on.
func (t *Tracer) SendEnabled() bool { return t != nil && t.send.Load() }

// Recv logs an inbound frame.
func (t *Tracer) Recv(s *Session, data []byte) {
	if t.RecvEnabled() {
		t.dump("recv", s, data)
	}
}

// Send logs an outbound frame.
func (t *Tracer) Send(s *Session, data []byte) {
	if t.SendEnabled() {
		t.dump("send", s, data)
	}
}

func (t *Tracer) dump(dir string, s *Session, data []byte) {
	t.logger.Info().
		Str("dir", dir).
		Int("slot", s.handle.Slot).
		Str("ip", s.ip).
		Int("len", len(data)).
		Msg("\n" + spew.Sdump(data))
}
