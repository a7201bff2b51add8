// Package network implements the TCP client front door and the UDP
// heartbeat endpoint: slot registry, IP admission, per-client sessions
// with ordered write queues, and the listeners that create them.
package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mu-connect/connectserver/internal/protocol"
)

// closeWriteGrace bounds how long Close waits for an in-flight write.
const closeWriteGrace = 5 * time.Second

var (
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrInvalidSend is returned by Send for empty or oversized frames.
	ErrInvalidSend = errors.New("network: invalid frame size")
)

// Dispatcher consumes session lifecycle and inbound frames. HandleFrame
// runs on the session's read goroutine, one frame at a time.
type Dispatcher interface {
	OnConnect(s *Session)
	HandleFrame(s *Session, f protocol.Frame)
}

// Session is one TCP client. Reads happen on one goroutine, writes on
// another; Send may be called from anywhere. At most one write is in
// flight and frames leave in the order Send accepted them.
type Session struct {
	conn       net.Conn
	ip         string
	handle     Handle
	dispatcher Dispatcher
	tracer     *Tracer
	logger     zerolog.Logger
	onClose    func(*Session)

	connectedAt  time.Time
	lastActivity atomic.Int64

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	sendMu  sync.Mutex
	queue   [][]byte
	writing bool
	wake    chan struct{}

	rx protocol.Reassembler
}

// NewSession wraps conn. The session is connected from construction
// until the first Close.
func NewSession(conn net.Conn, ip string, dispatcher Dispatcher, tracer *Tracer) *Session {
	s := &Session{
		conn:       conn,
		ip:         ip,
		dispatcher: dispatcher,
		tracer:     tracer,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		logger:     log.With().Str("component", "session").Str("ip", ip).Logger(),
	}
	s.connectedAt = time.Now()
	s.touch()
	s.connected.Store(true)
	return s
}

// OnClose registers fn to run exactly once when the session closes.
// It must be called before the session is installed in a registry.
func (s *Session) OnClose(fn func(*Session)) { s.onClose = fn }

// bind records the handle assigned by Registry.Install. It runs under the
// registry lock, before the session becomes visible to other goroutines.
func (s *Session) bind(h Handle) {
	s.handle = h
	s.logger = s.logger.With().Int("slot", h.Slot).Logger()
}

// Start greets the peer through the dispatcher and launches the read and
// write goroutines.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.writeLoop()
	if s.dispatcher != nil {
		s.dispatcher.OnConnect(s)
	}
	go s.readLoop()
}

// Handle returns the registry handle assigned by Install.
func (s *Session) Handle() Handle { return s.handle }

// IP returns the peer address without port.
func (s *Session) IP() string { return s.ip }

// ConnectedAt returns when the session was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// LastActivity returns when bytes were last received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Connected reports whether Close has not been called yet.
func (s *Session) Connected() bool { return s.connected.Load() }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsTimedOut reports whether the session is connected and has been
// silent for at least timeout.
func (s *Session) IsTimedOut(now time.Time, timeout time.Duration) bool {
	if !s.Connected() {
		return false
	}
	return now.Sub(s.LastActivity()) >= timeout
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Send queues an owned copy of frame for transmission.
func (s *Session) Send(frame []byte) error {
	if !s.Connected() {
		return ErrSessionClosed
	}
	if len(frame) == 0 || len(frame) > protocol.MaxPacketSize {
		return ErrInvalidSend
	}
	owned := make([]byte, len(frame))
	copy(owned, frame)

	s.sendMu.Lock()
	if !s.Connected() {
		s.sendMu.Unlock()
		return ErrSessionClosed
	}
	s.queue = append(s.queue, owned)
	s.sendMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of frames queued or in flight.
func (s *Session) Pending() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return len(s.queue)
}

// InFlight reports whether the writer is currently draining the queue.
func (s *Session) InFlight() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writing
}

// Close shuts the session down. Only the first call has any effect.
// Queued frames are dropped; a frame already being written is finished
// first, bounded by closeWriteGrace, and the writer then closes the socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.done)

		s.sendMu.Lock()
		s.queue = nil
		inFlight := s.writing
		s.sendMu.Unlock()

		if inFlight {
			s.conn.SetReadDeadline(time.Now())
			s.conn.SetWriteDeadline(time.Now().Add(closeWriteGrace))
		} else {
			s.conn.Close()
		}

		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Debug().Msg("session closed")
	})
}

// Wait blocks until the read and write goroutines have exited.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.Close()

	for {
		n, err := s.conn.Read(s.rx.Free())
		if err != nil {
			if s.Connected() && !isClosedErr(err) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.rx.Advance(n)
		s.touch()

		for {
			f, err := s.rx.Next()
			if err != nil {
				if ok, dropped := frameErrors.Allow(s.ip); ok {
					s.logger.Warn().Err(err).Int("suppressed", dropped).Msg("malformed frame, closing session")
				}
				return
			}
			if f == nil {
				break
			}
			s.tracer.Recv(s, f)
			if s.dispatcher != nil {
				s.dispatcher.HandleFrame(s, f)
			}
		}
		s.rx.Compact()
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			// Close may have left the socket to us.
			s.conn.Close()
			return
		case <-s.wake:
		}

		for {
			s.sendMu.Lock()
			if len(s.queue) == 0 {
				s.writing = false
				s.sendMu.Unlock()
				break
			}
			frame := s.queue[0]
			s.writing = true
			s.sendMu.Unlock()

			if _, err := s.conn.Write(frame); err != nil {
				if s.Connected() && !isClosedErr(err) {
					s.logger.Debug().Err(err).Msg("write failed")
				}
				s.Close()
				s.conn.Close()
				return
			}
			s.tracer.Send(s, frame)

			// Pop only after the write completed.
			s.sendMu.Lock()
			if !s.Connected() {
				s.writing = false
				s.sendMu.Unlock()
				s.conn.Close()
				return
			}
			if len(s.queue) > 0 {
				s.queue[0] = nil
				s.queue = s.queue[1:]
			}
			s.sendMu.Unlock()
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
