package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/util"
)

// SlotRetryDelay is how long the acceptor waits when every slot is busy.
const SlotRetryDelay = 100 * time.Millisecond

// TCPListener accepts game clients, assigns each a registry slot and
// hands it to a Session.
type TCPListener struct {
	port       int
	registry   *Registry
	ips        *IPTable
	dispatcher Dispatcher
	tracer     *Tracer
	bus        *events.Bus
	logger     zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates an acceptor for port. bus may be nil.
func NewTCPListener(port int, registry *Registry, ips *IPTable, dispatcher Dispatcher, tracer *Tracer, bus *events.Bus) *TCPListener {
	return &TCPListener{
		port:       port,
		registry:   registry,
		ips:        ips,
		dispatcher: dispatcher,
		tracer:     tracer,
		bus:        bus,
		logger:     util.ComponentLogger("tcp"),
	}
}

// Listen binds the IPv4 listening socket. It is separate from Serve so a
// bind failure can be reported before anything else starts.
func (l *TCPListener) Listen(ctx context.Context) error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(l.port))
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}
	l.listener = ln
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled, then closes every
// session and waits for them.
func (l *TCPListener) Serve(ctx context.Context) error {
	if l.listener == nil {
		return errors.New("tcp listener not bound")
	}

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()
	defer l.shutdown()

	for {
		slot, ok := l.registry.Allocate()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(SlotRetryDelay):
				continue
			}
		}

		conn, err := l.listener.Accept()
		if err != nil {
			l.registry.Unreserve(slot)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("TCP listener stopping")
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.admit(ctx, slot, conn)
	}
}

func (l *TCPListener) admit(ctx context.Context, slot int, conn net.Conn) {
	ip := extractIP(conn.RemoteAddr())

	if !l.ips.Check(ip) {
		conn.Close()
		l.registry.Unreserve(slot)
		if ok, dropped := capRejects.Allow(ip); ok {
			l.logger.Warn().Str("ip", ip).Int("suppressed", dropped).Msg("connection limit per IP reached, dropping client")
		}
		l.bus.Emit(ctx, events.Event{
			Type:    events.EventClientRejected,
			Source:  "tcp",
			Payload: events.ClientPayload{Slot: slot, IP: ip, Clients: l.registry.Count()},
		})
		return
	}

	s := NewSession(conn, ip, l.dispatcher, l.tracer)
	s.OnClose(func(s *Session) {
		h := s.Handle()
		l.registry.Release(h)
		l.ips.Remove(ip)
		l.bus.Emit(context.Background(), events.Event{
			Type:    events.EventClientDisconnected,
			Source:  "tcp",
			Payload: events.ClientPayload{Slot: h.Slot, IP: ip, Clients: l.registry.Count()},
		})
	})

	l.ips.Insert(ip)
	h := l.registry.Install(slot, s)

	s.Start()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-s.Done()
		s.Wait()
	}()

	l.logger.Debug().Int("slot", slot).Str("ip", ip).Int("clients", l.registry.Count()).Msg("client connected")
	l.bus.Emit(ctx, events.Event{
		Type:    events.EventClientConnected,
		Source:  "tcp",
		Payload: events.ClientPayload{Slot: h.Slot, IP: ip, Clients: l.registry.Count()},
	})
}

func (l *TCPListener) shutdown() {
	closed := l.registry.CloseAll()
	l.wg.Wait()
	l.logger.Info().Int("sessions", len(closed)).Msg("all client sessions closed")
}
