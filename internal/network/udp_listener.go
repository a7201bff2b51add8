package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/protocol"
	"github.com/mu-connect/connectserver/internal/util"
)

// DatagramHandler consumes one decoded frame per UDP datagram.
type DatagramHandler interface {
	HandleDatagram(from *net.UDPAddr, f protocol.Frame)
}

type outbound struct {
	data []byte
	to   *net.UDPAddr
}

const (
	udpSendQueue   = 256
	limiterIdleTTL = 5 * time.Minute
)

// UDPListener receives GameServer and JoinServer heartbeats. Datagrams
// are read one at a time; each must hold exactly one frame and any
// trailing bytes are ignored.
type UDPListener struct {
	port    int
	handler DatagramHandler
	limits  *rateTracker
	logger  zerolog.Logger

	conn  *net.UDPConn
	sendQ chan outbound
}

// NewUDPListener creates the heartbeat endpoint. perSecond limits
// datagrams per source IP; zero disables the limit.
func NewUDPListener(port int, handler DatagramHandler, perSecond float64) *UDPListener {
	burst := int(perSecond) * 2
	return &UDPListener{
		port:    port,
		handler: handler,
		limits:  newRateTracker(perSecond, burst),
		logger:  util.ComponentLogger("udp"),
		sendQ:   make(chan outbound, udpSendQueue),
	}
}

// Listen binds the IPv4 datagram socket.
func (l *UDPListener) Listen(ctx context.Context) error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(l.port))
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	l.conn = pc.(*net.UDPConn)
	l.logger.Info().Str("addr", l.conn.LocalAddr().String()).Msg("UDP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve runs the receive loop until ctx is cancelled.
func (l *UDPListener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("udp listener not bound")
	}

	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	go l.sendLoop(ctx)

	buf := make([]byte, protocol.MaxPacketSize)
	lastPrune := time.Now()
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("UDP listener stopping")
				return nil
			}
			l.logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		now := time.Now()
		if now.Sub(lastPrune) > limiterIdleTTL {
			l.limits.prune(now, limiterIdleTTL)
			lastPrune = now
		}

		l.handle(buf[:n], from, now)
	}
}

func (l *UDPListener) handle(data []byte, from *net.UDPAddr, now time.Time) {
	ip := from.IP.String()
	if len(data) < protocol.MinDatagramSize {
		return
	}
	if !l.limits.allow(ip, now) {
		if ok, dropped := datagramErrors.Allow("rate:" + ip); ok {
			l.logger.Warn().Str("ip", ip).Int("suppressed", dropped).Msg("heartbeat rate limit exceeded")
		}
		return
	}

	f, n, err := protocol.Decode(data)
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: datagram holds %d of a frame's bytes", protocol.ErrBadLength, len(data))
	}
	if err != nil {
		if ok, dropped := datagramErrors.Allow("decode:" + ip); ok {
			l.logger.Warn().Err(err).Str("ip", ip).Int("suppressed", dropped).Msg("dropping malformed datagram")
		}
		return
	}

	frame := make(protocol.Frame, n)
	copy(frame, f)
	l.handler.HandleDatagram(from, frame)
}

// SendTo queues a copy of data for transmission to addr.
func (l *UDPListener) SendTo(data []byte, addr *net.UDPAddr) error {
	if len(data) == 0 || len(data) > protocol.MaxPacketSize {
		return ErrInvalidSend
	}
	owned := make([]byte, len(data))
	copy(owned, data)

	select {
	case l.sendQ <- outbound{data: owned, to: addr}:
		return nil
	default:
		return errors.New("udp send queue full")
	}
}

func (l *UDPListener) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-l.sendQ:
			if _, err := l.conn.WriteToUDP(out.data, out.to); err != nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn().Err(err).Str("to", out.to.String()).Msg("UDP send failed")
			}
		}
	}
}
