package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mu-connect/connectserver/internal/protocol"
)

type datagramRecorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (d *datagramRecorder) HandleDatagram(_ *net.UDPAddr, f protocol.Frame) {
	d.mu.Lock()
	d.frames = append(d.frames, f)
	d.mu.Unlock()
}

func (d *datagramRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func startUDP(t *testing.T, h DatagramHandler, perSecond float64) (*UDPListener, *net.UDPConn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewUDPListener(0, h, perSecond)
	if err := l.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		l.Serve(ctx)
		close(done)
	}()

	port := l.Addr().(*net.UDPAddr).Port
	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return l, client
}

func TestUDPListenerDispatchesHeartbeats(t *testing.T) {
	rec := &datagramRecorder{}
	_, client := startUDP(t, rec, 0)

	client.Write([]byte{0xC1, 0x02})                   // too short
	client.Write([]byte{0x55, 0x07, 0x02, 0, 0, 0, 0}) // bad header
	client.Write([]byte{0xC1, 0x09, 0x02, 0, 0, 0, 0}) // truncated
	client.Write(protocol.BuildJoinServerLive(protocol.JoinServerLive{QueueSize: 5}))
	client.Write(append(protocol.BuildGameServerLive(protocol.GameServerLive{ServerCode: 20}), 0xFF, 0xFF))

	waitFor(t, "two heartbeats", func() bool { return rec.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("dispatched %d datagrams, want 2", rec.count())
	}
	if got := len(rec.frames[1]); got != protocol.GameServerLiveSize {
		t.Errorf("trailing bytes kept: frame is %d bytes", got)
	}
}

func TestUDPListenerRateLimit(t *testing.T) {
	rec := &datagramRecorder{}
	_, client := startUDP(t, rec, 1)

	hb := protocol.BuildJoinServerLive(protocol.JoinServerLive{})
	for i := 0; i < 10; i++ {
		client.Write(hb)
	}
	time.Sleep(200 * time.Millisecond)
	if n := rec.count(); n == 0 || n > 3 {
		t.Fatalf("dispatched %d datagrams, want between 1 and 3", n)
	}
}

func TestUDPListenerSendTo(t *testing.T) {
	l, client := startUDP(t, &datagramRecorder{}, 0)
	to := client.LocalAddr().(*net.UDPAddr)

	if err := l.SendTo(protocol.BuildInit(), to); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(protocol.BuildInit()) {
		t.Errorf("received % X", buf[:n])
	}
}

func TestRateTrackerPrune(t *testing.T) {
	rt := newRateTracker(5, 5)
	now := time.Now()
	rt.allow("a", now)
	rt.allow("b", now.Add(time.Minute))
	if removed := rt.prune(now.Add(90*time.Second), time.Minute); removed != 1 {
		t.Errorf("prune removed %d, want 1", removed)
	}
}
