package scheduler

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mu-connect/connectserver/internal/network"
	"github.com/mu-connect/connectserver/internal/serverlist"
)

type countingCatalog struct {
	ticks atomic.Int32
}

func (c *countingCatalog) MainProc()               { c.ticks.Add(1) }
func (c *countingCatalog) Stats() serverlist.Stats { return serverlist.Stats{} }

func installSession(t *testing.T, r *network.Registry) *network.Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	slot, ok := r.Allocate()
	if !ok {
		t.Fatal("registry full")
	}
	s := network.NewSession(server, "127.0.0.1", nil, nil)
	s.OnClose(func(s *network.Session) { r.Release(s.Handle()) })
	r.Install(slot, s)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func TestSweepIdleClosesSilentSessions(t *testing.T) {
	r := network.NewRegistry(4)
	a := installSession(t, r)
	b := installSession(t, r)

	s := NewScheduler(&countingCatalog{}, r, Options{IdleTimeout: time.Minute})
	s.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	if n := s.SweepIdle(); n != 0 {
		t.Fatalf("closed %d sessions before the timeout", n)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := s.SweepIdle(); n != 2 {
		t.Fatalf("closed %d sessions, want 2", n)
	}
	if a.Connected() || b.Connected() {
		t.Fatal("idle sessions still connected")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d", r.Count())
	}
}

func TestSweepIdleDisabled(t *testing.T) {
	r := network.NewRegistry(4)
	installSession(t, r)

	s := NewScheduler(&countingCatalog{}, r, Options{})
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := s.SweepIdle(); n != 0 {
		t.Fatalf("closed %d sessions with the sweep disabled", n)
	}
}

func TestStartTicksCatalog(t *testing.T) {
	cat := &countingCatalog{}
	s := NewScheduler(cat, network.NewRegistry(1), Options{MainProcInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for cat.ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("catalog never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// A session is visible to the sweeper from Install on; one accepted an
// instant ago must not be closed, and closing it later must release both
// its slot and its IP count.
func TestSweepIdleSparesSessionBeforeStart(t *testing.T) {
	r := network.NewRegistry(4)
	ips := network.NewIPTable(1)

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	s := network.NewSession(server, "10.0.0.9", nil, nil)
	s.OnClose(func(s *network.Session) {
		r.Release(s.Handle())
		ips.Remove(s.IP())
	})
	slot, _ := r.Allocate()
	ips.Insert(s.IP())
	r.Install(slot, s)

	sched := NewScheduler(&countingCatalog{}, r, Options{IdleTimeout: time.Hour})
	if n := sched.SweepIdle(); n != 0 {
		t.Fatalf("swept %d sessions that were just accepted", n)
	}
	if !s.Connected() {
		t.Fatal("new session closed by the sweep")
	}

	sched.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := sched.SweepIdle(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if got := ips.Count("10.0.0.9"); got != 0 {
		t.Errorf("IP count = %d after close, want 0", got)
	}
	if r.Count() != 0 {
		t.Errorf("registry Count = %d after close, want 0", r.Count())
	}
	if !ips.Check("10.0.0.9") {
		t.Error("IP still locked out after its only session closed")
	}
}
