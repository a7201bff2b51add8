package serverlist

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"

	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/protocol"
)

type staticSource struct {
	entries []Entry
	err     error
}

func (s *staticSource) Load() ([]Entry, error) { return s.entries, s.err }
func (s *staticSource) String() string         { return "static" }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEntries() []Entry {
	return []Entry{
		{ServerCode: 21, ServerName: "Hidden", ServerAddress: "192.168.1.11", ServerPort: 55902},
		{ServerCode: 20, ServerName: "Lorencia", ServerAddress: "192.168.1.10", ServerPort: 55901, Visible: true},
		{ServerCode: 0, ServerName: "Server 1", ServerAddress: "127.0.0.1", ServerPort: 55900, Visible: true},
	}
}

func newTestCatalog(t *testing.T, opts Options) (*Catalog, *fakeClock) {
	t.Helper()
	c := NewCatalog(&staticSource{entries: testEntries()}, opts, nil)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c.SetClock(clock.Now)
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	return c, clock
}

func TestCatalogOrderIsByCode(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	var codes []uint16
	for _, e := range c.Snapshot() {
		codes = append(codes, e.ServerCode)
	}
	if diff := cmp.Diff([]uint16{0, 20, 21}, codes); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCatalogHeartbeatLiveness(t *testing.T) {
	c, clock := newTestCatalog(t, Options{})
	hb := protocol.GameServerLive{ServerCode: 20, UserTotal: 40, UserCount: 400, AccountCount: 390, MaxUserCount: 1000}
	if err := c.GameServerLive(hb); err != nil {
		t.Fatal(err)
	}

	clock.Advance(9 * time.Second)
	c.MainProc()
	if !c.Alive(20) {
		t.Fatal("server offline 9s after heartbeat")
	}

	clock.Advance(time.Second)
	c.MainProc()
	if !c.Alive(20) {
		t.Fatal("server offline exactly 10s after heartbeat")
	}

	clock.Advance(500 * time.Millisecond)
	c.MainProc()
	if c.Alive(20) {
		t.Fatal("server alive 10.5s after heartbeat")
	}

	e, _ := c.Get(20)
	if e.UserTotal != 40 || e.MaxUserCount != 1000 {
		t.Errorf("metrics not recorded: %+v", e)
	}
}

func TestCatalogUnknownCodeDropped(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	if err := c.GameServerLive(protocol.GameServerLive{ServerCode: 77}); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("error = %v", err)
	}
	if c.Stats().Total != 3 {
		t.Error("heartbeat for unknown code changed the key set")
	}
}

// Offline edges are emitted once per online->offline transition.
func TestCatalogEdgesEmittedOnce(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	counts := map[events.EventType]int{}
	record := func(_ context.Context, e events.Event) error {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
		return nil
	}
	for _, et := range []events.EventType{events.EventGameServerOnline, events.EventGameServerOffline} {
		bus.Subscribe(et, "test", record)
	}

	c := NewCatalog(&staticSource{entries: testEntries()}, Options{}, bus)
	clock := &fakeClock{now: time.Unix(0, 0)}
	c.SetClock(clock.Now)
	c.Load()

	for round := 0; round < 2; round++ {
		c.GameServerLive(protocol.GameServerLive{ServerCode: 20})
		c.GameServerLive(protocol.GameServerLive{ServerCode: 20})
		for i := 0; i < 15; i++ {
			clock.Advance(time.Second)
			c.MainProc()
		}
	}
	bus.Stop()

	want := map[events.EventType]int{events.EventGameServerOnline: 2, events.EventGameServerOffline: 2}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("edge counts mismatch (-want +got):\n%s", diff)
	}
}

// With a heartbeat every period seconds and a tick every second, alive
// holds exactly while the last heartbeat is within the timeout.
func TestCatalogLivenessMatchesHeartbeats(t *testing.T) {
	c, clock := newTestCatalog(t, Options{})
	beats := map[int]bool{0: true, 3: true, 12: true, 30: true, 31: true}

	last := -1
	for sec := 0; sec <= 50; sec++ {
		if beats[sec] {
			c.GameServerLive(protocol.GameServerLive{ServerCode: 0})
			last = sec
		}
		c.MainProc()
		want := last >= 0 && sec-last <= 10
		if got := c.Alive(0); got != want {
			t.Fatalf("t=%ds: alive=%v, want %v (last heartbeat %ds)", sec, got, want, last)
		}
		clock.Advance(time.Second)
	}
}

func TestCatalogJoinServer(t *testing.T) {
	c, clock := newTestCatalog(t, Options{RequireJoinServer: true})
	if c.Available() {
		t.Fatal("available without a JoinServer")
	}

	c.JoinServerLive(protocol.JoinServerLive{QueueSize: 100})
	if !c.Available() {
		t.Fatal("unavailable with queue at the limit")
	}
	c.JoinServerLive(protocol.JoinServerLive{QueueSize: 101})
	if c.Available() {
		t.Fatal("available with queue over the limit")
	}

	c.JoinServerLive(protocol.JoinServerLive{QueueSize: 0})
	clock.Advance(11 * time.Second)
	c.MainProc()
	if c.JoinServer().Alive || c.Available() {
		t.Fatal("JoinServer still alive after timeout")
	}

	c.SetOptions(Options{})
	if !c.Available() {
		t.Error("JoinServer check not bypassed")
	}
}

func TestCatalogLists(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	c.GameServerLive(protocol.GameServerLive{ServerCode: 20, UserTotal: 55})

	b, _ := protocol.NewServerListBuilder()
	if n := c.AppendServerList(b); n != 2 {
		t.Fatalf("server list count = %d, want 2", n)
	}
	got, _ := b.Build()
	want := []byte{0xC2, 0x00, 0x0C, 0xF4, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x14, 55}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("server list mismatch (-want +got):\n%s", diff)
	}

	b, _ = protocol.NewCustomListBuilder()
	if n := c.AppendCustomList(b); n != 2 {
		t.Fatalf("custom list count = %d, want 2", n)
	}
	if b.Len() != 7+2*protocol.CustomListRecordSize {
		t.Errorf("custom list is %d bytes", b.Len())
	}

	c.SetOptions(Options{RequireAlive: true})
	b, _ = protocol.NewServerListBuilder()
	if n := c.AppendServerList(b); n != 1 {
		t.Errorf("alive-only count = %d, want 1", n)
	}
	if _, ok := c.ServerInfo(0); ok {
		t.Error("offline server resolvable with RequireAlive")
	}
}

func TestCatalogListsGatedByJoinServer(t *testing.T) {
	c, _ := newTestCatalog(t, Options{RequireJoinServer: true})
	b, _ := protocol.NewCustomListBuilder()
	if n := c.AppendCustomList(b); n != 0 {
		t.Errorf("count = %d while JoinServer is down", n)
	}
}

func TestCatalogServerInfo(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	if e, ok := c.ServerInfo(20); !ok || e.ServerAddress != "192.168.1.10" {
		t.Errorf("ServerInfo(20) = %+v, %v", e, ok)
	}
	if _, ok := c.ServerInfo(21); ok {
		t.Error("hidden server resolvable")
	}
	if _, ok := c.ServerInfo(255); ok {
		t.Error("unknown server resolvable")
	}
}

func TestCatalogReload(t *testing.T) {
	src := &staticSource{entries: testEntries()}
	c := NewCatalog(src, Options{}, nil)
	clock := &fakeClock{now: time.Unix(0, 0)}
	c.SetClock(clock.Now)
	c.Load()
	c.GameServerLive(protocol.GameServerLive{ServerCode: 20, UserTotal: 9})
	before := c.Snapshot()

	src.err = errors.New("disk on fire")
	if err := c.Load(); err == nil {
		t.Fatal("expected reload error")
	}
	if diff := deep.Equal(before, c.Snapshot()); diff != nil {
		t.Errorf("failed reload changed the catalog: %v", diff)
	}

	src.err = nil
	src.entries = []Entry{
		{ServerCode: 20, ServerName: "Lorencia", ServerAddress: "10.0.0.20", ServerPort: 55901, Visible: true},
		{ServerCode: 30, ServerName: "Noria", ServerAddress: "10.0.0.30", ServerPort: 55903, Visible: true},
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	e, ok := c.Get(20)
	if !ok || !e.Alive || e.UserTotal != 9 || e.ServerAddress != "10.0.0.20" {
		t.Errorf("surviving entry = %+v", e)
	}
	if _, ok := c.Get(21); ok {
		t.Error("removed entry still present")
	}
	if c.Alive(30) {
		t.Error("new entry starts alive")
	}
}

func TestCatalogFirstLoadFailureIsEmpty(t *testing.T) {
	c := NewCatalog(&staticSource{err: errors.New("missing")}, Options{}, nil)
	if err := c.Load(); err == nil {
		t.Fatal("expected error")
	}
	if c.Stats().Total != 0 {
		t.Error("catalog not empty")
	}
}

func TestCatalogHandleDatagram(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	f, _, err := protocol.Decode(protocol.BuildGameServerLive(protocol.GameServerLive{ServerCode: 20, UserTotal: 3}))
	if err != nil {
		t.Fatal(err)
	}
	c.HandleDatagram(from, f)
	if !c.Alive(20) {
		t.Error("GameServer datagram ignored")
	}

	f, _, _ = protocol.Decode(protocol.BuildJoinServerLive(protocol.JoinServerLive{QueueSize: 7}))
	c.HandleDatagram(from, f)
	if js := c.JoinServer(); !js.Alive || js.QueueSize != 7 {
		t.Errorf("JoinServer state %+v", js)
	}

	c.HandleDatagram(from, protocol.Frame{0xC1, 0x04, 0x01, 0x00})
	c.HandleDatagram(from, protocol.Frame{0xC1, 0x03, 0x55})
}
