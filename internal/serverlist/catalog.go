// Package serverlist keeps the catalog of GameServers advertised to
// clients, tracks their liveness from UDP heartbeats, and tracks the
// JoinServer that gates whether any list is served at all.
package serverlist

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/protocol"
	"github.com/mu-connect/connectserver/internal/util"
)

const (
	// LiveTimeout is how long a heartbeat keeps a server alive.
	LiveTimeout = 10 * time.Second
	// MaxJoinServerQueueSize is the largest JoinServer queue that still
	// counts as available.
	MaxJoinServerQueueSize = 100
)

// ErrUnknownServer is returned for codes absent from the catalog.
var ErrUnknownServer = errors.New("serverlist: unknown server code")

// Entry is one catalog row. Code, name, address, port and visibility
// come from the source; the rest is refreshed by heartbeats.
type Entry struct {
	ServerCode    uint16    `json:"server_code"`
	ServerName    string    `json:"server_name"`
	ServerAddress string    `json:"server_address"`
	ServerPort    uint16    `json:"server_port"`
	Visible       bool      `json:"visible"`
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UserTotal     uint8     `json:"user_total"`
	UserCount     uint16    `json:"user_count"`
	AccountCount  uint16    `json:"account_count"`
	MaxUserCount  uint16    `json:"max_user_count"`
}

// JoinState is the JoinServer liveness record.
type JoinState struct {
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	QueueSize     uint32    `json:"queue_size"`
}

// Source produces the static part of the catalog.
type Source interface {
	Load() ([]Entry, error)
	String() string
}

// Options select between the historical behaviour and the strict one.
type Options struct {
	// RequireJoinServer serves lists only while the JoinServer is alive
	// with a queue of at most MaxJoinServerQueueSize. When false the
	// JoinServer is always considered available.
	RequireJoinServer bool
	// RequireAlive hides servers without a recent heartbeat from lists and
	// server-info replies. When false visibility alone decides.
	RequireAlive bool
}

// Stats summarises the catalog.
type Stats struct {
	Total   int `json:"total"`
	Visible int `json:"visible"`
	Alive   int `json:"alive"`
}

// Catalog is the GameServer registry keyed by ServerCode. One mutex
// guards every entry and the JoinServer fields. Iteration is in ascending
// ServerCode order.
type Catalog struct {
	mu      sync.Mutex
	entries map[uint16]*Entry
	order   []uint16
	join    JoinState

	source Source
	opts   Options
	now    func() time.Time
	bus    *events.Bus
	logger zerolog.Logger
}

// NewCatalog creates an empty catalog reading from source. bus may be nil.
func NewCatalog(source Source, opts Options, bus *events.Bus) *Catalog {
	return &Catalog{
		entries: make(map[uint16]*Entry),
		source:  source,
		opts:    opts,
		now:     time.Now,
		bus:     bus,
		logger:  util.ComponentLogger("serverlist"),
	}
}

// SetClock replaces the time source.
func (c *Catalog) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetOptions changes the availability and filtering policy.
func (c *Catalog) SetOptions(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// Source returns the catalog source.
func (c *Catalog) Source() Source { return c.source }

// Load reads the source and replaces the key set. On failure the current
// entries are kept, which on the first load means an empty catalog.
// Liveness and metrics carry over for codes present before and after.
func (c *Catalog) Load() error {
	loaded, err := c.source.Load()
	if err != nil {
		c.logger.Error().Err(err).Str("source", c.source.String()).Msg("failed to load server list, keeping previous entries")
		return err
	}

	c.mu.Lock()
	entries := make(map[uint16]*Entry, len(loaded))
	order := make([]uint16, 0, len(loaded))
	for i := range loaded {
		e := loaded[i]
		if _, dup := entries[e.ServerCode]; dup {
			continue
		}
		e.Alive, e.LastHeartbeat = false, time.Time{}
		e.UserTotal, e.UserCount, e.AccountCount, e.MaxUserCount = 0, 0, 0, 0
		if old, ok := c.entries[e.ServerCode]; ok {
			e.Alive, e.LastHeartbeat = old.Alive, old.LastHeartbeat
			e.UserTotal, e.UserCount = old.UserTotal, old.UserCount
			e.AccountCount, e.MaxUserCount = old.AccountCount, old.MaxUserCount
		}
		entries[e.ServerCode] = &e
		order = append(order, e.ServerCode)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	c.entries, c.order = entries, order
	c.mu.Unlock()

	c.logger.Info().Int("servers", len(order)).Str("source", c.source.String()).Msg("server list loaded")
	c.bus.Emit(context.Background(), events.Event{
		Type:    events.EventCatalogReloaded,
		Source:  "serverlist",
		Payload: events.CatalogPayload{Servers: len(order), Source: c.source.String()},
	})
	return nil
}

// HandleDatagram routes a UDP frame to the heartbeat handlers.
func (c *Catalog) HandleDatagram(from *net.UDPAddr, f protocol.Frame) {
	switch f.Head() {
	case protocol.OpGameServerLive:
		msg, err := protocol.ParseGameServerLive(f)
		if err != nil {
			c.logger.Debug().Err(err).Str("from", from.String()).Msg("dropping heartbeat")
			return
		}
		c.GameServerLive(msg)
	case protocol.OpJoinServerLive:
		msg, err := protocol.ParseJoinServerLive(f)
		if err != nil {
			c.logger.Debug().Err(err).Str("from", from.String()).Msg("dropping heartbeat")
			return
		}
		c.JoinServerLive(msg)
	default:
		c.logger.Debug().Str("frame", f.String()).Str("from", from.String()).Msg("unhandled datagram")
	}
}

// GameServerLive records a GameServer heartbeat. Unknown codes are dropped.
func (c *Catalog) GameServerLive(msg protocol.GameServerLive) error {
	c.mu.Lock()
	e, ok := c.entries[msg.ServerCode]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownServer
	}
	online := !e.Alive
	e.Alive = true
	e.LastHeartbeat = c.now()
	e.UserTotal = msg.UserTotal
	e.UserCount = msg.UserCount
	e.AccountCount = msg.AccountCount
	e.MaxUserCount = msg.MaxUserCount
	snap := *e
	c.mu.Unlock()

	if online {
		c.logger.Info().Str("name", snap.ServerName).Uint16("code", snap.ServerCode).Msg("GameServer online")
		c.emitGameServer(events.EventGameServerOnline, snap)
	}
	return nil
}

// JoinServerLive records a JoinServer heartbeat.
func (c *Catalog) JoinServerLive(msg protocol.JoinServerLive) {
	c.mu.Lock()
	online := !c.join.Alive
	c.join = JoinState{Alive: true, LastHeartbeat: c.now(), QueueSize: msg.QueueSize}
	c.mu.Unlock()

	if online {
		c.logger.Info().Uint32("queue", msg.QueueSize).Msg("JoinServer online")
		c.bus.Emit(context.Background(), events.Event{
			Type:    events.EventJoinServerOnline,
			Source:  "serverlist",
			Payload: events.JoinServerPayload{QueueSize: msg.QueueSize},
		})
	}
}

// MainProc expires servers whose last heartbeat is more than LiveTimeout
// old. It reads the clock once and applies that instant to every entry.
func (c *Catalog) MainProc() {
	c.mu.Lock()
	now := c.now()

	joinOffline := false
	if c.join.Alive && now.Sub(c.join.LastHeartbeat) > LiveTimeout {
		c.join.Alive = false
		c.join.LastHeartbeat = time.Time{}
		joinOffline = true
	}

	var offline []Entry
	for _, code := range c.order {
		e := c.entries[code]
		if e.Alive && now.Sub(e.LastHeartbeat) > LiveTimeout {
			e.Alive = false
			e.LastHeartbeat = time.Time{}
			offline = append(offline, *e)
		}
	}
	c.mu.Unlock()

	if joinOffline {
		c.logger.Warn().Msg("JoinServer offline")
		c.bus.Emit(context.Background(), events.Event{
			Type:    events.EventJoinServerOffline,
			Source:  "serverlist",
			Payload: events.JoinServerPayload{},
		})
	}
	for _, e := range offline {
		c.logger.Warn().Str("name", e.ServerName).Uint16("code", e.ServerCode).Msg("GameServer offline")
		c.emitGameServer(events.EventGameServerOffline, e)
	}
}

func (c *Catalog) emitGameServer(t events.EventType, e Entry) {
	c.bus.Emit(context.Background(), events.Event{
		Type:   t,
		Source: "serverlist",
		Payload: events.GameServerPayload{
			ServerCode: e.ServerCode,
			ServerName: e.ServerName,
			UserTotal:  e.UserTotal,
			UserCount:  e.UserCount,
		},
	})
}

// available must be called with c.mu held.
func (c *Catalog) available() bool {
	if !c.opts.RequireJoinServer {
		return true
	}
	return c.join.Alive && c.join.QueueSize <= MaxJoinServerQueueSize
}

// listable must be called with c.mu held.
func (c *Catalog) listable(e *Entry) bool {
	return e.Visible && (!c.opts.RequireAlive || e.Alive)
}

// Available reports whether lists are currently served.
func (c *Catalog) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available()
}

// AppendCustomList writes {ServerCode u16, ServerName [32]} records for
// every listable server into b and returns how many were written. Nothing
// is written while the JoinServer is unavailable. Records that would push
// the frame past MaxPacketSize are left out.
func (c *Catalog) AppendCustomList(b *protocol.PacketBuilder) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available() {
		return 0
	}
	count := 0
	for _, code := range c.order {
		e := c.entries[code]
		if !c.listable(e) {
			continue
		}
		if b.Len()+protocol.CustomListRecordSize > protocol.MaxPacketSize {
			c.logger.Warn().Int("written", count).Msg("custom list truncated")
			break
		}
		b.WriteUint16(e.ServerCode).WriteFixedString(e.ServerName, protocol.ServerNameSize)
		count++
	}
	return count
}

// AppendServerList writes {ServerCode u16, UserTotal u8} records for
// every listable server into b and returns how many were written.
func (c *Catalog) AppendServerList(b *protocol.PacketBuilder) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available() {
		return 0
	}
	count := 0
	for _, code := range c.order {
		e := c.entries[code]
		if !c.listable(e) {
			continue
		}
		if count == 0xFF || b.Len()+protocol.ServerListRecordSize > protocol.MaxPacketSize {
			c.logger.Warn().Int("written", count).Msg("server list truncated")
			break
		}
		b.WriteUint16(e.ServerCode).WriteByte(e.UserTotal)
		count++
	}
	return count
}

// Get returns a copy of the entry for code.
func (c *Catalog) Get(code uint16) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[code]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ServerInfo returns the entry for code if a client may be sent to it.
func (c *Catalog) ServerInfo(code uint16) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[code]
	if !ok || !c.listable(e) {
		return Entry{}, false
	}
	return *e, true
}

// Alive reports the liveness flag of code.
func (c *Catalog) Alive(code uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	return ok && e.Alive
}

// Snapshot copies every entry in iteration order.
func (c *Catalog) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, *c.entries[code])
	}
	return out
}

// JoinServer returns the JoinServer state.
func (c *Catalog) JoinServer() JoinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.join
}

// Stats counts entries by state.
func (c *Catalog) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Total: len(c.order)}
	for _, e := range c.entries {
		if e.Visible {
			s.Visible++
		}
		if e.Alive {
			s.Alive++
		}
	}
	return s
}
