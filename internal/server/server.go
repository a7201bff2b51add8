// Package server is the ConnectServer composition root. A Server owns the
// session registry, the IP table, the catalog, the protocol handler and
// both network endpoints, and is handed explicitly to the console, the
// REST API and telemetry.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/config"
	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/handler"
	"github.com/mu-connect/connectserver/internal/network"
	"github.com/mu-connect/connectserver/internal/scheduler"
	"github.com/mu-connect/connectserver/internal/serverlist"
	"github.com/mu-connect/connectserver/internal/util"
)

// Server is the running ConnectServer.
type Server struct {
	cfg *config.Config
	bus *events.Bus

	registry *network.Registry
	ips      *network.IPTable
	tracer   *network.Tracer
	catalog  *serverlist.Catalog
	handler  *handler.Handler
	tcp      *network.TCPListener
	udp      *network.UDPListener
	sched    *scheduler.Scheduler

	running   atomic.Bool
	startedAt time.Time
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// Status is a point-in-time summary for the console and the REST API.
type Status struct {
	Running    bool                 `json:"running"`
	Clients    int                  `json:"clients"`
	FreeSlots  int                  `json:"free_slots"`
	Capacity   int                  `json:"capacity"`
	TCPPort    int                  `json:"tcp_port"`
	UDPPort    int                  `json:"udp_port"`
	Source     string               `json:"source"`
	JoinServer serverlist.JoinState `json:"join_server"`
	Available  bool                 `json:"lists_available"`
	Servers    serverlist.Stats     `json:"servers"`
	TraceRecv  bool                 `json:"trace_tcp_recv"`
	TraceSend  bool                 `json:"trace_tcp_send"`
	Uptime     string               `json:"uptime"`
	Process    util.ProcessStats    `json:"process"`
}

// SourceFor returns the catalog source selected by the configuration.
func SourceFor(cs config.ConnectServerInfo) serverlist.Source {
	if cs.ServerListSource == config.ServerListSourceSQLite {
		return serverlist.SQLiteSource{Path: cs.ServerListPath}
	}
	return serverlist.DatSource{Path: cs.ServerListPath}
}

// New wires every component from cfg. Nothing is bound or loaded yet.
func New(cfg *config.Config, bus *events.Bus) *Server {
	cs := cfg.ConnectServer
	s := &Server{
		cfg:      cfg,
		bus:      bus,
		registry: network.NewRegistry(network.MaxClient),
		ips:      network.NewIPTable(cs.MaxIPConnection),
		tracer:   network.NewTracer(),
		logger:   util.ComponentLogger("server"),
	}

	s.catalog = serverlist.NewCatalog(SourceFor(cs), serverlist.Options{
		RequireJoinServer: cs.CheckJoinServerState,
		RequireAlive:      !cs.ShowOfflineServers,
	}, bus)
	s.handler = handler.New(s.registry, s.catalog)
	s.tcp = network.NewTCPListener(cs.PortTCP, s.registry, s.ips, s.handler, s.tracer, bus)
	s.udp = network.NewUDPListener(cs.PortUDP, s.catalog, float64(cs.UDPRateLimit))
	s.sched = scheduler.NewScheduler(s.catalog, s.registry, scheduler.Options{
		IdleTimeout: time.Duration(cs.ClientIdleTimeout) * time.Second,
	})
	return s
}

// LoadCatalog performs the initial catalog load.
func (s *Server) LoadCatalog() error {
	if err := s.catalog.Load(); err != nil {
		return fmt.Errorf("failed to load server list %s: %w", s.catalog.Source(), err)
	}
	return nil
}

// Listen binds the TCP and UDP endpoints. Either failure is returned
// before any traffic is served.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.tcp.Listen(ctx); err != nil {
		return err
	}
	if err := s.udp.Listen(ctx); err != nil {
		return err
	}
	return nil
}

// Run serves until ctx is cancelled, then waits for the accept loop, the
// datagram loop, the scheduler and every session to finish.
func (s *Server) Run(ctx context.Context) {
	s.startedAt = time.Now()
	s.running.Store(true)
	defer s.running.Store(false)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.tcp.Serve(ctx); err != nil {
			s.logger.Error().Err(err).Msg("TCP listener failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.udp.Serve(ctx); err != nil {
			s.logger.Error().Err(err).Msg("UDP listener failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.sched.Start(ctx)
	}()

	s.logger.Info().
		Int("tcp_port", s.cfg.ConnectServer.PortTCP).
		Int("udp_port", s.cfg.ConnectServer.PortUDP).
		Int("max_ip_connection", s.cfg.ConnectServer.MaxIPConnection).
		Msg("ConnectServer running")

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info().Int("clients", s.registry.Count()).Msg("ConnectServer stopped")
}

// Reload re-reads the catalog source. On failure the running catalog is
// left untouched.
func (s *Server) Reload() error {
	return s.catalog.Load()
}

// Export writes the current catalog to an SQLite database at path.
func (s *Server) Export(path string) error {
	entries := s.catalog.Snapshot()
	if err := serverlist.WriteSQLite(path, entries); err != nil {
		return fmt.Errorf("failed to export server list: %w", err)
	}
	s.logger.Info().Str("path", path).Int("servers", len(entries)).Msg("server list exported")
	return nil
}

// Status samples the current state.
func (s *Server) Status() Status {
	clients := s.registry.Count()
	st := Status{
		Running:    s.running.Load(),
		Clients:    clients,
		FreeSlots:  s.registry.Capacity() - clients,
		Capacity:   s.registry.Capacity(),
		TCPPort:    s.cfg.ConnectServer.PortTCP,
		UDPPort:    s.cfg.ConnectServer.PortUDP,
		Source:     s.catalog.Source().String(),
		JoinServer: s.catalog.JoinServer(),
		Available:  s.catalog.Available(),
		Servers:    s.catalog.Stats(),
		TraceRecv:  s.tracer.RecvEnabled(),
		TraceSend:  s.tracer.SendEnabled(),
		Process:    util.GetProcessStats(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	return st
}

// Servers returns the catalog in iteration order.
func (s *Server) Servers() []serverlist.Entry { return s.catalog.Snapshot() }

// Server returns one catalog entry.
func (s *Server) Server(code uint16) (serverlist.Entry, error) {
	e, ok := s.catalog.Get(code)
	if !ok {
		return serverlist.Entry{}, fmt.Errorf("%w: %d", serverlist.ErrUnknownServer, code)
	}
	return e, nil
}

// Tracer returns the protocol tracer toggled by the console.
func (s *Server) Tracer() *network.Tracer { return s.tracer }

// Catalog returns the server catalog.
func (s *Server) Catalog() *serverlist.Catalog { return s.catalog }

// Registry returns the session registry.
func (s *Server) Registry() *network.Registry { return s.registry }

// Bus returns the event bus.
func (s *Server) Bus() *events.Bus { return s.bus }

// Config returns the configuration the server was built from.
func (s *Server) Config() *config.Config { return s.cfg }

// Addrs returns the bound TCP and UDP addresses, or empty strings before Listen.
func (s *Server) Addrs() (tcp, udp string) {
	if a := s.tcp.Addr(); a != nil {
		tcp = a.String()
	}
	if a := s.udp.Addr(); a != nil {
		udp = a.String()
	}
	return tcp, udp
}
