// Package handler routes client frames to catalog queries and sends the
// replies back through the session registry.
package handler

import (
	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/network"
	"github.com/mu-connect/connectserver/internal/protocol"
	"github.com/mu-connect/connectserver/internal/serverlist"
	"github.com/mu-connect/connectserver/internal/util"
)

// Handler implements network.Dispatcher for game clients.
type Handler struct {
	registry *network.Registry
	catalog  *serverlist.Catalog
	logger   zerolog.Logger
}

// New creates a Handler answering from catalog. Replies are addressed
// through registry so a client that disconnected in the meantime gets
// nothing.
func New(registry *network.Registry, catalog *serverlist.Catalog) *Handler {
	return &Handler{
		registry: registry,
		catalog:  catalog,
		logger:   util.ComponentLogger("protocol"),
	}
}

// OnConnect sends the init greeting.
func (h *Handler) OnConnect(s *network.Session) {
	h.logger.Debug().Int("slot", s.Handle().Slot).Msg("sending init")
	h.send(s.Handle(), protocol.BuildInit())
}

// HandleFrame dispatches one client frame.
func (h *Handler) HandleFrame(s *network.Session, f protocol.Frame) {
	handle := s.Handle()
	h.logger.Debug().Int("slot", handle.Slot).Str("frame", f.String()).Msg("received packet")

	if f.Head() != protocol.OpServerList || !f.HasHead() {
		h.logger.Warn().Int("slot", handle.Slot).Str("frame", f.String()).Msg("unknown packet head")
		return
	}

	sub, _ := f.Sub()
	switch sub {
	case protocol.SubServerList:
		h.sendLists(handle)
	case protocol.SubServerInfo:
		h.sendServerInfo(handle, f)
	default:
		h.logger.Warn().Int("slot", handle.Slot).Uint8("sub", sub).Msg("unknown F4 sub-opcode")
	}
}

func (h *Handler) sendLists(handle network.Handle) {
	custom, countOff := protocol.NewCustomListBuilder()
	n := h.catalog.AppendCustomList(custom)
	custom.PutUint16(countOff, uint16(n))
	if frame, err := custom.Build(); err == nil {
		h.send(handle, frame)
	}

	list, countOff := protocol.NewServerListBuilder()
	n = h.catalog.AppendServerList(list)
	list.PutByte(countOff, byte(n))
	frame, err := list.Build()
	if err != nil {
		return
	}
	h.logger.Debug().Int("slot", handle.Slot).Int("count", n).Int("size", len(frame)).Msg("sending server list")
	h.send(handle, frame)
}

func (h *Handler) sendServerInfo(handle network.Handle, f protocol.Frame) {
	code, err := protocol.ParseServerInfoRequest(f)
	if err != nil {
		h.logger.Warn().Err(err).Int("slot", handle.Slot).Msg("bad server info request")
		return
	}

	e, ok := h.catalog.ServerInfo(code)
	if !ok {
		h.logger.Debug().Int("slot", handle.Slot).Uint16("code", code).Msg("server not found or hidden")
		return
	}

	h.logger.Debug().
		Int("slot", handle.Slot).
		Str("address", e.ServerAddress).
		Uint16("port", e.ServerPort).
		Msg("sending server info")
	h.send(handle, protocol.BuildServerInfo(e.ServerAddress, e.ServerPort))
}

func (h *Handler) send(handle network.Handle, frame []byte) {
	s := h.registry.Get(handle)
	if s == nil {
		h.logger.Debug().Str("handle", handle.String()).Msg("session gone, dropping reply")
		return
	}
	if err := s.Send(frame); err != nil {
		h.logger.Debug().Err(err).Str("handle", handle.String()).Msg("reply not queued")
	}
}
