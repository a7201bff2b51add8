package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mu-connect/connectserver/internal/serverlist"
	"github.com/mu-connect/connectserver/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.srv.Status())
}

func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetSystemInfo())
}

func (s *Server) handleServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.srv.Servers()})
}

func (s *Server) handleServer(c *gin.Context) {
	code, err := strconv.ParseUint(c.Param("code"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid server code"})
		return
	}

	e, err := s.srv.Server(uint16(code))
	if errors.Is(err, serverlist.ErrUnknownServer) {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleReload(c *gin.Context) {
	if err := s.srv.Reload(); err != nil {
		log.Warn().Err(err).Msg("reload requested over API failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "servers": len(s.srv.Servers())})
}
