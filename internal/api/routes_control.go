package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

type textRequest struct {
	Text string `json:"text"`
}

// handleSay broadcasts a server message to every peer.
func (s *Server) handleSay(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if len(req.Text) >= protocol.MessageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text too long", "max": protocol.MessageSize - 1})
		return
	}

	var delivered int
	if !s.call(c, func(h network.Hub) {
		delivered = h.Broadcast(protocol.NewServerText(protocol.RecipientAll, req.Text))
	}) {
		return
	}

	s.logger.Info().Str("text", req.Text).Int("delivered", delivered).Msg("API: broadcast")
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

// handleKick disconnects the peer with the given stable id.
func (s *Server) handleKick(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	found := false
	if !s.call(c, func(h network.Hub) {
		if p := h.FindByID(id); p != nil {
			found = true
			h.Disconnect(p, network.ReasonKicked)
		}
	}) {
		return
	}

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found", "id": id})
		return
	}
	s.logger.Info().Uint64("peer_id", id).Msg("API: peer kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "id": id})
}

// handleSetMOTD replaces the greeting for new connections and persists it.
func (s *Server) handleSetMOTD(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Text) > config.MaxMOTDLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "motd too long", "max": config.MaxMOTDLength})
		return
	}

	s.cfg.SetMOTD(req.Text)
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist motd")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	s.emit(events.EventConfigChanged, map[string]string{"motd": req.Text})
	c.JSON(http.StatusOK, gin.H{"motd": req.Text})
}

// handleSave writes the world to the database now.
func (s *Server) handleSave(c *gin.Context) {
	var (
		blocks  int
		saveErr error
	)
	if !s.call(c, func(network.Hub) {
		blocks = s.world.Count()
		saveErr = s.world.Save(c.Request.Context())
	}) {
		return
	}
	if saveErr != nil {
		s.logger.Error().Err(saveErr).Msg("API: world save failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": saveErr.Error()})
		return
	}

	s.emit(events.EventWorldSaved, events.StatsPayload{Blocks: blocks})
	c.JSON(http.StatusOK, gin.H{"status": "saved", "blocks": blocks})
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(context.Background(), events.Event{Type: t, Source: "api", Payload: payload})
}
