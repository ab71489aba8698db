package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxelnet-project/voxelnet/internal/db"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

func (s *Server) handleGetAccounts(c *gin.Context) {
	if s.accounts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account store not available"})
		return
	}

	accounts, err := s.accounts.List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list accounts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if accounts == nil {
		accounts = []db.Account{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

type createAccountRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	if s.accounts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account store not available"})
		return
	}

	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and password are required"})
		return
	}
	// both travel in fixed-size, NUL-terminated login fields
	if len(req.Name) >= protocol.NameSize || len(req.Password) >= protocol.PasswordSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name or password too long"})
		return
	}
	if len(req.Password) < protocol.PasswordMin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password too short", "min": protocol.PasswordMin})
		return
	}

	id, err := s.accounts.Create(c.Request.Context(), req.Name, req.Password)
	if errors.Is(err, db.ErrAccountExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user", req.Name).Msg("failed to create account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("user", req.Name).Int64("id", id).Msg("API: account created")
	c.JSON(http.StatusCreated, gin.H{"id": id, "name": req.Name})
}
