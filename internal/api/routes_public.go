package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "voxelnet",
		"version": util.Version,
	})
}

// handleGetServerInfo returns what discovery advertises plus host details.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	var stats network.Stats
	if !s.call(c, func(h network.Hub) { stats = h.Stats() }) {
		return
	}
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"hostname":        s.cfg.Server.Hostname,
		"motd":            s.cfg.MOTD(),
		"port":            s.cfg.Server.Port,
		"online":          stats.Peers,
		"capacity":        stats.Capacity,
		"uptime_seconds":  int64(stats.Uptime.Seconds()),
		"version":         util.Version,
		"platform":        sysInfo.Platform,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}
