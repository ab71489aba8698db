package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/util"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

// peerInfo is one row of the peers listing.
type peerInfo struct {
	ID          uint64           `json:"id"`
	Handle      int              `json:"handle"`
	User        string           `json:"user,omitempty"`
	State       events.PeerState `json:"state"`
	Remote      string           `json:"remote"`
	ConnectedAt time.Time        `json:"connected_at"`
}

func (s *Server) handleGetPeers(c *gin.Context) {
	var peers []peerInfo
	ok := s.call(c, func(h network.Hub) {
		for _, p := range h.Peers() {
			peers = append(peers, peerInfo{
				ID:          p.ID(),
				Handle:      p.Handle(),
				User:        p.Username(),
				State:       p.State(),
				Remote:      p.RemoteAddr(),
				ConnectedAt: p.ConnectedAt(),
			})
		}
	})
	if !ok {
		return
	}
	if peers == nil {
		peers = []peerInfo{}
	}

	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

func (s *Server) handleGetStats(c *gin.Context) {
	var stats network.Stats
	if !s.call(c, func(h network.Hub) { stats = h.Stats() }) {
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleGetWorld summarizes the spawn chunk by block type.
func (s *Server) handleGetWorld(c *gin.Context) {
	var (
		counts = make(map[string]int)
		solid  int
		dirty  bool
	)
	ok := s.call(c, func(network.Hub) {
		for _, id := range s.world.Snapshot().Blocks {
			if id != world.Air {
				counts[world.BlockName(id)]++
			}
		}
		solid = s.world.Count()
		dirty = s.world.Dirty()
	})
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"edge":   world.Edge,
		"blocks": solid,
		"dirty":  dirty,
		"counts": counts,
	})
}

// handleGetCPUUsage returns system and process CPU usage.
func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleGetMemoryUsage returns memory usage and process resource counts.
func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

// handleGetLogEntries returns the tail of the newest log file.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	count = min(count, 1000)

	entries, err := readRecentLogEntries(s.cfg.Logging.Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is one parsed zerolog line.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// fields every line carries; the rest go into logEntry.Fields
var baseLogKeys = map[string]bool{
	"level": true, "time": true, "message": true,
	"caller": true, "app": true, "component": true,
}

func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(logDir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}

	result := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Timestamp: stringFromMap(raw, "time"),
			Level:     stringFromMap(raw, "level"),
			Component: stringFromMap(raw, "component"),
			Message:   stringFromMap(raw, "message"),
		}
		for k, v := range raw {
			if baseLogKeys[k] {
				continue
			}
			if entry.Fields == nil {
				entry.Fields = make(map[string]interface{})
			}
			entry.Fields[k] = v
		}
		result = append(result, entry)
	}

	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
