package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/db"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/util"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

const callTimeout = 2 * time.Second

// Reactor serializes access to the session state. Every read of the
// registry or the world goes through Call.
type Reactor interface {
	Call(ctx context.Context, fn func(network.Hub)) error
}

// Accounts manages player logins.
type Accounts interface {
	List(ctx context.Context) ([]db.Account, error)
	Create(ctx context.Context, name, password string) (int64, error)
}

// Server is the admin REST API of the session server.
type Server struct {
	cfg      *config.Config
	reactor  Reactor
	world    *world.World
	eventBus *events.EventBus
	gatherer prometheus.Gatherer
	accounts Accounts
	logger   zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. eventBus may be nil.
func NewServer(cfg *config.Config, reactor Reactor, w *world.World, eventBus *events.EventBus, gatherer prometheus.Gatherer) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		reactor:  reactor,
		world:    w,
		eventBus: eventBus,
		gatherer: gatherer,
		logger:   log.With().Str("component", "api").Logger(),
	}
}

// SetAccounts enables the account routes.
func (s *Server) SetAccounts(a Accounts) {
	s.accounts = a
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.API
	addr := fmt.Sprintf(":%d", apiCfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var certFile, keyFile string
	if apiCfg.TLSEnabled {
		var err error
		certFile, keyFile, err = s.ensureCertificate()
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	lc := network.ReuseAddrListenConfig(0)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if apiCfg.Token == "" {
		s.logger.Warn().Msg("api.token is empty, admin endpoints are unauthenticated")
	}
	s.logger.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, certFile, keyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// ensureCertificate returns the configured certificate pair, generating a
// self-signed one when the files do not exist yet.
func (s *Server) ensureCertificate() (string, string, error) {
	certFile, keyFile := s.cfg.API.TLSCertFile, s.cfg.API.TLSKeyFile
	if certFile == "" || keyFile == "" {
		dir := filepath.Join(filepath.Dir(s.cfg.Path()), "tls")
		certFile, keyFile = filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key")
	}
	if util.FileExists(certFile) && util.FileExists(keyFile) {
		return certFile, keyFile, nil
	}
	if err := util.GenerateSelfSignedCert(certFile, keyFile, s.cfg.Server.Hostname); err != nil {
		return "", "", fmt.Errorf("failed to create API certificate: %w", err)
	}
	return certFile, keyFile, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false while origins may be "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.API.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg.API)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleGetServerInfo)
	}

	protected := router.Group("/api")
	protected.Use(auth.IPWhitelist(), auth.RequireToken())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/peers", s.handleGetPeers)
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/world", s.handleGetWorld)
		monitor.GET("/cpu", s.handleGetCPUUsage)
		monitor.GET("/memory", s.handleGetMemoryUsage)
		monitor.GET("/log_entries", s.handleGetLogEntries)
		monitor.GET("/accounts", s.handleGetAccounts)
	}

	control := protected.Group("/control")
	{
		control.POST("/say", s.handleSay)
		control.POST("/kick/:id", s.handleKick)
		control.POST("/motd", s.handleSetMOTD)
		control.POST("/save", s.handleSave)
		control.POST("/accounts", s.handleCreateAccount)
	}

	metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	router.GET("/metrics", auth.IPWhitelist(), gin.WrapH(metricsHandler))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// call runs fn on the reactor goroutine, bounded by the request context.
func (s *Server) call(c *gin.Context, fn func(network.Hub)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), callTimeout)
	defer cancel()

	if err := s.reactor.Call(ctx, fn); err != nil {
		s.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("reactor call failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
