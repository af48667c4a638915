// Package api assembles the HTTP listen surface: one gin engine, the
// access-key/CORS/recovery/request-logging middleware chain, and the three
// dialect handlers plus models and health, spec §6.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sanshao85/waveproxy/internal/channelmodel"
	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/history"
	"github.com/sanshao85/waveproxy/internal/logging"
	"github.com/sanshao85/waveproxy/internal/metrics"
	"github.com/sanshao85/waveproxy/internal/orchestrator"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/session"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

type serverOptionConfig struct {
	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
	localPassword      string
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithKeepAliveEndpoint enables an optional GET /keep-alive that resets an
// idle timer and invokes onTimeout if it elapses (SPEC_FULL.md supplemented
// feature 4), gated by a local password compared with subtle.ConstantTimeCompare.
func WithKeepAliveEndpoint(timeout time.Duration, onTimeout func(), localPassword string) ServerOption {
	return func(o *serverOptionConfig) {
		if timeout <= 0 || onTimeout == nil {
			return
		}
		o.keepAliveEnabled = true
		o.keepAliveTimeout = timeout
		o.keepAliveOnTimeout = onTimeout
		o.localPassword = localPassword
	}
}

// Server wraps the gin engine and the http.Server listening on top of it.
type Server struct {
	engine *gin.Engine
	server *http.Server

	store     *config.Store
	channels  *channelmodel.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Manager
	history   *history.Manager
	sessions  *session.Manager
	client    *http.Client

	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
	keepAliveHeartbeat chan struct{}
	keepAliveStop      chan struct{}
}

// NewServer builds the gin engine and registers every route; the *http.Server
// that binds an address is created later by Listen.
func NewServer(store *config.Store, channels *channelmodel.Manager, sched *scheduler.Scheduler, metricsMgr *metrics.Manager, historyMgr *history.Manager, sessions *session.Manager, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for _, opt := range opts {
		opt(optionState)
	}

	doc := store.Get()
	if !doc.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:             engine,
		store:              store,
		channels:           channels,
		scheduler:          sched,
		metrics:            metricsMgr,
		history:            historyMgr,
		sessions:           sessions,
		client:             upstream.NewClient(),
		keepAliveEnabled:   optionState.keepAliveEnabled,
		keepAliveTimeout:   optionState.keepAliveTimeout,
		keepAliveOnTimeout: optionState.keepAliveOnTimeout,
	}

	s.setupRoutes()

	if s.keepAliveEnabled {
		s.enableKeepAlive(optionState.localPassword)
	}

	return s
}

func (s *Server) deps() orchestrator.Deps {
	return orchestrator.Deps{Scheduler: s.scheduler, Metrics: s.metrics, History: s.history}
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.rootHandler)
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.Use(s.accessKeyMiddleware())
	{
		v1.POST("/messages", s.messagesHandler)
		v1.POST("/messages/count_tokens", s.countTokensHandler)
		v1.POST("/responses", s.responsesHandler)
		v1.GET("/models", s.modelsListHandler)
		v1.GET("/models/:id", s.modelsDetailHandler)
	}

	bare := s.engine.Group("/")
	bare.Use(s.accessKeyMiddleware())
	{
		bare.POST("/messages", s.messagesHandler)
		bare.POST("/messages/count_tokens", s.countTokensHandler)
		bare.POST("/responses", s.responsesHandler)
		bare.GET("/models", s.modelsListHandler)
		bare.GET("/models/:id", s.modelsDetailHandler)
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(s.accessKeyMiddleware())
	{
		v1beta.POST("/models/:action", s.geminiHandler)
	}

	s.engine.NoRoute(notFoundHandler)
}

func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "WaveProxy",
		"version": Version,
		"endpoints": []string{
			"POST /v1/messages",
			"POST /v1/messages/count_tokens",
			"POST /v1/responses",
			"GET /v1/models",
			"GET /v1/models/:id",
			"POST /v1beta/models/:action",
		},
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "waveproxy"})
}

func notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"type": "error", "message": "not found"}})
}

// accessKeyMiddleware enforces the server-level access key (spec §4.6) via
// x-api-key or Authorization: Bearer, skipping enforcement when unset.
func (s *Server) accessKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessKey := s.store.Get().AccessKey
		if accessKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("x-api-key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(accessKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"type": "error", "message": "unauthorized"}})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) enableKeepAlive(localPassword string) {
	s.keepAliveHeartbeat = make(chan struct{}, 1)
	s.keepAliveStop = make(chan struct{}, 1)
	s.engine.GET("/keep-alive", s.keepAliveHandler(localPassword))
	go s.watchKeepAlive()
}

func (s *Server) keepAliveHandler(localPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if localPassword != "" {
			provided := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(provided), "bearer ") {
				provided = provided[len("bearer "):]
			}
			if provided == "" {
				provided = strings.TrimSpace(c.GetHeader("X-Local-Password"))
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(localPassword)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
				return
			}
		}
		select {
		case s.keepAliveHeartbeat <- struct{}{}:
		default:
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) watchKeepAlive() {
	timer := time.NewTimer(s.keepAliveTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			log.Warnf("keep-alive endpoint idle for %s, shutting down", s.keepAliveTimeout)
			s.keepAliveOnTimeout()
			return
		case <-s.keepAliveHeartbeat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.keepAliveTimeout)
		case <-s.keepAliveStop:
			return
		}
	}
}

// Handler returns the underlying http.Handler, for tests and for embedding
// in an *http.Server managed elsewhere.
func (s *Server) Handler() http.Handler { return s.engine }

// Listen binds a TCP listener on 127.0.0.1:port, surfacing a port-conflict
// error synchronously so the caller need not guess how long Serve takes to
// fail (mirrors other_examples/.../proxy.go's Start, which binds before
// backgrounding the accept loop).
func (s *Server) Listen(port int) (net.Listener, error) {
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than the generation timeout
		IdleTimeout:  120 * time.Second,
	}
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// ServeListener blocks accepting connections on ln until Stop shuts the
// server down.
func (s *Server) ServeListener(ln net.Listener) error {
	err := s.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve binds port and blocks serving it until shut down or failure. Stop
// cancels it via graceful shutdown.
func (s *Server) Serve(port int) error {
	ln, err := s.Listen(port)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.keepAliveEnabled {
		select {
		case s.keepAliveStop <- struct{}{}:
		default:
		}
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
