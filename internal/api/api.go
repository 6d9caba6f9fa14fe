// Package api serves the read-only HTTP status API of a session.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iselt/netsession/session"
)

// SocketInfo describes a bound socket.
type SocketInfo struct {
	Handle    string `json:"handle"`
	LocalAddr string `json:"local_addr"`
	Default   bool   `json:"default"`
}

// ConnectionInfo describes a tracked connection.
type ConnectionInfo struct {
	Addr   string `json:"addr"`
	Socket string `json:"socket"`
}

// StatsResponse is the body of /api/v1/stats.
type StatsResponse struct {
	session.Stats
	Uptime string `json:"uptime"`
}

// Server is the status API.
type Server struct {
	session  *session.Session
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *gin.Engine
	started  time.Time

	http *http.Server
}

// New builds the router. Metrics are served from gatherer.
func New(s *session.Session, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	api := &Server{
		session:  s,
		gatherer: gatherer,
		logger:   logger,
		router:   router,
		started:  time.Now(),
	}
	api.setupRoutes()
	return api
}

func (api *Server) setupRoutes() {
	v1 := api.router.Group("/api/v1")
	{
		v1.GET("/stats", api.getStats)
		v1.GET("/sockets", api.getSockets)
		v1.GET("/connections", api.getConnections)
	}

	api.router.GET("/health", api.healthCheck)
	api.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})))
}

// Handler exposes the router, mostly for tests.
func (api *Server) Handler() http.Handler { return api.router }

// Start serves on addr in the background.
func (api *Server) Start(addr string) {
	api.http = &http.Server{
		Addr:              addr,
		Handler:           api.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		api.logger.Info("Starting API server", zap.String("listen_addr", addr))
		if err := api.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops a server started with Start.
func (api *Server) Shutdown(ctx context.Context) error {
	if api.http == nil {
		return nil
	}
	return api.http.Shutdown(ctx)
}

func (api *Server) healthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	select {
	case <-api.session.Done():
		status, code = "worker stopped", http.StatusServiceUnavailable
	default:
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": "netsession",
		"time":    time.Now().UTC(),
	})
}

func (api *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Stats:  api.session.Stats(),
		Uptime: time.Since(api.started).Round(time.Second).String(),
	})
}

func (api *Server) getSockets(c *gin.Context) {
	def, _ := api.session.DefaultSocket()
	sockets := make([]SocketInfo, 0)
	for _, h := range api.session.Sockets() {
		local, err := api.session.LocalAddr(h)
		if err != nil {
			continue
		}
		sockets = append(sockets, SocketInfo{Handle: h.String(), LocalAddr: local.String(), Default: h == def})
	}
	c.JSON(http.StatusOK, gin.H{"sockets": sockets, "total": len(sockets)})
}

func (api *Server) getConnections(c *gin.Context) {
	var conns []session.Connection
	if raw := c.Query("socket"); raw != "" {
		h, err := session.ParseSocketHandle(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conns = api.session.ConnectionsForSocket(h)
	} else {
		conns = api.session.Connections()
	}

	out := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ConnectionInfo{Addr: conn.Addr.String(), Socket: conn.Socket.String()})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out, "total": len(out)})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("API request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
