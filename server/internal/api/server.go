// Package api 通过 HTTP 暴露会话操作，并用 WebSocket 推送会话时间线。
package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hanchat/server/internal/config"
	"hanchat/server/internal/domain"
	"hanchat/server/internal/logging"
	"hanchat/server/internal/observe"
	"hanchat/server/internal/orchestrator"
	"hanchat/server/internal/session"
	"hanchat/server/internal/timeline"
)

// Deps 是 Server 依赖的组件。
type Deps struct {
	Sessions session.Store
	Timeline timeline.Store
	Services orchestrator.Services
	Catalog  *domain.Catalog
	Metrics  *observe.Metrics
	// MetricsHandler 挂载在 /metrics；为 nil 时不注册该路由。
	MetricsHandler http.Handler
	Logger         *logrus.Entry
}

type Server struct {
	config   *config.Config
	deps     Deps
	log      *logrus.Entry
	now      func() time.Time
	newID    func() string
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Catalog == nil {
		deps.Catalog = domain.DefaultCatalog()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewInMemoryStore()
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.NewInMemoryStore()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		log:    deps.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware(), s.metricsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	if s.deps.MetricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	api := engine.Group("/api")
	api.GET("/scenes", s.handleScenes)
	api.POST("/sessions", s.handleCreateSession)

	sess := api.Group("/sessions/:id")
	sess.GET("", s.handleGetSession)
	sess.DELETE("", s.handleDeleteSession)
	sess.POST("/scene", s.handleLoadScene)
	sess.PUT("/settings", s.handleSettings)
	sess.POST("/start", s.handleStart)
	sess.POST("/messages", s.handleSendMessage)
	sess.POST("/end", s.handleEnd)
	sess.POST("/reset", s.handleReset)
	sess.POST("/interesting", s.handleInteresting)
	sess.POST("/select", s.handleSelect)
	sess.GET("/stream", s.handleSessionStream)
	return engine
}

// writeError 把哨兵错误映射为状态码；其余错误按上游失败处理，不向客户端泄漏细节。
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		status int
		msg    string
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, orchestrator.ErrMessageNotFound):
		status, msg = http.StatusNotFound, "message not found"
	case errors.Is(err, orchestrator.ErrNoScene):
		status, msg = http.StatusConflict, "no scene loaded"
	case errors.Is(err, orchestrator.ErrSessionReset):
		status, msg = http.StatusConflict, "session was reset"
	case errors.Is(err, orchestrator.ErrSessionClosed):
		status, msg = http.StatusGone, "session closed"
	default:
		status, msg = http.StatusBadGateway, "upstream service failed"
	}

	entry := s.log.WithError(err).WithField("path", c.FullPath())
	if status >= http.StatusInternalServerError {
		entry.Error("[API] ❌ Request failed")
	} else {
		entry.Debug("[API] Request rejected")
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.CORS.AllowedOrigins, origin) ||
		slices.Contains(s.config.CORS.AllowedOrigins, "*")
}
