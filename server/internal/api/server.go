package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sage-talk/server/internal/config"
	"sage-talk/server/internal/content"
	"sage-talk/server/internal/model"
	"sage-talk/server/internal/progress"
	"sage-talk/server/internal/transcript"
)

type Server struct {
	config     *config.Config
	library    *content.Library
	progress   progress.Store
	transcript transcript.Store
	now        func() time.Time
	logger     *log.Logger

	// sessions 管理所有活跃的实时会话桥 (sessionID -> bridge)
	sessions   map[string]*sessionBridge
	sessionsMu sync.RWMutex

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, library *content.Library, progressStore progress.Store, transcriptStore transcript.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		config:     cfg,
		library:    library,
		progress:   progressStore,
		transcript: transcriptStore,
		now:        time.Now,
		logger:     logger,
		sessions:   make(map[string]*sessionBridge),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 开发期允许本地跨域，生产环境应改为白名单
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173"
			},
		},
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/content", s.handleContent)
	engine.GET("/api/content/:id", s.handleContentByID)
	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions", s.handleListSessions)
	engine.GET("/api/sessions/:id", s.handleGetSession)
	engine.GET("/api/sessions/:id/transcript", s.handleTranscript)
	engine.GET("/api/sessions/:id/stream", s.handleSessionStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleContent 返回所有可用的学习素材包。
func (s *Server) handleContent(c *gin.Context) {
	if subject := c.Query("subject"); subject != "" {
		c.JSON(http.StatusOK, s.library.BySubject(subject))
		return
	}
	c.JSON(http.StatusOK, s.library.Packages())
}

// handleContentByID 按 ID 返回单个素材包。
func (s *Server) handleContentByID(c *gin.Context) {
	pkg, ok := s.library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "content package not found"})
		return
	}
	c.JSON(http.StatusOK, pkg)
}

type createSessionRequest struct {
	Subject  string `json:"subject"`
	Skill    string `json:"skill"`
	Subskill string `json:"subskill"`
}

// handleCreateSession 处理 /api/sessions 路由，创建新的学习会话。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject required"})
		return
	}

	ls := model.LearningSession{
		SessionID: uuid.NewString(),
		Subject:   req.Subject,
		Skill:     req.Skill,
		Subskill:  req.Subskill,
		StartedAt: s.now(),
	}
	if err := s.progress.Save(c.Request.Context(), &ls); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save session failed"})
		return
	}

	c.JSON(http.StatusOK, ls)
}

// handleListSessions 返回全部学习会话。
func (s *Server) handleListSessions(c *gin.Context) {
	list, err := s.progress.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleGetSession 返回单个学习会话的进度。
func (s *Server) handleGetSession(c *gin.Context) {
	ls, err := s.progress.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == progress.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}
	c.JSON(http.StatusOK, ls)
}

// handleTranscript 返回会话的转写时间线。
func (s *Server) handleTranscript(c *gin.Context) {
	events, err := s.transcript.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load transcript failed"})
		return
	}
	if events == nil {
		events = []model.TranscriptEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// 开发期：允许本地 Vite；线上应改为白名单或同源。
		if origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
