package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sage-talk/server/internal/capture"
	"sage-talk/server/internal/live"
	"sage-talk/server/internal/model"
	"sage-talk/server/internal/playback"
	"sage-talk/server/internal/progress"
)

// uiCommand 是浏览器经 WebSocket 下发的控制命令。
type uiCommand struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// uiStatus 是推送给浏览器的状态更新。
type uiStatus struct {
	Type     string `json:"type"`
	Value    bool   `json:"value,omitempty"`
	State    string `json:"state,omitempty"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Details  string `json:"details,omitempty"`
	// Awaiting 不能带 omitempty：清除等待指示要把 false 推到浏览器
	Awaiting bool `json:"awaiting"`
}

// sessionBridge 把一条 UI WebSocket 连接桥接到实时辅导会话：
// 下行命令驱动 live/capture，上行事件推回 UI，同时落转写
type sessionBridge struct {
	sessionID string
	server    *Server

	conn    *websocket.Conn
	writeMu sync.Mutex

	live   *live.Session
	mic    *capture.Microphone
	screen *capture.ScreenShare
}

// handleSessionStream 处理 WebSocket 连接，创建会话桥并进入命令循环
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	s.logger.Printf("[API] 📞 WebSocket connection request for session: %s", sessionID)

	ls, err := s.progress.Get(c.Request.Context(), sessionID)
	if err != nil {
		if err == progress.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: %v", err)
		return
	}

	bridge := s.newBridge(sessionID, ls, conn)

	s.sessionsMu.Lock()
	s.sessions[sessionID] = bridge
	s.sessionsMu.Unlock()
	s.logger.Printf("[API] ✅ Session bridge created: %s (subject=%s)", sessionID, ls.Subject)

	bridge.commandLoop()

	s.sessionsMu.Lock()
	delete(s.sessions, sessionID)
	s.sessionsMu.Unlock()
}

func (s *Server) newBridge(sessionID string, ls *model.LearningSession, conn *websocket.Conn) *sessionBridge {
	bridge := &sessionBridge{
		sessionID: sessionID,
		server:    s,
		conn:      conn,
	}

	player := playback.NewScheduler(nil, func() (playback.Sink, error) {
		return playback.NewFFplaySink(s.logger), nil
	}, playback.Config{
		ConsolidateAfter:   s.config.Playback.ConsolidateAfter,
		Cushion:            s.config.Playback.Cushion,
		MinCushionDuration: s.config.Playback.MinCushionDuration,
	}, s.logger)

	liveCfg := live.Config{
		EndpointURL:      s.config.Endpoint.URL,
		Subject:          ls.Subject,
		Skill:            ls.Skill,
		Subskill:         ls.Subskill,
		ResponseTimeout:  s.config.Live.ResponseTimeout,
		PingInterval:     s.config.Live.PingInterval,
		HandshakeTimeout: s.config.Live.HandshakeTimeout,
	}
	if s.config.Endpoint.TokenURL != "" {
		liveCfg.TokenProvider = &live.TokenClient{
			APIKey:  s.config.Endpoint.APIKey,
			BaseURL: s.config.Endpoint.TokenURL,
		}
	} else {
		liveCfg.Token = s.config.Endpoint.APIKey
	}

	bridge.live = live.NewSession(liveCfg, player, live.Callbacks{
		OnText: func(content string) {
			bridge.appendTranscript("tutor", "text", content)
			bridge.push(uiStatus{Type: "tutor_text", Content: content})
		},
		OnError: func(errMsg, details string) {
			bridge.appendTranscript("system", "error", errMsg)
			bridge.push(uiStatus{Type: "error", Error: errMsg, Details: details})
		},
		OnStateChange: func(state live.State) {
			bridge.appendTranscript("system", "state", string(state))
			bridge.push(uiStatus{Type: "state", State: string(state)})
		},
		OnAwaitingChange: func(awaiting bool) {
			bridge.push(uiStatus{Type: "awaiting", Awaiting: awaiting})
		},
	}, s.logger)

	bridge.mic = capture.NewMicrophone(bridge.live, capture.NewFFmpegMicOpener(), s.logger)
	bridge.screen = capture.NewScreenShare(bridge.live, capture.NewFFmpegDisplayOpener(),
		s.config.Capture.ScreenFrameInterval, s.logger)
	bridge.live.AttachPipeline(bridge.mic)
	bridge.live.AttachPipeline(bridge.screen)

	return bridge
}

// commandLoop 读取 UI 命令直到连接关闭，退出前结束会话
func (b *sessionBridge) commandLoop() {
	defer b.shutdown()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.server.logger.Printf("[API] UI connection closed for %s: %v", b.sessionID, err)
			return
		}

		var cmd uiCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.server.logger.Printf("[API] dropping malformed command: %v", err)
			continue
		}

		if done := b.handleCommand(&cmd); done {
			return
		}
	}
}

func (b *sessionBridge) handleCommand(cmd *uiCommand) bool {
	ctx := context.Background()

	switch cmd.Type {
	case "connect":
		// 拨号可能耗时（含令牌获取），不能阻塞命令循环
		go func() {
			if err := b.live.Connect(ctx); err != nil {
				b.push(uiStatus{Type: "error", Error: "connect failed", Details: err.Error()})
			}
		}()

	case "send_text":
		if cmd.Content == "" {
			return false
		}
		// 等待指示（含置位）统一走 OnAwaitingChange 回调推送
		if err := b.live.SendText(cmd.Content); err != nil {
			b.push(uiStatus{Type: "error", Error: "send failed", Details: err.Error()})
			return false
		}
		b.appendTranscript("user", "text", cmd.Content)

	case "toggle_microphone":
		if b.mic.Listening() {
			if err := b.mic.Stop(); err != nil {
				b.push(uiStatus{Type: "error", Error: "microphone stop failed", Details: err.Error()})
			}
		} else {
			if err := b.mic.Start(ctx); err != nil {
				b.push(uiStatus{Type: "error", Error: "microphone start failed", Details: err.Error()})
			}
		}
		b.appendTranscript("system", "listening", boolText(b.mic.Listening()))
		b.push(uiStatus{Type: "listening", Value: b.mic.Listening()})

	case "toggle_screen_share":
		if b.screen.Sharing() {
			if err := b.screen.Stop(); err != nil {
				b.push(uiStatus{Type: "error", Error: "screen share stop failed", Details: err.Error()})
			}
		} else {
			if err := b.screen.Start(ctx); err != nil {
				b.push(uiStatus{Type: "error", Error: "screen share start failed", Details: err.Error()})
			}
		}
		b.appendTranscript("system", "screen_share", boolText(b.screen.Sharing()))
		b.push(uiStatus{Type: "sharing", Value: b.screen.Sharing()})

	case "end_turn":
		if err := b.live.SendEndOfTurn(); err != nil {
			b.push(uiStatus{Type: "error", Error: "end turn failed", Details: err.Error()})
		}

	case "end_session":
		return true

	default:
		b.server.logger.Printf("[API] ignoring unknown command %q", cmd.Type)
	}
	return false
}

// shutdown 结束实时会话并把结束时间落进进度存储
func (b *sessionBridge) shutdown() {
	b.live.EndSession()
	b.conn.Close()

	ctx := context.Background()
	if ls, err := b.server.progress.Get(ctx, b.sessionID); err == nil && ls.EndedAt.IsZero() {
		ls.EndedAt = b.server.now()
		if err := b.server.progress.Save(ctx, ls); err != nil {
			b.server.logger.Printf("[API] save session end failed: %v", err)
		}
	}
}

func (b *sessionBridge) push(status uiStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		b.server.logger.Printf("[API] status push failed: %v", err)
	}
}

func (b *sessionBridge) appendTranscript(role, eventType, text string) {
	_, err := b.server.transcript.Append(context.Background(), b.sessionID, &model.TranscriptEvent{
		Role: role,
		Type: eventType,
		Text: text,
	})
	if err != nil {
		b.server.logger.Printf("[API] transcript append failed: %v", err)
	}
}

func boolText(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
