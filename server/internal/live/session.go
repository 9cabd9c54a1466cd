package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sage-talk/server/internal/protocol"
)

// State 是会话连接状态
// 迁移：Disconnected -> Connecting -> Connected -> (Disconnected | Error)
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrNotConnected 在未连接状态下执行仅限已连接的操作时返回
var ErrNotConnected = errors.New("live: session not connected")

// ErrSessionEnded 表示连接尝试挂起期间会话已被结束
var ErrSessionEnded = errors.New("live: session ended during connect")

// AudioPlayer 是下行音频的出口（播放调度器实现该接口）
type AudioPlayer interface {
	Enqueue(data string, sampleRate int) error
	Close() error
}

// Pipeline 是挂在会话上的采集管线，会话结束时统一停止
type Pipeline interface {
	Stop() error
}

// TokenProvider 获取连接用的临时令牌
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Callbacks 是会话上行给界面层的事件回调；为 nil 的回调被跳过
// 回调在分发队列的单线程里调用，内部不要做慢操作
type Callbacks struct {
	OnText        func(content string)
	OnError       func(errMsg, details string)
	OnStateChange func(state State)
	// OnAwaitingChange 在等待回应指示的每次变化时调用：
	// 置位（发出文本）和清除（回应到达、超时、会话结束）都会通知
	OnAwaitingChange func(awaiting bool)
}

// Config 会话连接参数
type Config struct {
	// EndpointURL 辅导端点地址（ws:// 或 wss://）
	EndpointURL string
	// 教学上下文，随连接建立发送给对端
	Subject  string
	Skill    string
	Subskill string
	// Token 静态令牌；为空且设置了 TokenProvider 时在连接前获取临时令牌
	Token         string
	TokenProvider TokenProvider
	// ResponseTimeout 发出文本后等待回应指示的超时，默认 10s
	ResponseTimeout time.Duration
	// PingInterval 连接保活间隔，默认 30s
	PingInterval time.Duration
	// HandshakeTimeout 拨号握手超时，默认 10s
	HandshakeTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// Session 管理与辅导端点的一条实时会话
// 并发规则：
// 1. 状态迁移在 mu 内完成，回调在锁外调用
// 2. 同一时刻最多一个在途连接尝试，并发 Connect 等待同一结果
// 3. 写帧经 writeMu 串行化（gorilla 连接不允许并发写）
type Session struct {
	cfg       Config
	callbacks Callbacks
	player    AudioPlayer
	logger    *log.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	closeCh     chan struct{}
	dispatch    *dispatchQueue
	connectDone chan struct{}
	connectErr  error
	awaiting    bool
	awaitTimer  *time.Timer
	pipelines   []Pipeline

	writeMu sync.Mutex
}

// NewSession 创建会话（初始为 Disconnected，不建立连接）
func NewSession(cfg Config, player AudioPlayer, callbacks Callbacks, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		cfg:       cfg.withDefaults(),
		callbacks: callbacks,
		player:    player,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// State 返回当前连接状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected 报告会话是否处于已连接状态
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// IsAwaitingResponse 报告是否在等待对端对最近一条文本的回应
func (s *Session) IsAwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

// AttachPipeline 把采集管线挂到会话上，会话结束时统一停止
func (s *Session) AttachPipeline(p Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines = append(s.pipelines, p)
}

// Connect 建立到辅导端点的连接
// 已连接时直接返回；已有在途连接尝试时等待其结果而不是发起第二次拨号
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		done := s.connectDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateConnected {
			return nil
		}
		return s.connectErr
	}

	// 成为连接发起者
	done := make(chan struct{})
	s.connectDone = done
	s.connectErr = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	// 拨号（含令牌获取和握手）是挂起点，期间 EndSession 或新的连接
	// 尝试可能已经介入；不再是当前尝试时放弃这条新连接，不得把会话重新拉起
	if s.connectDone != done || s.state != StateConnecting {
		if err == nil {
			err = ErrSessionEnded
		}
		s.connectErr = err
		if s.connectDone == done {
			s.connectDone = nil
		}
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(done)
		s.logger.Printf("[Session] Connect attempt abandoned: %v", err)
		return err
	}

	if err != nil {
		s.connectErr = err
		s.connectDone = nil
		s.setStateLocked(StateError)
		s.mu.Unlock()
		close(done)
		s.logger.Printf("[Session] ❌ Connect failed: %v", err)
		return err
	}

	closeCh := make(chan struct{})
	dispatch := newDispatchQueue(s.handleMessage, s.logger)
	s.conn = conn
	s.closeCh = closeCh
	s.dispatch = dispatch
	s.connectDone = nil
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	close(done)

	go s.readLoop(conn, dispatch, closeCh)
	go s.pingLoop(conn, closeCh)

	// 连接建立后先发教学上下文，对端据此定制辅导风格
	if ctxMsg := s.contextMessage(); ctxMsg != nil {
		if werr := s.writeMessage(ctxMsg); werr != nil {
			s.logger.Printf("[Session] context message send failed: %v", werr)
		}
	}
	return nil
}

// dial 执行实际拨号，不触碰会话状态；由 Connect 确认尝试仍然有效后提交
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(s.cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}

	token := s.cfg.Token
	if token == "" && s.cfg.TokenProvider != nil {
		token, err = s.cfg.TokenProvider.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch session token: %w", err)
		}
	}

	q := endpoint.Query()
	if s.cfg.Subject != "" {
		q.Set("subject", s.cfg.Subject)
	}
	if s.cfg.Skill != "" {
		q.Set("skill", s.cfg.Skill)
	}
	if s.cfg.Subskill != "" {
		q.Set("subskill", s.cfg.Subskill)
	}
	if token != "" {
		q.Set("token", token)
	}
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint.Host, err)
	}

	s.logger.Printf("[Session] Connected to %s (subject=%s skill=%s)", endpoint.Host, s.cfg.Subject, s.cfg.Skill)
	return conn, nil
}

func (s *Session) contextMessage() *protocol.Message {
	if s.cfg.Subject == "" && s.cfg.Skill == "" && s.cfg.Subskill == "" {
		return nil
	}
	content := fmt.Sprintf("The student is practicing %s", s.cfg.Subject)
	if s.cfg.Skill != "" {
		content += fmt.Sprintf(", current skill: %s", s.cfg.Skill)
	}
	if s.cfg.Subskill != "" {
		content += fmt.Sprintf(" (%s)", s.cfg.Subskill)
	}
	return &protocol.Message{
		Type:            protocol.MessageTypeText,
		Content:         content,
		IsSystemMessage: true,
	}
}

// SendText 发送一条用户文本并进入等待回应状态
func (s *Session) SendText(content string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	wasAwaiting := s.awaiting
	s.awaiting = true
	if s.awaitTimer != nil {
		s.awaitTimer.Stop()
	}
	s.awaitTimer = time.AfterFunc(s.cfg.ResponseTimeout, s.onResponseTimeout)
	s.mu.Unlock()

	if !wasAwaiting {
		s.notifyAwaiting(true)
	}
	return s.writeMessage(&protocol.Message{Type: protocol.MessageTypeText, Content: content})
}

// onResponseTimeout 超时只清除等待指示，不断开连接：回应可能只是慢
func (s *Session) onResponseTimeout() {
	s.mu.Lock()
	if !s.awaiting {
		s.mu.Unlock()
		return
	}
	s.awaiting = false
	s.awaitTimer = nil
	s.mu.Unlock()
	s.logger.Printf("[Session] ⚠️  No response within %v, clearing awaiting indicator", s.cfg.ResponseTimeout)
	s.notifyAwaiting(false)
}

// cancelAwait 任何成功解码的入站消息都视为回应到达
func (s *Session) cancelAwait() {
	s.mu.Lock()
	if !s.awaiting {
		s.mu.Unlock()
		return
	}
	s.awaiting = false
	if s.awaitTimer != nil {
		s.awaitTimer.Stop()
		s.awaitTimer = nil
	}
	s.mu.Unlock()
	s.notifyAwaiting(false)
}

// notifyAwaiting 在锁外通知等待指示变化
func (s *Session) notifyAwaiting(awaiting bool) {
	if s.callbacks.OnAwaitingChange != nil {
		s.callbacks.OnAwaitingChange(awaiting)
	}
}

// SendAudioFrame 以二进制帧上行一段麦克风 PCM
func (s *Session) SendAudioFrame(frame []byte) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendScreen 上行一帧 Base64 编码的截屏
func (s *Session) SendScreen(dataB64 string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	return s.writeMessage(&protocol.Message{Type: protocol.MessageTypeScreen, Data: dataB64})
}

// SendEndOfTurn 通知对端用户发言结束
func (s *Session) SendEndOfTurn() error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	return s.writeMessage(&protocol.Message{Type: protocol.MessageTypeText, EndOfTurn: true})
}

func (s *Session) writeMessage(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 读取入站帧并交给分发队列
// 解码失败的帧记录日志后丢弃，通道保持打开
func (s *Session) readLoop(conn *websocket.Conn, dispatch *dispatchQueue, closeCh chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClosed(conn, err, closeCh)
			return
		}

		msg, derr := protocol.Decode(data)
		if derr != nil {
			s.logger.Printf("[Session] dropping malformed frame: %v", derr)
			continue
		}

		s.cancelAwait()
		dispatch.enqueue(msg)
	}
}

// handleMessage 在分发队列的单线程里处理一条入站消息
func (s *Session) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeText:
		if msg.Content != "" && s.callbacks.OnText != nil {
			s.callbacks.OnText(msg.Content)
		}
	case protocol.MessageTypeAudio:
		if s.player != nil {
			if err := s.player.Enqueue(msg.Data, msg.SampleRateOrDefault()); err != nil {
				s.logger.Printf("[Session] dropping bad audio payload: %v", err)
			}
		}
	case protocol.MessageTypeError:
		s.logger.Printf("[Session] ❌ Remote error: %s (%s)", msg.Error, msg.Details)
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(msg.Error, msg.Details)
		}
	case protocol.MessageTypeEndConversation:
		s.logger.Printf("[Session] Remote ended conversation")
		s.EndSession()
	default:
		s.logger.Printf("[Session] ignoring message type %q", msg.Type)
	}
}

// pingLoop 定期发送 ping 保活
func (s *Session) pingLoop(conn *websocket.Conn, closeCh chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleClosed 处理传输层断开：正常关闭回到 Disconnected，异常断开进入 Error
func (s *Session) handleClosed(conn *websocket.Conn, err error, closeCh chan struct{}) {
	s.mu.Lock()
	if s.conn != conn {
		// 已被 EndSession 或新连接替换
		s.mu.Unlock()
		return
	}

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		s.setStateLocked(StateDisconnected)
	} else {
		s.setStateLocked(StateError)
	}
	s.teardownLocked(closeCh)
	// 管线停掉但保留挂载：用户重连后重启的管线仍归 EndSession 统辖
	pipelines := append([]Pipeline(nil), s.pipelines...)
	s.mu.Unlock()

	if clean {
		s.logger.Printf("[Session] Connection closed")
	} else {
		s.logger.Printf("[Session] ❌ Connection lost: %v", err)
	}
	s.stopPipelines(pipelines)
}

// EndSession 结束会话：从任何状态调用都安全
// 依次发送结束消息（若已连接）、关闭连接、停止采集管线、释放播放资源
func (s *Session) EndSession() {
	s.mu.Lock()
	wasConnected := s.state == StateConnected
	conn := s.conn
	s.mu.Unlock()

	// 先礼后兵：连接还在时先发结束消息和关闭帧，再拆连接
	if wasConnected && conn != nil {
		if data, err := protocol.Encode(&protocol.Message{Type: protocol.MessageTypeEndConversation}); err == nil {
			s.writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, data)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			s.writeMu.Unlock()
		}
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected)
	}
	s.teardownLocked(s.closeCh)
	pipelines := s.takePipelinesLocked()
	s.mu.Unlock()

	s.stopPipelines(pipelines)
	if s.player != nil {
		s.player.Close()
	}
	s.logger.Printf("[Session] Ended")
}

// teardownLocked 释放当前连接的伴生资源；须持有 mu
func (s *Session) teardownLocked(closeCh chan struct{}) {
	if s.closeCh == closeCh && closeCh != nil {
		close(closeCh)
		s.closeCh = nil
	}
	if s.dispatch != nil {
		go s.dispatch.close()
		s.dispatch = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.awaiting {
		s.awaiting = false
		go s.notifyAwaiting(false)
	}
	if s.awaitTimer != nil {
		s.awaitTimer.Stop()
		s.awaitTimer = nil
	}
}

func (s *Session) takePipelinesLocked() []Pipeline {
	pipelines := s.pipelines
	s.pipelines = nil
	return pipelines
}

func (s *Session) stopPipelines(pipelines []Pipeline) {
	for _, p := range pipelines {
		if err := p.Stop(); err != nil {
			s.logger.Printf("[Session] pipeline stop error: %v", err)
		}
	}
}

// setStateLocked 更新状态并在锁外通知回调；须持有 mu
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.logger.Printf("[Session] State: %s -> %s", prev, next)
	if s.callbacks.OnStateChange != nil {
		go s.callbacks.OnStateChange(next)
	}
}
