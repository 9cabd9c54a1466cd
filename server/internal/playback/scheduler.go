package playback

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Sink 是音频输出设备抽象
// Play 在调用时刻开始渲染一段缓冲；调度时机由 Scheduler 基于设备时钟控制
type Sink interface {
	Play(samples []float32, sampleRate int) error
	Close() error
}

// SinkOpener 打开输出设备
// 打开失败时整条入站音频消息被丢弃并记录日志，不做重试：
// 语音中途丢一块音频比后续调度整体失步的危害小
type SinkOpener func() (Sink, error)

// Config 播放调度参数
type Config struct {
	// ConsolidateAfter 队列长度超过该值时合并全部缓冲（限制大量小块带来的调度开销）
	ConsolidateAfter int
	// Cushion 相邻缓冲之间的固定缓冲间隙，吸收调度抖动
	Cushion time.Duration
	// MinCushionDuration 低于该时长的缓冲不插入间隙：
	// 对很短的缓冲而言，强制间隙相对其长度是可闻的
	MinCushionDuration time.Duration
}

// DefaultConfig 返回参考实现的默认参数
func DefaultConfig() Config {
	return Config{
		ConsolidateAfter:   10,
		Cushion:            20 * time.Millisecond,
		MinCushionDuration: 50 * time.Millisecond,
	}
}

type chunk struct {
	samples    []float32
	sampleRate int
}

func (c *chunk) duration() time.Duration {
	return Duration(len(c.samples), c.sampleRate)
}

// Scheduler 把网络到达时机不规则、大小不一的 PCM 块渲染成无间隙的连续音频
// 不变式：
// 1. 缓冲严格按到达顺序播放，合并绝不重排
// 2. lastEnd 游标单调不减
// 3. 一旦缓冲被调度就播放到结束，没有中途取消
type Scheduler struct {
	cfg      Config
	clock    Clock
	openSink SinkOpener
	logger   *log.Logger

	mu      sync.Mutex
	sink    Sink
	queue   []*chunk
	playing bool
	lastEnd time.Duration
	timer   Timer
	closed  bool
}

// NewScheduler 创建播放调度器；clock 为 nil 时使用设备单调时钟
func NewScheduler(clock Clock, openSink SinkOpener, cfg Config, logger *log.Logger) *Scheduler {
	if clock == nil {
		clock = NewDeviceClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ConsolidateAfter <= 0 {
		cfg.ConsolidateAfter = DefaultConfig().ConsolidateAfter
	}
	if cfg.Cushion <= 0 {
		cfg.Cushion = DefaultConfig().Cushion
	}
	if cfg.MinCushionDuration <= 0 {
		cfg.MinCushionDuration = DefaultConfig().MinCushionDuration
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		openSink: openSink,
		logger:   logger,
	}
}

// Enqueue 接收一条入站音频消息的 Base64 PCM 载荷并入队
func (s *Scheduler) Enqueue(data string, sampleRate int) error {
	samples, err := DecodePCM16(data)
	if err != nil {
		return fmt.Errorf("enqueue audio: %w", err)
	}
	s.EnqueuePCM(samples, sampleRate)
	return nil
}

// EnqueuePCM 将解码后的浮点缓冲入队，必要时合并，并在空闲时启动播放
func (s *Scheduler) EnqueuePCM(samples []float32, sampleRate int) {
	if len(samples) == 0 || sampleRate <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Printf("[Playback] scheduler closed, dropping %d samples", len(samples))
		return
	}

	if s.sink == nil {
		sink, err := s.openSink()
		if err != nil {
			// 丢弃整条消息并记录；下一条消息会重新尝试打开设备
			s.logger.Printf("[Playback] audio device init failed, dropping chunk: %v", err)
			return
		}
		s.sink = sink
	}

	s.queue = append(s.queue, &chunk{samples: samples, sampleRate: sampleRate})

	// 严格大于：第 11 个缓冲到达才触发合并，恰好攒到阈值的队列保持逐个播放
	if len(s.queue) > s.cfg.ConsolidateAfter {
		s.consolidateLocked()
	}

	if !s.playing {
		s.playing = true
		s.timer = s.clock.AfterFunc(0, s.step)
	}
}

// consolidateLocked 合并队列中的缓冲，保持顺序
// 只合并采样率相同的相邻缓冲；拼接前后的音频内容逐字节一致
func (s *Scheduler) consolidateLocked() {
	if len(s.queue) < 2 {
		return
	}

	before := len(s.queue)
	out := make([]*chunk, 0, 1)
	i := 0
	for i < len(s.queue) {
		j := i + 1
		for j < len(s.queue) && s.queue[j].sampleRate == s.queue[i].sampleRate {
			j++
		}
		n := 0
		for _, c := range s.queue[i:j] {
			n += len(c.samples)
		}
		all := make([]float32, 0, n)
		for _, c := range s.queue[i:j] {
			all = append(all, c.samples...)
		}
		out = append(out, &chunk{samples: all, sampleRate: s.queue[i].sampleRate})
		i = j
	}
	s.queue = out
	s.logger.Printf("[Playback] consolidated %d buffers into %d", before, len(out))
}

// step 出队并调度下一段缓冲（播放步骤）
func (s *Scheduler) step() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.playing = false
		s.mu.Unlock()
		return
	}

	c := s.queue[0]
	s.queue = s.queue[1:]

	now := s.clock.Now()
	dur := c.duration()

	var start time.Duration
	if dur < s.cfg.MinCushionDuration {
		start = maxDuration(now, s.lastEnd)
	} else {
		start = maxDuration(now, s.lastEnd+s.cfg.Cushion)
	}
	s.lastEnd = start + dur

	sink := s.sink
	s.timer = s.clock.AfterFunc(start-now, func() {
		s.render(c, sink, dur)
	})
	s.mu.Unlock()
}

// render 在调度时刻把缓冲交给输出设备，并在缓冲播完后异步进入下一步
func (s *Scheduler) render(c *chunk, sink Sink, dur time.Duration) {
	if err := sink.Play(c.samples, c.sampleRate); err != nil {
		s.logger.Printf("[Playback] sink play error: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// 经由时钟回调异步推进，快速连环的小缓冲不会饿死调度器
	s.timer = s.clock.AfterFunc(dur, s.step)
}

// Playing 返回当前是否有缓冲在播放或排队
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen 返回等待播放的缓冲数量
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastScheduledEnd 返回最近一次调度的结束时刻（设备时钟时间基）
func (s *Scheduler) LastScheduledEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnd
}

// Close 释放输出设备资源；已入队未调度的缓冲被丢弃
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.playing = false
	s.queue = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.sink != nil {
		err := s.sink.Close()
		s.sink = nil
		return err
	}
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
