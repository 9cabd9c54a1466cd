package capture

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
)

// Microphone 是麦克风采集管线：打开设备、按帧读取、经 Sender 上行
// 生命周期规则：
// 1. Start 前必须已连接，否则返回 ErrNotConnected 且不触碰设备
// 2. Start/Stop 幂等
// 3. Stop 在停止采集后发送一次 end-of-turn
type Microphone struct {
	sender Sender
	open   AudioSourceOpener
	logger *log.Logger

	mu        sync.Mutex
	listening bool
	source    AudioSource
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMicrophone 创建麦克风管线
func NewMicrophone(sender Sender, open AudioSourceOpener, logger *log.Logger) *Microphone {
	if logger == nil {
		logger = log.Default()
	}
	return &Microphone{sender: sender, open: open, logger: logger}
}

// Start 启动采集；已在采集中时直接返回 nil
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return nil
	}
	if !m.sender.Connected() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	// 打开设备可能阻塞在系统权限弹窗上，不能持锁
	source, sampleRate, err := m.open(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 权限弹窗期间连接可能已断开或另一次 Start 已抢先
	if m.listening {
		source.Close()
		return nil
	}
	if !m.sender.Connected() {
		source.Close()
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.listening = true
	m.source = source
	m.cancel = cancel
	m.done = done
	m.logger.Printf("[Capture] microphone started (rate=%d)", sampleRate)

	go m.loop(runCtx, source, done)
	return nil
}

func (m *Microphone) loop(ctx context.Context, source AudioSource, done chan struct{}) {
	defer close(done)
	defer source.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := source.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSourceClosed) || errors.Is(err, io.EOF) {
				m.logger.Printf("[Capture] microphone source closed")
			} else {
				m.logger.Printf("[Capture] microphone read error: %v", err)
			}
			m.stopFromLoop()
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := m.sender.SendAudioFrame(frame); err != nil {
			m.logger.Printf("[Capture] audio frame send failed: %v", err)
			m.stopFromLoop()
			return
		}
	}
}

// stopFromLoop 采集循环内部的自停（设备消失、发送失败）
func (m *Microphone) stopFromLoop() {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = false
	m.cancel()
	m.source = nil
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
}

// Stop 停止采集并发送 end-of-turn；未在采集中时为空操作
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return nil
	}
	m.listening = false
	source := m.source
	cancel := m.cancel
	done := m.done
	m.source = nil
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	// 关闭设备以解除 ReadFrame 的阻塞；AudioSource 必须容忍重复 Close
	source.Close()
	<-done
	m.logger.Printf("[Capture] microphone stopped")

	if m.sender.Connected() {
		if err := m.sender.SendEndOfTurn(); err != nil {
			return err
		}
	}
	return nil
}

// Listening 报告管线当前是否在采集
func (m *Microphone) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}
