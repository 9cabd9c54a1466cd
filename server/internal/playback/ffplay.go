package playback

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
)

// FFplaySink 通过 ffplay 子进程渲染 PCM 音频
// 以 s16le 裸流写入 ffplay 的 stdin；ffplay 的采样率在启动时固定，
// 采样率变化时重启子进程（实际流量里几乎不会发生）
type FFplaySink struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	sampleRate int
	logger     *log.Logger
	closed     bool
}

// NewFFplaySink 创建 ffplay 输出设备；首次 Play 时才真正启动子进程
func NewFFplaySink(logger *log.Logger) *FFplaySink {
	if logger == nil {
		logger = log.Default()
	}
	return &FFplaySink{logger: logger}
}

func (p *FFplaySink) start(sampleRate int) error {
	cmd := exec.Command("ffplay",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ch_layout", "mono",
		"-nodisp",
		"-loglevel", "quiet",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.sampleRate = sampleRate
	p.logger.Printf("[Playback] ffplay started (rate=%d)", sampleRate)
	return nil
}

func (p *FFplaySink) stopLocked() {
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	if p.cmd != nil {
		p.cmd.Wait()
		p.cmd = nil
	}
}

// Play 将浮点缓冲转成 s16le 写入 ffplay
func (p *FFplaySink) Play(samples []float32, sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("ffplay sink closed")
	}
	if p.cmd != nil && p.sampleRate != sampleRate {
		p.logger.Printf("[Playback] sample rate changed %d -> %d, restarting ffplay", p.sampleRate, sampleRate)
		p.stopLocked()
	}
	if p.cmd == nil {
		if err := p.start(sampleRate); err != nil {
			return err
		}
	}

	if _, err := p.stdin.Write(EncodePCM16(samples)); err != nil {
		// 写失败通常是 ffplay 已退出；清理后让下一次 Play 重启
		p.stopLocked()
		return fmt.Errorf("write pcm to ffplay: %w", err)
	}
	return nil
}

// Close 关闭 stdin 并等待 ffplay 播完缓冲退出
func (p *FFplaySink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stopLocked()
	return nil
}
