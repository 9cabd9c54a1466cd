package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"runtime"
	"sync"
)

const (
	// MicSampleRate 上行音频采样率（s16le 单声道）
	MicSampleRate = 16000
	// micFrameMillis 每帧时长
	micFrameMillis = 100
)

// ffmpegMicSource 经 ffmpeg 子进程读取系统默认麦克风
// 从 stdout 读取 s16le 裸流，按固定帧长切分
type ffmpegMicSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewFFmpegMicOpener 返回基于 ffmpeg 的麦克风打开器
func NewFFmpegMicOpener() AudioSourceOpener {
	return func(ctx context.Context) (AudioSource, int, error) {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, 0, fmt.Errorf("%w: ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)", ErrDeviceUnavailable)
		}
		args, err := micFFmpegArgs(runtime.GOOS)
		if err != nil {
			return nil, 0, err
		}
		cmd := exec.CommandContext(ctx, "ffmpeg", args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, 0, fmt.Errorf("open ffmpeg stdout: %w", err)
		}
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return nil, 0, fmt.Errorf("start ffmpeg mic capture: %w", err)
		}
		return &ffmpegMicSource{cmd: cmd, stdout: stdout}, MicSampleRate, nil
	}
}

func micFFmpegArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", MicSampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", MicSampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (m *ffmpegMicSource) ReadFrame() ([]byte, error) {
	// 16 位单声道：每毫秒 sampleRate/1000 个采样，每采样 2 字节
	frame := make([]byte, MicSampleRate/1000*micFrameMillis*2)
	if _, err := io.ReadFull(m.stdout, frame); err != nil {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrSourceClosed
		}
		return nil, err
	}
	return frame, nil
}

func (m *ffmpegMicSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stdout.Close()
	if m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
	m.cmd.Wait()
	return nil
}

// ffmpegDisplaySource 经 ffmpeg 按需抓取单帧屏幕
type ffmpegDisplaySource struct {
	args []string

	mu     sync.Mutex
	closed bool
}

// NewFFmpegDisplayOpener 返回基于 ffmpeg 的屏幕抓取打开器
func NewFFmpegDisplayOpener() DisplaySourceOpener {
	return func(ctx context.Context) (DisplaySource, error) {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, fmt.Errorf("%w: ffmpeg is required for screen capture (install ffmpeg and ensure it is in PATH)", ErrDeviceUnavailable)
		}
		args, err := displayFFmpegArgs(runtime.GOOS)
		if err != nil {
			return nil, err
		}
		return &ffmpegDisplaySource{args: args}, nil
	}
}

func displayFFmpegArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", "1:none",
			"-frames:v", "1", "-f", "image2", "-vcodec", "mjpeg", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "x11grab", "-i", ":0.0",
			"-frames:v", "1", "-f", "image2", "-vcodec", "mjpeg", "-",
		}, nil
	default:
		return nil, fmt.Errorf("screen capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (d *ffmpegDisplaySource) Frame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrSourceClosed
	}
	d.mu.Unlock()

	cmd := exec.CommandContext(ctx, "ffmpeg", d.args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("grab screen frame: %w", err)
	}

	img, err := jpeg.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode screen frame: %w", err)
	}
	return img, nil
}

func (d *ffmpegDisplaySource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
