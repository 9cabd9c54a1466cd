package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"hash/fnv"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

const (
	// DefaultFrameInterval 屏幕帧的固定发送间隔
	DefaultFrameInterval = 2 * time.Second
	// 下行帧的最大尺寸，超出时等比缩小
	maxFrameWidth  = 1280
	maxFrameHeight = 720
	jpegQuality    = 80
)

// ScreenShare 是屏幕共享管线：固定间隔抓帧、缩放、JPEG 编码后上行
// 单次抓帧或发送失败只丢当帧，不终止共享；
// 源被外部撤销（ErrSourceClosed）时管线自停
type ScreenShare struct {
	sender   Sender
	open     DisplaySourceOpener
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	sharing  bool
	cancel   context.CancelFunc
	done     chan struct{}
	prevHash uint32
}

// NewScreenShare 创建屏幕共享管线；interval <= 0 时使用默认间隔
func NewScreenShare(sender Sender, open DisplaySourceOpener, interval time.Duration, logger *log.Logger) *ScreenShare {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ScreenShare{sender: sender, open: open, interval: interval, logger: logger}
}

// Start 启动共享；已在共享中时直接返回 nil
func (s *ScreenShare) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sharing {
		s.mu.Unlock()
		return nil
	}
	if !s.sender.Connected() {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	// 打开采集源可能经过系统授权流程，不能持锁
	source, err := s.open(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sharing {
		source.Close()
		return nil
	}
	if !s.sender.Connected() {
		source.Close()
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.sharing = true
	s.cancel = cancel
	s.done = done
	s.logger.Printf("[Capture] screen share started (interval=%v)", s.interval)

	go s.loop(runCtx, source, done)
	return nil
}

func (s *ScreenShare) loop(ctx context.Context, source DisplaySource, done chan struct{}) {
	defer close(done)
	defer source.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 启动后先发一帧，对端不用等一个完整间隔
	if err := s.captureOnce(ctx, source); err != nil && errors.Is(err, ErrSourceClosed) {
		s.logger.Printf("[Capture] screen source revoked, stopping share")
		s.stopFromLoop()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.captureOnce(ctx, source); err != nil {
			if errors.Is(err, ErrSourceClosed) {
				// 用户在系统层撤销了共享
				s.logger.Printf("[Capture] screen source revoked, stopping share")
				s.stopFromLoop()
				return
			}
			// 单帧失败不终止共享
			s.logger.Printf("[Capture] screen frame skipped: %v", err)
		}
	}
}

func (s *ScreenShare) captureOnce(ctx context.Context, source DisplaySource) error {
	img, err := source.Frame(ctx)
	if err != nil {
		return err
	}

	img = Downscale(img, maxFrameWidth, maxFrameHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return err
	}

	h := fnv.New32a()
	h.Write(buf.Bytes())
	hash := h.Sum32()

	// 固定间隔发送，不做变更检测；只记录重复帧，便于评估带宽
	s.mu.Lock()
	unchanged := hash == s.prevHash && s.prevHash != 0
	s.prevHash = hash
	s.mu.Unlock()
	if unchanged {
		s.logger.Printf("[Capture] screen frame unchanged (hash=%08x)", hash)
	} else {
		s.logger.Printf("[Capture] screen frame %dx%d %dB hash=%08x",
			img.Bounds().Dx(), img.Bounds().Dy(), buf.Len(), hash)
	}

	return s.sender.SendScreen(base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func (s *ScreenShare) stopFromLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sharing {
		return
	}
	s.sharing = false
	s.cancel()
	s.cancel = nil
	s.done = nil
}

// Stop 停止共享；未在共享中时为空操作
func (s *ScreenShare) Stop() error {
	s.mu.Lock()
	if !s.sharing {
		s.mu.Unlock()
		return nil
	}
	s.sharing = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Printf("[Capture] screen share stopped")
	return nil
}

// Sharing 报告管线当前是否在共享
func (s *ScreenShare) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// Downscale 把图像等比缩小到给定上限以内；已在范围内时原样返回
func Downscale(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
