package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu         sync.Mutex
	connected  bool
	frames     [][]byte
	screens    []string
	endOfTurns int
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeSender) SendAudioFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) SendScreen(dataB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens = append(f.screens, dataB64)
	return nil
}

func (f *fakeSender) SendEndOfTurn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endOfTurns++
	return nil
}

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) screenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.screens)
}

func (f *fakeSender) endOfTurnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endOfTurns
}

// fakeAudioSource 从通道产出帧，关闭后返回 io.EOF
type fakeAudioSource struct {
	frames    chan []byte
	closeOnce sync.Once
}

func newFakeAudioSource() *fakeAudioSource {
	return &fakeAudioSource{frames: make(chan []byte, 16)}
}

func (f *fakeAudioSource) ReadFrame() ([]byte, error) {
	frame, ok := <-f.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (f *fakeAudioSource) Close() error {
	f.closeOnce.Do(func() { close(f.frames) })
	return nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestMicrophoneRequiresConnection(t *testing.T) {
	sender := &fakeSender{connected: false}
	opened := false
	mic := NewMicrophone(sender, func(ctx context.Context) (AudioSource, int, error) {
		opened = true
		return newFakeAudioSource(), 16000, nil
	}, discardLogger())

	if err := mic.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if opened {
		t.Fatal("device must not be touched when not connected")
	}
}

func TestMicrophoneStartStop(t *testing.T) {
	sender := &fakeSender{connected: true}
	source := newFakeAudioSource()
	opens := 0
	mic := NewMicrophone(sender, func(ctx context.Context) (AudioSource, int, error) {
		opens++
		return source, 16000, nil
	}, discardLogger())

	if err := mic.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !mic.Listening() {
		t.Fatal("should be listening after start")
	}

	// 重复 Start 幂等
	if err := mic.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if opens != 1 {
		t.Fatalf("device opened %d times, want 1", opens)
	}

	source.frames <- []byte{1, 2}
	source.frames <- []byte{3, 4}
	waitFor(t, func() bool { return sender.frameCount() >= 2 })

	if err := mic.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if mic.Listening() {
		t.Fatal("should not be listening after stop")
	}
	if got := sender.endOfTurnCount(); got != 1 {
		t.Fatalf("end-of-turn sent %d times, want 1", got)
	}

	// 重复 Stop 幂等，不重复发 end-of-turn
	if err := mic.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := sender.endOfTurnCount(); got != 1 {
		t.Fatalf("end-of-turn after idempotent stop: %d, want 1", got)
	}
}

// 权限弹窗期间连接断开：打开返回后必须重查连接状态
func TestMicrophoneDisconnectDuringOpen(t *testing.T) {
	sender := &fakeSender{connected: true}
	source := newFakeAudioSource()
	mic := NewMicrophone(sender, func(ctx context.Context) (AudioSource, int, error) {
		sender.setConnected(false)
		return source, 16000, nil
	}, discardLogger())

	if err := mic.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect during open, got %v", err)
	}
	if mic.Listening() {
		t.Fatal("should not be listening")
	}
	// 源必须被释放
	if _, err := source.ReadFrame(); err != io.EOF {
		t.Fatal("source should have been closed")
	}
}

func TestMicrophoneSourceClosedStopsPipeline(t *testing.T) {
	sender := &fakeSender{connected: true}
	source := newFakeAudioSource()
	mic := NewMicrophone(sender, func(ctx context.Context) (AudioSource, int, error) {
		return source, 16000, nil
	}, discardLogger())

	if err := mic.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	source.Close()
	waitFor(t, func() bool { return !mic.Listening() })
}

type fakeDisplaySource struct {
	mu     sync.Mutex
	frames int
	fail   error
	img    image.Image
}

func (f *fakeDisplaySource) Frame(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.frames++
	if f.img != nil {
		return f.img, nil
	}
	return image.NewRGBA(image.Rect(0, 0, 100, 80)), nil
}

func (f *fakeDisplaySource) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeDisplaySource) Close() error { return nil }

func TestScreenShareRequiresConnection(t *testing.T) {
	sender := &fakeSender{connected: false}
	share := NewScreenShare(sender, func(ctx context.Context) (DisplaySource, error) {
		t.Fatal("display must not be opened when not connected")
		return nil, nil
	}, time.Millisecond, discardLogger())

	if err := share.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestScreenShareSendsJPEGFrames(t *testing.T) {
	sender := &fakeSender{connected: true}
	display := &fakeDisplaySource{}
	share := NewScreenShare(sender, func(ctx context.Context) (DisplaySource, error) {
		return display, nil
	}, 10*time.Millisecond, discardLogger())

	if err := share.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer share.Stop()

	waitFor(t, func() bool { return sender.screenCount() >= 2 })

	sender.mu.Lock()
	frame := sender.screens[0]
	sender.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		t.Fatalf("frame is not valid base64: %v", err)
	}
	if _, err := jpeg.Decode(strings.NewReader(string(raw))); err != nil {
		t.Fatalf("frame is not valid jpeg: %v", err)
	}
}

// 单次抓帧失败只丢当帧，不终止共享
func TestScreenShareTickFailureIsolated(t *testing.T) {
	sender := &fakeSender{connected: true}
	display := &fakeDisplaySource{}
	display.setFail(fmt.Errorf("transient grab error"))
	share := NewScreenShare(sender, func(ctx context.Context) (DisplaySource, error) {
		return display, nil
	}, 10*time.Millisecond, discardLogger())

	if err := share.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer share.Stop()

	time.Sleep(50 * time.Millisecond)
	if !share.Sharing() {
		t.Fatal("transient failure must not stop sharing")
	}

	display.setFail(nil)
	waitFor(t, func() bool { return sender.screenCount() >= 1 })
}

// 源被外部撤销时管线自停
func TestScreenShareRevocation(t *testing.T) {
	sender := &fakeSender{connected: true}
	display := &fakeDisplaySource{}
	share := NewScreenShare(sender, func(ctx context.Context) (DisplaySource, error) {
		return display, nil
	}, 10*time.Millisecond, discardLogger())

	if err := share.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	display.setFail(ErrSourceClosed)
	waitFor(t, func() bool { return !share.Sharing() })
}

func TestDownscale(t *testing.T) {
	cases := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"within_bounds", 800, 600, 800, 600},
		{"wide", 2560, 1440, 1280, 720},
		{"ultrawide", 4000, 1000, 1280, 320},
		{"tall", 1000, 2000, 360, 720},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Downscale(image.NewRGBA(image.Rect(0, 0, tc.w, tc.h)), 1280, 720)
			b := got.Bounds()
			if b.Dx() != tc.wantW || b.Dy() != tc.wantH {
				t.Fatalf("got %dx%d, want %dx%d", b.Dx(), b.Dy(), tc.wantW, tc.wantH)
			}
		})
	}
}
