package playback

import (
	"sync"
	"time"
)

// Clock 是播放调度使用的设备时钟抽象
// 调度必须基于音频输出设备的单调时钟而不是墙上时钟：
// 只有设备时钟能保证相对于已调度缓冲的采样级精度
type Clock interface {
	// Now 返回设备时钟的当前时刻（自时钟起点的偏移）
	Now() time.Duration
	// AfterFunc 在设备时钟走过 d 之后调用 f，d <= 0 时立即异步调用
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 是可取消的调度句柄
type Timer interface {
	Stop() bool
}

// deviceClock 基于进程单调时钟的默认实现
// time.Since 内部使用单调时钟读数，不受墙上时间回拨影响
type deviceClock struct {
	start time.Time
}

// NewDeviceClock 创建一个从当前时刻起步的单调时钟
func NewDeviceClock() Clock {
	return &deviceClock{start: time.Now()}
}

func (c *deviceClock) Now() time.Duration {
	return time.Since(c.start)
}

func (c *deviceClock) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}

// ManualClock 是测试用的手动时钟：Advance 推进时间并触发到期回调
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	// 到期时间等于当前时刻的回调也由 Advance 触发，保证确定性
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进时钟并同步触发所有到期回调（按到期时间顺序）
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at > c.now {
			c.now = next.at
		}
		f := next.f
		c.mu.Unlock()

		// 在锁外触发，允许回调里再注册新的定时器
		f()
	}
}
