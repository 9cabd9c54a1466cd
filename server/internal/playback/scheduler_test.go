package playback

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

type playRecord struct {
	start      time.Duration
	samples    []float32
	sampleRate int
}

// fakeSink 记录每次 Play 的设备时钟时刻，用于校验调度时序
type fakeSink struct {
	clock  *ManualClock
	plays  []playRecord
	closed bool
}

func (f *fakeSink) Play(samples []float32, sampleRate int) error {
	f.plays = append(f.plays, playRecord{
		start:      f.clock.Now(),
		samples:    samples,
		sampleRate: sampleRate,
	})
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSink, *ManualClock) {
	t.Helper()
	clock := NewManualClock()
	sink := &fakeSink{clock: clock}
	logger := log.New(io.Discard, "", 0)
	s := NewScheduler(clock, func() (Sink, error) { return sink, nil }, DefaultConfig(), logger)
	return s, sink, clock
}

// pcmOf 生成 dur 时长、采样值恒为 v 的缓冲
func pcmOf(dur time.Duration, rate int, v float32) []float32 {
	n := int(dur * time.Duration(rate) / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func TestSchedulerNoOverlapWithCushion(t *testing.T) {
	s, sink, clock := newTestScheduler(t)
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, float32(i)/10), 24000)
	}
	clock.Advance(2 * time.Second)

	if len(sink.plays) != 5 {
		t.Fatalf("expected 5 plays, got %d", len(sink.plays))
	}
	cushion := DefaultConfig().Cushion
	for i := 1; i < len(sink.plays); i++ {
		prevEnd := sink.plays[i-1].start + Duration(len(sink.plays[i-1].samples), 24000)
		start := sink.plays[i].start
		if start < prevEnd {
			t.Fatalf("play %d overlaps previous: start=%v prevEnd=%v", i, start, prevEnd)
		}
		if gap := start - prevEnd; gap > cushion {
			t.Fatalf("play %d gap %v exceeds cushion %v", i, gap, cushion)
		}
	}
}

// 短缓冲不插间隙：10 个 30ms 缓冲必须恰好连成 300ms
func TestSchedulerShortBuffersAreGapless(t *testing.T) {
	s, sink, clock := newTestScheduler(t)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.EnqueuePCM(pcmOf(30*time.Millisecond, 24000, 0.1), 24000)
	}
	clock.Advance(2 * time.Second)

	if len(sink.plays) != 10 {
		t.Fatalf("expected 10 plays, got %d", len(sink.plays))
	}
	for i := 1; i < len(sink.plays); i++ {
		prevEnd := sink.plays[i-1].start + Duration(len(sink.plays[i-1].samples), 24000)
		if sink.plays[i].start != prevEnd {
			t.Fatalf("play %d not contiguous: start=%v prevEnd=%v", i, sink.plays[i].start, prevEnd)
		}
	}
	first := sink.plays[0].start
	last := sink.plays[9].start + Duration(len(sink.plays[9].samples), 24000)
	if total := last - first; total != 300*time.Millisecond {
		t.Fatalf("total duration %v, want 300ms", total)
	}
}

// 追赶场景：调度器空闲很久之后到达的缓冲立即播放，不叠加间隙
func TestSchedulerIdleCatchUp(t *testing.T) {
	s, sink, clock := newTestScheduler(t)
	defer s.Close()

	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.1), 24000)
	clock.Advance(500 * time.Millisecond)

	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.2), 24000)
	clock.Advance(500 * time.Millisecond)

	if len(sink.plays) != 2 {
		t.Fatalf("expected 2 plays, got %d", len(sink.plays))
	}
	if sink.plays[1].start != 500*time.Millisecond {
		t.Fatalf("catch-up play should start immediately at 500ms, got %v", sink.plays[1].start)
	}
}

func TestSchedulerConsolidationPreservesBytes(t *testing.T) {
	s, sink, clock := newTestScheduler(t)
	defer s.Close()

	var want []float32
	for i := 0; i < 12; i++ {
		c := pcmOf(10*time.Millisecond, 24000, float32(i+1)/100)
		want = append(want, c...)
		s.EnqueuePCM(c, 24000)
	}
	if n := s.QueueLen(); n > 3 {
		t.Fatalf("expected consolidation to shrink queue, got len=%d", n)
	}

	clock.Advance(2 * time.Second)

	var got []float32
	for _, p := range sink.plays {
		got = append(got, p.samples...)
	}
	if len(got) != len(want) {
		t.Fatalf("sample count changed by consolidation: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d changed by consolidation: got %v want %v", i, got[i], want[i])
		}
	}
}

// 不同采样率的相邻缓冲不能合并，顺序仍须保持
func TestSchedulerConsolidationKeepsRateRuns(t *testing.T) {
	s, sink, clock := newTestScheduler(t)
	defer s.Close()

	rates := []int{24000, 24000, 16000, 16000, 16000, 24000}
	for i := 0; i < 11; i++ {
		rate := rates[i%len(rates)]
		s.EnqueuePCM(pcmOf(10*time.Millisecond, rate, float32(i+1)/100), rate)
	}
	clock.Advance(2 * time.Second)

	var gotRates []int
	for _, p := range sink.plays {
		gotRates = append(gotRates, p.sampleRate)
	}
	// 相邻播放之间采样率必须交替变化（同率的相邻块已被合并）
	for i := 1; i < len(gotRates); i++ {
		if gotRates[i] == gotRates[i-1] {
			t.Fatalf("adjacent plays share rate %d, should have been merged: %v", gotRates[i], gotRates)
		}
	}
	total := 0
	for _, p := range sink.plays {
		total += len(p.samples)
	}
	want := 0
	for i := 0; i < 11; i++ {
		want += int(10 * time.Millisecond * time.Duration(rates[i%len(rates)]) / time.Second)
	}
	if total != want {
		t.Fatalf("total samples %d, want %d", total, want)
	}
}

func TestSchedulerSinkInitFailureDropsChunk(t *testing.T) {
	clock := NewManualClock()
	sink := &fakeSink{clock: clock}
	fail := true
	s := NewScheduler(clock, func() (Sink, error) {
		if fail {
			return nil, fmt.Errorf("no audio device")
		}
		return sink, nil
	}, DefaultConfig(), log.New(io.Discard, "", 0))
	defer s.Close()

	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.1), 24000)
	if s.QueueLen() != 0 || s.Playing() {
		t.Fatal("chunk should be dropped when sink init fails")
	}

	// 下一条消息重新尝试打开设备
	fail = false
	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.2), 24000)
	clock.Advance(time.Second)
	if len(sink.plays) != 1 {
		t.Fatalf("expected 1 play after sink recovery, got %d", len(sink.plays))
	}
}

func TestSchedulerCloseReleasesSink(t *testing.T) {
	s, sink, clock := newTestScheduler(t)

	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.1), 24000)
	clock.Advance(150 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.closed {
		t.Fatal("sink should be closed")
	}

	played := len(sink.plays)
	s.EnqueuePCM(pcmOf(100*time.Millisecond, 24000, 0.2), 24000)
	clock.Advance(time.Second)
	if len(sink.plays) != played {
		t.Fatal("enqueue after close should be dropped")
	}
}

func TestDecodePCM16(t *testing.T) {
	// 0x7fff -> 最接近 1.0，0x8000 -> -1.0
	samples, err := DecodePCM16("AID/fw==") // bytes: 00 80 ff 7f
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0] != -1.0 {
		t.Fatalf("sample 0: got %v want -1.0", samples[0])
	}
	if samples[1] != float32(32767)/32768.0 {
		t.Fatalf("sample 1: got %v want %v", samples[1], float32(32767)/32768.0)
	}

	if _, err := DecodePCM16("@@@"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := DecodePCM16("AA=="); err == nil {
		t.Fatal("expected error for odd byte count")
	}
}
