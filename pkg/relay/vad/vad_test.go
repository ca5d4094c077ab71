package vad

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func chunk(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

func TestClassifier_SizeAndChunkRule(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := New(Config{MinSizeForSpeech: 300, MinConsistentChunks: 3, MinDurationForSpeech: time.Second, FallbackBytes: 10_000}, clk.Now, quietLogger())

	if _, _, ok := c.Add(chunk(200, 1)); ok {
		t.Fatal("one chunk must not be speech")
	}
	if _, _, ok := c.Add(chunk(200, 2)); ok {
		t.Fatal("two chunks must not be speech even above min size")
	}
	flushed, reason, ok := c.Add(chunk(10, 3))
	if !ok || reason != ReasonSizeAndChunks {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
	if len(flushed) != 410 || flushed[0] != 1 || flushed[409] != 3 {
		t.Fatalf("flushed len=%d", len(flushed))
	}
	if b, n := c.Buffered(); b != 0 || n != 0 {
		t.Fatalf("buffer not cleared: %d bytes, %d chunks", b, n)
	}
}

func TestClassifier_DurationRule(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := New(Config{MinSizeForSpeech: 10_000, MinConsistentChunks: 3, MinDurationForSpeech: 600 * time.Millisecond, FallbackBytes: 20_000}, clk.Now, quietLogger())

	if _, _, ok := c.Add(chunk(10, 1)); ok {
		t.Fatal("unexpected detection")
	}
	clk.t = clk.t.Add(599 * time.Millisecond)
	if _, _, ok := c.Add(chunk(10, 1)); ok {
		t.Fatal("detected before min duration")
	}
	clk.t = clk.t.Add(time.Millisecond)
	_, reason, ok := c.Add(chunk(10, 1))
	if !ok || reason != ReasonDuration {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
}

func TestClassifier_FallbackRule(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := New(Config{MinSizeForSpeech: 100, MinConsistentChunks: 50, MinDurationForSpeech: time.Hour, FallbackBytes: 1000}, clk.Now, quietLogger())

	_, reason, ok := c.Add(chunk(1000, 9))
	if !ok || reason != ReasonFallbackSize {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
}

func TestClassifier_DropsOldestWhenOverCapacity(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := New(Config{
		MinSizeForSpeech:     1 << 20,
		MinConsistentChunks:  1 << 10,
		MinDurationForSpeech: time.Hour,
		FallbackBytes:        1 << 20,
		MaxBufferBytes:       300,
		MaxChunks:            100,
	}, clk.Now, quietLogger())

	for i := byte(1); i <= 5; i++ {
		if _, _, ok := c.Add(chunk(100, i)); ok {
			t.Fatal("unexpected detection")
		}
	}
	b, n := c.Buffered()
	if b != 300 || n != 3 {
		t.Fatalf("buffered=%d bytes/%d chunks, want 300/3", b, n)
	}
	if c.Dropped() != 2 {
		t.Fatalf("dropped=%d, want 2", c.Dropped())
	}
	out := c.Flush()
	if out[0] != 3 || out[len(out)-1] != 5 {
		t.Fatalf("oldest chunks should be dropped first, got first=%d last=%d", out[0], out[len(out)-1])
	}
}

func TestClassifier_ChunkCapAndEmptyChunk(t *testing.T) {
	c := New(Config{MinDurationForSpeech: time.Hour, MinConsistentChunks: 1000, MaxChunks: 4}, nil, quietLogger())
	if _, _, ok := c.Add(nil); ok {
		t.Fatal("empty chunk must be ignored")
	}
	for i := 0; i < 10; i++ {
		c.Add(chunk(1, byte(i)))
	}
	if _, n := c.Buffered(); n != 4 {
		t.Fatalf("chunks=%d, want 4", n)
	}
	c.Reset()
	if c.Flush() != nil {
		t.Fatal("Flush after Reset should return nil")
	}
}
