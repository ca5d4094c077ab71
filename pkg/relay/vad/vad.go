// Package vad decides when buffered caller audio is worth transcribing.
//
// A Classifier is owned by a single session and is not safe for concurrent
// use.
package vad

import (
	"log/slog"
	"time"
)

const (
	DefaultMinSizeForSpeech     = 3200
	DefaultMinConsistentChunks  = 3
	DefaultMinDurationForSpeech = 600 * time.Millisecond
	DefaultFallbackBytes        = 16_000
	DefaultMaxBufferBytes       = 64_000
	DefaultMaxChunks            = 512
)

type Config struct {
	// Speech is declared when MinSizeForSpeech bytes arrived over at least
	// MinConsistentChunks chunks, when MinDurationForSpeech elapsed since the
	// first chunk, or when FallbackBytes accumulated regardless.
	MinSizeForSpeech     int
	MinConsistentChunks  int
	MinDurationForSpeech time.Duration
	FallbackBytes        int

	MaxBufferBytes int
	MaxChunks      int
}

func (c Config) withDefaults() Config {
	if c.MinSizeForSpeech <= 0 {
		c.MinSizeForSpeech = DefaultMinSizeForSpeech
	}
	if c.MinConsistentChunks <= 0 {
		c.MinConsistentChunks = DefaultMinConsistentChunks
	}
	if c.MinDurationForSpeech <= 0 {
		c.MinDurationForSpeech = DefaultMinDurationForSpeech
	}
	if c.FallbackBytes <= 0 {
		c.FallbackBytes = DefaultFallbackBytes
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	return c
}

// Reason names the rule that declared speech.
type Reason string

const (
	ReasonSizeAndChunks Reason = "size_and_chunks"
	ReasonDuration      Reason = "duration"
	ReasonFallbackSize  Reason = "fallback_size"
)

type Classifier struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	chunks     [][]byte
	totalBytes int
	firstAt    time.Time
	dropped    int
}

func New(cfg Config, now func() time.Time, logger *slog.Logger) *Classifier {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cfg: cfg.withDefaults(), now: now, logger: logger}
}

// Add buffers chunk and reports whether the buffer now constitutes speech.
// On detection the buffered audio is returned and the buffer is cleared.
func (c *Classifier) Add(chunk []byte) (flushed []byte, reason Reason, detected bool) {
	if len(chunk) == 0 {
		return nil, "", false
	}
	if len(c.chunks) == 0 {
		c.firstAt = c.now()
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	c.chunks = append(c.chunks, buf)
	c.totalBytes += len(buf)
	c.shed()

	reason, detected = c.classify()
	if !detected {
		return nil, "", false
	}
	return c.Flush(), reason, true
}

func (c *Classifier) classify() (Reason, bool) {
	switch {
	case len(c.chunks) == 0:
		return "", false
	case c.totalBytes >= c.cfg.FallbackBytes:
		return ReasonFallbackSize, true
	case c.totalBytes >= c.cfg.MinSizeForSpeech && len(c.chunks) >= c.cfg.MinConsistentChunks:
		return ReasonSizeAndChunks, true
	case c.now().Sub(c.firstAt) >= c.cfg.MinDurationForSpeech:
		return ReasonDuration, true
	}
	return "", false
}

// shed drops the oldest chunks once the buffer exceeds its caps.
func (c *Classifier) shed() {
	drop := 0
	bytes := c.totalBytes
	for drop < len(c.chunks)-1 && (bytes > c.cfg.MaxBufferBytes || len(c.chunks)-drop > c.cfg.MaxChunks) {
		bytes -= len(c.chunks[drop])
		drop++
	}
	if drop == 0 {
		return
	}
	for i := 0; i < drop; i++ {
		c.chunks[i] = nil
	}
	c.chunks = c.chunks[drop:]
	c.totalBytes = bytes
	c.dropped += drop
	c.logger.Warn("audio buffer over capacity, dropping oldest chunks",
		"dropped_chunks", drop,
		"buffered_bytes", c.totalBytes,
		"max_buffer_bytes", c.cfg.MaxBufferBytes,
	)
}

// Flush returns the buffered audio in arrival order and clears the buffer.
func (c *Classifier) Flush() []byte {
	if len(c.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, c.totalBytes)
	for _, chunk := range c.chunks {
		out = append(out, chunk...)
	}
	c.Reset()
	return out
}

// Reset discards buffered audio.
func (c *Classifier) Reset() {
	c.chunks = nil
	c.totalBytes = 0
	c.firstAt = time.Time{}
}

// Buffered reports the current byte and chunk counts.
func (c *Classifier) Buffered() (bytes, chunks int) {
	return c.totalBytes, len(c.chunks)
}

// Dropped reports how many chunks were shed for backpressure.
func (c *Classifier) Dropped() int {
	return c.dropped
}
