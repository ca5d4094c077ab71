// Package config loads relay settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Addr string

	LogFormat LogFormat
	LogLevel  slog.Level

	// Relay WebSocket (/v1/relay).
	MaxMessageBytes   int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	OutboundQueue     int
	AllowedOrigins    map[string]struct{} // empty => any origin
	ReadHeaderTimeout time.Duration

	// Call sessions.
	SilenceTimeout          time.Duration
	MaxNudges               int
	MaxConsecutiveFallbacks int
	GenerationTimeout       time.Duration
	SessionIdleTimeout      time.Duration
	ReaperInterval          time.Duration
	Greeting                string

	// Speech detection.
	VADMinSizeBytes   int
	VADMinChunks      int
	VADMinDuration    time.Duration
	VADFallbackBytes  int
	VADMaxBufferBytes int
	VADMaxChunks      int

	// Response cache.
	CacheMaxSize        int
	CacheMaxAge         time.Duration
	CacheSweepInterval  time.Duration
	CacheThreshold      float64
	CacheCandidateLimit int
	CacheDir            string

	LanguageProfilesPath string

	// Upstream collaborators.
	GeminiAPIKey          string
	GeminiModel           string
	GeminiTranscribeModel string
	AudioMIMEType         string

	DatabaseURL string

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("RELAY_ADDR", ":8080"),
		LogFormat:               LogFormat(strings.ToLower(envOr("RELAY_LOG_FORMAT", string(LogFormatText)))),
		MaxMessageBytes:         envInt64Or("RELAY_MAX_MESSAGE_BYTES", 256*1024),
		WSPingInterval:          envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:          envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:           envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		OutboundQueue:           envIntOr("RELAY_OUTBOUND_QUEUE", 64),
		AllowedOrigins:          make(map[string]struct{}),
		ReadHeaderTimeout:       envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		SilenceTimeout:          envDurationOr("RELAY_SILENCE_TIMEOUT", 5000*time.Millisecond),
		MaxNudges:               envIntOr("RELAY_MAX_NUDGES", 2),
		MaxConsecutiveFallbacks: envIntOr("RELAY_MAX_CONSECUTIVE_FALLBACKS", 2),
		GenerationTimeout:       envDurationOr("RELAY_GENERATION_TIMEOUT", 3000*time.Millisecond),
		SessionIdleTimeout:      envDurationOr("RELAY_SESSION_IDLE_TIMEOUT", 5*time.Minute),
		ReaperInterval:          envDurationOr("RELAY_REAPER_INTERVAL", 30*time.Second),
		Greeting:                envOr("RELAY_GREETING", ""),
		VADMinSizeBytes:         envIntOr("RELAY_VAD_MIN_SIZE_BYTES", 3200),
		VADMinChunks:            envIntOr("RELAY_VAD_MIN_CHUNKS", 3),
		VADMinDuration:          envDurationOr("RELAY_VAD_MIN_DURATION", 600*time.Millisecond),
		VADFallbackBytes:        envIntOr("RELAY_VAD_FALLBACK_BYTES", 16000),
		VADMaxBufferBytes:       envIntOr("RELAY_VAD_MAX_BUFFER_BYTES", 64000),
		VADMaxChunks:            envIntOr("RELAY_VAD_MAX_CHUNKS", 512),
		CacheMaxSize:            envIntOr("RELAY_CACHE_MAX_SIZE", 10000),
		CacheMaxAge:             envDurationOr("RELAY_CACHE_MAX_AGE", 24*time.Hour),
		CacheSweepInterval:      envDurationOr("RELAY_CACHE_SWEEP_INTERVAL", 5*time.Minute),
		CacheThreshold:          envFloat64Or("RELAY_CACHE_SIMILARITY_THRESHOLD", 0.85),
		CacheCandidateLimit:     envIntOr("RELAY_CACHE_CANDIDATE_LIMIT", 64),
		CacheDir:                envOr("RELAY_CACHE_DIR", ""),
		LanguageProfilesPath:    envOr("RELAY_LANGUAGE_PROFILES", ""),
		GeminiAPIKey:            envOr("GEMINI_API_KEY", ""),
		GeminiModel:             envOr("RELAY_GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTranscribeModel:   envOr("RELAY_GEMINI_TRANSCRIBE_MODEL", ""),
		AudioMIMEType:           envOr("RELAY_AUDIO_MIME_TYPE", "audio/wav"),
		DatabaseURL:             envOr("RELAY_DATABASE_URL", ""),
		ShutdownGracePeriod:     envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	if raw := envOr("RELAY_LOG_LEVEL", "info"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("RELAY_LOG_LEVEL: %w", err)
		}
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.OutboundQueue <= 0 {
		return Config{}, fmt.Errorf("RELAY_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_SILENCE_TIMEOUT must be > 0")
	}
	if cfg.MaxNudges < 1 {
		return Config{}, fmt.Errorf("RELAY_MAX_NUDGES must be >= 1")
	}
	if cfg.MaxConsecutiveFallbacks < 1 {
		return Config{}, fmt.Errorf("RELAY_MAX_CONSECUTIVE_FALLBACKS must be >= 1")
	}
	if cfg.GenerationTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_GENERATION_TIMEOUT must be > 0")
	}
	if cfg.SessionIdleTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.ReaperInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_REAPER_INTERVAL must be > 0")
	}
	if cfg.VADMinSizeBytes <= 0 || cfg.VADMinChunks <= 0 || cfg.VADMinDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_VAD_MIN_SIZE_BYTES, RELAY_VAD_MIN_CHUNKS and RELAY_VAD_MIN_DURATION must be > 0")
	}
	if cfg.VADFallbackBytes < cfg.VADMinSizeBytes {
		return Config{}, fmt.Errorf("RELAY_VAD_FALLBACK_BYTES must be >= RELAY_VAD_MIN_SIZE_BYTES")
	}
	if cfg.VADMaxBufferBytes < cfg.VADFallbackBytes {
		return Config{}, fmt.Errorf("RELAY_VAD_MAX_BUFFER_BYTES must be >= RELAY_VAD_FALLBACK_BYTES")
	}
	if cfg.VADMaxChunks < cfg.VADMinChunks {
		return Config{}, fmt.Errorf("RELAY_VAD_MAX_CHUNKS must be >= RELAY_VAD_MIN_CHUNKS")
	}
	if cfg.CacheMaxSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_CACHE_MAX_SIZE must be > 0")
	}
	if cfg.CacheMaxAge <= 0 {
		return Config{}, fmt.Errorf("RELAY_CACHE_MAX_AGE must be > 0")
	}
	if cfg.CacheSweepInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_CACHE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.CacheThreshold <= 0 || cfg.CacheThreshold > 1 {
		return Config{}, fmt.Errorf("RELAY_CACHE_SIMILARITY_THRESHOLD must be in (0, 1]")
	}
	if cfg.CacheCandidateLimit <= 0 {
		return Config{}, fmt.Errorf("RELAY_CACHE_CANDIDATE_LIMIT must be > 0")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("RELAY_GEMINI_MODEL must not be empty")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

// envDurationOr accepts Go durations ("5s") or bare integers in
// milliseconds ("5000").
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
