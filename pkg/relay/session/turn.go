package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vango-go/call-relay/pkg/relay/backend"
	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/protocol"
)

func (s *Session) handlePrompt(f protocol.Prompt) {
	if lang := strings.TrimSpace(f.Language); lang != "" && lang != s.language {
		s.handleLanguage(protocol.LanguageSwitch{Language: lang})
	}
	s.beginTurn(f.Text, true)
}

func (s *Session) handleDTMF(f protocol.DTMF) {
	s.beginTurn(fmt.Sprintf(DefaultDTMFTemplate, f.Digit), false)
}

// beginTurn answers one caller utterance, from the cache when possible.
func (s *Session) beginTurn(text string, cacheable bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	switch s.state {
	case StateActive:
	case StateProcessing:
		// A newer utterance supersedes the one in flight.
		s.cancelPending()
	default:
		s.logger.Warn("dropping caller turn", "state", s.state.String())
		return
	}
	s.stopSilence()
	s.nudges = 0
	if !s.transition(StateProcessing) {
		return
	}

	t := turn{
		input:     text,
		at:        s.now(),
		cacheable: cacheable && !s.degraded && s.cache != nil,
		key: cache.Key{
			// Raw caller text: the language prompt prefix would dominate
			// similarity scoring, and the resolved language is keyed anyway.
			Input:    text,
			Language: s.optimizer.Resolve(s.language),
			StateID:  s.workflowID,
		},
	}
	if t.cacheable {
		if hit, ok := s.cache.Lookup(t.key); ok {
			s.metrics.CacheHits++
			s.logger.Debug("cache hit", "exact", hit.Exact, "similarity", hit.Similarity)
			s.startCachedReply(t, hit.Entry.Response)
			return
		}
		s.metrics.CacheMisses++
	}
	s.startGeneration(t)
}

func (s *Session) startGeneration(t turn) {
	prompt := t.input
	if !s.degraded {
		prompt = s.optimizer.OptimizePrompt(t.input, s.language)
	}
	history := s.history.snapshot()
	ctx, cancel := context.WithCancel(s.ctx)
	s.workSeq++
	seq := s.workSeq
	s.pending = &pendingWork{seq: seq, cancel: cancel, turn: t}

	go func() {
		defer cancel()
		res := s.fallback.Generate(ctx, s.id, prompt, history)
		if res.Canceled {
			return
		}
		s.post(generationEvent{seq: seq, result: res})
	}()
}

// startCachedReply schedules a cached answer as in-flight work, so frames
// already queued behind the prompt (an interrupt, a newer prompt) still
// cancel it.
func (s *Session) startCachedReply(t turn, reply string) {
	s.workSeq++
	seq := s.workSeq
	s.pending = &pendingWork{seq: seq, cancel: func() {}, turn: t}
	s.enqueue(cachedReplyEvent{seq: seq, reply: reply})
}

func (s *Session) handleCachedReply(ev cachedReplyEvent) {
	if s.pending == nil || ev.seq != s.pending.seq || s.state != StateProcessing {
		return
	}
	t := s.pending.turn
	s.pending = nil
	s.completeTurn(t, ev.reply, false)
}

func (s *Session) handleGeneration(ev generationEvent) {
	if s.pending == nil || ev.seq != s.pending.seq || s.state != StateProcessing {
		return
	}
	t := s.pending.turn
	s.pending = nil

	if ev.result.Fallback {
		if s.recordFallback() {
			return
		}
		s.completeTurn(t, ev.result.Text, true)
		return
	}
	s.consecutiveFallbacks = 0
	if t.cacheable {
		if _, err := s.cache.Insert(t.key, ev.result.Text); err != nil {
			s.logger.Warn("cache insert failed", "error", err)
		}
	}
	s.completeTurn(t, ev.result.Text, false)
}

// recordFallback counts an upstream failure and degrades the session. It
// reports true if the failure ended the call.
func (s *Session) recordFallback() bool {
	s.metrics.FallbackCount++
	s.consecutiveFallbacks++
	if !s.degraded {
		s.logger.Warn("session degraded after upstream failure")
	}
	s.degraded = true
	if s.consecutiveFallbacks >= s.cfg.MaxConsecutiveFallbacks {
		s.logger.Warn("too many consecutive upstream failures, ending call",
			"consecutive_fallbacks", s.consecutiveFallbacks)
		s.terminate(closeReasonFallbacks, s.fallback.FinalApology())
		return true
	}
	return false
}

// completeTurn speaks reply, records the exchange and returns to ACTIVE.
func (s *Session) completeTurn(t turn, reply string, apology bool) {
	if !s.degraded && !apology {
		reply = s.optimizer.OptimizeResponse(reply, s.language)
	}
	if !s.say(reply) {
		return
	}
	now := s.now()
	s.history.appendExchange(t.input, reply, t.at, now)

	latency := now.Sub(t.at)
	s.metrics.LatencySamples = append(s.metrics.LatencySamples, latency)
	if n := len(s.metrics.LatencySamples); n > maxLatencySamples {
		s.metrics.LatencySamples = s.metrics.LatencySamples[n-maxLatencySamples:]
	}
	if !s.degraded {
		s.optimizer.Observe(s.language, latency)
	}

	if !s.transition(StateActive) {
		return
	}
	s.armSilence()
}

func (s *Session) handleMedia(f protocol.Media) {
	if s.state != StateActive {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		s.logger.Warn("dropping undecodable media chunk", "error", err)
		return
	}
	audio, reason, ok := s.audio.Add(chunk)
	if !ok {
		return
	}
	s.logger.Debug("speech detected", "reason", string(reason), "bytes", len(audio))
	s.startTranscription(audio)
}

func (s *Session) startTranscription(audio []byte) {
	s.stopSilence()
	if !s.transition(StateProcessing) {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.workSeq++
	seq := s.workSeq
	s.pending = &pendingWork{seq: seq, cancel: cancel}

	go func() {
		defer cancel()
		res := s.fallback.Transcribe(ctx, s.id, audio)
		if res.Canceled {
			return
		}
		s.post(transcriptionEvent{seq: seq, result: res})
	}()
}

func (s *Session) handleTranscription(ev transcriptionEvent) {
	if s.pending == nil || ev.seq != s.pending.seq || s.state != StateProcessing {
		return
	}
	s.pending = nil

	if ev.result.Fallback {
		if s.recordFallback() {
			return
		}
		if !s.say(ev.result.Text) {
			return
		}
		if !s.transition(StateActive) {
			return
		}
		s.armSilence()
		return
	}
	if strings.TrimSpace(ev.result.Text) == "" {
		if s.transition(StateActive) {
			s.armSilence()
		}
		return
	}
	s.beginTurn(ev.result.Text, true)
}

// Turns returns the recorded turns spoken by role.
func (snap Snapshot) Turns(role string) []backend.Turn {
	var out []backend.Turn
	for _, t := range snap.History {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}
