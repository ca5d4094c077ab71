// Package session runs the per-call conversation state machine.
//
// Each Session is an actor: one goroutine owns all mutable call state and
// consumes a FIFO inbox of relay frames, timer expiries and collaborator
// results. Timer and collaborator results carry the sequence number they
// were started under so results that arrive after being superseded are
// dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/compose"
	"github.com/vango-go/call-relay/pkg/relay/fallback"
	"github.com/vango-go/call-relay/pkg/relay/protocol"
	"github.com/vango-go/call-relay/pkg/relay/transcript"
	"github.com/vango-go/call-relay/pkg/relay/vad"
)

var ErrClosed = errors.New("session closed")

const (
	DefaultSilenceTimeout          = 5000 * time.Millisecond
	DefaultMaxNudges               = 2
	DefaultMaxConsecutiveFallbacks = 2
	DefaultInboxSize               = 64
	DefaultEmitTimeout             = 2 * time.Second
	DefaultArchiveTimeout          = 5 * time.Second
	maxLatencySamples              = 256

	DefaultGreeting      = "Hello! How can I help you today?"
	DefaultNudge         = "Are you still there? How can I help?"
	DefaultGoodbye       = "I haven't heard from you, so I'll end the call now. Goodbye."
	DefaultFatalApology  = "I'm sorry, something went wrong on our end. Goodbye."
	DefaultDTMFTemplate  = "The caller pressed %s."
	closeReasonFatal     = "fatal"
	closeReasonSilence   = "silence"
	closeReasonFallbacks = "fallback_limit"
)

// Sink receives outbound frames for the call's connection.
type Sink interface {
	Emit(ctx context.Context, frame protocol.Outbound) error
}

// ResponseCache is the shared reply cache.
type ResponseCache interface {
	Lookup(k cache.Key) (cache.Hit, bool)
	Insert(k cache.Key, response string) (cache.Entry, error)
}

// Optimizer adapts prompts and replies to the caller's language.
type Optimizer interface {
	Resolve(code string) string
	OptimizePrompt(text, code string) string
	OptimizeResponse(text, code string) string
	Voice(code string) string
	Observe(code string, latency time.Duration)
}

// Archiver stores the transcript of a closed call.
type Archiver interface {
	Archive(ctx context.Context, t transcript.Transcript) error
}

type Config struct {
	SilenceTimeout          time.Duration
	MaxNudges               int
	MaxConsecutiveFallbacks int
	InboxSize               int
	EmitTimeout             time.Duration
	ArchiveTimeout          time.Duration
	Greeting                string
	Nudge                   string
	Goodbye                 string
	FatalApology            string
	VAD                     vad.Config
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxNudges <= 0 {
		c.MaxNudges = DefaultMaxNudges
	}
	if c.MaxConsecutiveFallbacks <= 0 {
		c.MaxConsecutiveFallbacks = DefaultMaxConsecutiveFallbacks
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = DefaultEmitTimeout
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = DefaultArchiveTimeout
	}
	if strings.TrimSpace(c.Greeting) == "" {
		c.Greeting = DefaultGreeting
	}
	if strings.TrimSpace(c.Nudge) == "" {
		c.Nudge = DefaultNudge
	}
	if strings.TrimSpace(c.Goodbye) == "" {
		c.Goodbye = DefaultGoodbye
	}
	if strings.TrimSpace(c.FatalApology) == "" {
		c.FatalApology = DefaultFatalApology
	}
	return c
}

type Dependencies struct {
	ID         string
	WorkflowID string
	TrackingID string
	Language   string

	Sink      Sink
	Cache     ResponseCache
	Optimizer Optimizer
	Fallback  *fallback.Controller
	Archiver  Archiver
	Logger    *slog.Logger
	Config    Config
	Now       func() time.Time
}

type Metrics struct {
	LatencySamples []time.Duration
	CacheHits      int
	CacheMisses    int
	FallbackCount  int
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID         string
	WorkflowID string
	TrackingID string
	Language   string
	State      State
	Degraded   bool
	Nudges     int
	History    []backend.Turn
	Metrics    Metrics
}

type Session struct {
	id         string
	workflowID string
	trackingID string

	sink      Sink
	cache     ResponseCache
	optimizer Optimizer
	fallback  *fallback.Controller
	archiver  Archiver
	composer  compose.Composer
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	inbox  chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce    sync.Once
	closeReason  atomic.Value // string
	lastActivity atomic.Int64
	stateVal     atomic.Int32
	final        atomic.Pointer[Snapshot]

	// Owned by the run goroutine.
	state                State
	language             string
	history              *history
	metrics              Metrics
	degraded             bool
	nudges               int
	consecutiveFallbacks int
	audio                *vad.Classifier
	startedAt            time.Time

	silence    *time.Timer
	silenceSeq uint64

	pending *pendingWork
	workSeq uint64
}

// pendingWork is the single in-flight generation or transcription.
type pendingWork struct {
	seq    uint64
	cancel context.CancelFunc
	turn   turn
}

// turn is one caller utterance being answered.
type turn struct {
	input     string
	at        time.Time
	key       cache.Key
	cacheable bool
}

type event interface{ isEvent() }

type frameEvent struct{ frame protocol.Inbound }

type silenceEvent struct{ seq uint64 }

type generationEvent struct {
	seq    uint64
	result fallback.Result
}

type transcriptionEvent struct {
	seq    uint64
	result fallback.Result
}

type cachedReplyEvent struct {
	seq   uint64
	reply string
}

type snapshotEvent struct{ reply chan Snapshot }

func (frameEvent) isEvent()         {}
func (silenceEvent) isEvent()       {}
func (generationEvent) isEvent()    {}
func (transcriptionEvent) isEvent() {}
func (cachedReplyEvent) isEvent()   {}
func (snapshotEvent) isEvent()      {}

// New starts a session in INIT. The session runs until Close is called or it
// reaches CLOSED on its own.
func New(deps Dependencies) (*Session, error) {
	if strings.TrimSpace(deps.ID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if deps.Optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}
	if deps.Fallback == nil {
		return nil, fmt.Errorf("fallback controller is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.withDefaults()
	logger := deps.Logger.With("session_id", deps.ID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         deps.ID,
		workflowID: deps.WorkflowID,
		trackingID: deps.TrackingID,
		sink:       deps.Sink,
		cache:      deps.Cache,
		optimizer:  deps.Optimizer,
		fallback:   deps.Fallback,
		archiver:   deps.Archiver,
		composer:   compose.Composer{Voices: deps.Optimizer},
		logger:     logger,
		cfg:        cfg,
		now:        deps.Now,
		inbox:      make(chan event, cfg.InboxSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateInit,
		language:   strings.TrimSpace(deps.Language),
		history:    newHistory(),
		audio:      vad.New(cfg.VAD, deps.Now, logger),
		startedAt:  deps.Now(),
	}
	s.touch()
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// State returns the most recently entered state.
func (s *Session) State() State { return State(s.stateVal.Load()) }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed once the session has reached CLOSED and released its
// resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the call. It does not wait for the worker; use Done for that.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.cancel()
	})
}

// Deliver queues an inbound frame. Frames are handled in the order Deliver is
// called.
func (s *Session) Deliver(ctx context.Context, frame protocol.Inbound) error {
	if frame == nil {
		return fmt.Errorf("nil frame")
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.touch()
	select {
	case s.inbox <- frameEvent{frame: frame}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a consistent copy of the session's state, taken between
// events. After the session closes it returns the final state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.inbox <- snapshotEvent{reply: reply}:
	case <-s.done:
		return s.finalSnapshot()
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return s.finalSnapshot()
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) finalSnapshot() (Snapshot, error) {
	if snap := s.final.Load(); snap != nil {
		return *snap, nil
	}
	return Snapshot{}, ErrClosed
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// post hands an event from a timer or collaborator goroutine to the actor.
func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	}
}

// enqueue queues an event from the actor itself. It must not block the
// only reader of the inbox.
func (s *Session) enqueue(ev event) {
	select {
	case s.inbox <- ev:
	default:
		go s.post(ev)
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			reason, _ := s.closeReason.Load().(string)
			if reason == "" {
				reason = "closed"
			}
			s.terminate(reason, "")
			return
		case ev := <-s.inbox:
			s.dispatch(ev)
			if s.state == StateClosed {
				return
			}
		}
	}
}

// dispatch handles one event. A panic in a handler is an internal
// inconsistency and ends the call.
func (s *Session) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.fatal(&FatalError{SessionID: s.id, Reason: fmt.Sprintf("panic: %v", r)})
		}
	}()

	switch ev := ev.(type) {
	case frameEvent:
		s.handleFrame(ev.frame)
	case silenceEvent:
		s.handleSilence(ev)
	case generationEvent:
		s.handleGeneration(ev)
	case transcriptionEvent:
		s.handleTranscription(ev)
	case cachedReplyEvent:
		s.handleCachedReply(ev)
	case snapshotEvent:
		ev.reply <- s.snapshot()
	}
}

func (s *Session) handleFrame(frame protocol.Inbound) {
	if s.state == StateTerminating || s.state == StateClosed {
		return
	}
	switch f := frame.(type) {
	case protocol.Setup:
		s.handleSetup(f)
	case protocol.Prompt:
		s.handlePrompt(f)
	case protocol.DTMF:
		s.handleDTMF(f)
	case protocol.Interrupt:
		s.handleInterrupt(f)
	case protocol.RelayError:
		s.logger.Warn("relay reported error, ending call", "code", f.Code, "description", f.Message)
		s.terminate("relay_error", "")
	case protocol.Media:
		s.handleMedia(f)
	case protocol.LanguageSwitch:
		s.handleLanguage(f)
	default:
		s.logger.Warn("unhandled frame", "frame_type", string(frame.Kind()))
	}
}

func (s *Session) setState(to State) error {
	if s.state == to {
		return nil
	}
	if !CanTransition(s.state, to) {
		return &FatalError{SessionID: s.id, Reason: fmt.Sprintf("illegal transition %s -> %s", s.state, to)}
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", to.String())
	s.state = to
	s.stateVal.Store(int32(to))
	return nil
}

// transition moves to the given state or ends the call if the edge is
// illegal.
func (s *Session) transition(to State) bool {
	if err := s.setState(to); err != nil {
		s.fatal(err)
		return false
	}
	return true
}

func (s *Session) fatal(err error) {
	s.logger.Error("fatal session error", "error", err)
	if s.state == StateTerminating {
		// The failure happened while saying goodbye; skip straight to CLOSED.
		s.close(closeReasonFatal)
		return
	}
	s.terminate(closeReasonFatal, s.cfg.FatalApology)
}

func (s *Session) handleSetup(f protocol.Setup) {
	if s.state != StateInit {
		s.logger.Warn("ignoring repeated setup", "state", s.state.String())
		return
	}
	if f.Language != "" && s.language == "" {
		s.language = f.Language
	}
	if s.language == "" {
		s.language = s.optimizer.Resolve("")
	}
	if !s.transition(StateActive) {
		return
	}
	s.logger.Info("call started", "workflow_id", s.workflowID, "tracking_id", s.trackingID, "language", s.language)
	if !s.say(s.cfg.Greeting) {
		return
	}
	s.armSilence()
}

func (s *Session) handleLanguage(f protocol.LanguageSwitch) {
	code := strings.TrimSpace(f.Language)
	if code == "" || code == s.language {
		return
	}
	s.logger.Info("language switched", "from", s.language, "to", code)
	s.language = code
}

func (s *Session) handleInterrupt(f protocol.Interrupt) {
	if s.state != StateProcessing {
		s.logger.Debug("interrupt with nothing in flight", "state", s.state.String())
		return
	}
	s.cancelPending()
	if !s.transition(StateActive) {
		return
	}
	s.logger.Info("turn interrupted by caller", "heard", f.UtteranceUntilInterrupt)
	s.armSilence()
}

// armSilence replaces any pending silence timer.
func (s *Session) armSilence() {
	s.stopSilence()
	seq := s.silenceSeq
	s.silence = time.AfterFunc(s.cfg.SilenceTimeout, func() {
		s.post(silenceEvent{seq: seq})
	})
}

func (s *Session) stopSilence() {
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	s.silenceSeq++
}

func (s *Session) handleSilence(ev silenceEvent) {
	if ev.seq != s.silenceSeq || s.state != StateActive {
		return
	}
	s.silence = nil
	if s.history.len() > 0 {
		s.armSilence()
		return
	}
	if s.nudges >= s.cfg.MaxNudges {
		s.logger.Info("caller silent after nudges, ending call", "nudges", s.nudges)
		s.terminate(closeReasonSilence, s.cfg.Goodbye)
		return
	}
	if !s.transition(StatePromptRetry) {
		return
	}
	s.nudges++
	s.logger.Info("caller silent, nudging", "nudge", s.nudges, "max_nudges", s.cfg.MaxNudges)
	if !s.say(s.cfg.Nudge) {
		return
	}
	if !s.transition(StateActive) {
		return
	}
	s.armSilence()
}

// cancelPending abandons in-flight generation or transcription. Any result it
// still posts is dropped as stale.
func (s *Session) cancelPending() {
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
	s.workSeq++
}

// say emits a relay-authored line. It reports false if the call ended.
func (s *Session) say(text string) bool {
	return s.emit(s.composer.Text(text, s.language))
}

func (s *Session) emit(frame protocol.Outbound) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EmitTimeout)
	defer cancel()
	if err := s.sink.Emit(ctx, frame); err != nil {
		s.logger.Warn("emit failed, ending call", "frame_type", frame.Type, "error", err)
		if s.state != StateTerminating && s.state != StateClosed {
			s.terminateSilently("sink_closed")
		}
		return false
	}
	s.touch()
	return true
}

// terminate ends the call, optionally speaking a last line, and then emits
// the end marker.
func (s *Session) terminate(reason, farewell string) {
	if s.state == StateTerminating || s.state == StateClosed {
		return
	}
	s.enterTerminating()
	if farewell != "" {
		if !s.emit(s.composer.Text(farewell, s.language)) {
			s.close(reason)
			return
		}
	}
	s.emit(s.composer.End())
	s.close(reason)
}

// terminateSilently ends the call without writing to the sink.
func (s *Session) terminateSilently(reason string) {
	s.enterTerminating()
	s.close(reason)
}

func (s *Session) enterTerminating() {
	_ = s.setState(StateTerminating)
	s.stopSilence()
	s.cancelPending()
	s.audio.Reset()
}

func (s *Session) close(reason string) {
	if s.state == StateClosed {
		return
	}
	_ = s.setState(StateClosed)
	s.cancel()
	snap := s.snapshot()
	s.final.Store(&snap)
	s.logger.Info("call closed",
		"reason", reason,
		"turns", len(snap.History),
		"cache_hits", snap.Metrics.CacheHits,
		"cache_misses", snap.Metrics.CacheMisses,
		"fallback_count", snap.Metrics.FallbackCount,
		"degraded", snap.Degraded,
	)
	s.archive(snap, reason)
}

func (s *Session) archive(snap Snapshot, reason string) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()
	err := s.archiver.Archive(ctx, transcript.Transcript{
		CallID:        s.id,
		WorkflowID:    s.workflowID,
		TrackingID:    s.trackingID,
		Language:      snap.Language,
		FinalState:    snap.State.String(),
		CloseReason:   reason,
		Degraded:      snap.Degraded,
		StartedAt:     s.startedAt,
		EndedAt:       s.now(),
		Turns:         snap.History,
		CacheHits:     snap.Metrics.CacheHits,
		CacheMisses:   snap.Metrics.CacheMisses,
		FallbackCount: snap.Metrics.FallbackCount,
	})
	if err != nil {
		s.logger.Error("archive transcript failed", "error", err)
	}
}

func (s *Session) snapshot() Snapshot {
	m := s.metrics
	m.LatencySamples = append([]time.Duration(nil), s.metrics.LatencySamples...)
	return Snapshot{
		ID:         s.id,
		WorkflowID: s.workflowID,
		TrackingID: s.trackingID,
		Language:   s.language,
		State:      s.state,
		Degraded:   s.degraded,
		Nudges:     s.nudges,
		History:    s.history.snapshot(),
		Metrics:    m,
	}
}
