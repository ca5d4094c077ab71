package session

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/compose"
	"github.com/vango-go/call-relay/pkg/relay/fallback"
	"github.com/vango-go/call-relay/pkg/relay/language"
	"github.com/vango-go/call-relay/pkg/relay/protocol"
	"github.com/vango-go/call-relay/pkg/relay/transcript"
	"github.com/vango-go/call-relay/pkg/relay/vad"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	frames chan protocol.Outbound
	fail   atomic.Bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan protocol.Outbound, 64)}
}

func (r *recordingSink) Emit(ctx context.Context, frame protocol.Outbound) error {
	if r.fail.Load() {
		return errors.New("connection closed")
	}
	select {
	case r.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recordingSink) next(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Outbound{}
	}
}

func (r *recordingSink) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(within):
	}
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	reply   func(ctx context.Context, prompt string) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, history []backend.Turn) (string, error) {
	g.mu.Lock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.reply(ctx, prompt)
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte) (string, error) { return f.text, f.err }

type harness struct {
	session  *Session
	sink     *recordingSink
	gen      *fakeGenerator
	cache    *cache.Cache
	archive  *transcript.Memory
	language *language.Layer
}

type harnessOption func(*Dependencies, *fallback.Config)

func newHarness(t *testing.T, gen *fakeGenerator, tr backend.Transcriber, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		sink:     newRecordingSink(),
		gen:      gen,
		cache:    cache.New(cache.Config{Logger: quietLogger()}),
		archive:  transcript.NewMemory(),
		language: language.NewDefault(),
	}
	deps := Dependencies{
		ID:         "CA-test",
		WorkflowID: "wf-1",
		TrackingID: "trk-1",
		Sink:       h.sink,
		Cache:      h.cache,
		Optimizer:  h.language,
		Archiver:   h.archive,
		Logger:     quietLogger(),
		Config:     Config{SilenceTimeout: time.Hour},
	}
	fbCfg := fallback.Config{Logger: quietLogger(), Timeout: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&deps, &fbCfg)
	}
	var g backend.Generator
	if gen != nil {
		g = gen
	}
	deps.Fallback = fallback.New(g, tr, fbCfg)
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = s
	t.Cleanup(func() {
		s.Close("test_done")
		<-s.Done()
	})
	return h
}

func (h *harness) deliver(t *testing.T, frame protocol.Inbound) {
	t.Helper()
	if err := h.session.Deliver(context.Background(), frame); err != nil {
		t.Fatalf("Deliver(%s) error = %v", frame.Kind(), err)
	}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.session.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func echoGenerator(reply string) *fakeGenerator {
	return &fakeGenerator{reply: func(context.Context, string) (string, error) { return reply, nil }}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestSession_GreetingThenReply(t *testing.T) {
	h := newHarness(t, echoGenerator("Hi! What can I do for you?"), nil)

	h.deliver(t, protocol.Setup{CallID: "A", WorkflowID: "wf-1"})
	greeting := h.sink.next(t)
	if greeting.Type != protocol.OutboundText || greeting.Text != DefaultGreeting {
		t.Fatalf("greeting=%+v", greeting)
	}
	if greeting.Voice == nil || greeting.Voice.Language != "en-US" || greeting.Voice.Name == "" {
		t.Fatalf("voice=%+v", greeting.Voice)
	}

	h.deliver(t, protocol.Prompt{Text: "Hello"})
	reply := h.sink.next(t)
	if reply.Type != protocol.OutboundText || reply.Text != "Hi! What can I do for you?" {
		t.Fatalf("reply=%+v", reply)
	}

	snap := h.snapshot(t)
	if snap.State != StateActive {
		t.Fatalf("state=%s", snap.State)
	}
	if len(snap.History) != 2 {
		t.Fatalf("history=%d, want 2", len(snap.History))
	}
	if snap.History[0].Role != backend.RoleCaller || snap.History[0].Text != "Hello" || snap.History[1].Role != backend.RoleAssistant {
		t.Fatalf("history=%+v", snap.History)
	}
	if snap.Metrics.CacheMisses != 1 || len(snap.Metrics.LatencySamples) != 1 {
		t.Fatalf("metrics=%+v", snap.Metrics)
	}
	h.sink.expectNone(t, 20*time.Millisecond)
}

func TestSession_SamePromptGeneratesOnce(t *testing.T) {
	gen := echoGenerator("We open at nine.")
	h := newHarness(t, gen, nil)
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	h.deliver(t, protocol.Prompt{Text: "When do you open?"})
	first := h.sink.next(t)
	h.deliver(t, protocol.Prompt{Text: "when do you open"})
	second := h.sink.next(t)

	if first.Text != second.Text {
		t.Fatalf("first=%q second=%q", first.Text, second.Text)
	}
	if gen.Calls() != 1 {
		t.Fatalf("generator calls=%d, want 1", gen.Calls())
	}
	snap := h.snapshot(t)
	if snap.Metrics.CacheHits != 1 || snap.Metrics.CacheMisses != 1 {
		t.Fatalf("metrics=%+v", snap.Metrics)
	}
	// A cache hit still passes through PROCESSING and records the exchange.
	if len(snap.History) != 4 {
		t.Fatalf("history=%d, want 4", len(snap.History))
	}
}

func TestSession_ReplyIsLanguageAdjusted(t *testing.T) {
	gen := echoGenerator("Vale, puedes recoger el coche mañana.")
	h := newHarness(t, gen, nil)
	h.deliver(t, protocol.Setup{CallID: "A", Language: "es-MX"})
	h.sink.next(t)

	h.deliver(t, protocol.Prompt{Text: "¿Cuándo recojo el coche?"})
	reply := h.sink.next(t)
	if reply.Text != "Claro, puede recoger el carro mañana." {
		t.Fatalf("reply=%q", reply.Text)
	}
	if reply.Voice == nil || reply.Voice.Language != "es-MX" {
		t.Fatalf("voice=%+v", reply.Voice)
	}
	gen.mu.Lock()
	prompt := gen.prompts[0]
	gen.mu.Unlock()
	if !strings.Contains(prompt, "Caller: ¿Cuándo recojo el coche?") {
		t.Fatalf("prompt not optimized: %q", prompt)
	}
	if st := h.language.Stats()["es-MX"]; st.Processed != 1 {
		t.Fatalf("language stats=%+v", st)
	}
}

func TestSession_SilenceNudgesThenEnds(t *testing.T) {
	h := newHarness(t, echoGenerator("unused"), nil, func(d *Dependencies, _ *fallback.Config) {
		d.Config.SilenceTimeout = 30 * time.Millisecond
		d.Config.MaxNudges = 2
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t) // greeting

	for i := 0; i < 2; i++ {
		nudge := h.sink.next(t)
		if nudge.Text != DefaultNudge {
			t.Fatalf("nudge %d=%+v", i, nudge)
		}
	}
	goodbye := h.sink.next(t)
	if goodbye.Text != compose.Escape(DefaultGoodbye) {
		t.Fatalf("goodbye=%+v", goodbye)
	}
	if end := h.sink.next(t); !end.IsEnd() {
		t.Fatalf("want end frame, got %+v", end)
	}
	waitDone(t, h.session)
	if h.session.State() != StateClosed {
		t.Fatalf("state=%s", h.session.State())
	}
	archived, err := h.archive.Get(context.Background(), "CA-test")
	if err != nil || archived.CloseReason != closeReasonSilence {
		t.Fatalf("archived=%+v err=%v", archived, err)
	}
}

func TestSession_PromptResetsNudges(t *testing.T) {
	h := newHarness(t, echoGenerator("Sure."), nil, func(d *Dependencies, _ *fallback.Config) {
		d.Config.SilenceTimeout = 40 * time.Millisecond
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)
	if nudge := h.sink.next(t); nudge.Text != DefaultNudge {
		t.Fatalf("nudge=%+v", nudge)
	}
	h.deliver(t, protocol.Prompt{Text: "Sorry, I'm here"})
	if reply := h.sink.next(t); reply.Text != "Sure." {
		t.Fatalf("reply=%+v", reply)
	}
	// With history present, silence re-arms without nudging.
	h.sink.expectNone(t, 150*time.Millisecond)
	if snap := h.snapshot(t); snap.Nudges != 0 || snap.State != StateActive {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestSession_FallbackThenTerminalApology(t *testing.T) {
	gen := &fakeGenerator{reply: func(context.Context, string) (string, error) {
		return "", errors.New("provider unavailable")
	}}
	h := newHarness(t, gen, nil, func(d *Dependencies, fb *fallback.Config) {
		d.Config.MaxConsecutiveFallbacks = 2
		fb.Apology = "Sorry, could you repeat that?"
		fb.FinalApology = "Sorry, we're having trouble. Goodbye."
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	h.deliver(t, protocol.Prompt{Text: "Hello"})
	if f := h.sink.next(t); f.Text != "Sorry, could you repeat that?" {
		t.Fatalf("apology=%+v", f)
	}
	snap := h.snapshot(t)
	if !snap.Degraded || snap.Metrics.FallbackCount != 1 || snap.State != StateActive {
		t.Fatalf("snap=%+v", snap)
	}

	h.deliver(t, protocol.Prompt{Text: "Hello again"})
	if f := h.sink.next(t); f.Text != compose.Escape("Sorry, we're having trouble. Goodbye.") {
		t.Fatalf("final apology=%+v", f)
	}
	if f := h.sink.next(t); !f.IsEnd() {
		t.Fatalf("want end, got %+v", f)
	}
	waitDone(t, h.session)

	final := h.snapshot(t)
	if final.Metrics.FallbackCount != 2 || final.State != StateClosed {
		t.Fatalf("final=%+v", final)
	}
	if h.cache.Len() != 0 {
		t.Fatal("fallback replies must not be cached")
	}
}

func TestSession_TimeoutFallbackIsBounded(t *testing.T) {
	gen := &fakeGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, gen, nil, func(d *Dependencies, fb *fallback.Config) {
		d.Config.MaxConsecutiveFallbacks = 1
		fb.Timeout = 50 * time.Millisecond
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	start := time.Now()
	h.deliver(t, protocol.Prompt{Text: "Hello"})
	if f := h.sink.next(t); f.Text != compose.Escape(fallback.DefaultFinalApology) {
		t.Fatalf("frame=%+v", f)
	}
	if f := h.sink.next(t); !f.IsEnd() {
		t.Fatalf("want end, got %+v", f)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fallback took %v", elapsed)
	}
}

func TestSession_InterruptSuppressesReply(t *testing.T) {
	started := make(chan struct{}, 1)
	canceled := make(chan struct{}, 1)
	gen := &fakeGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		canceled <- struct{}{}
		return "", ctx.Err()
	}}
	h := newHarness(t, gen, nil, func(_ *Dependencies, fb *fallback.Config) {
		fb.Timeout = 5 * time.Second
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	h.deliver(t, protocol.Prompt{Text: "Tell me a long story"})
	h.deliver(t, protocol.Interrupt{})

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not canceled")
	}
	h.sink.expectNone(t, 50*time.Millisecond)
	snap := h.snapshot(t)
	if snap.State != StateActive || len(snap.History) != 0 || snap.Metrics.FallbackCount != 0 {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestSession_DTMFBypassesCache(t *testing.T) {
	gen := echoGenerator("Connecting you to sales.")
	h := newHarness(t, gen, nil)
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	h.deliver(t, protocol.DTMF{Digit: "1"})
	h.sink.next(t)
	h.deliver(t, protocol.DTMF{Digit: "1"})
	h.sink.next(t)

	if gen.Calls() != 2 {
		t.Fatalf("calls=%d, want 2", gen.Calls())
	}
	snap := h.snapshot(t)
	if snap.History[0].Text != "The caller pressed 1." {
		t.Fatalf("history=%+v", snap.History)
	}
}

func TestSession_MediaIsTranscribedAndAnswered(t *testing.T) {
	gen := echoGenerator("Your table is booked.")
	h := newHarness(t, gen, fakeTranscriber{text: "Book a table for two"}, func(d *Dependencies, _ *fallback.Config) {
		d.Config.VAD = vad.Config{FallbackBytes: 8, MinSizeForSpeech: 1000, MinConsistentChunks: 100, MinDurationForSpeech: time.Hour}
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	payload := base64.StdEncoding.EncodeToString([]byte("12345678"))
	h.deliver(t, protocol.Media{Payload: payload})
	if reply := h.sink.next(t); reply.Text != "Your table is booked." {
		t.Fatalf("reply=%+v", reply)
	}
	snap := h.snapshot(t)
	if len(snap.History) != 2 || snap.History[0].Text != "Book a table for two" {
		t.Fatalf("history=%+v", snap.History)
	}
}

func TestSession_TranscriptionFailureAsksAgain(t *testing.T) {
	h := newHarness(t, echoGenerator("unused"), fakeTranscriber{err: errors.New("bad audio")}, func(d *Dependencies, _ *fallback.Config) {
		d.Config.VAD = vad.Config{FallbackBytes: 4}
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)

	h.deliver(t, protocol.Media{Payload: base64.StdEncoding.EncodeToString([]byte("abcd"))})
	if f := h.sink.next(t); f.Text != compose.Escape(fallback.DefaultClarification) {
		t.Fatalf("frame=%+v", f)
	}
	snap := h.snapshot(t)
	if snap.Metrics.FallbackCount != 1 || snap.State != StateActive {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestSession_LanguageSwitch(t *testing.T) {
	h := newHarness(t, echoGenerator("Bonjour"), nil)
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)
	h.deliver(t, protocol.LanguageSwitch{Language: "fr-FR"})
	h.deliver(t, protocol.Prompt{Text: "Salut"})
	reply := h.sink.next(t)
	if reply.Voice == nil || reply.Voice.Language != "fr-FR" {
		t.Fatalf("voice=%+v", reply.Voice)
	}
}

func TestSession_RelayErrorEndsCall(t *testing.T) {
	h := newHarness(t, echoGenerator("unused"), nil)
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)
	h.deliver(t, protocol.RelayError{Code: "64107", Message: "websocket closed"})
	if f := h.sink.next(t); !f.IsEnd() {
		t.Fatalf("want end, got %+v", f)
	}
	waitDone(t, h.session)
	if err := h.session.Deliver(context.Background(), protocol.Prompt{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestSession_CloseEmitsEndAndArchives(t *testing.T) {
	h := newHarness(t, echoGenerator("Sure."), nil)
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)
	h.deliver(t, protocol.Prompt{Text: "Hi"})
	h.sink.next(t)

	h.session.Close("shutdown")
	if f := h.sink.next(t); !f.IsEnd() {
		t.Fatalf("want end, got %+v", f)
	}
	waitDone(t, h.session)
	got, err := h.archive.Get(context.Background(), "CA-test")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CloseReason != "shutdown" || got.FinalState != "CLOSED" || len(got.Turns) != 2 || got.WorkflowID != "wf-1" {
		t.Fatalf("transcript=%+v", got)
	}
}

func TestSession_SinkFailureClosesSession(t *testing.T) {
	h := newHarness(t, echoGenerator("unused"), nil)
	h.sink.fail.Store(true)
	h.deliver(t, protocol.Setup{CallID: "A"})
	waitDone(t, h.session)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateActive, true},
		{StateInit, StateProcessing, false},
		{StateActive, StateProcessing, true},
		{StateActive, StatePromptRetry, true},
		{StateProcessing, StateActive, true},
		{StateProcessing, StatePromptRetry, false},
		{StatePromptRetry, StateActive, true},
		{StateActive, StateTerminating, true},
		{StateTerminating, StateClosed, true},
		{StateClosed, StateTerminating, false},
		{StateClosed, StateActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := New(Dependencies{ID: "x"}); err == nil {
		t.Fatal("expected error for missing sink")
	}
}

// gatedCache holds Lookup open until released, so a test can queue frames
// behind a prompt that is being answered from the cache.
type gatedCache struct {
	*cache.Cache
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCache) Lookup(k cache.Key) (cache.Hit, bool) {
	if g.gate.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Cache.Lookup(k)
}

func TestSession_InterruptSuppressesCachedReply(t *testing.T) {
	gc := &gatedCache{
		Cache:   cache.New(cache.Config{Logger: quietLogger()}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	gen := echoGenerator("We open at nine.")
	h := newHarness(t, gen, nil, func(d *Dependencies, _ *fallback.Config) {
		d.Cache = gc
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	h.sink.next(t)
	h.deliver(t, protocol.Prompt{Text: "When do you open?"})
	if f := h.sink.next(t); f.Text != "We open at nine." {
		t.Fatalf("reply=%+v", f)
	}

	gc.gate.Store(true)
	h.deliver(t, protocol.Prompt{Text: "When do you open?"})
	select {
	case <-gc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cache lookup not reached")
	}
	h.deliver(t, protocol.Interrupt{UtteranceUntilInterrupt: "We"})
	close(gc.release)

	h.sink.expectNone(t, 100*time.Millisecond)
	snap := h.snapshot(t)
	if snap.State != StateActive || len(snap.History) != 2 {
		t.Fatalf("state=%s history=%d", snap.State, len(snap.History))
	}
	if snap.Metrics.CacheHits != 1 || gen.Calls() != 1 {
		t.Fatalf("hits=%d generator calls=%d", snap.Metrics.CacheHits, gen.Calls())
	}
}

// panicOnEndSink records frames but panics when asked to write the end marker.
type panicOnEndSink struct {
	frames chan protocol.Outbound
}

func (p *panicOnEndSink) Emit(_ context.Context, frame protocol.Outbound) error {
	if frame.IsEnd() {
		panic("writer gone")
	}
	p.frames <- frame
	return nil
}

func TestSession_PanicWhileTerminatingStillCloses(t *testing.T) {
	sink := &panicOnEndSink{frames: make(chan protocol.Outbound, 8)}
	h := newHarness(t, echoGenerator("unused"), nil, func(d *Dependencies, _ *fallback.Config) {
		d.Sink = sink
	})
	h.deliver(t, protocol.Setup{CallID: "A"})
	<-sink.frames
	h.deliver(t, protocol.RelayError{Code: "64107", Message: "relay failure"})

	waitDone(t, h.session)
	if h.session.State() != StateClosed {
		t.Fatalf("state=%s", h.session.State())
	}
	got, err := h.archive.Get(context.Background(), "CA-test")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CloseReason != closeReasonFatal {
		t.Fatalf("close reason=%q", got.CloseReason)
	}
}
