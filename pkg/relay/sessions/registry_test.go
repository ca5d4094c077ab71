package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	mu       sync.Mutex
	last     time.Time
	closes   atomic.Int64
	reason   atomic.Value
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeSession(last time.Time) *fakeSession {
	return &fakeSession{last: last, done: make(chan struct{})}
}

func (s *fakeSession) Close(reason string) {
	s.closes.Add(1)
	s.reason.Store(reason)
	s.finish()
}

func (s *fakeSession) finish() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *fakeSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitCount(t *testing.T, r *Registry[*fakeSession], want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for r.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("count=%d, want %d", r.Count(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistry_CreateGetDuplicate(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	s1 := newFakeSession(time.Now())
	got, err := r.Create("CA1", func() (*fakeSession, error) { return s1, nil })
	if err != nil || got != s1 {
		t.Fatalf("Create()=%v, %v", got, err)
	}

	_, err = r.Create("CA1", func() (*fakeSession, error) {
		t.Fatal("build must not run for a duplicate id")
		return nil, nil
	})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err=%v, want ErrDuplicateSession", err)
	}

	if s, err := r.Get("CA1"); err != nil || s != s1 {
		t.Fatalf("Get()=%v, %v", s, err)
	}
	if _, err := r.Get("CA2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestRegistry_BuildErrorLeavesNoEntry(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	boom := errors.New("boom")
	if _, err := r.Create("CA1", func() (*fakeSession, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d", r.Count())
	}
}

func TestRegistry_TerminateIsIdempotent(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	s := newFakeSession(time.Now())
	_, _ = r.Create("CA1", func() (*fakeSession, error) { return s, nil })

	r.Terminate("CA1", "stop")
	r.Terminate("CA1", "stop")
	r.Terminate("unknown", "stop")

	if s.closes.Load() != 1 {
		t.Fatalf("closes=%d, want 1", s.closes.Load())
	}
	if _, err := r.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatal("Wait should return once the worker is done")
	}
}

func TestRegistry_SelfClosedSessionIsRemoved(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	s := newFakeSession(time.Now())
	_, _ = r.Create("CA1", func() (*fakeSession, error) { return s, nil })

	s.finish()
	waitCount(t, r, 0)
	if s.closes.Load() != 0 {
		t.Fatal("self-closed session must not be closed again")
	}

	// The id can be reused once the previous call is gone.
	if _, err := r.Create("CA1", func() (*fakeSession, error) { return newFakeSession(time.Now()), nil }); err != nil {
		t.Fatalf("Create() after close error = %v", err)
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	now := time.Unix(10_000, 0)
	idle := newFakeSession(now.Add(-10 * time.Minute))
	busy := newFakeSession(now.Add(-time.Minute))
	_, _ = r.Create("idle", func() (*fakeSession, error) { return idle, nil })
	_, _ = r.Create("busy", func() (*fakeSession, error) { return busy, nil })

	if n := r.ReapIdle(now, 5*time.Minute); n != 1 {
		t.Fatalf("reaped=%d, want 1", n)
	}
	if idle.reason.Load() != "idle" || busy.closes.Load() != 0 {
		t.Fatalf("idle reason=%v busy closes=%d", idle.reason.Load(), busy.closes.Load())
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "busy" {
		t.Fatalf("ids=%v", ids)
	}
	if n := r.ReapIdle(now, 0); n != 0 {
		t.Fatal("zero ceiling disables reaping")
	}
}

func TestRegistry_CloseAllAndWait(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	for _, id := range []string{"a", "b", "c"} {
		_, _ = r.Create(id, func() (*fakeSession, error) { return newFakeSession(time.Now()), nil })
	}
	if n := r.CloseAll("shutdown"); n != 3 {
		t.Fatalf("closed=%d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatal("Wait timed out")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d", r.Count())
	}
}

func TestRegistry_WaitTimesOutWhileWorkerRuns(t *testing.T) {
	r := NewRegistry[*fakeSession](quietLogger())
	s := newFakeSession(time.Now())
	_, _ = r.Create("CA1", func() (*fakeSession, error) { return s, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatal("Wait should time out while the session is live")
	}
	s.finish()
}
