// Package sessions is the concurrent registry of live call sessions.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrNotFound         = errors.New("session not found")
)

// Session is what the registry manages. Close must be idempotent and must
// not block on the session's own worker; Done is closed once the worker has
// fully exited.
type Session interface {
	Close(reason string)
	LastActivity() time.Time
	Done() <-chan struct{}
}

type Registry[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]*entry[S]
	wg       sync.WaitGroup
	logger   *slog.Logger
}

type entry[S Session] struct {
	session S
}

func NewRegistry[S Session](logger *slog.Logger) *Registry[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[S]{
		sessions: make(map[string]*entry[S]),
		logger:   logger,
	}
}

// Create registers the session returned by build under id. build runs under
// the registry lock and must not block.
func (r *Registry[S]) Create(id string, build func() (S, error)) (S, error) {
	var zero S
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return zero, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s, err := build()
	if err != nil {
		return zero, err
	}
	e := &entry[S]{session: s}
	r.sessions[id] = e
	r.wg.Add(1)
	go r.watch(id, e)
	return s, nil
}

// watch drops the entry once its worker exits, whatever the reason.
func (r *Registry[S]) watch(id string, e *entry[S]) {
	defer r.wg.Done()
	<-e.session.Done()
	r.mu.Lock()
	if r.sessions[id] == e {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

func (r *Registry[S]) Get(id string) (S, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		var zero S
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.session, nil
}

// Terminate closes and removes the session. Unknown ids are ignored.
func (r *Registry[S]) Terminate(id, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.session.Close(reason)
}

func (r *Registry[S]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered ids in sorted order.
func (r *Registry[S]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ReapIdle terminates sessions with no activity for longer than ceiling.
func (r *Registry[S]) ReapIdle(now time.Time, ceiling time.Duration) (reaped int) {
	if ceiling <= 0 {
		return 0
	}
	var idle []string
	r.mu.RLock()
	for id, e := range r.sessions {
		if now.Sub(e.session.LastActivity()) > ceiling {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.logger.Info("reaping idle session", "session_id", id, "idle_ceiling", ceiling)
		r.Terminate(id, "idle")
		reaped++
	}
	return reaped
}

// RunReaper sweeps for idle sessions every interval until ctx is done.
func (r *Registry[S]) RunReaper(ctx context.Context, interval, ceiling time.Duration) error {
	if interval <= 0 || ceiling <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.ReapIdle(now, ceiling)
		}
	}
}

// CloseAll terminates every registered session.
func (r *Registry[S]) CloseAll(reason string) (closed int) {
	for _, id := range r.IDs() {
		r.Terminate(id, reason)
		closed++
	}
	return closed
}

// Wait blocks until every session worker has exited or ctx is done.
func (r *Registry[S]) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
