// Package transcript archives finished calls.
package transcript

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
)

var ErrNotFound = errors.New("transcript not found")

// Transcript is the record of one finished call.
type Transcript struct {
	CallID        string
	WorkflowID    string
	TrackingID    string
	Language      string
	FinalState    string
	CloseReason   string
	Degraded      bool
	StartedAt     time.Time
	EndedAt       time.Time
	Turns         []backend.Turn
	CacheHits     int
	CacheMisses   int
	FallbackCount int
}

// Memory keeps transcripts in process. It is used when no database is
// configured and in tests.
type Memory struct {
	mu    sync.Mutex
	calls map[string]Transcript
}

func NewMemory() *Memory {
	return &Memory{calls: make(map[string]Transcript)}
}

func (m *Memory) Archive(ctx context.Context, t Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.CallID == "" {
		return errors.New("transcript: call id is required")
	}
	t.Turns = append([]backend.Turn(nil), t.Turns...)
	m.mu.Lock()
	m.calls[t.CallID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, callID string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.calls[callID]
	if !ok {
		return Transcript{}, ErrNotFound
	}
	t.Turns = append([]backend.Turn(nil), t.Turns...)
	return t, nil
}

// CallIDs returns archived call ids in sorted order.
func (m *Memory) CallIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}
