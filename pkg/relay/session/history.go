package session

import (
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
)

// history is the append-only record of completed exchanges. The greeting and
// nudges are prompts from the relay, not exchanges, and are not recorded.
type history struct {
	turns []backend.Turn
}

func newHistory() *history {
	return &history{turns: make([]backend.Turn, 0, 16)}
}

func (h *history) appendExchange(caller, reply string, callerAt, replyAt time.Time) {
	h.turns = append(h.turns,
		backend.Turn{Role: backend.RoleCaller, Text: caller, At: callerAt},
		backend.Turn{Role: backend.RoleAssistant, Text: reply, At: replyAt},
	)
}

func (h *history) len() int { return len(h.turns) }

func (h *history) snapshot() []backend.Turn {
	out := make([]backend.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}
