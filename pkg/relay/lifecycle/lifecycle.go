// Package lifecycle holds process readiness shared across handlers.
package lifecycle

import "sync/atomic"

// Lifecycle tracks whether the relay accepts new calls. A relay is ready
// once startup work (cache restore, migrations) has finished and until it
// starts draining for shutdown.
type Lifecycle struct {
	started  atomic.Bool
	draining atomic.Bool
}

func (l *Lifecycle) MarkStarted() {
	if l == nil {
		return
	}
	l.started.Store(true)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Ready reports whether new calls should be accepted.
func (l *Lifecycle) Ready() bool {
	if l == nil {
		return true
	}
	return l.started.Load() && !l.draining.Load()
}

// Status is a short label for probes and logs.
func (l *Lifecycle) Status() string {
	switch {
	case l.IsDraining():
		return "draining"
	case l.Ready():
		return "ready"
	default:
		return "starting"
	}
}
