package session

import "sync/atomic"

// Drainer holds the process-wide draining flag (spec §4.5 "Draining"):
// settable via the management interface, it causes new client sessions
// to be refused and existing ones to close when idle, without
// interrupting active transactions.
type Drainer struct {
	draining atomic.Bool
}

func NewDrainer() *Drainer { return &Drainer{} }

func (d *Drainer) Start() { d.draining.Store(true) }
func (d *Drainer) Stop()  { d.draining.Store(false) }
func (d *Drainer) Draining() bool { return d.draining.Load() }

// MaybeClose closes s if the process is draining and s is currently idle
// (KEEP_ALIVE, never HALF_CLOSED/ACTIVE_READER — an in-flight
// transaction is never interrupted by draining).
func (d *Drainer) MaybeClose(s *Session) {
	if !d.draining.Load() {
		return
	}
	if s.State() == StateKeepAlive {
		s.Close()
	}
}
