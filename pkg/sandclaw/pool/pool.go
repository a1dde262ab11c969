// Package pool keeps one pre-spawned, idle sandbox process per active
// group so the common dispatch path skips interpreter startup. Slots
// are bounded by an idle TTL; the pool owns a process only while its
// slot is idle, and Acquire transfers ownership wholly to the caller.
package pool

import (
	"log/slog"
	"sync"
	"time"
)

// slotState tags a warm slot explicitly. A process is either in the
// pool (idle) or owned by a dispatch (acquired), never both.
type slotState int

const (
	slotIdle slotState = iota
	slotAcquired
	slotDead
)

// slot is one warm container reserved for a group.
type slot struct {
	group   string
	proc    *Proc
	created time.Time
	state   slotState
	evict   *time.Timer
}

// SpawnFunc starts a new sandbox process for a group. The pool calls
// it from Warm; the orchestrator calls the same function on a cold
// path so both use identical arguments.
type SpawnFunc func() (*Proc, error)

// Pool manages warm slots keyed by group. All bookkeeping is guarded
// by one mutex; every operation is a single synchronous step.
type Pool struct {
	mu          sync.Mutex
	slots       map[string]*slot
	idleTimeout time.Duration
	killGrace   time.Duration
	closed      bool
	logger      *slog.Logger
}

// New creates a pool. idleTimeout zero disables idle eviction.
func New(idleTimeout, killGrace time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Pool{
		slots:       make(map[string]*slot),
		idleTimeout: idleTimeout,
		killGrace:   killGrace,
		logger:      logger.With("component", "pool"),
	}
}

// Warm ensures a live warm slot exists for the group. No-op if one is
// already idle. Spawn failures are absorbed: the slot is simply not
// created and the next Acquire falls back to a cold spawn.
func (p *Pool) Warm(group string, spawn SpawnFunc) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if s, ok := p.slots[group]; ok && s.state == slotIdle && s.proc.Alive() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	proc, err := spawn()
	if err != nil {
		p.logger.Warn("warm spawn failed", "group", group, "error", err)
		return
	}

	s := &slot{
		group:   group,
		proc:    proc,
		created: time.Now(),
		state:   slotIdle,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		proc.Terminate(p.killGrace)
		return
	}
	if prev, ok := p.slots[group]; ok && prev.state == slotIdle && prev.proc.Alive() {
		// Lost a warm race; keep the existing slot.
		p.mu.Unlock()
		proc.Terminate(p.killGrace)
		return
	}
	p.slots[group] = s
	if p.idleTimeout > 0 {
		s.evict = time.AfterFunc(p.idleTimeout, func() { p.evictIdle(group, s) })
	}
	p.mu.Unlock()

	// Self-clean on process exit while idle.
	go func() {
		<-proc.Done()
		p.reapExited(group, s)
	}()

	p.logger.Debug("container warmed", "group", group, "pid", proc.Pid())
}

// Acquire removes the group's warm slot and returns its process, or
// reports none available. After return the pool holds no reference to
// the process; the caller owns its lifecycle. A dead slot is cleaned
// up and reported as unavailable, never returned.
func (p *Pool) Acquire(group string) (*Proc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[group]
	if !ok || s.state != slotIdle {
		return nil, false
	}

	if s.evict != nil {
		s.evict.Stop()
		s.evict = nil
	}
	delete(p.slots, group)

	if !s.proc.Alive() {
		s.state = slotDead
		return nil, false
	}

	s.state = slotAcquired
	p.logger.Debug("container acquired", "group", group, "pid", s.proc.Pid(),
		"warm_age", time.Since(s.created).Round(time.Millisecond))
	return s.proc, true
}

// Size returns the number of idle slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// ShutdownAll evicts every remaining slot. Used at daemon teardown.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	p.closed = true
	remaining := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.evict != nil {
			s.evict.Stop()
		}
		s.state = slotDead
		remaining = append(remaining, s)
	}
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range remaining {
		s.proc.Terminate(p.killGrace)
		p.logger.Debug("container evicted on shutdown", "group", s.group)
	}
}

// ---------- Internal ----------

// evictIdle fires on timer expiry. The slot identity check makes a
// stale timer firing after reassignment a no-op.
func (p *Pool) evictIdle(group string, s *slot) {
	p.mu.Lock()
	current, ok := p.slots[group]
	if !ok || current != s || s.state != slotIdle {
		p.mu.Unlock()
		return
	}
	s.state = slotDead
	delete(p.slots, group)
	p.mu.Unlock()

	s.proc.Terminate(p.killGrace)
	p.logger.Info("idle container evicted", "group", group,
		"idle_for", p.idleTimeout)
}

// reapExited removes a slot whose process died while idle.
func (p *Pool) reapExited(group string, s *slot) {
	p.mu.Lock()
	current, ok := p.slots[group]
	if !ok || current != s || s.state != slotIdle {
		p.mu.Unlock()
		return
	}
	if s.evict != nil {
		s.evict.Stop()
	}
	s.state = slotDead
	delete(p.slots, group)
	p.mu.Unlock()

	p.logger.Warn("warm container exited, slot removed",
		"group", group, "error", s.proc.ExitErr())
}
