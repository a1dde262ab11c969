// Package dispatch runs one sandboxed agent workload per trigger. It
// acquires a warm container (or cold-spawns), feeds the instruction
// payload over stdin, services the group's tool-call bridge while the
// process runs, and enforces the wall-clock and output-size budgets.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/ipc"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/pool"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// Source tags where a trigger came from.
type Source string

const (
	SourceUser          Source = "user"
	SourceEmail         Source = "email"
	SourceScheduledTask Source = "scheduled_task"
)

// Trigger is one request to run the agent.
type Trigger struct {
	// GroupKey selects the sandbox group (pool slot, bridge root).
	GroupKey string

	// ChatID is the conversation the run belongs to.
	ChatID string

	// Prompt is the instruction for the agent.
	Prompt string

	// ContextMode is "group" (include recent chat history) or
	// "isolated".
	ContextMode string

	// Source tags the trigger origin.
	Source Source
}

// Run failure reasons.
const (
	FailTimeout  = "timeout"
	FailOverflow = "output_overflow"
)

// ErrSpawn wraps container spawn failures: fatal to the single
// dispatch, never to daemon state.
var ErrSpawn = errors.New("sandbox spawn failed")

// RunResult is the outcome of one dispatch.
type RunResult struct {
	// Output is the agent's captured stdout, possibly truncated.
	Output string

	// ExitCode is the sandbox exit code, -1 if killed.
	ExitCode int

	// Duration is the wall-clock run time.
	Duration time.Duration

	// Failure is empty on a normal exit, or FailTimeout/FailOverflow.
	Failure string

	// WarmHit reports whether the run used a pre-warmed container.
	WarmHit bool
}

// OK reports whether the run completed normally with exit code zero.
func (r *RunResult) OK() bool {
	return r.Failure == "" && r.ExitCode == 0
}

// Limits bound one dispatch.
type Limits struct {
	// Timeout is the wall-clock budget. Expiry kills the sandbox.
	Timeout time.Duration

	// MaxOutputBytes caps stdout capture; excess truncates the run.
	MaxOutputBytes int64

	// KillGrace is the graceful-termination window before SIGKILL.
	KillGrace time.Duration

	// IPCPoll is the bridge drain cadence.
	IPCPoll time.Duration
}

// Orchestrator coordinates the pool, the bridge, and the side-effect
// collaborators for agent runs.
type Orchestrator struct {
	pool    *pool.Pool
	runtime Runtime
	store   *store.Store
	sender  Sender
	tasks   TaskService
	email   EmailHandler
	limits  Limits
	logger  *slog.Logger
}

// New creates an orchestrator. sender and tasks are required; email
// may be nil when no mail adapter is configured.
func New(p *pool.Pool, rt Runtime, st *store.Store, sender Sender, tasks TaskService, limits Limits, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Timeout <= 0 {
		limits.Timeout = 5 * time.Minute
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = 1 * 1024 * 1024
	}
	if limits.KillGrace <= 0 {
		limits.KillGrace = 5 * time.Second
	}
	if limits.IPCPoll <= 0 {
		limits.IPCPoll = 250 * time.Millisecond
	}
	return &Orchestrator{
		pool:    p,
		runtime: rt,
		store:   st,
		sender:  sender,
		tasks:   tasks,
		limits:  limits,
		logger:  logger.With("component", "dispatch"),
	}
}

// SetEmailHandler registers the mail adapter for email tool calls.
func (o *Orchestrator) SetEmailHandler(h EmailHandler) {
	o.email = h
}

// SetTaskService registers the scheduler-backed task service. Split
// from New because the scheduler needs the orchestrator as its runner.
func (o *Orchestrator) SetTaskService(ts TaskService) {
	o.tasks = ts
}

// Warm pre-spawns a sandbox for the group if none is idle.
func (o *Orchestrator) Warm(group string) {
	o.pool.Warm(group, o.runtime.SpawnFunc(group))
}

// Dispatch runs one agent workload. Spawn failures return ErrSpawn;
// timeout and output overflow come back as a failed RunResult with a
// nil error, overflow taking precedence when both trip. The group is
// re-warmed after the run completes.
func (o *Orchestrator) Dispatch(ctx context.Context, t Trigger) (*RunResult, error) {
	start := time.Now()

	bridge, err := ipc.NewBridge(filepath.Join(o.runtime.IPCRoot, t.GroupKey))
	if err != nil {
		return nil, fmt.Errorf("bridge for group %q: %w", t.GroupKey, err)
	}

	proc, warm := o.pool.Acquire(t.GroupKey)
	if !warm {
		proc, err = o.runtime.SpawnFunc(t.GroupKey)()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}

	o.logger.Info("dispatching agent run",
		"group", t.GroupKey,
		"chat", t.ChatID,
		"source", t.Source,
		"warm", warm,
	)

	result := &RunResult{ExitCode: -1, WarmHit: warm}

	runCtx, cancel := context.WithTimeout(ctx, o.limits.Timeout)
	defer cancel()

	// Feed the instruction payload and signal end of input; the
	// sandbox handles exactly one invocation then exits. The write
	// runs concurrently so a sandbox that never consumes stdin cannot
	// stall the dispatch past its budget: the terminate on timeout
	// closes the pipe and unblocks the writer.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- o.writeInstruction(proc, t)
	}()

	// Capture stdout up to the byte cap. Overflow is signalled the
	// moment the cap is crossed, not at process exit, so a sandbox
	// that floods stdout is stopped without burning the wall clock.
	outCh := make(chan outputCapture, 1)
	overflowed := make(chan struct{})
	go func() {
		out := captureOutput(proc.Stdout(), o.limits.MaxOutputBytes)
		if out.overflow {
			close(overflowed)
		}
		outCh <- out
	}()

	bridgeCh := make(chan bool, 1)
	go func() {
		bridgeCh <- o.serveBridge(runCtx, bridge, t, proc)
	}()

	var stopped bool
	select {
	case <-overflowed:
		proc.Terminate(o.limits.KillGrace)
		stopped = <-bridgeCh
	case stopped = <-bridgeCh:
		if stopped {
			proc.Terminate(o.limits.KillGrace)
		}
	}

	out := <-outCh
	result.Output = out.text
	switch {
	case out.overflow:
		// Excess output truncates the run even when the timeout also
		// fired while the sandbox was being stopped.
		result.Failure = FailOverflow
	case stopped && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Failure = FailTimeout
	}

	<-proc.Done()
	if err := <-writeErr; err != nil {
		o.logger.Warn("instruction write failed", "group", t.GroupKey, "error", err)
	}
	if result.Failure == "" && !stopped {
		result.ExitCode = proc.ExitCode()
	}
	result.Duration = time.Since(start)

	// Final drain: answer envelopes written just before exit.
	o.drainOnce(ctx, bridge, t)

	// Re-warm for the next trigger. Done only after the dispatch
	// completes, so bursts for one group still pay one cold spawn
	// between runs.
	o.Warm(t.GroupKey)

	o.logger.Info("agent run finished",
		"group", t.GroupKey,
		"exit_code", result.ExitCode,
		"failure", result.Failure,
		"output_bytes", len(result.Output),
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

// ---------- Internal ----------

// instruction is the payload written to the sandbox's stdin.
type instruction struct {
	Prompt      string        `json:"prompt"`
	ChatID      string        `json:"chatId"`
	GroupFolder string        `json:"groupFolder"`
	ContextMode string        `json:"contextMode"`
	Source      Source        `json:"source"`
	History     []historyItem `json:"history,omitempty"`
}

type historyItem struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (o *Orchestrator) writeInstruction(proc *pool.Proc, t Trigger) error {
	inst := instruction{
		Prompt:      t.Prompt,
		ChatID:      t.ChatID,
		GroupFolder: t.GroupKey,
		ContextMode: t.ContextMode,
		Source:      t.Source,
	}

	if t.ContextMode == store.ContextGroup && o.store != nil && t.ChatID != "" {
		msgs, err := o.store.RecentMessages(t.ChatID, 50)
		if err != nil {
			o.logger.Warn("history load failed, running without context",
				"chat", t.ChatID, "error", err)
		}
		for _, m := range msgs {
			inst.History = append(inst.History, historyItem{Sender: m.Sender, Content: m.Content})
		}
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := proc.Stdin().Write(data); err != nil {
		return err
	}
	return proc.Stdin().Close()
}

// serveBridge drains tool-call envelopes until the process exits or
// the run context ends. Returns true when the context ended first;
// the caller tells a deadline from a shutdown cancellation.
func (o *Orchestrator) serveBridge(ctx context.Context, bridge *ipc.Bridge, t Trigger, proc *pool.Proc) bool {
	watcher, err := ipc.NewWatcher(bridge, o.limits.IPCPoll, o.logger)
	if err != nil {
		// Degrade to pure polling on watcher failure.
		o.logger.Warn("ipc watcher unavailable, using poll only", "error", err)
		return o.pollBridge(ctx, bridge, t, proc)
	}
	defer watcher.Close()

	for {
		select {
		case <-proc.Done():
			return false
		case <-ctx.Done():
			return true
		default:
		}

		if !watcher.Wait(ctx) {
			return ctx.Err() != nil
		}
		for _, req := range watcher.Drain() {
			o.handleRequest(ctx, bridge, t, req)
		}
	}
}

// pollBridge is the fallback drain loop without fsnotify.
func (o *Orchestrator) pollBridge(ctx context.Context, bridge *ipc.Bridge, t Trigger, proc *pool.Proc) bool {
	ticker := time.NewTicker(o.limits.IPCPoll)
	defer ticker.Stop()

	for {
		select {
		case <-proc.Done():
			return false
		case <-ctx.Done():
			return true
		case <-ticker.C:
			o.drainOnce(ctx, bridge, t)
		}
	}
}

// drainOnce consumes and answers every pending request.
func (o *Orchestrator) drainOnce(ctx context.Context, bridge *ipc.Bridge, t Trigger) {
	for _, q := range []*ipc.Queue{bridge.Messages, bridge.Tasks} {
		entries, err := q.DequeueAll()
		if err != nil {
			o.logger.Error("bridge drain failed", "dir", q.Dir(), "error", err)
			continue
		}
		for _, e := range entries {
			req, err := ipc.DecodeRequest(e.Data)
			if err != nil {
				o.logger.Warn("dropping malformed envelope", "file", e.Name, "error", err)
				continue
			}
			o.handleRequest(ctx, bridge, t, req)
		}
	}
}

type outputCapture struct {
	text     string
	overflow bool
}

// captureOutput reads the stream up to max bytes. Reading one byte
// past the cap detects overflow without buffering excess output.
func captureOutput(r io.Reader, max int64) outputCapture {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		// Pipe errors after process death are expected; keep what
		// was read.
		return outputCapture{text: string(data)}
	}
	if int64(len(data)) > max {
		return outputCapture{text: string(data[:max]), overflow: true}
	}
	return outputCapture{text: string(data)}
}
