// bridge.go ties the per-group queue directories together and
// implements the sandbox-side request helper and the host-side
// directory watcher.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Subdirectory names under a group's bridge root. Fixed by the
// sandbox-side tool layer; do not change.
const (
	messagesDir     = "messages"
	tasksDir        = "tasks"
	emailResultsDir = "email_results"
)

// Bridge is the filesystem protocol endpoint for one group. The host
// and the sandbox construct it over the same root (host path vs.
// container mount path).
type Bridge struct {
	root string

	// Messages holds message and email tool requests.
	Messages *Queue

	// Tasks holds task-directive requests.
	Tasks *Queue

	// Results holds result files keyed <requestId>.json.
	Results *Queue
}

// NewBridge creates the bridge directories under root.
func NewBridge(root string) (*Bridge, error) {
	messages, err := NewQueue(filepath.Join(root, messagesDir))
	if err != nil {
		return nil, err
	}
	tasks, err := NewQueue(filepath.Join(root, tasksDir))
	if err != nil {
		return nil, err
	}
	results, err := NewQueue(filepath.Join(root, emailResultsDir))
	if err != nil {
		return nil, err
	}

	return &Bridge{
		root:     root,
		Messages: messages,
		Tasks:    tasks,
		Results:  results,
	}, nil
}

// Root returns the bridge root directory.
func (b *Bridge) Root() string { return b.root }

// requestQueue routes a request kind to its directory.
func (b *Bridge) requestQueue(kind Kind) *Queue {
	switch kind {
	case KindScheduleTask, KindListTasks, KindPauseTask, KindResumeTask, KindCancelTask:
		return b.Tasks
	default:
		return b.Messages
	}
}

// SubmitRequest is the sandbox-side primitive: write one request
// envelope atomically, then block (via timed polling) on the result
// file named by the correlation id. Timeouts and malformed results
// are reported as errors, never as crashes.
func (b *Bridge) SubmitRequest(ctx context.Context, req *Request, timeout, poll time.Duration) (*Result, error) {
	data, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	q := b.requestQueue(req.Kind)
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), req.RequestID)
	if err := q.Put(name, rawJSON(data)); err != nil {
		return nil, err
	}

	return b.Results.AwaitByKey(ctx, req.RequestID, timeout, poll)
}

// WriteResult publishes a result for a consumed request. External
// adapters (mail) use this on the bridge's behalf.
func (b *Bridge) WriteResult(requestID string, res Result) error {
	return b.Results.Put(requestID+".json", res)
}

// rawJSON marshals to itself, letting Queue.Put write pre-encoded
// envelope bytes unchanged.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// Watcher drains the request queues of one bridge. It wakes on
// fsnotify create events and additionally on a fixed poll tick, since
// inotify events can be dropped under load and the mounted directory
// may not deliver them at all on some filesystems.
type Watcher struct {
	bridge *Bridge
	fsw    *fsnotify.Watcher
	poll   time.Duration
	logger *slog.Logger
}

// NewWatcher starts watching the bridge's request directories.
func NewWatcher(bridge *Bridge, poll time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, dir := range []string{bridge.Messages.Dir(), bridge.Tasks.Dir()} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %q: %w", dir, err)
		}
	}

	return &Watcher{
		bridge: bridge,
		fsw:    fsw,
		poll:   poll,
		logger: logger,
	}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Drain consumes every pending request from both queues, decoded and
// oldest first. Malformed envelopes are logged and dropped.
func (w *Watcher) Drain() []*Request {
	var requests []*Request
	for _, q := range []*Queue{w.bridge.Messages, w.bridge.Tasks} {
		entries, err := q.DequeueAll()
		if err != nil {
			w.logger.Error("ipc: queue scan failed", "dir", q.Dir(), "error", err)
			continue
		}
		for _, e := range entries {
			req, err := DecodeRequest(e.Data)
			if err != nil {
				w.logger.Warn("ipc: dropping malformed envelope",
					"file", e.Name, "error", err)
				continue
			}
			requests = append(requests, req)
		}
	}
	return requests
}

// Wait blocks until a create event, a poll tick, or ctx cancellation.
// Returns false when the watcher should stop.
func (w *Watcher) Wait(ctx context.Context) bool {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return false
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				return true
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return false
			}
			w.logger.Warn("ipc: watcher error", "error", err)
		case <-timer.C:
			return true
		}
	}
}
