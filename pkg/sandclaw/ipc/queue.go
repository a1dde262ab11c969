// queue.go implements the directory-backed queue shared by the request
// and result channels. The atomic temp-write-then-rename discipline
// lives here and nowhere else.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue is one directory holding one JSON file per pending envelope.
type Queue struct {
	dir string
}

// Entry is one dequeued envelope file.
type Entry struct {
	// Name is the envelope filename within the queue directory.
	Name string

	// Data is the raw file content.
	Data []byte
}

// NewQueue creates the queue directory if needed.
func NewQueue(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory %q: %w", dir, err)
	}
	return &Queue{dir: dir}, nil
}

// Dir returns the queue directory path.
func (q *Queue) Dir() string { return q.dir }

// Enqueue writes one envelope with a collision-free, time-ordered
// filename. Returns the filename.
func (q *Queue) Enqueue(v any) (string, error) {
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	if err := q.Put(name, v); err != nil {
		return "", err
	}
	return name, nil
}

// Put writes one envelope under an explicit name (used for result
// files keyed by correlation id). The write is atomic: a temp file in
// the same directory followed by a rename, so a concurrent reader
// never observes partial content.
func (q *Queue) Put(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(q.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp envelope: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close envelope: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(q.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish envelope %q: %w", name, err)
	}
	return nil
}

// DequeueAll reads and removes every pending envelope, oldest first.
// Each envelope is consumed exactly once; in-progress temp files are
// skipped.
func (q *Queue) DequeueAll() ([]Entry, error) {
	dirents, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("scan queue %q: %w", q.dir, err)
	}

	var names []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".tmp-") {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)

	var entries []Entry
	for _, name := range names {
		path := filepath.Join(q.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Consumed by another reader between scan and read.
				continue
			}
			return entries, fmt.Errorf("read envelope %q: %w", name, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return entries, fmt.Errorf("consume envelope %q: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Data: data})
	}
	return entries, nil
}

// AwaitByKey polls for <key>.json until it appears or the timeout
// elapses, deleting the file only after a successful parse. ENOENT
// means "not yet", never an error.
func (q *Queue) AwaitByKey(ctx context.Context, key string, timeout, poll time.Duration) (*Result, error) {
	path := filepath.Join(q.dir, key+".json")
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var res Result
			if err := json.Unmarshal(data, &res); err != nil {
				return nil, fmt.Errorf("parse result %q: %w", key, err)
			}
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("consume result %q: %w", key, rmErr)
			}
			return &res, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read result %q: %w", key, err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for result %q after %s", key, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
