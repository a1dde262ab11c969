package ipc

import (
	"context"
	"testing"
	"time"
)

func TestBridgeRoutesRequestsByKind(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(t.TempDir())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	tests := []struct {
		kind Kind
		want *Queue
	}{
		{KindSendMessage, bridge.Messages},
		{KindFetchEmail, bridge.Messages},
		{KindSendEmail, bridge.Messages},
		{KindScheduleTask, bridge.Tasks},
		{KindListTasks, bridge.Tasks},
		{KindPauseTask, bridge.Tasks},
		{KindResumeTask, bridge.Tasks},
		{KindCancelTask, bridge.Tasks},
	}
	for _, tt := range tests {
		if got := bridge.requestQueue(tt.kind); got != tt.want {
			t.Errorf("requestQueue(%s) = %q, want %q", tt.kind, got.Dir(), tt.want.Dir())
		}
	}
}

// TestSubmitRequestRoundTrip drives the full protocol: the sandbox
// side submits a request and blocks, the host side drains it and
// publishes a result under the correlation id.
func TestSubmitRequestRoundTrip(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(t.TempDir())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	// Host side.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			entries, err := bridge.Tasks.DequeueAll()
			if err != nil {
				return
			}
			for _, e := range entries {
				req, err := DecodeRequest(e.Data)
				if err != nil {
					continue
				}
				bridge.WriteResult(req.RequestID, OK(map[string]string{"taskId": "t1"}))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := bridge.SubmitRequest(context.Background(), &Request{
		Kind:        KindScheduleTask,
		RequestID:   "req-7",
		GroupFolder: "home",
		Payload: &ScheduleTask{
			ChatID:        "c1",
			Prompt:        "ping",
			ScheduleType:  "interval",
			ScheduleValue: "1000",
		},
	}, 2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestWatcherDrainDecodesBothQueues(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(t.TempDir())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	putRequest := func(q *Queue, req *Request) {
		t.Helper()
		data, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("EncodeRequest: %v", err)
		}
		if err := q.Put(req.RequestID+".json", rawJSON(data)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	putRequest(bridge.Messages, &Request{
		Kind: KindSendMessage, RequestID: "m1", GroupFolder: "home",
		Payload: &SendMessage{ChatID: "c1", Text: "hi"},
	})
	putRequest(bridge.Tasks, &Request{
		Kind: KindListTasks, RequestID: "t1", GroupFolder: "home",
		Payload: &ListTasks{},
	})
	// A malformed envelope is dropped, not fatal.
	if err := bridge.Messages.Put("junk.json", rawJSON([]byte(`{"type":"bogus"}`))); err != nil {
		t.Fatalf("Put junk: %v", err)
	}

	watcher, err := NewWatcher(bridge, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer watcher.Close()

	requests := watcher.Drain()
	if len(requests) != 2 {
		t.Fatalf("drained %d requests, want 2", len(requests))
	}
	kinds := map[Kind]bool{}
	for _, r := range requests {
		kinds[r.Kind] = true
	}
	if !kinds[KindSendMessage] || !kinds[KindListTasks] {
		t.Errorf("drained kinds = %v", kinds)
	}
}

func TestWatcherWaitWakesOnCreate(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(t.TempDir())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	watcher, err := NewWatcher(bridge, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer watcher.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		bridge.Messages.Enqueue(map[string]string{"type": "send_message", "requestId": "x"})
	}()

	start := time.Now()
	if !watcher.Wait(context.Background()) {
		t.Fatal("Wait returned stop")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait took %s, expected event wakeup", elapsed)
	}
}

func TestWatcherWaitStopsOnCancel(t *testing.T) {
	t.Parallel()

	bridge, err := NewBridge(t.TempDir())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	watcher, err := NewWatcher(bridge, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if watcher.Wait(ctx) {
		t.Error("Wait returned true on a cancelled context")
	}
}
