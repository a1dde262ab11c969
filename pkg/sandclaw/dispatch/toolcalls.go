// toolcalls.go applies tool-call side effects on behalf of the
// sandbox. Every envelope kind gets exactly one result file; per-call
// failures become error results and never abort the run.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/ipc"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// Sender carries outbound chat messages. Implemented by
// channels.Manager.
type Sender interface {
	Send(ctx context.Context, channel string, msg *channels.OutgoingMessage) error
}

// TaskSpec is a task creation request from a tool call.
type TaskSpec struct {
	ChatID        string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
}

// TaskService mutates the schedule on behalf of tool calls. The
// scheduler implements it; validation happens inside, before any
// state is persisted.
type TaskService interface {
	Create(groupKey string, spec TaskSpec) (*store.Task, error)
	List(groupKey string) ([]*store.Task, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
}

// EmailHandler services email tool calls. Implemented by the external
// mail adapter; when nil, email calls fail with a tool-level error.
type EmailHandler interface {
	Handle(ctx context.Context, req *ipc.Request) (any, error)
}

// handleRequest performs one tool call and writes its result. The
// switch is exhaustive over the closed envelope set; DecodeRequest
// already rejected unknown kinds.
func (o *Orchestrator) handleRequest(ctx context.Context, bridge *ipc.Bridge, t Trigger, req *ipc.Request) {
	var res ipc.Result

	if o.tasks == nil && isTaskKind(req.Kind) {
		res = ipc.Fail("scheduler is disabled")
		if err := bridge.WriteResult(req.RequestID, res); err != nil {
			o.logger.Error("result write failed",
				"request_id", req.RequestID, "kind", req.Kind, "error", err)
		}
		return
	}

	switch p := req.Payload.(type) {
	case *ipc.SendMessage:
		res = o.sendMessage(ctx, t, p)

	case *ipc.ScheduleTask:
		task, err := o.tasks.Create(t.GroupKey, TaskSpec{
			ChatID:        orDefault(p.ChatID, t.ChatID),
			Prompt:        p.Prompt,
			ScheduleType:  p.ScheduleType,
			ScheduleValue: p.ScheduleValue,
			ContextMode:   p.ContextMode,
		})
		if err != nil {
			res = ipc.Fail("schedule task: %v", err)
		} else {
			res = ipc.OK(task)
		}

	case *ipc.ListTasks:
		tasks, err := o.tasks.List(t.GroupKey)
		if err != nil {
			res = ipc.Fail("list tasks: %v", err)
		} else {
			res = ipc.OK(tasks)
		}

	case *ipc.PauseTask:
		res = taskOpResult(o.tasks.Pause(p.TaskID), "pause", p.TaskID)

	case *ipc.ResumeTask:
		res = taskOpResult(o.tasks.Resume(p.TaskID), "resume", p.TaskID)

	case *ipc.CancelTask:
		res = taskOpResult(o.tasks.Cancel(p.TaskID), "cancel", p.TaskID)

	case *ipc.FetchEmail, *ipc.SendEmail, *ipc.MarkEmailRead:
		res = o.handleEmail(ctx, req)

	default:
		res = ipc.Fail("unhandled envelope type %q", req.Kind)
	}

	if err := bridge.WriteResult(req.RequestID, res); err != nil {
		o.logger.Error("result write failed",
			"request_id", req.RequestID, "kind", req.Kind, "error", err)
	}
}

// sendMessage delivers an outbound chat message and records it in the
// conversation history.
func (o *Orchestrator) sendMessage(ctx context.Context, t Trigger, p *ipc.SendMessage) ipc.Result {
	msg := &channels.OutgoingMessage{
		ChatID: orDefault(p.ChatID, t.ChatID),
		Text:   p.Text,
	}
	for _, b := range p.Buttons {
		msg.Buttons = append(msg.Buttons, channels.Button{ID: b.ID, Label: b.Label})
	}

	if err := o.sender.Send(ctx, p.Channel, msg); err != nil {
		return ipc.Fail("send message: %v", err)
	}

	if o.store != nil {
		err := o.store.SaveMessage(&store.Message{
			ChatID:    msg.ChatID,
			Sender:    "agent",
			Content:   p.Text,
			CreatedAt: time.Now(),
		})
		if err != nil {
			o.logger.Warn("history save failed", "chat", msg.ChatID, "error", err)
		}
	}
	return ipc.OK(nil)
}

// handleEmail forwards email tool calls to the mail adapter.
func (o *Orchestrator) handleEmail(ctx context.Context, req *ipc.Request) ipc.Result {
	if o.email == nil {
		return ipc.Fail("no mail adapter configured")
	}
	data, err := o.email.Handle(ctx, req)
	if err != nil {
		return ipc.Fail("email %s: %v", req.Kind, err)
	}
	return ipc.OK(data)
}

func taskOpResult(err error, op, id string) ipc.Result {
	if errors.Is(err, store.ErrTaskNotFound) {
		return ipc.Fail("%s task: task %q not found", op, id)
	}
	if err != nil {
		return ipc.Fail("%s task %q: %v", op, id, err)
	}
	return ipc.OK(nil)
}

func isTaskKind(k ipc.Kind) bool {
	switch k {
	case ipc.KindScheduleTask, ipc.KindListTasks, ipc.KindPauseTask,
		ipc.KindResumeTask, ipc.KindCancelTask:
		return true
	}
	return false
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
