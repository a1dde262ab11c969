// Package ipc implements the file-based bridge between the host and
// sandboxed agent processes. Sandboxes run with no network access; a
// host-mounted directory is the only channel, so every request and
// result is one atomically-written JSON file, correlated by filename.
//
// Layout (bit-exact for interop with the sandbox-side tool layer):
// each group has its own bridge root containing three subdirectories:
// "messages" (message and email tool requests), "tasks" (task
// directives), and "email_results" (results keyed <requestId>.json).
package ipc

import (
	"encoding/json"
	"fmt"
)

// Kind tags a tool-call envelope. The set is closed: DecodeRequest
// rejects unknown kinds at the boundary, and the dispatcher's switch
// covers every kind.
type Kind string

const (
	KindSendMessage Kind = "send_message"

	KindScheduleTask Kind = "schedule_task"
	KindListTasks    Kind = "list_tasks"
	KindPauseTask    Kind = "pause_task"
	KindResumeTask   Kind = "resume_task"
	KindCancelTask   Kind = "cancel_task"

	KindFetchEmail    Kind = "fetch_email"
	KindSendEmail     Kind = "send_email"
	KindMarkEmailRead Kind = "mark_email_read"
)

// Request is one decoded tool-call envelope.
type Request struct {
	// Kind is the operation tag.
	Kind Kind

	// RequestID correlates this request with its result file.
	RequestID string

	// GroupFolder is the logical group the sandbox belongs to.
	GroupFolder string

	// Payload holds the operation-specific fields; its concrete type
	// is determined by Kind.
	Payload Payload
}

// Payload is implemented by every operation variant. The marker method
// keeps the set closed to this package.
type Payload interface {
	kind() Kind
}

// SendMessage queues an outbound chat message.
type SendMessage struct {
	Channel string   `json:"channel,omitempty"`
	ChatID  string   `json:"chatId"`
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is one element of an optional button layout.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ScheduleTask creates a new scheduled task.
type ScheduleTask struct {
	ChatID        string `json:"chatId"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode,omitempty"`
}

// ListTasks lists the group's scheduled tasks.
type ListTasks struct{}

// PauseTask pauses an active task.
type PauseTask struct {
	TaskID string `json:"taskId"`
}

// ResumeTask resumes a paused task.
type ResumeTask struct {
	TaskID string `json:"taskId"`
}

// CancelTask deletes a task and its run history.
type CancelTask struct {
	TaskID string `json:"taskId"`
}

// FetchEmail asks the mail adapter for recent messages.
type FetchEmail struct {
	Folder string `json:"folder,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Query  string `json:"query,omitempty"`
}

// SendEmail sends an email through the mail adapter.
type SendEmail struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// MarkEmailRead marks a message as read in the mailbox.
type MarkEmailRead struct {
	MessageID string `json:"messageId"`
}

func (SendMessage) kind() Kind   { return KindSendMessage }
func (ScheduleTask) kind() Kind  { return KindScheduleTask }
func (ListTasks) kind() Kind     { return KindListTasks }
func (PauseTask) kind() Kind     { return KindPauseTask }
func (ResumeTask) kind() Kind    { return KindResumeTask }
func (CancelTask) kind() Kind    { return KindCancelTask }
func (FetchEmail) kind() Kind    { return KindFetchEmail }
func (SendEmail) kind() Kind     { return KindSendEmail }
func (MarkEmailRead) kind() Kind { return KindMarkEmailRead }

// IsEmail reports whether a kind is serviced by the mail adapter
// rather than the dispatcher itself.
func (k Kind) IsEmail() bool {
	switch k {
	case KindFetchEmail, KindSendEmail, KindMarkEmailRead:
		return true
	}
	return false
}

// Result is the wire form of a tool-call outcome, written as
// <requestId>.json in the results area.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail wraps an error message in a failed result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// envelopeHeader is the common prefix of every request file.
type envelopeHeader struct {
	Type        Kind   `json:"type"`
	RequestID   string `json:"requestId"`
	GroupFolder string `json:"groupFolder"`
}

// DecodeRequest parses one request file. The header and the
// operation-specific fields live in the same flat JSON object.
func DecodeRequest(data []byte) (*Request, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("parse envelope header: %w", err)
	}
	if hdr.RequestID == "" {
		return nil, fmt.Errorf("envelope missing requestId")
	}

	var payload Payload
	switch hdr.Type {
	case KindSendMessage:
		payload = &SendMessage{}
	case KindScheduleTask:
		payload = &ScheduleTask{}
	case KindListTasks:
		payload = &ListTasks{}
	case KindPauseTask:
		payload = &PauseTask{}
	case KindResumeTask:
		payload = &ResumeTask{}
	case KindCancelTask:
		payload = &CancelTask{}
	case KindFetchEmail:
		payload = &FetchEmail{}
	case KindSendEmail:
		payload = &SendEmail{}
	case KindMarkEmailRead:
		payload = &MarkEmailRead{}
	default:
		return nil, fmt.Errorf("unknown envelope type %q", hdr.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", hdr.Type, err)
	}

	return &Request{
		Kind:        hdr.Type,
		RequestID:   hdr.RequestID,
		GroupFolder: hdr.GroupFolder,
		Payload:     payload,
	}, nil
}

// EncodeRequest builds the flat wire JSON for a request.
func EncodeRequest(req *Request) ([]byte, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["type"] = req.Kind
	fields["requestId"] = req.RequestID
	fields["groupFolder"] = req.GroupFolder

	return json.Marshal(fields)
}
