package task

import (
	"context"
	"errors"
)

// ErrArchiveMiss is returned by an Archive that has no record of a task.
var ErrArchiveMiss = errors.New("task not archived")

// Planner produces and revises step plans. Its step-generation strategy is
// opaque to the engine.
type Planner interface {
	// Plan returns an ordered step list for the task.
	Plan(ctx context.Context, t *Task) ([]Step, error)
	// GenerateRemainingSteps returns the steps to run after failed was rebound
	// to substituteTool. remaining are the not-yet-executed goals.
	GenerateRemainingSteps(ctx context.Context, failed Step, remaining []Step, substituteTool string) ([]Step, error)
	// ValidatePlan rejects plans the executor cannot run.
	ValidatePlan(steps []Step) error
}

// Archive stores terminal tasks evicted from in-memory retention.
type Archive interface {
	ArchiveTask(ctx context.Context, t *Task) error
	LoadTask(ctx context.Context, taskID string) (*Task, error)
}

// ResponseStatus is the terminal outcome reported to channels.
type ResponseStatus string

const (
	ResponseDone    ResponseStatus = "done"
	ResponseFailed  ResponseStatus = "failed"
	ResponseAborted ResponseStatus = "aborted"
)

// Response is delivered to every observer when a task reaches a terminal state.
type Response struct {
	TaskID    string            `json:"task_id,omitempty"`
	ChannelID string            `json:"channel_id"`
	SessionID string            `json:"session_id,omitempty"`
	Text      string            `json:"text"`
	Status    ResponseStatus    `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ResponseFor builds the channel-facing response for a terminal task.
// Internal error details never leave the engine.
func ResponseFor(t *Task, channelID string) Response {
	resp := Response{
		TaskID:    t.ID,
		ChannelID: channelID,
		SessionID: t.ChannelSessionID,
	}
	switch t.State {
	case StateDone:
		resp.Status = ResponseDone
		resp.Text = t.Result
	case StateAborted:
		resp.Status = ResponseAborted
		resp.Text = "The task was cancelled."
	default:
		resp.Status = ResponseFailed
		resp.Text = "The task could not be completed."
	}
	if t.Error != nil {
		if t.Error.UserMessage != "" {
			resp.Text = t.Error.UserMessage
		}
		resp.Metadata = map[string]string{"error_code": string(t.Error.Code)}
	}
	return resp
}

// Observer receives terminal task responses for one channel.
type Observer interface {
	ChannelID() string
	Deliver(ctx context.Context, resp Response) error
}
