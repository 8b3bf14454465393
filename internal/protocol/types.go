// Package protocol defines the wire types exchanged with the external
// code-generation agent over its newline-delimited JSON stdout stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the stream events an agent subprocess emits.
// Unknown values are rejected at the unmarshal boundary rather than
// propagated as an opaque string.
type EventType string

const (
	EventTypeText      EventType = "text"
	EventTypeStepStart EventType = "step_start"
	EventTypeStepFinish EventType = "step_finish"
	EventTypeError     EventType = "error"
	EventTypeFatal     EventType = "fatal"
	EventTypeStepError EventType = "step_error"
)

func (t EventType) valid() bool {
	switch t {
	case EventTypeText, EventTypeStepStart, EventTypeStepFinish, EventTypeError, EventTypeFatal, EventTypeStepError:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects event types outside the closed set above.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	candidate := EventType(raw)
	if !candidate.valid() {
		return fmt.Errorf("protocol: unknown event type %q", raw)
	}
	*t = candidate
	return nil
}

// TokenUsage accumulates prompt/completion token counts across step_finish
// events. TotalTokens is computed from the parts if the agent omits it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add accumulates another usage sample, computing TotalTokens when the
// sample omits it.
func (u *TokenUsage) Add(sample TokenUsage) {
	if sample.TotalTokens == 0 {
		sample.TotalTokens = sample.PromptTokens + sample.CompletionTokens
	}
	u.PromptTokens += sample.PromptTokens
	u.CompletionTokens += sample.CompletionTokens
	u.TotalTokens += sample.TotalTokens
}

// StreamEvent is one line of the agent's NDJSON stdout stream.
type StreamEvent struct {
	Type    EventType   `json:"type"`
	Text    string      `json:"text,omitempty"`
	Message string      `json:"message,omitempty"`
	Tokens  *TokenUsage `json:"tokens,omitempty"`
	IsError bool        `json:"is_error,omitempty"`
}

// ErrorText returns the event's error message, covering both the named
// error event kinds and the is_error=true escape hatch.
func (e StreamEvent) ErrorText() (string, bool) {
	if e.IsError {
		if e.Message != "" {
			return e.Message, true
		}
		return e.Text, true
	}
	switch e.Type {
	case EventTypeError, EventTypeFatal, EventTypeStepError:
		if e.Message != "" {
			return e.Message, true
		}
		return e.Text, true
	}
	return "", false
}

// AgentOperation selects which operation the CLI driver runs.
type AgentOperation string

const (
	AgentOperationPlan     AgentOperation = "plan"
	AgentOperationBuild    AgentOperation = "build"
	AgentOperationClassify AgentOperation = "classify"
)

// Invocation is the JSON record fed on stdin in SDK-bridge mode. In CLI
// mode only Operation and Prompt are passed, as command-line arguments;
// TaskID, BaseBranch and IdempotencyKey are not sent. Both modes are
// normalized into the same AgentAdapter result types.
type Invocation struct {
	Operation      AgentOperation `json:"operation"`
	TaskID         string         `json:"task_id"`
	BaseBranch     string         `json:"base_branch,omitempty"`
	Prompt         string         `json:"prompt"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}
