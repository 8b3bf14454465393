// Command mockagent is a scriptable stand-in for the external code-generation
// agent, used to exercise internal/agentadapter without shelling out to a
// real model. It reads a single protocol.Invocation JSON value from stdin,
// emits a protocol.StreamEvent NDJSON stream to stdout, and exits.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/taskorch/taskorch/internal/ndjson"
	"github.com/taskorch/taskorch/internal/protocol"
)

func main() {
	scriptFile := flag.String("script", "", "Path to response script file (JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	agent := &MockAgent{
		logger:  logger,
		encoder: ndjson.NewEncoder(os.Stdout, logger),
	}

	if *scriptFile != "" {
		if err := agent.loadScript(*scriptFile); err != nil {
			logger.Error("failed to load script", "error", err)
			os.Exit(1)
		}
	}

	decoder := ndjson.NewDecoder(os.Stdin, logger)
	var inv protocol.Invocation
	if err := decoder.Decode(&inv); err != nil {
		if err == io.EOF {
			logger.Error("stdin closed before an invocation was received")
		} else {
			logger.Error("failed to decode invocation", "error", err)
		}
		os.Exit(1)
	}

	logger.Info("mock agent invoked",
		"operation", inv.Operation,
		"task_id", inv.TaskID,
		"pid", os.Getpid())

	if err := agent.Run(inv); err != nil {
		logger.Error("mock agent run failed", "error", err)
		os.Exit(1)
	}
}

// MockAgent plays back a scripted or default response for a single
// protocol.Invocation.
type MockAgent struct {
	logger  *slog.Logger
	encoder *ndjson.Encoder
	script  *Script
}

// Script contains pre-programmed responses keyed by operation name.
type Script struct {
	Responses map[protocol.AgentOperation]ResponseTemplate `json:"responses"`
}

// ResponseTemplate defines how to respond to an invocation.
type ResponseTemplate struct {
	Events  []EventTemplate `json:"events"`
	DelayMs int             `json:"delay_ms,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventTemplate defines a single stream event to emit.
type EventTemplate struct {
	Type    protocol.EventType  `json:"type"`
	Text    string              `json:"text,omitempty"`
	Message string              `json:"message,omitempty"`
	Tokens  *protocol.TokenUsage `json:"tokens,omitempty"`
	IsError bool                `json:"is_error,omitempty"`
}

func (a *MockAgent) loadScript(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script file: %w", err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return fmt.Errorf("failed to parse script JSON: %w", err)
	}

	a.script = &script
	a.logger.Info("loaded script", "path", path, "operations", len(script.Responses))
	return nil
}

// Run plays back the response for inv.Operation, either scripted or a
// built-in default, and writes it to stdout as an NDJSON stream.
func (a *MockAgent) Run(inv protocol.Invocation) error {
	if a.script != nil {
		if template, ok := a.script.Responses[inv.Operation]; ok {
			a.logger.Info("using scripted response", "operation", inv.Operation)
			return a.executeScriptedResponse(template)
		}
	}

	switch inv.Operation {
	case protocol.AgentOperationPlan:
		return a.defaultPlan(inv)
	case protocol.AgentOperationBuild:
		return a.defaultBuild(inv)
	case protocol.AgentOperationClassify:
		return a.defaultClassify(inv)
	default:
		return a.encoder.Encode(protocol.StreamEvent{
			Type:    protocol.EventTypeFatal,
			Message: fmt.Sprintf("unknown operation: %s", inv.Operation),
		})
	}
}

func (a *MockAgent) executeScriptedResponse(template ResponseTemplate) error {
	if template.Error != "" {
		a.logger.Info("returning scripted error", "error", template.Error)
		return fmt.Errorf("%s", template.Error)
	}

	if template.DelayMs > 0 {
		time.Sleep(time.Duration(template.DelayMs) * time.Millisecond)
	}

	for i, evtTemplate := range template.Events {
		evt := protocol.StreamEvent{
			Type:    evtTemplate.Type,
			Text:    evtTemplate.Text,
			Message: evtTemplate.Message,
			Tokens:  evtTemplate.Tokens,
			IsError: evtTemplate.IsError,
		}
		if err := a.encoder.Encode(evt); err != nil {
			return fmt.Errorf("failed to send event %d: %w", i, err)
		}
	}

	return nil
}

func (a *MockAgent) defaultPlan(inv protocol.Invocation) error {
	plan := map[string]any{
		"summary": fmt.Sprintf("Mock plan for task %s", inv.TaskID),
		"plan": map[string]any{
			"goal": fmt.Sprintf("Satisfy task %s", inv.TaskID),
			"steps": []any{
				map[string]any{"id": "step-1", "type": "code", "title": "Apply the requested change"},
				map[string]any{"id": "step-2", "type": "test", "title": "Run the test suite", "command": "go test ./..."},
			},
			"constraints": map[string]any{
				"allowed_paths":     []string{"**"},
				"forbidden_paths":   []string{".git/**"},
				"max_files_changed": 10,
			},
		},
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}

	if err := a.encoder.Encode(protocol.StreamEvent{
		Type: protocol.EventTypeText,
		Text: fmt.Sprintf("Here is the proposed plan:\n```json\n%s\n```\n", planJSON),
	}); err != nil {
		return err
	}

	return a.encoder.Encode(protocol.StreamEvent{
		Type:   protocol.EventTypeStepFinish,
		Tokens: &protocol.TokenUsage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
	})
}

func (a *MockAgent) defaultBuild(inv protocol.Invocation) error {
	if err := a.encoder.Encode(protocol.StreamEvent{
		Type: protocol.EventTypeStepStart,
		Text: fmt.Sprintf("Implementing task %s on branch %s", inv.TaskID, inv.BaseBranch),
	}); err != nil {
		return err
	}

	if err := a.encoder.Encode(protocol.StreamEvent{
		Type: protocol.EventTypeText,
		Text: "Applied the requested change.\n",
	}); err != nil {
		return err
	}

	return a.encoder.Encode(protocol.StreamEvent{
		Type:   protocol.EventTypeStepFinish,
		Tokens: &protocol.TokenUsage{PromptTokens: 400, CompletionTokens: 350, TotalTokens: 750},
	})
}

func (a *MockAgent) defaultClassify(inv protocol.Invocation) error {
	result := map[string]any{
		"intent":     "approve",
		"confidence": 0.95,
		"reason":     "mock agent default classification",
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}

	if err := a.encoder.Encode(protocol.StreamEvent{
		Type: protocol.EventTypeText,
		Text: string(resultJSON),
	}); err != nil {
		return err
	}

	return a.encoder.Encode(protocol.StreamEvent{
		Type: protocol.EventTypeStepFinish,
	})
}
