package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeUnmarshal_RejectsUnknown(t *testing.T) {
	var e StreamEvent
	err := json.Unmarshal([]byte(`{"type":"bogus"}`), &e)
	require.Error(t, err)
}

func TestEventTypeUnmarshal_AcceptsKnown(t *testing.T) {
	var e StreamEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"text","text":"hello"}`), &e))
	assert.Equal(t, EventTypeText, e.Type)
	assert.Equal(t, "hello", e.Text)
}

func TestStreamEvent_ErrorText(t *testing.T) {
	cases := []struct {
		name string
		evt  StreamEvent
		want string
		ok   bool
	}{
		{"fatal", StreamEvent{Type: EventTypeFatal, Message: "boom"}, "boom", true},
		{"step_error_text_fallback", StreamEvent{Type: EventTypeStepError, Text: "step broke"}, "step broke", true},
		{"is_error_flag", StreamEvent{Type: EventTypeText, IsError: true, Message: "flagged"}, "flagged", true},
		{"plain_text", StreamEvent{Type: EventTypeText, Text: "no error here"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.evt.ErrorText()
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTokenUsage_AddComputesTotal(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{PromptTokens: 10, CompletionTokens: 5})
	u.Add(TokenUsage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3})
	assert.Equal(t, 12, u.PromptTokens)
	assert.Equal(t, 6, u.CompletionTokens)
	assert.Equal(t, 18, u.TotalTokens)
}
