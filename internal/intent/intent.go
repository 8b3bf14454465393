// Package intent classifies free-form chat text into an approval decision
// using a rule-first, model-fallback hybrid.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskorch/taskorch/internal/tasktype"
)

// Confidence constants for the rule-based layer.
const (
	ruleStrongConfidence  = 0.95
	ruleClarifyConfidence = 0.6
	ruleUnknownConfidence = 0.2

	// DefaultThreshold is the minimum model confidence the hybrid policy
	// accepts before falling back to unknown.
	DefaultThreshold = 0.8
)

// Decision is the outcome of classifying one message.
type Decision struct {
	Intent     tasktype.Intent
	Confidence float64
	Reason     string
	Raw        string
}

// ModelCaller is the narrow capability the model-based layer needs: a
// single free-form prompt in, free-form text out. internal/agentadapter
// satisfies this via its Classify-oriented prompt construction.
type ModelCaller interface {
	CallClassifier(ctx context.Context, text string, task *tasktype.Task) (string, error)
}

// Classifier runs the rule-based layer, then (if inconclusive) the
// model-based layer, per the hybrid policy.
type Classifier struct {
	Model     ModelCaller
	Threshold float64
}

// NewClassifier returns a Classifier with DefaultThreshold applied if
// threshold is non-positive.
func NewClassifier(model ModelCaller, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Classifier{Model: model, Threshold: threshold}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalize(text string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
}

// Reject is checked before approve so "先别" wins over an accidental "ok"
// appearing later in the same message.
var rejectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(no|nope|cancel|stop|abort|reject)\b`),
	regexp.MustCompile(`don'?t (do|start|run) (it|this|that)`),
	regexp.MustCompile(`先别`),
	regexp.MustCompile(`取消`),
	regexp.MustCompile(`不要`),
	regexp.MustCompile(`别做`),
	regexp.MustCompile(`算了`),
}

var approvePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(yes|yep|yeah|ok|okay|approve|approved|go ahead|proceed|sounds good|lgtm)\b`),
	regexp.MustCompile(`同意`),
	regexp.MustCompile(`可以`),
	regexp.MustCompile(`开始吧?`),
	regexp.MustCompile(`批准`),
	regexp.MustCompile(`没问题`),
}

var clarifyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(why|what|how|explain|clarify|question)\b`),
	regexp.MustCompile(`为什么`),
	regexp.MustCompile(`什么意思`),
	regexp.MustCompile(`能不能解释`),
	regexp.MustCompile(`\?|？`),
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// classifyRules is the rule-based layer: reject checked first, then
// approve, then clarify, else unknown.
func classifyRules(text string) Decision {
	normalized := normalize(text)

	if matchAny(rejectPatterns, normalized) {
		return Decision{Intent: tasktype.IntentReject, Confidence: ruleStrongConfidence, Reason: "matched reject pattern", Raw: text}
	}
	if matchAny(approvePatterns, normalized) {
		return Decision{Intent: tasktype.IntentApprove, Confidence: ruleStrongConfidence, Reason: "matched approve pattern", Raw: text}
	}
	if matchAny(clarifyPatterns, normalized) {
		return Decision{Intent: tasktype.IntentClarify, Confidence: ruleClarifyConfidence, Reason: "matched clarify pattern", Raw: text}
	}
	return Decision{Intent: tasktype.IntentUnknown, Confidence: ruleUnknownConfidence, Reason: "no rule matched", Raw: text}
}

// modelResult is the strict JSON schema the model-based layer's
// classification prompt is constrained to.
type modelResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func classifyModel(ctx context.Context, model ModelCaller, text string, task *tasktype.Task) (Decision, error) {
	raw, err := model.CallClassifier(ctx, text, task)
	if err != nil {
		return Decision{}, fmt.Errorf("intent: model call failed: %w", err)
	}

	var result modelResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil {
		return Decision{}, fmt.Errorf("intent: failed to parse model response: %w", err)
	}

	confidence := result.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	parsedIntent, err := tasktype.ParseIntent(strings.ToLower(strings.TrimSpace(result.Intent)))
	if err != nil {
		parsedIntent = tasktype.IntentUnknown
	}

	return Decision{Intent: parsedIntent, Confidence: confidence, Reason: result.Reason, Raw: raw}, nil
}

// extractJSONObject tolerates code-fenced wrappers and surrounding prose,
// returning the first balanced {...} object found in response.
func extractJSONObject(response string) string {
	lines := strings.Split(response, "\n")
	inFence := false
	var fenced []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				break
			}
			inFence = true
			continue
		}
		if inFence {
			fenced = append(fenced, line)
		}
	}
	if len(fenced) > 0 {
		return strings.Join(fenced, "\n")
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	depth := 0
	end := start
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
				i = len(response)
			}
		}
	}
	return response[start:end]
}

// Classify runs the hybrid policy: rules first, model fallback only when
// the rule layer is unknown, accepted only at or above the threshold.
// Model errors degrade gracefully to the rule layer's unknown result.
func (c *Classifier) Classify(ctx context.Context, text string, task *tasktype.Task) (Decision, error) {
	ruleDecision := classifyRules(text)
	if ruleDecision.Intent != tasktype.IntentUnknown {
		return ruleDecision, nil
	}

	if c.Model == nil {
		return ruleDecision, nil
	}

	modelDecision, err := classifyModel(ctx, c.Model, text, task)
	if err != nil {
		return ruleDecision, nil
	}

	if modelDecision.Confidence >= c.Threshold {
		return modelDecision, nil
	}

	best := ruleDecision
	if modelDecision.Confidence > best.Confidence {
		best.Confidence = modelDecision.Confidence
	}
	best.Intent = tasktype.IntentUnknown
	best.Reason = "model confidence " + strconv.FormatFloat(modelDecision.Confidence, 'f', 2, 64) + " below threshold"
	return best, nil
}
