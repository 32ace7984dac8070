package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"tether/internal/runtime"
)

// Part types surfaced to the event sink. Tool parts classify into question,
// todowrite, or tool depending on their structured input.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeQuestion   = "question"
	PartTypeTodowrite  = "todowrite"
	PartTypeTool       = "tool"
	PartTypeFile       = "file"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypeAgent      = "agent"
	PartTypeSubtask    = "subtask"
	PartTypeRetry      = "retry"
	PartTypeCompaction = "compaction"
	PartTypeSystem     = "system"
	PartTypeUnknown    = "unknown"
)

// maxToolOutputChars bounds tool output carried in a payload.
const maxToolOutputChars = 2000

// maxRawSummaryChars bounds the raw-JSON summary of unknown part kinds.
const maxRawSummaryChars = 500

// Payload is the normalized, displayable form of a raw part.
type Payload struct {
	Content     string
	PartType    string
	Tool        *ToolPayload
	StepMetrics *StepMetrics
}

// Normalize maps a raw runtime part to its display payload. It returns nil
// for parts that carry nothing displayable: empty text/reasoning and internal
// snapshot/patch bookkeeping. Unknown kinds degrade to a truncated raw-JSON
// summary instead of vanishing.
func Normalize(part runtime.Part) *Payload {
	switch part.Type {
	case runtime.PartText:
		if strings.TrimSpace(part.Text) == "" {
			return nil
		}
		return &Payload{Content: part.Text, PartType: PartTypeText}

	case runtime.PartReasoning:
		if strings.TrimSpace(part.Text) == "" {
			return nil
		}
		return &Payload{Content: part.Text, PartType: PartTypeReasoning}

	case runtime.PartTool:
		return normalizeTool(part)

	case runtime.PartFile:
		name := part.Filename
		if name == "" {
			name = part.URL
		}
		return &Payload{Content: fmt.Sprintf("File: %s", name), PartType: PartTypeFile}

	case runtime.PartStepStart:
		return &Payload{Content: "Step started", PartType: PartTypeStepStart}

	case runtime.PartStepFinish:
		return normalizeStepFinish(part)

	case runtime.PartAgent:
		return &Payload{Content: fmt.Sprintf("Delegated to agent %s", part.Name), PartType: PartTypeAgent}

	case runtime.PartSubtask:
		desc := part.Description
		if desc == "" {
			desc = part.Name
		}
		return &Payload{Content: fmt.Sprintf("Subtask: %s", desc), PartType: PartTypeSubtask}

	case runtime.PartRetry:
		return &Payload{Content: fmt.Sprintf("Retrying (attempt %d)", part.Attempt), PartType: PartTypeRetry}

	case runtime.PartCompaction:
		return &Payload{Content: "Conversation context compacted", PartType: PartTypeCompaction}

	case runtime.PartSnapshot, runtime.PartPatch:
		return nil

	default:
		return &Payload{
			Content:  truncate(string(part.Raw), maxRawSummaryChars),
			PartType: PartTypeUnknown,
		}
	}
}

func normalizeTool(part runtime.Part) *Payload {
	input := parseToolInput(part.State.Input)

	tp := &ToolPayload{
		Name:   part.Tool,
		Status: part.State.Status,
		Title:  part.State.Title,
		Output: truncate(part.State.Output, maxToolOutputChars),
		Error:  part.State.Error,
	}

	content := part.State.Title
	if content == "" {
		content = part.Tool
	}

	// Classification priority: questions, then todos, then generic tool.
	if questions := objectList(input["questions"]); len(questions) > 0 {
		tp.Questions = questions
		return &Payload{Content: content, PartType: PartTypeQuestion, Tool: tp}
	}
	if todos := objectList(input["todos"]); len(todos) > 0 {
		tp.Todos = todos
		return &Payload{Content: content, PartType: PartTypeTodowrite, Tool: tp}
	}
	return &Payload{Content: content, PartType: PartTypeTool, Tool: tp}
}

func normalizeStepFinish(part runtime.Part) *Payload {
	metrics := &StepMetrics{Cost: part.Cost}
	if part.Tokens != nil {
		metrics.InputTokens = part.Tokens.Input
		metrics.OutputTokens = part.Tokens.Output
		metrics.ReasoningTokens = part.Tokens.Reasoning
		metrics.CacheReadTokens = part.Tokens.Cache.Read
	}
	content := fmt.Sprintf("Step finished (%d in / %d out tokens)",
		metrics.InputTokens, metrics.OutputTokens)
	return &Payload{Content: content, PartType: PartTypeStepFinish, StepMetrics: metrics}
}

// parseToolInput decodes a tool input that arrives either as a JSON object or
// as a JSON string holding an object. String inputs may be truncated while
// the call is still streaming; those are run through jsonrepair before being
// given up on.
func parseToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(str), &obj); err == nil {
		return obj
	}

	repaired, err := jsonrepair.JSONRepair(str)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil
	}
	return obj
}

// objectList coerces a decoded JSON value into a list of objects.
func objectList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// Fingerprint computes the change-detection proxy for a part. Text and
// reasoning parts fingerprint on content length; tool parts on the tuple of
// status, classified subtype, content length, and output length. Streamed
// content for a part id only ever grows, so length plus status detects change
// without hashing. Other kinds are immutable and fingerprint to a constant.
func Fingerprint(part runtime.Part, payload *Payload) string {
	switch part.Type {
	case runtime.PartText, runtime.PartReasoning:
		return fmt.Sprintf("len:%d", len(part.Text))
	case runtime.PartTool:
		subtype := PartTypeTool
		content := ""
		if payload != nil {
			subtype = payload.PartType
			content = payload.Content
		}
		return fmt.Sprintf("%s|%s|%d|%d", part.State.Status, subtype, len(content), len(part.State.Output))
	default:
		return ""
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
