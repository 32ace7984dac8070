package runtime

import "encoding/json"

// Part kinds produced by the remote runtime. The set is open-ended: unknown
// kinds decode into a Part with only the common fields populated and the raw
// payload retained, never into a decode error.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartFile       = "file"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartAgent      = "agent"
	PartSubtask    = "subtask"
	PartRetry      = "retry"
	PartCompaction = "compaction"
	PartSnapshot   = "snapshot"
	PartPatch      = "patch"
)

// Remote session status values.
const (
	StatusIdle  = "idle"
	StatusBusy  = "busy"
	StatusRetry = "retry"
)

// SessionStatus is one entry of the runtime status document.
type SessionStatus struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ToolState carries the mutable state of a tool-call part. Input is decoded
// loosely: the runtime sends either a JSON object or, while the call is still
// streaming, a possibly-truncated JSON string.
type ToolState struct {
	Status string          `json:"status,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TokenUsage reports token counts attached to a step-finish part.
type TokenUsage struct {
	Input     int `json:"input,omitempty"`
	Output    int `json:"output,omitempty"`
	Reasoning int `json:"reasoning,omitempty"`
	Cache     struct {
		Read  int `json:"read,omitempty"`
		Write int `json:"write,omitempty"`
	} `json:"cache,omitempty"`
}

// Part is one fragment of agent output attached to a message. Fields are
// optional per kind; consumers must treat every field as possibly absent.
type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID,omitempty"`
	Type      string `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// tool
	Tool   string    `json:"tool,omitempty"`
	CallID string    `json:"callID,omitempty"`
	State  ToolState `json:"state,omitempty"`

	// file
	Filename string `json:"filename,omitempty"`
	MIME     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`

	// agent, subtask
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// retry
	Attempt int `json:"attempt,omitempty"`

	// step-finish
	Tokens *TokenUsage `json:"tokens,omitempty"`
	Cost   float64     `json:"cost,omitempty"`

	// Raw retains the original payload so unrecognized kinds can still be
	// summarized instead of vanishing.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes a part defensively, keeping the raw bytes around.
// A typed-decode failure never propagates: an unknown kind may reuse a known
// field name with a different JSON type, and one such part must not poison
// the whole message list. The part degrades to id/type plus Raw and flows
// through the unknown-kind summary path instead.
func (p *Part) UnmarshalJSON(data []byte) error {
	type alias Part
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		*p = Part{}
		_ = json.Unmarshal(fields["id"], &p.ID)
		_ = json.Unmarshal(fields["type"], &p.Type)
		p.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
	*p = Part(a)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MessageError is an operational error the runtime attached to a message.
type MessageError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Message is one conversation entry returned by the runtime message list.
// CompletedAt is a unix-milliseconds timestamp, zero while the assistant is
// still generating.
type Message struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	Error       *MessageError `json:"error,omitempty"`
	CompletedAt float64       `json:"completedAt,omitempty"`
	Parts       []Part        `json:"parts"`
}

// PromptPart is one input fragment of a prompt call.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptRequest is the payload of a prompt call.
type PromptRequest struct {
	Parts []PromptPart `json:"parts"`
	Model string       `json:"model,omitempty"`
	Tools []string     `json:"tools,omitempty"`
}

// TextPrompt builds a single-part text prompt.
func TextPrompt(text string) PromptRequest {
	return PromptRequest{Parts: []PromptPart{{Type: "text", Text: text}}}
}
