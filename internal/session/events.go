package session

// StatusEvent announces a session status change.
type StatusEvent struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	Status    Status `json:"status"`
}

// OutputEvent carries one normalized transcript entry.
type OutputEvent struct {
	SessionID string     `json:"session_id"`
	TaskID    string     `json:"task_id"`
	Data      OutputData `json:"data"`
}

// OutputData is the display payload of an output event. Update marks a
// re-emission of an already-surfaced part whose content grew in place.
type OutputData struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	PartType    string       `json:"part_type"`
	Tool        *ToolPayload `json:"tool,omitempty"`
	StepMetrics *StepMetrics `json:"step_metrics,omitempty"`
	Update      bool         `json:"update,omitempty"`
}

// ToolPayload describes a tool-call part after classification.
type ToolPayload struct {
	Name      string           `json:"name"`
	Status    string           `json:"status,omitempty"`
	Title     string           `json:"title,omitempty"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	Questions []map[string]any `json:"questions,omitempty"`
	Todos     []map[string]any `json:"todos,omitempty"`
}

// StepMetrics reports token and cost accounting for a finished step.
type StepMetrics struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ReasoningTokens int     `json:"reasoning_tokens,omitempty"`
	CacheReadTokens int     `json:"cache_read_tokens,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
}

// EventSink receives everything the engine emits. Status and Output are the
// only two event shapes; implementations must not block for long, emission
// happens on the poll path.
type EventSink interface {
	Status(event StatusEvent)
	Output(event OutputEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Status(StatusEvent) {}
func (NopSink) Output(OutputEvent) {}
