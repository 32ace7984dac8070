package storage

import "time"

// TaskStatus tracks where a task sits on the board.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
)

// Output field types.
const (
	FieldTypeText    = "text"
	FieldTypeNumber  = "number"
	FieldTypeBoolean = "boolean"
	FieldTypeSelect  = "select"
	FieldTypeFile    = "file"
)

// OutputField is a structured result slot on a task. Value is populated by the
// output extractor once a session goes idle; fields are never created or
// deleted by the engine, only updated.
type OutputField struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Type     string   `json:"type" yaml:"type"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Multiple bool     `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Attachment references a file handed to the agent alongside the task.
type Attachment struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Task is the unit of work a session executes against.
type Task struct {
	ID              string        `json:"id" yaml:"id"`
	AgentID         string        `json:"agent_id" yaml:"agent_id"`
	Title           string        `json:"title" yaml:"title"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Status          TaskStatus    `json:"status" yaml:"status"`
	RemoteSessionID string        `json:"remote_session_id,omitempty" yaml:"remote_session_id,omitempty"`
	OutputFields    []OutputField `json:"output_fields,omitempty" yaml:"output_fields,omitempty"`
	Attachments     []Attachment  `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at" yaml:"updated_at"`
}

// MCPServerConfig describes one MCP tool server configured for an agent.
type MCPServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Agent is a stored agent configuration.
type Agent struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty"`
	ToolFilter []string          `json:"tool_filter,omitempty" yaml:"tool_filter,omitempty"`
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
}
