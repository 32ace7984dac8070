package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a task or agent does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore is the task CRUD surface the engine consumes.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	UpdateTaskOutputFields(ctx context.Context, id string, fields []OutputField) error
	SetTaskRemoteSession(ctx context.Context, id, remoteSessionID string) error
}

// AgentStore resolves stored agent configurations.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// SkillSyncer refreshes an agent's learned skills after a feedback exchange.
type SkillSyncer interface {
	SyncSkills(ctx context.Context, agentID string) error
}

// MemoryStore is an in-memory TaskStore/AgentStore implementation. It backs
// tests and single-process deployments; persistent backends satisfy the same
// interfaces.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	agents map[string]*Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		agents: make(map[string]*Agent),
	}
}

// PutTask inserts or replaces a task.
func (s *MemoryStore) PutTask(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *task
	s.tasks[task.ID] = &clone
}

// PutAgent inserts or replaces an agent.
func (s *MemoryStore) PutAgent(agent *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *agent
	s.agents[agent.ID] = &clone
}

// GetTask returns a copy of the stored task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	clone := *task
	clone.OutputFields = append([]OutputField(nil), task.OutputFields...)
	clone.Attachments = append([]Attachment(nil), task.Attachments...)
	return &clone, nil
}

// UpdateTaskStatus sets the board status of a task.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateTaskOutputFields replaces the output field list of a task.
func (s *MemoryStore) UpdateTaskOutputFields(_ context.Context, id string, fields []OutputField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task.OutputFields = append([]OutputField(nil), fields...)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTaskRemoteSession records (or clears) the remote session a task maps to,
// keeping stopped sessions resumable.
func (s *MemoryStore) SetTaskRemoteSession(_ context.Context, id, remoteSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task.RemoteSessionID = remoteSessionID
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// GetAgent returns a copy of the stored agent.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	clone := *agent
	clone.MCPServers = append([]MCPServerConfig(nil), agent.MCPServers...)
	return &clone, nil
}

// ListTasks returns all tasks sorted by most recently updated.
func (s *MemoryStore) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		clone := *task
		tasks = append(tasks, &clone)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	return tasks
}
