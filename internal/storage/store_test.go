package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTaskRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	store.PutTask(&Task{
		ID:     "task-1",
		Title:  "Ship the fix",
		Status: TaskStatusTodo,
		OutputFields: []OutputField{
			{ID: "f1", Name: "Summary", Type: FieldTypeText},
		},
	})

	ctx := context.Background()

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Ship the fix", task.Title)

	// mutations on the returned copy must not leak into the store
	task.OutputFields[0].Value = "tampered"
	fresh, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, fresh.OutputFields[0].Value)

	require.NoError(t, store.UpdateTaskStatus(ctx, "task-1", TaskStatusInProgress))
	require.NoError(t, store.SetTaskRemoteSession(ctx, "task-1", "rs-9"))

	updated, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, updated.Status)
	assert.Equal(t, "rs-9", updated.RemoteSessionID)
}

func TestMemoryStoreUpdateOutputFields(t *testing.T) {
	store := NewMemoryStore()
	store.PutTask(&Task{ID: "task-1", OutputFields: []OutputField{{ID: "f1", Name: "Summary", Type: FieldTypeText}}})

	fields := []OutputField{{ID: "f1", Name: "Summary", Type: FieldTypeText, Value: "All done"}}
	require.NoError(t, store.UpdateTaskOutputFields(context.Background(), "task-1", fields))

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "All done", task.OutputFields[0].Value)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.UpdateTaskStatus(context.Background(), "missing", TaskStatusDone), ErrNotFound)
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := `
agents:
  - id: agent-1
    name: reviewer
    model: big-coder
tasks:
  - id: task-1
    agent_id: agent-1
    title: Review the queue
    output_fields:
      - id: f1
        name: Verdict
        type: select
        options: [approve, reject]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	store := NewMemoryStore()
	require.NoError(t, LoadSeed(store, path))

	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", agent.Name)

	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusTodo, task.Status, "missing status defaults to todo")
	require.Len(t, task.OutputFields, 1)
	assert.Equal(t, []string{"approve", "reject"}, task.OutputFields[0].Options)
}

func TestLoadSeedMissingFileIsFine(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, LoadSeed(store, filepath.Join(t.TempDir(), "nope.yaml")))
}
