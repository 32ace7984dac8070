package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tethererrors "tether/internal/errors"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// fakeRuntime is an in-memory RuntimeClient with scriptable state.
type fakeRuntime struct {
	mu           sync.Mutex
	healthCalls  int
	healthDelay  time.Duration
	healthErr    error
	createCalls  int
	createErr    error
	nextRemoteID string
	getSessErr   error
	prompts      []runtime.PromptRequest
	promptErr    error
	promptBlocks chan struct{} // when set, Prompt waits for ctx or channel
	abortCalls   int
	messages     []runtime.Message
	listErr      error
	status       map[string]runtime.SessionStatus
	statusErr    error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		nextRemoteID: "rem-1",
		status:       map[string]runtime.SessionStatus{},
	}
}

func (f *fakeRuntime) Health(ctx context.Context) error {
	f.mu.Lock()
	f.healthCalls++
	delay, err := f.healthDelay, f.healthErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeRuntime) CreateSession(ctx context.Context, title, workspaceDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.nextRemoteID, nil
}

func (f *fakeRuntime) GetSession(ctx context.Context, remoteSessionID, workspaceDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getSessErr
}

func (f *fakeRuntime) Prompt(ctx context.Context, remoteSessionID, workspaceDir string, prompt runtime.PromptRequest) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	err := f.promptErr
	blocks := f.promptBlocks
	f.mu.Unlock()
	if blocks != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-blocks:
		}
	}
	return err
}

func (f *fakeRuntime) ListMessages(ctx context.Context, remoteSessionID, workspaceDir string) ([]runtime.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]runtime.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeRuntime) GetStatus(ctx context.Context, workspaceDir string) (map[string]runtime.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := make(map[string]runtime.SessionStatus, len(f.status))
	for k, v := range f.status {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRuntime) Abort(ctx context.Context, remoteSessionID, workspaceDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return nil
}

func (f *fakeRuntime) setStatus(remoteID string, status runtime.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[remoteID] = status
}

func (f *fakeRuntime) setMessages(messages []runtime.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = messages
}

func (f *fakeRuntime) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeRuntime) healthCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

func (f *fakeRuntime) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortCalls
}

// recordingSink captures all emitted events.
type recordingSink struct {
	mu       sync.Mutex
	statuses []StatusEvent
	outputs  []OutputEvent
	onStatus func(StatusEvent)
}

func (s *recordingSink) Status(event StatusEvent) {
	s.mu.Lock()
	s.statuses = append(s.statuses, event)
	hook := s.onStatus
	s.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (s *recordingSink) Output(event OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, event)
}

func (s *recordingSink) outputEvents() []OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutputEvent, len(s.outputs))
	copy(out, s.outputs)
	return out
}

func (s *recordingSink) statusEvents() []StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusEvent, len(s.statuses))
	copy(out, s.statuses)
	return out
}

type fakeSyncer struct {
	mu     sync.Mutex
	agents []string
}

func (f *fakeSyncer) SyncSkills(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
	return nil
}

func (f *fakeSyncer) synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agents...)
}

type fixture struct {
	orch  *Orchestrator
	rt    *fakeRuntime
	store *storage.MemoryStore
	sink  *recordingSink
	sync  *fakeSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	store.PutAgent(&storage.Agent{ID: "agent-1", Name: "Coder", Model: "fast"})
	store.PutTask(&storage.Task{
		ID:      "task-1",
		AgentID: "agent-1",
		Title:   "Write the report",
		Status:  storage.TaskStatusTodo,
	})

	rt := newFakeRuntime()
	sink := &recordingSink{}
	syncer := &fakeSyncer{}

	orch := New(Config{
		Runtime:      rt,
		Tasks:        store,
		Agents:       store,
		Skills:       syncer,
		Sink:         sink,
		PollInterval: 10 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
	})

	return &fixture{orch: orch, rt: rt, store: store, sink: sink, sync: syncer}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestStartIsIdempotentPerTask(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	second, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.orch.Registry().Len())

	t.Cleanup(func() { _ = fx.orch.Stop(ctx, first) })
}

func TestStartFiresInitialPromptWithoutAwaiting(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.promptBlocks = make(chan struct{})

	done := make(chan struct{})
	var id string
	go func() {
		defer close(done)
		var err error
		id, err = fx.orch.Start(ctx, "agent-1", "task-1", "", false)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start blocked on the initial prompt")
	}

	waitFor(t, time.Second, func() bool { return fx.rt.promptCount() == 1 }, "initial prompt dispatched")
	close(fx.rt.promptBlocks)

	task, err := fx.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskStatusInProgress, task.Status)
	assert.Equal(t, "rem-1", task.RemoteSessionID)

	_ = fx.orch.Stop(ctx, id)
}

func TestStartFailureLeavesNoSession(t *testing.T) {
	fx := newFixture(t)
	fx.rt.createErr = errors.New("runtime rejected the session")

	_, err := fx.orch.Start(context.Background(), "agent-1", "task-1", "", true)
	require.Error(t, err)
	assert.Equal(t, 0, fx.orch.Registry().Len())
}

func TestStartUnknownTaskOrAgent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orch.Start(ctx, "agent-1", "missing-task", "", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = fx.orch.Start(ctx, "missing-agent", "task-1", "", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentStartsShareOneHealthProbe(t *testing.T) {
	fx := newFixture(t)
	fx.rt.healthDelay = 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		fx.store.PutTask(&storage.Task{ID: "task-" + id, AgentID: "agent-1", Title: "t"})
	}

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := fx.orch.Start(context.Background(), "agent-1", "task-"+string(rune('a'+i)), "", true)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fx.rt.healthCount())
	for _, id := range ids {
		_ = fx.orch.Stop(context.Background(), id)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s := NewSession("agent-1", "task-1", "")
	messages := []runtime.Message{
		{
			ID:   "m1",
			Role: "assistant",
			Parts: []runtime.Part{
				{ID: "p1", Type: runtime.PartText, Text: "hello"},
				{ID: "p2", Type: runtime.PartStepStart},
			},
		},
	}

	fx.orch.reconcile(ctx, s, messages)
	first := len(fx.sink.outputEvents())
	assert.Equal(t, 2, first)

	fx.orch.reconcile(ctx, s, messages)
	assert.Equal(t, first, len(fx.sink.outputEvents()), "second pass must emit nothing")
}

func TestReconcileStreamingAccumulation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	s := NewSession("agent-1", "task-1", "")

	withText := func(text string) []runtime.Message {
		return []runtime.Message{{
			ID:    "m1",
			Role:  "assistant",
			Parts: []runtime.Part{{ID: "p1", Type: runtime.PartText, Text: text}},
		}}
	}

	fx.orch.reconcile(ctx, s, withText("Hel"))
	fx.orch.reconcile(ctx, s, withText("Hello"))
	fx.orch.reconcile(ctx, s, withText("Hello"))

	events := fx.sink.outputEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].Data.Content)
	assert.False(t, events[0].Data.Update)
	assert.Equal(t, "Hello", events[1].Data.Content)
	assert.True(t, events[1].Data.Update)
}

func TestReconcileEmitsNullPayloadPartOnlyOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	s := NewSession("agent-1", "task-1", "")

	messages := []runtime.Message{{
		ID:    "m1",
		Role:  "assistant",
		Parts: []runtime.Part{{ID: "p1", Type: runtime.PartSnapshot}},
	}}

	fx.orch.reconcile(ctx, s, messages)
	fx.orch.reconcile(ctx, s, messages)
	assert.Empty(t, fx.sink.outputEvents())
}

func TestReconcileSurfacesMessageErrors(t *testing.T) {
	fx := newFixture(t)
	s := NewSession("agent-1", "task-1", "")

	messages := []runtime.Message{{
		ID:    "m1",
		Role:  "assistant",
		Error: &runtime.MessageError{Message: "model overloaded"},
	}}

	fx.orch.reconcile(context.Background(), s, messages)
	fx.orch.reconcile(context.Background(), s, messages)

	events := fx.sink.outputEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].Data.Role)
	assert.Equal(t, PartTypeSystem, events[0].Data.PartType)
	assert.Contains(t, events[0].Data.Content, "model overloaded")
}

func TestIdleTransitionOrdering(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.store.PutTask(&storage.Task{
		ID:      "task-1",
		AgentID: "agent-1",
		Title:   "Write the report",
		Status:  storage.TaskStatusInProgress,
		OutputFields: []storage.OutputField{
			{ID: "f1", Name: "summary", Type: storage.FieldTypeText},
		},
	})

	// When the idle notification lands, the store must already hold the
	// extracted value.
	type observed struct {
		value  any
		status storage.TaskStatus
	}
	seen := make(chan observed, 1)
	fx.sink.onStatus = func(event StatusEvent) {
		if event.Status != StatusIdle {
			return
		}
		task, err := fx.store.GetTask(context.Background(), "task-1")
		if err != nil {
			return
		}
		seen <- observed{value: task.OutputFields[0].Value, status: task.Status}
	}

	fx.rt.setMessages([]runtime.Message{{
		ID:          "m1",
		Role:        "assistant",
		CompletedAt: 1700000000000,
		Parts: []runtime.Part{{
			ID:   "p1",
			Type: runtime.PartText,
			Text: "Done.\n```json\n{\"summary\": \"All good\"}\n```",
		}},
	}})
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusIdle})

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, "All good", got.value)
		assert.Equal(t, storage.TaskStatusInReview, got.status)
	case <-time.After(2 * time.Second):
		t.Fatal("idle notification never arrived")
	}

	_ = fx.orch.Stop(ctx, id)
}

func TestPollRetryStatusAbortsSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusRetry, Message: "rate limited"})

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	s := fx.orch.Registry().Get(id)
	require.NotNil(t, s)

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range fx.sink.outputEvents() {
			if e.Data.Role == "system" && e.Data.PartType == PartTypeSystem {
				return true
			}
		}
		return false
	}, "synthetic system error emitted")

	waitFor(t, 2*time.Second, func() bool { return fx.rt.abortCount() >= 1 }, "remote abort requested")
	waitFor(t, 2*time.Second, func() bool { return s.Status() == StatusIdle }, "session settled to idle")
	waitFor(t, 2*time.Second, func() bool { return !s.pollingActive() }, "poll loop stopped")

	_ = fx.orch.Stop(ctx, id)
}

func TestAbortPreservesTranscript(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	s := fx.orch.Registry().Get(id)
	require.NotNil(t, s)

	// Buffered output that no poll tick has observed yet.
	fx.rt.setMessages([]runtime.Message{{
		ID:    "m1",
		Role:  "assistant",
		Parts: []runtime.Part{{ID: "p1", Type: runtime.PartText, Text: "partial answer"}},
	}})

	require.NoError(t, fx.orch.Abort(ctx, id))

	assert.Equal(t, StatusIdle, s.Status())
	assert.Equal(t, 1, fx.rt.abortCount())

	var contents []string
	for _, e := range fx.sink.outputEvents() {
		contents = append(contents, e.Data.Content)
	}
	assert.Contains(t, contents, "partial answer")

	_ = fx.orch.Stop(ctx, id)
}

func TestAbortCancelsInflightPrompt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.promptBlocks = make(chan struct{})
	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", false)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return fx.rt.promptCount() == 1 }, "prompt in flight")
	require.NoError(t, fx.orch.Abort(ctx, id))
	// The blocked prompt unblocks via context cancellation, not the channel.

	_ = fx.orch.Stop(ctx, id)
}

func TestStopRemovesSessionAndKeepsRemoteReference(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	require.NoError(t, fx.orch.Stop(ctx, id))

	assert.Nil(t, fx.orch.Registry().Get(id))

	task, err := fx.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "rem-1", task.RemoteSessionID, "remote session id stays resumable")
}

func TestSendRequiresSessionOrTask(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.Send(context.Background(), "ses_missing", "hi", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendTransparentlyRestartsFromTask(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	require.NoError(t, fx.orch.Stop(ctx, id))

	newID, err := fx.orch.Send(ctx, id, "keep going", "task-1")
	require.NoError(t, err)
	assert.NotEqual(t, id, newID, "caller must rebind to the new session id")

	s := fx.orch.Registry().Get(newID)
	require.NotNil(t, s)
	assert.Equal(t, StatusWorking, s.Status())

	// Only the user turn goes out; the restart skips the initial prompt.
	waitFor(t, time.Second, func() bool { return fx.rt.promptCount() == 1 }, "restart prompt dispatched")

	_ = fx.orch.Stop(ctx, newID)
}

func TestResumeValidatesRemoteSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	task, _ := fx.store.GetTask(ctx, "task-1")
	task.RemoteSessionID = "rem-stale"
	fx.store.PutTask(task)

	fx.rt.getSessErr = runtime.ErrSessionNotFound
	_, err := fx.orch.Resume(ctx, "agent-1", "task-1", "rem-stale", "")
	require.Error(t, err)

	// The stale reference is cleared so the next resume attempt fails fast.
	task, err = fx.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, task.RemoteSessionID)
}

func TestResumeReplaysBacklogAndSeedsDedup(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.setMessages([]runtime.Message{{
		ID:    "m1",
		Role:  "assistant",
		Parts: []runtime.Part{{ID: "p1", Type: runtime.PartText, Text: "earlier answer"}},
	}})
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusBusy})

	id, err := fx.orch.Resume(ctx, "agent-1", "task-1", "rem-1", "")
	require.NoError(t, err)

	events := fx.sink.outputEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "earlier answer", events[0].Data.Content)

	s := fx.orch.Registry().Get(id)
	require.NotNil(t, s)
	assert.Equal(t, StatusWorking, s.Status())

	// The replay seeded dedup state: reconciling again emits nothing.
	replayed, err := fx.rt.ListMessages(ctx, "rem-1", "")
	require.NoError(t, err)
	fx.orch.reconcile(ctx, s, replayed)
	assert.Len(t, fx.sink.outputEvents(), 1)

	_ = fx.orch.Stop(ctx, id)
}

func TestLearnBlocksSyncsSkillsAndRemovesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)

	before, _ := fx.store.GetTask(ctx, "task-1")
	require.NoError(t, fx.orch.Learn(ctx, id, "prefer table-driven tests"))

	assert.Nil(t, fx.orch.Registry().Get(id), "session removed after learn")
	waitFor(t, time.Second, func() bool { return len(fx.sync.synced()) == 1 }, "skills synced")
	assert.Equal(t, []string{"agent-1"}, fx.sync.synced())

	// Learning mode never touches task status.
	after, err := fx.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
}

func TestRespondToPermission(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	s := fx.orch.Registry().Get(id)
	s.setStatus(StatusWaitingApproval)

	require.NoError(t, fx.orch.RespondToPermission(ctx, id, false, ""))
	assert.Equal(t, StatusIdle, s.Status())

	require.NoError(t, fx.orch.RespondToPermission(ctx, id, true, ""))
	assert.Equal(t, StatusWorking, s.Status())

	_ = fx.orch.Stop(ctx, id)
}

func TestPollSkipsWorkWhenStatusUnchanged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// First changed tick fetches messages and emits; later unchanged ticks
	// must not re-fetch or re-emit.
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusBusy})
	fx.rt.setMessages([]runtime.Message{{
		ID:    "m1",
		Role:  "assistant",
		Parts: []runtime.Part{{ID: "p1", Type: runtime.PartText, Text: "working on it"}},
	}})

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	s := fx.orch.Registry().Get(id)

	waitFor(t, 2*time.Second, func() bool { return len(fx.sink.outputEvents()) == 1 }, "first tick emitted")

	// Let several unchanged ticks pass.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, fx.sink.outputEvents(), 1)
	assert.Equal(t, StatusWorking, s.Status())

	_ = fx.orch.Stop(ctx, id)
}

func TestPollSurvivesTransientErrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.mu.Lock()
	fx.rt.statusErr = errors.New("connection reset")
	fx.rt.mu.Unlock()

	id, err := fx.orch.Start(ctx, "agent-1", "task-1", "", true)
	require.NoError(t, err)
	s := fx.orch.Registry().Get(id)

	// Let a few failing ticks pass, then recover.
	time.Sleep(50 * time.Millisecond)
	require.True(t, s.pollingActive(), "failed ticks must not kill the loop")

	fx.rt.mu.Lock()
	fx.rt.statusErr = nil
	fx.rt.mu.Unlock()
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusBusy})

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range fx.sink.statusEvents() {
			if e.Status == StatusWorking && e.SessionID == id {
				return true
			}
		}
		return false
	}, "loop recovered after transient errors")

	_ = fx.orch.Stop(ctx, id)
}

func TestQuestionPartFlipsToWaitingApproval(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	s := NewSession("agent-1", "task-1", "")

	messages := []runtime.Message{{
		ID:   "m1",
		Role: "assistant",
		Parts: []runtime.Part{{
			ID:   "p1",
			Type: runtime.PartTool,
			Tool: "ask_user",
			State: runtime.ToolState{
				Status: "completed",
				Input:  rawInput(t, map[string]any{"questions": []any{map[string]any{"text": "Deploy to prod?"}}}),
			},
		}},
	}}

	fx.orch.reconcile(ctx, s, messages)
	assert.Equal(t, StatusWaitingApproval, s.Status())

	statuses := fx.sink.statusEvents()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusWaitingApproval, statuses[0].Status)

	outputs := fx.sink.outputEvents()
	require.Len(t, outputs, 1)
	assert.Equal(t, PartTypeQuestion, outputs[0].Data.PartType)

	// Re-reconciling the unchanged list neither re-emits nor re-notifies.
	fx.orch.reconcile(ctx, s, messages)
	assert.Len(t, fx.sink.statusEvents(), 1)
	assert.Len(t, fx.sink.outputEvents(), 1)
}

func TestRetryTickReportsRemoteError(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, added := fx.orch.registry.Insert(NewSession("agent-1", "task-1", ""))
	require.True(t, added)
	s.setRemoteSessionID("rem-1")
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusRetry, Message: "rate limited"})

	err := fx.orch.tick(ctx, s)
	var remoteErr *tethererrors.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "rem-1", remoteErr.RemoteSessionID)
	assert.Equal(t, "rate limited", remoteErr.Message)
	assert.Equal(t, tethererrors.CategoryRemote, tethererrors.Classify(err))

	// The abort ran before the error was reported.
	assert.Equal(t, StatusIdle, s.Status())
	assert.GreaterOrEqual(t, fx.rt.abortCount(), 1)
}

func TestResumeReplayDoesNotFlipToWaitingApproval(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.rt.setMessages([]runtime.Message{{
		ID:   "m1",
		Role: "assistant",
		Parts: []runtime.Part{{
			ID:   "p1",
			Type: runtime.PartTool,
			Tool: "ask_user",
			State: runtime.ToolState{
				Status: "completed",
				Input:  rawInput(t, map[string]any{"questions": []any{map[string]any{"text": "Ship it?"}}}),
			},
		}},
	}})
	fx.rt.setStatus("rem-1", runtime.SessionStatus{Type: runtime.StatusBusy})

	id, err := fx.orch.Resume(ctx, "agent-1", "task-1", "rem-1", "")
	require.NoError(t, err)

	// The historical question is replayed as output only; the live status
	// comes from the probe.
	outputs := fx.sink.outputEvents()
	require.Len(t, outputs, 1)
	assert.Equal(t, PartTypeQuestion, outputs[0].Data.PartType)

	for _, e := range fx.sink.statusEvents() {
		assert.NotEqual(t, StatusWaitingApproval, e.Status)
	}
	s := fx.orch.Registry().Get(id)
	require.NotNil(t, s)
	assert.Equal(t, StatusWorking, s.Status())

	_ = fx.orch.Stop(ctx, id)
}
