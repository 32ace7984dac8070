package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/internal/async"
	tethererrors "tether/internal/errors"
	"tether/internal/logging"
	"tether/internal/mcp"
	"tether/internal/observability"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// Poll loop defaults. The initial delay gives a just-fired prompt time to
// register server-side before the first status fetch.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultInitialDelay = 1500 * time.Millisecond
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// RuntimeClient is the remote runtime surface the orchestrator consumes.
// *runtime.Client satisfies it.
type RuntimeClient interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title, workspaceDir string) (string, error)
	GetSession(ctx context.Context, remoteSessionID, workspaceDir string) error
	Prompt(ctx context.Context, remoteSessionID, workspaceDir string, prompt runtime.PromptRequest) error
	ListMessages(ctx context.Context, remoteSessionID, workspaceDir string) ([]runtime.Message, error)
	GetStatus(ctx context.Context, workspaceDir string) (map[string]runtime.SessionStatus, error)
	Abort(ctx context.Context, remoteSessionID, workspaceDir string) error
}

// ToolRegistrar discovers the MCP tool surface configured for an agent.
// *mcp.Registrar satisfies it.
type ToolRegistrar interface {
	RegisterForAgent(ctx context.Context, agent *storage.Agent) []mcp.ToolSchema
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Runtime      RuntimeClient
	Tasks        storage.TaskStore
	Agents       storage.AgentStore
	Skills       storage.SkillSyncer
	Sink         EventSink
	Tools        ToolRegistrar
	Logger       logging.Logger
	Metrics      *observability.MetricsCollector
	Tracing      *observability.TracerProvider
	PollInterval time.Duration
	InitialDelay time.Duration
}

// Orchestrator owns the session registry and drives every lifecycle
// operation: start, resume, send, abort, stop, permission responses, and
// learning exchanges. Events flow out through the configured sink only.
type Orchestrator struct {
	registry *Registry
	runtime  RuntimeClient
	tasks    storage.TaskStore
	agents   storage.AgentStore
	skills   storage.SkillSyncer
	sink     EventSink
	tools    ToolRegistrar
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracing  *observability.TracerProvider

	interval     time.Duration
	initialDelay time.Duration

	// Collapses concurrent runtime readiness probes into one health call.
	ready singleflight.Group
}

// New creates an orchestrator.
func New(config Config) *Orchestrator {
	o := &Orchestrator{
		registry:     NewRegistry(),
		runtime:      config.Runtime,
		tasks:        config.Tasks,
		agents:       config.Agents,
		skills:       config.Skills,
		sink:         config.Sink,
		tools:        config.Tools,
		logger:       logging.OrNop(config.Logger),
		metrics:      config.Metrics,
		tracing:      config.Tracing,
		interval:     config.PollInterval,
		initialDelay: config.InitialDelay,
	}
	if o.sink == nil {
		o.sink = NopSink{}
	}
	if o.interval <= 0 {
		o.interval = DefaultPollInterval
	}
	if o.initialDelay <= 0 {
		o.initialDelay = DefaultInitialDelay
	}
	return o
}

// Registry exposes the session table for status queries.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Start creates a session for a task and fires the initial prompt without
// awaiting it. Idempotent per task: an existing non-error session for the
// same task is returned instead of creating a new one. Any failure before
// polling starts leaves no session behind.
func (o *Orchestrator) Start(ctx context.Context, agentID, taskID, workspaceDir string, skipInitialPrompt bool) (string, error) {
	if existing := o.registry.ByTask(taskID); existing != nil {
		return existing.ID, nil
	}

	if err := o.ensureReady(ctx); err != nil {
		return "", tethererrors.NewSetup("runtime readiness", err)
	}

	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", tethererrors.NewSetup("load task", err)
	}
	agent, err := o.agents.GetAgent(ctx, agentID)
	if err != nil {
		return "", tethererrors.NewSetup("load agent", err)
	}

	s, added := o.registry.Insert(NewSession(agentID, taskID, workspaceDir))
	if !added {
		return s.ID, nil
	}

	// Tool discovery is best effort; the registrar logs and skips failing
	// servers on its own.
	toolFilter := agent.ToolFilter
	if o.tools != nil {
		for _, tool := range o.tools.RegisterForAgent(ctx, agent) {
			toolFilter = append(toolFilter, tool.Name)
		}
	}

	remoteID, err := o.runtime.CreateSession(ctx, task.Title, workspaceDir)
	if err != nil {
		s.setStatus(StatusError)
		o.registry.Remove(s.ID)
		return "", tethererrors.NewSetup("create remote session", err)
	}
	s.setRemoteSessionID(remoteID)

	if err := o.tasks.SetTaskRemoteSession(ctx, taskID, remoteID); err != nil {
		o.logger.Warn("session %s: failed to persist remote session id: %v", s.ID, err)
	}
	if err := o.tasks.UpdateTaskStatus(ctx, taskID, storage.TaskStatusInProgress); err != nil {
		o.logger.Warn("session %s: failed to update task status: %v", s.ID, err)
	}

	o.metrics.IncrementActiveSessions(ctx)
	o.notifyStatus(s)
	o.startPolling(s)

	if !skipInitialPrompt {
		prompt := runtime.TextPrompt(ComposeInitialPrompt(task))
		prompt.Model = agent.Model
		prompt.Tools = toolFilter
		o.dispatchPrompt(s, prompt)
	}

	o.logger.Info("session %s: started for task %s (remote %s)", s.ID, taskID, remoteID)
	return s.ID, nil
}

// Resume rehydrates a session from an existing remote session: validates it
// still exists, replays the full message history to seed dedup state and emit
// the backlog, then resumes polling.
func (o *Orchestrator) Resume(ctx context.Context, agentID, taskID, remoteSessionID, workspaceDir string) (string, error) {
	if existing := o.registry.ByTask(taskID); existing != nil {
		return existing.ID, nil
	}

	if err := o.ensureReady(ctx); err != nil {
		return "", tethererrors.NewSetup("runtime readiness", err)
	}

	if err := o.runtime.GetSession(ctx, remoteSessionID, workspaceDir); err != nil {
		if errors.Is(err, runtime.ErrSessionNotFound) {
			// The stale reference would fail every later resume attempt.
			if clearErr := o.tasks.SetTaskRemoteSession(ctx, taskID, ""); clearErr != nil {
				o.logger.Warn("task %s: failed to clear stale remote session id: %v", taskID, clearErr)
			}
		}
		return "", tethererrors.NewSetup("validate remote session", err)
	}

	s, added := o.registry.Insert(NewSession(agentID, taskID, workspaceDir))
	if !added {
		return s.ID, nil
	}
	s.setRemoteSessionID(remoteSessionID)

	// Replay history through the normalizer: seeds seen sets and
	// fingerprints, and surfaces the backlog to the sink in order.
	messages, err := o.runtime.ListMessages(ctx, remoteSessionID, workspaceDir)
	if err != nil {
		o.registry.Remove(s.ID)
		return "", tethererrors.NewSetup("replay message history", err)
	}
	s.setReplaying(true)
	o.reconcile(ctx, s, messages)
	s.setReplaying(false)

	status := StatusIdle
	if doc, err := o.runtime.GetStatus(ctx, workspaceDir); err == nil {
		if doc[remoteSessionID].Type == runtime.StatusBusy {
			status = StatusWorking
		}
	} else {
		o.logger.Warn("session %s: status probe during resume failed: %v", s.ID, err)
	}
	s.setStatus(status)

	o.metrics.IncrementActiveSessions(ctx)
	o.notifyStatus(s)
	o.startPolling(s)

	o.logger.Info("session %s: resumed task %s from remote %s", s.ID, taskID, remoteSessionID)
	return s.ID, nil
}

// Send delivers a user message to a session. If the session was destroyed but
// a task id is supplied, a replacement session is transparently started
// (skipping the initial prompt) and its id is returned so the caller can
// rebind.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text, taskID string) (string, error) {
	s := o.registry.Get(sessionID)
	if s == nil {
		if taskID == "" {
			return "", ErrSessionNotFound
		}
		task, err := o.tasks.GetTask(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("%w: task %s unavailable for restart: %v", ErrSessionNotFound, taskID, err)
		}
		newID, err := o.Start(ctx, task.AgentID, taskID, "", true)
		if err != nil {
			return "", err
		}
		s = o.registry.Get(newID)
		if s == nil {
			return "", ErrSessionNotFound
		}
		sessionID = newID
	}

	if s.Status() == StatusError {
		return "", fmt.Errorf("session %s is in error state", sessionID)
	}

	s.setStatus(StatusWorking)
	o.notifyStatus(s)
	o.startPolling(s)
	o.dispatchPrompt(s, runtime.TextPrompt(text))

	return sessionID, nil
}

// Abort stops polling, cancels any in-flight prompt, asks the runtime to stop
// generating (best effort), flushes trailing output with one final reconcile
// pass, and settles the session to idle.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) error {
	s := o.registry.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.endPolling()
	s.cancelInflightPrompt()

	remoteID := s.RemoteSessionID()
	if remoteID != "" {
		if err := o.runtime.Abort(ctx, remoteID, s.WorkspaceDir); err != nil {
			o.logger.Warn("session %s: remote abort failed: %v", sessionID, err)
		}

		// Output the runtime already generated must still reach the sink.
		if messages, err := o.runtime.ListMessages(ctx, remoteID, s.WorkspaceDir); err == nil {
			o.reconcile(ctx, s, messages)
		} else if !tethererrors.IsCanceled(err) {
			o.logger.Warn("session %s: final reconcile after abort failed: %v", sessionID, err)
		}
	}

	s.setStatus(StatusIdle)
	o.notifyStatus(s)
	return nil
}

// Stop aborts the session and removes it from the registry. The remote
// session id stays on the task record so the task remains resumable.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	s := o.registry.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.endPolling()
	s.cancelInflightPrompt()

	if remoteID := s.RemoteSessionID(); remoteID != "" {
		if err := o.runtime.Abort(ctx, remoteID, s.WorkspaceDir); err != nil {
			o.logger.Warn("session %s: remote abort failed: %v", sessionID, err)
		}
	}

	o.registry.Remove(sessionID)
	o.metrics.DecrementActiveSessions(ctx)
	o.logger.Info("session %s: stopped", sessionID)
	return nil
}

// RespondToPermission applies an approval decision locally. The runtime
// offers no permission-resolution endpoint yet, so the decision is not
// forwarded; the next prompt or poll picks the session back up.
func (o *Orchestrator) RespondToPermission(ctx context.Context, sessionID string, approved bool, message string) error {
	s := o.registry.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	if approved {
		s.setStatus(StatusWorking)
	} else {
		s.setStatus(StatusIdle)
	}
	o.notifyStatus(s)

	if message != "" {
		o.dispatchPrompt(s, runtime.TextPrompt(message))
	}
	return nil
}

// Learn runs a blocking feedback exchange: the caller wants the final result,
// so unlike normal sends the prompt is awaited. Task status is never touched
// in learning mode; on completion skills are synced and the session removed.
func (o *Orchestrator) Learn(ctx context.Context, sessionID, feedback string) error {
	s := o.registry.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.setLearning(true)
	s.setStatus(StatusWorking)

	start := time.Now()
	err := o.runtime.Prompt(ctx, s.RemoteSessionID(), s.WorkspaceDir, runtime.TextPrompt(feedback))
	o.metrics.RecordPrompt(ctx, promptOutcome(err), time.Since(start))
	if err != nil && !tethererrors.IsCanceled(err) {
		s.setLearning(false)
		return fmt.Errorf("learn exchange: %w", err)
	}

	s.endPolling()

	if o.skills != nil {
		async.Fire(o.logger, "session.syncSkills", func() error {
			return o.skills.SyncSkills(context.Background(), s.AgentID)
		})
	}

	o.registry.Remove(sessionID)
	o.metrics.DecrementActiveSessions(ctx)
	o.logger.Info("session %s: learning exchange complete", sessionID)
	return nil
}

// ensureReady verifies the runtime answers its health endpoint. Concurrent
// callers share a single probe.
func (o *Orchestrator) ensureReady(ctx context.Context) error {
	_, err, _ := o.ready.Do("runtime-health", func() (any, error) {
		return nil, o.runtime.Health(ctx)
	})
	return err
}

// dispatchPrompt fires a prompt without awaiting it. Completion failures
// other than explicit cancellation are logged only.
func (o *Orchestrator) dispatchPrompt(s *Session, prompt runtime.PromptRequest) {
	promptCtx, cancel := context.WithCancel(context.Background())
	s.setCancelPrompt(cancel)

	async.Fire(o.logger, "session.prompt", func() error {
		defer s.setCancelPrompt(nil)
		start := time.Now()
		err := o.runtime.Prompt(promptCtx, s.RemoteSessionID(), s.WorkspaceDir, prompt)
		o.metrics.RecordPrompt(promptCtx, promptOutcome(err), time.Since(start))
		return err
	})
}

func promptOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case tethererrors.IsCanceled(err):
		return "cancelled"
	default:
		return "error"
	}
}

// notifyStatus emits a status event unless the session is in learning mode.
func (o *Orchestrator) notifyStatus(s *Session) {
	if s.Learning() {
		return
	}
	o.sink.Status(StatusEvent{
		SessionID: s.ID,
		AgentID:   s.AgentID,
		TaskID:    s.TaskID,
		Status:    s.Status(),
	})
}

// emitSystem surfaces a remote-reported operational error as a synthetic
// system-role transcript entry.
func (o *Orchestrator) emitSystem(s *Session, id, content string) {
	o.sink.Output(OutputEvent{
		SessionID: s.ID,
		TaskID:    s.TaskID,
		Data: OutputData{
			ID:       id,
			Role:     "system",
			Content:  content,
			PartType: PartTypeSystem,
		},
	})
}
