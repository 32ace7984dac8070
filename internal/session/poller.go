package session

import (
	"context"
	"fmt"
	"time"

	tethererrors "tether/internal/errors"
	"tether/internal/observability"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// tickTimeout bounds one poll tick. Status and message fetches are short
// calls; a tick that cannot finish inside this window is abandoned and the
// next scheduled tick starts fresh.
const tickTimeout = 30 * time.Second

// startPolling arms the per-session poll timer. The first tick fires after
// the initial delay; subsequent ticks re-arm only after the previous tick's
// work completes, so ticks for one session never overlap.
func (o *Orchestrator) startPolling(s *Session) {
	s.beginPolling(o.initialDelay, func() {
		o.pollTick(s)
	})
}

// pollTick runs one tick and re-arms the timer. The loop self-terminates when
// the session left the registry or entered the error state.
func (o *Orchestrator) pollTick(s *Session) {
	if o.registry.Get(s.ID) == nil || s.Status() == StatusError {
		s.endPolling()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	ctx = observability.WithSessionID(ctx, s.ID)
	ctx = observability.WithTaskID(ctx, s.TaskID)

	if err := o.tick(ctx, s); err != nil {
		switch tethererrors.Classify(err) {
		case tethererrors.CategoryCancel:
			// Explicit cancellation is not a failure.
		case tethererrors.CategoryRemote:
			// Already surfaced as a system event and the session aborted.
			o.logger.Info("session %s: remote runtime error: %v", s.ID, err)
		default:
			// A single failed poll never kills the session.
			o.metrics.RecordPollError(ctx)
			o.logger.Warn("session %s: poll tick failed: %v", s.ID, err)
		}
	}
	cancel()

	s.rearm(o.interval)
}

// tick performs one status-check / reconcile / completion-fallback pass.
func (o *Orchestrator) tick(ctx context.Context, s *Session) error {
	ctx, span := o.tracing.StartSpan(ctx, observability.SpanPollTick)
	defer span.End()

	remoteID := s.RemoteSessionID()
	if remoteID == "" {
		return nil
	}

	doc, err := o.runtime.GetStatus(ctx, s.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("status fetch: %w", err)
	}
	remote := doc[remoteID]

	// The serialized status compare is the primary cost control: an
	// unchanged snapshot means no new notifications and no message fetch
	// this tick. The completion fallback below sits behind this gate on
	// purpose: it covers a status value lagging behind the transcript, and
	// a lagging value still changes the serialized snapshot when it lands.
	changed := s.remoteStatusChanged(serializeStatus(remote))
	o.metrics.RecordPollTick(ctx, changed)
	if !changed {
		return nil
	}

	becameIdle := false
	switch remote.Type {
	case runtime.StatusBusy:
		s.setStatus(StatusWorking)
		o.notifyStatus(s)
	case runtime.StatusRetry:
		message := remote.Message
		if message == "" {
			message = "runtime is retrying the request"
		}
		remoteErr := &tethererrors.RemoteError{RemoteSessionID: remoteID, Message: message}
		o.emitSystem(s, remoteID+":retry", "Runtime error: "+remoteErr.Message)
		if err := o.Abort(ctx, s.ID); err != nil {
			return err
		}
		return remoteErr
	case runtime.StatusIdle:
		becameIdle = true
	}

	messages, err := o.runtime.ListMessages(ctx, remoteID, s.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("message fetch: %w", err)
	}
	o.reconcile(ctx, s, messages)

	if becameIdle {
		o.transitionIdle(ctx, s, messages)
		return nil
	}

	// Fallback: a completion timestamp on the newest assistant message means
	// the turn finished even if the status field lagged behind.
	if s.Status() == StatusWorking && lastAssistantCompleted(messages) {
		o.transitionIdle(ctx, s, messages)
	}
	return nil
}

func serializeStatus(status runtime.SessionStatus) string {
	return status.Type + "|" + status.Message
}

func lastAssistantCompleted(messages []runtime.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].CompletedAt > 0
		}
	}
	return false
}

// reconcile diffs a message list against the session's dedup state and emits
// only parts that are new or whose fingerprint changed, in list order.
func (o *Orchestrator) reconcile(ctx context.Context, s *Session, messages []runtime.Message) {
	for _, msg := range messages {
		if s.markMessageSeen(msg.ID) && msg.Error != nil {
			o.emitSystem(s, msg.ID+":error", "Agent error: "+msg.Error.Message)
		}

		for _, part := range msg.Parts {
			o.reconcilePart(ctx, s, msg, part)
		}
	}
}

func (o *Orchestrator) reconcilePart(ctx context.Context, s *Session, msg runtime.Message, part runtime.Part) {
	storedFP, seen := s.partState(part.ID)

	if !seen {
		payload := Normalize(part)
		// The id is recorded even when the payload is nil so internal
		// parts are never re-examined.
		s.recordPart(part.ID, Fingerprint(part, payload))
		if payload != nil {
			o.emitPayload(ctx, s, msg, part, payload, false)
		}
		return
	}

	payload := Normalize(part)
	fp := Fingerprint(part, payload)
	if fp == "" || fp == storedFP {
		return
	}
	s.recordPart(part.ID, fp)
	if payload != nil {
		o.emitPayload(ctx, s, msg, part, payload, true)
	}
}

func (o *Orchestrator) emitPayload(ctx context.Context, s *Session, msg runtime.Message, part runtime.Part, payload *Payload, update bool) {
	// A pending question means the agent is blocked on human input; the
	// approval response flips the status back. Historical questions seen
	// during a resume replay were already answered and must not flip.
	if payload.PartType == PartTypeQuestion && !s.Replaying() &&
		s.compareAndSetStatus(StatusWorking, StatusWaitingApproval) {
		o.notifyStatus(s)
	}

	o.metrics.RecordPartEmitted(ctx, payload.PartType, update)
	o.sink.Output(OutputEvent{
		SessionID: s.ID,
		TaskID:    s.TaskID,
		Data: OutputData{
			ID:          part.ID,
			Role:        msg.Role,
			Content:     payload.Content,
			PartType:    payload.PartType,
			Tool:        payload.Tool,
			StepMetrics: payload.StepMetrics,
			Update:      update,
		},
	})
}

// transitionIdle runs the one-time working→idle edge: output extraction, then
// task-status update, then the idle notification, in that order, so a
// collaborator re-fetching the task after being notified already sees the
// extracted values. Re-entrant calls are no-ops. In learning mode only the
// local status flips.
func (o *Orchestrator) transitionIdle(ctx context.Context, s *Session, messages []runtime.Message) {
	if !s.compareAndSetStatus(StatusWorking, StatusIdle) {
		return
	}
	if s.Learning() {
		return
	}

	ctx, span := o.tracing.StartSpan(ctx, observability.SpanIdleTransition)
	defer span.End()

	o.extractOutputs(ctx, s, messages)

	if err := o.tasks.UpdateTaskStatus(ctx, s.TaskID, storage.TaskStatusInReview); err != nil {
		o.logger.Warn("session %s: failed to update task status: %v", s.ID, err)
	}

	o.notifyStatus(s)
	o.logger.Info("session %s: idle", s.ID)
}

// extractOutputs maps the session transcript onto the task's output fields.
// Failures here are logged and swallowed; extraction must never block the
// idle notification.
func (o *Orchestrator) extractOutputs(ctx context.Context, s *Session, messages []runtime.Message) {
	ctx, span := o.tracing.StartSpan(ctx, observability.SpanOutputExtraction)
	defer span.End()

	task, err := o.tasks.GetTask(ctx, s.TaskID)
	if err != nil {
		o.logger.Warn("session %s: extraction skipped, task load failed: %v", s.ID, err)
		return
	}
	if len(task.OutputFields) == 0 {
		return
	}

	if messages == nil {
		messages, err = o.runtime.ListMessages(ctx, s.RemoteSessionID(), s.WorkspaceDir)
		if err != nil {
			o.logger.Warn("session %s: extraction skipped, message fetch failed: %v", s.ID, err)
			return
		}
	}

	result := ExtractOutputs(messages, task.OutputFields)
	o.metrics.RecordExtraction(ctx, result.Recovered, result.Mapped)
	if result.Mapped == 0 {
		return
	}

	if err := o.tasks.UpdateTaskOutputFields(ctx, s.TaskID, result.Fields); err != nil {
		o.logger.Warn("session %s: failed to persist output fields: %v", s.ID, err)
	}
}
