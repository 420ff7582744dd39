// Package orch drives flow sessions through their state machine: it
// materializes steps from a flow definition, assigns agents, calls the
// runner, and handles gate pause/approve/reject.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arka-os/arka/internal/agent"
	"github.com/arka-os/arka/internal/emit"
	"github.com/arka-os/arka/internal/flow"
	"github.com/arka-os/arka/internal/metrics"
	"github.com/arka-os/arka/internal/runner"
	"github.com/arka-os/arka/internal/store"
)

// InvalidStateError rejects approve/reject on a step that is not gated.
// Nothing is mutated.
type InvalidStateError struct {
	StepID string
	Detail string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("step %s: %s", e.StepID, e.Detail)
}

// RunnerError wraps a failure to reach the runner while starting a flow.
// Nothing is persisted when it occurs.
type RunnerError struct {
	Err error
}

func (e *RunnerError) Error() string { return "runner: " + e.Err.Error() }
func (e *RunnerError) Unwrap() error { return e.Err }

// RunnerClient is the engine's view of the runner. The in-process binding
// wraps *runner.Service directly; deployments that split the services use
// the HTTP client.
type RunnerClient interface {
	CreateSession(ctx context.Context, client, flowRef string, quota *int64) (string, error)
	RunStep(ctx context.Context, req runner.StepRequest) (*runner.StepResponse, error)
}

// StartOptions tunes start_flow.
type StartOptions struct {
	// AssignStrategy is recorded for future strategies; "auto" is the only
	// one implemented.
	AssignStrategy string

	// StartAtStep pre-completes all steps before this index. An index past
	// the end of the flow completes the session immediately.
	StartAtStep int

	// QuotaTokens caps the runner session's token spend. Nil means no cap.
	QuotaTokens *int64
}

// Engine is the orchestration state machine.
type Engine struct {
	store   store.Store
	flows   *flow.Loader
	agents  *agent.Resolver
	runner  RunnerClient
	metrics *metrics.OrchestratorMetrics
	emitter emit.Emitter
	logger  *slog.Logger
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Metrics *metrics.OrchestratorMetrics
	Emitter emit.Emitter
	Logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, flows *flow.Loader, agents *agent.Resolver, rc RunnerClient, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		store:   st,
		flows:   flows,
		agents:  agents,
		runner:  rc,
		metrics: opts.Metrics,
		emitter: emitter,
		logger:  logger,
	}
}

// StartFlow loads the flow, opens a runner session, persists the session and
// its steps, and drives execution until a gate, completion or failure.
//
// Flow load failures and runner failures abort before anything is persisted.
func (e *Engine) StartFlow(ctx context.Context, client, flowRef string, opts StartOptions) (*store.OrchSession, error) {
	steps, err := e.flows.LoadSteps(flowRef)
	if err != nil {
		return nil, err
	}

	runnerSID, err := e.runner.CreateSession(ctx, client, flowRef, opts.QuotaTokens)
	if err != nil {
		return nil, &RunnerError{Err: err}
	}

	sess := &store.OrchSession{
		ID:              uuid.NewString(),
		Client:          client,
		FlowRef:         flowRef,
		Status:          store.SessionRunning,
		RunnerSessionID: runnerSID,
	}
	if err := e.store.CreateOrchSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	orchSteps := make([]store.OrchStep, len(steps))
	for i, spec := range steps {
		status := store.StepPending
		if i < opts.StartAtStep {
			status = store.StepCompleted
		}
		orchSteps[i] = store.OrchStep{
			OrchID: sess.ID,
			Idx:    i,
			Name:   spec.Name,
			Role:   spec.Role,
			Gate:   string(spec.Gate),
			Status: status,
		}
	}
	if err := e.store.InsertOrchSteps(ctx, orchSteps); err != nil {
		return nil, fmt.Errorf("persist steps: %w", err)
	}

	if e.metrics != nil {
		e.metrics.SessionsStarted.Inc()
		e.metrics.SessionsRunning.Inc()
	}
	e.emitter.Emit(emit.Event{
		SessionID: sess.ID,
		Step:      -1,
		Msg:       "session_started",
		Meta:      map[string]any{"client": client, "flow_ref": flowRef},
	})

	if err := e.drive(ctx, sess, ""); err != nil {
		return nil, err
	}
	return e.store.OrchSession(ctx, sess.ID)
}

// Session returns an orchestrator session by id.
func (e *Engine) Session(ctx context.Context, id string) (*store.OrchSession, error) {
	return e.store.OrchSession(ctx, id)
}

// Steps returns the session's steps ordered by idx.
func (e *Engine) Steps(ctx context.Context, id string) ([]store.OrchStep, error) {
	return e.store.OrchSteps(ctx, id)
}

// Approve releases a gated step and resumes the drive loop from it.
//
// The gated-to-pending flip is a conditional update: of two concurrent
// approvals only one succeeds, the other gets InvalidStateError. The
// approved step executes even though its definition carries a gate.
func (e *Engine) Approve(ctx context.Context, stepID string) (*store.OrchSession, error) {
	step, err := e.store.OrchStepByID(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetStepStatus(ctx, stepID, store.StepGated, store.StepPending, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &InvalidStateError{StepID: stepID, Detail: "step is not gated"}
		}
		return nil, err
	}

	if err := e.store.SetOrchStatus(ctx, step.OrchID, store.SessionPaused, store.SessionRunning); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	if err := e.store.SetOrchCursor(ctx, step.OrchID, step.Idx); err != nil {
		return nil, err
	}

	sess, err := e.store.OrchSession(ctx, step.OrchID)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(emit.Event{
		SessionID: sess.ID,
		Step:      step.Idx,
		StepName:  step.Name,
		Msg:       "gate_approved",
	})

	if err := e.drive(ctx, sess, stepID); err != nil {
		return nil, err
	}
	return e.store.OrchSession(ctx, sess.ID)
}

// Reject fails a gated step and its session, terminally.
func (e *Engine) Reject(ctx context.Context, stepID string) error {
	step, err := e.store.OrchStepByID(ctx, stepID)
	if err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]any{"rejected": true, "gate": step.Gate})
	if err := e.store.SetStepStatus(ctx, stepID, store.StepGated, store.StepFailed, result); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &InvalidStateError{StepID: stepID, Detail: "step is not gated"}
		}
		return err
	}

	if err := e.store.SetOrchStatus(ctx, step.OrchID, store.SessionPaused, store.SessionFailed); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	if err := e.store.SetOrchCursor(ctx, step.OrchID, step.Idx); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.StepsFailed.Inc()
		e.metrics.SessionsFailed.Inc()
		e.metrics.SessionsRunning.Dec()
	}
	e.emitter.Emit(emit.Event{
		SessionID: step.OrchID,
		Step:      step.Idx,
		StepName:  step.Name,
		Msg:       "gate_rejected",
	})
	return nil
}

// drive executes pending steps in idx order until a gate, completion or
// failure. approvedStepID names a step whose gate was just approved; its
// gate marker is ignored for this pass only.
//
// The running gauge is decremented exactly once, on the terminal
// transitions inside this loop.
func (e *Engine) drive(ctx context.Context, sess *store.OrchSession, approvedStepID string) error {
	for {
		step, err := e.store.NextPendingStep(ctx, sess.ID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.store.SetOrchStatus(ctx, sess.ID, store.SessionRunning, store.SessionCompleted); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.SessionsRunning.Dec()
			}
			e.emitter.Emit(emit.Event{SessionID: sess.ID, Step: -1, Msg: "session_completed"})
			return nil
		}
		if err != nil {
			return err
		}

		if step.Gate != "" && step.ID != approvedStepID {
			result, _ := json.Marshal(map[string]any{"gate": step.Gate})
			if err := e.store.SetStepStatus(ctx, step.ID, store.StepPending, store.StepGated, result); err != nil {
				return err
			}
			if err := e.pauseAt(ctx, sess.ID, step.Idx); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.StepsGated.Inc()
				e.metrics.SessionsPaused.Inc()
			}
			e.emitter.Emit(emit.Event{
				SessionID: sess.ID,
				Step:      step.Idx,
				StepName:  step.Name,
				Msg:       "session_paused",
				Meta:      map[string]any{"gate": step.Gate},
			})
			return nil
		}

		agentRef, err := e.agents.PickAgentForRole(ctx, sess.Client, step.Role)
		if err != nil {
			if !errors.Is(err, agent.ErrNoAgent) {
				return err
			}
			result, _ := json.Marshal(map[string]any{"error": "no agent for role", "role": step.Role})
			if err := e.failAt(ctx, sess.ID, step, result); err != nil {
				return err
			}
			return nil
		}

		resp, err := e.runner.RunStep(ctx, runner.StepRequest{
			SessionID: sess.RunnerSessionID,
			AgentRef:  agentRef,
			FlowRef:   sess.FlowRef,
			Step:      runner.StepInfo{Name: step.Name, Role: step.Role},
		})
		if err != nil {
			result, _ := json.Marshal(map[string]any{"error": err.Error()})
			if err := e.failAt(ctx, sess.ID, step, result); err != nil {
				return err
			}
			return nil
		}

		result, _ := json.Marshal(resp)
		switch resp.Status {
		case runner.StatusOK:
			if err := e.store.SetStepStatus(ctx, step.ID, store.StepPending, store.StepCompleted, result); err != nil {
				return err
			}
			if err := e.store.SetOrchCursor(ctx, sess.ID, step.Idx+1); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.StepsCompleted.Inc()
			}
			e.emitter.Emit(emit.Event{
				SessionID: sess.ID,
				Step:      step.Idx,
				StepName:  step.Name,
				Msg:       "step_completed",
				Meta:      map[string]any{"agent_ref": agentRef},
			})

		case runner.StatusGated:
			if err := e.store.SetStepStatus(ctx, step.ID, store.StepPending, store.StepGated, result); err != nil {
				return err
			}
			if err := e.pauseAt(ctx, sess.ID, step.Idx); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.StepsGated.Inc()
				e.metrics.SessionsPaused.Inc()
			}
			return nil

		default:
			if err := e.failAt(ctx, sess.ID, step, result); err != nil {
				return err
			}
			return nil
		}
	}
}

func (e *Engine) pauseAt(ctx context.Context, orchID string, idx int) error {
	if err := e.store.SetOrchStatus(ctx, orchID, store.SessionRunning, store.SessionPaused); err != nil {
		return err
	}
	return e.store.SetOrchCursor(ctx, orchID, idx)
}

func (e *Engine) failAt(ctx context.Context, orchID string, step *store.OrchStep, result json.RawMessage) error {
	if err := e.store.SetStepStatus(ctx, step.ID, store.StepPending, store.StepFailed, result); err != nil {
		return err
	}
	if err := e.store.SetOrchStatus(ctx, orchID, store.SessionRunning, store.SessionFailed); err != nil {
		return err
	}
	if err := e.store.SetOrchCursor(ctx, orchID, step.Idx); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.StepsFailed.Inc()
		e.metrics.SessionsFailed.Inc()
		e.metrics.SessionsRunning.Dec()
	}
	e.emitter.Emit(emit.Event{
		SessionID: orchID,
		Step:      step.Idx,
		StepName:  step.Name,
		Msg:       "session_failed",
		Meta:      map[string]any{"error": string(result)},
	})
	return nil
}
