// Package store persists orchestration state. Three backends share one
// interface: SQLite for single-node deployments, MySQL for shared ones, and
// an in-memory store for tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by conditional updates when the record exists
	// but is no longer in the expected status.
	ErrConflict = errors.New("status conflict")
)

// Orchestrator session statuses. A rejected gate fails its session, so
// there is no separate rejected status.
const (
	SessionRunning   = "running"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepGated     = "gated"
	StepFailed    = "failed"
)

// Runner sessions reuse SessionRunning, SessionPaused and SessionFailed;
// they have no completed or rejected state of their own.

// OrchSession is one orchestrated flow execution. CurrentIndex points at the
// next step to drive; RunnerSessionID binds the session to its execution
// context in the runner.
type OrchSession struct {
	ID              string    `json:"id"`
	Client          string    `json:"client"`
	FlowRef         string    `json:"flow_ref"`
	Status          string    `json:"status"`
	CurrentIndex    int       `json:"current_index"`
	RunnerSessionID string    `json:"runner_session_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// OrchStep is one materialized step of an orchestrator session. Result holds
// the runner's response payload once the step completes or gates.
type OrchStep struct {
	ID     string          `json:"id"`
	OrchID string          `json:"orch_id"`
	Idx    int             `json:"idx"`
	Name   string          `json:"name"`
	Role   string          `json:"role,omitempty"`
	Gate   string          `json:"gate,omitempty"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RunnerSession tracks execution-side accounting. QuotaTokens is nil when
// the session has no spend ceiling.
type RunnerSession struct {
	ID          string    `json:"id"`
	Client      string    `json:"client"`
	FlowRef     string    `json:"flow_ref"`
	Status      string    `json:"status"`
	QuotaTokens *int64    `json:"quota_tokens,omitempty"`
	SpentTokens int64     `json:"spent_tokens"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is a directory entry binding a client's agent to its roles and its
// onboarding reference.
type Agent struct {
	Client string   `json:"client"`
	ID     string   `json:"id"`
	Ref    string   `json:"ref"`
	Roles  []string `json:"roles"`
}

// ThreadMessage is one transcript entry.
type ThreadMessage struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Sender    string          `json:"sender"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence contract shared by all backends.
//
// Conditional updates (SetOrchStatus, SetStepStatus) enforce state machine
// transitions at the storage layer: they succeed only when the record is
// still in the expected status, returning ErrConflict otherwise. This is
// what makes concurrent approvals safe.
type Store interface {
	// Orchestrator sessions.
	CreateOrchSession(ctx context.Context, s *OrchSession) error
	OrchSession(ctx context.Context, id string) (*OrchSession, error)
	SetOrchStatus(ctx context.Context, id, from, to string) error
	SetOrchCursor(ctx context.Context, id string, currentIndex int) error

	// Steps.
	InsertOrchSteps(ctx context.Context, steps []OrchStep) error
	OrchSteps(ctx context.Context, orchID string) ([]OrchStep, error)
	OrchStepByID(ctx context.Context, id string) (*OrchStep, error)
	NextPendingStep(ctx context.Context, orchID string) (*OrchStep, error)
	SetStepStatus(ctx context.Context, stepID, from, to string, result json.RawMessage) error

	// Runner sessions.
	CreateRunnerSession(ctx context.Context, s *RunnerSession) error
	RunnerSession(ctx context.Context, id string) (*RunnerSession, error)
	SetRunnerStatus(ctx context.Context, id, status string) error
	SetQuota(ctx context.Context, id string, quota *int64) error
	AddSpentTokens(ctx context.Context, id string, delta int64) (int64, error)

	// Agent directory.
	RegisterAgent(ctx context.Context, a *Agent) error
	AgentsByClient(ctx context.Context, client string) ([]Agent, error)

	// Transcript.
	EnsureProject(ctx context.Context, key string) error
	EnsureThread(ctx context.Context, projectKey, sessionID, title string) (string, error)
	AddParticipant(ctx context.Context, threadID, agentRef string) error
	AppendMessage(ctx context.Context, m *ThreadMessage) error
	ThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)

	Close() error
}
