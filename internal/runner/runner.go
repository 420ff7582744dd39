// Package runner executes single flow steps: it validates the agent
// reference, loads onboarding, enforces gates and quotas, invokes providers
// with fallback, and persists the transcript.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arka-os/arka/internal/emit"
	"github.com/arka-os/arka/internal/flow"
	"github.com/arka-os/arka/internal/metrics"
	"github.com/arka-os/arka/internal/onboarding"
	"github.com/arka-os/arka/internal/provider"
	"github.com/arka-os/arka/internal/redact"
	"github.com/arka-os/arka/internal/store"
)

// Step response statuses.
const (
	StatusOK    = "ok"
	StatusGated = "gated"
)

// DefaultBudgetTokens applies when neither the policy nor the configuration
// sets a per-step budget.
const DefaultBudgetTokens = 8192

// DefaultTemperature applies when the policy does not set one.
const DefaultTemperature = 0.2

var (
	// ErrNoProvider is returned when neither the policy nor onboarding
	// names a provider.
	ErrNoProvider = errors.New("no provider configured")

	// ErrFlowRefUnresolved is returned when a step arrives without flow_ref
	// and routing cannot resolve the intent.
	ErrFlowRefUnresolved = errors.New("flow ref unresolved")
)

// QuotaError rejects a step whose budget does not fit in the session quota.
// No provider call is made.
type QuotaError struct {
	Quota     int64
	Spent     int64
	Requested int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: spent %d + requested %d over quota %d", e.Spent, e.Requested, e.Quota)
}

// StepInfo describes the step being executed.
type StepInfo struct {
	Name   string         `json:"name,omitempty"`
	Role   string         `json:"role,omitempty"`
	Gate   string         `json:"gate,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Policy overrides the onboarding provider defaults for one step.
type Policy struct {
	Provider         string   `json:"provider,omitempty"`
	ProviderFallback []string `json:"provider_fallback,omitempty"`
	Operation        string   `json:"operation,omitempty"`
	Model            string   `json:"model,omitempty"`
	BudgetTokens     int64    `json:"budget_tokens,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
}

// Payload carries the step's conversational input.
type Payload struct {
	Messages []provider.Message `json:"messages,omitempty"`
	Text     string             `json:"text,omitempty"`
}

// StepRequest is one step execution request.
type StepRequest struct {
	SessionID      string   `json:"session_id"`
	AgentRef       string   `json:"agent_ref"`
	Intent         string   `json:"intent,omitempty"`
	FlowRef        string   `json:"flow_ref,omitempty"`
	Step           StepInfo `json:"step"`
	Payload        Payload  `json:"payload"`
	ProviderPolicy *Policy  `json:"provider_policy,omitempty"`
}

// GateInfo reports why a step stopped at a gate.
type GateInfo struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// StepResponse is the result of one step execution.
type StepResponse struct {
	Status string           `json:"status"`
	Result *provider.Output `json:"result,omitempty"`
	Usage  *provider.Usage  `json:"usage,omitempty"`
	Gate   *GateInfo        `json:"gate,omitempty"`
	Logs   []string         `json:"logs,omitempty"`
}

// Options configures a Service.
type Options struct {
	// AgentRoot is the ARKA OS directory holding onboarding profiles.
	AgentRoot string

	// Routing resolves intents to flow refs when a step arrives without
	// flow_ref. Optional.
	Routing Routing

	// RedactPII enables masking of emails, phone numbers and IBANs in
	// request messages and persisted output.
	RedactPII bool

	// DefaultBudget replaces DefaultBudgetTokens when positive.
	DefaultBudget int64

	Logger  *slog.Logger
	Metrics *metrics.RunnerMetrics
	Emitter emit.Emitter
}

// Service is the step executor.
type Service struct {
	store         store.Store
	providers     *provider.Registry
	agentRoot     string
	routing       Routing
	redactPII     bool
	defaultBudget int64
	logger        *slog.Logger
	metrics       *metrics.RunnerMetrics
	emitter       emit.Emitter
}

// New creates a Service backed by st and the provider registry.
func New(st store.Store, providers *provider.Registry, opts Options) *Service {
	budget := opts.DefaultBudget
	if budget <= 0 {
		budget = DefaultBudgetTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{
		store:         st,
		providers:     providers,
		agentRoot:     opts.AgentRoot,
		routing:       opts.Routing,
		redactPII:     opts.RedactPII,
		defaultBudget: budget,
		logger:        logger,
		metrics:       opts.Metrics,
		emitter:       emitter,
	}
}

// CreateSession opens a runner session for a flow execution. quota is the
// optional token ceiling.
func (s *Service) CreateSession(ctx context.Context, client, flowRef string, quota *int64) (*store.RunnerSession, error) {
	sess := &store.RunnerSession{
		ID:          uuid.NewString(),
		Client:      client,
		FlowRef:     flowRef,
		Status:      store.SessionRunning,
		QuotaTokens: quota,
	}
	if err := s.store.CreateRunnerSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create runner session: %w", err)
	}
	s.logger.Info("runner session created", "session_id", sess.ID, "client", client, "flow_ref", flowRef)
	return sess, nil
}

// Session returns a runner session by id.
func (s *Service) Session(ctx context.Context, id string) (*store.RunnerSession, error) {
	return s.store.RunnerSession(ctx, id)
}

// SetQuota replaces the session's token ceiling. Nil removes the ceiling.
// Tokens already spent stay counted against the new quota.
func (s *Service) SetQuota(ctx context.Context, id string, quota *int64) error {
	return s.store.SetQuota(ctx, id, quota)
}

// RunStep executes one step.
//
// Gates short-circuit before any quota or provider work. Provider failures
// mark the runner session failed; validation failures leave it untouched.
func (s *Service) RunStep(ctx context.Context, req StepRequest) (*StepResponse, error) {
	if s.metrics != nil {
		s.metrics.Steps.Inc()
	}

	ref, err := onboarding.ParseAgentRef(req.AgentRef)
	if err != nil {
		return nil, err
	}

	ob, err := onboarding.Load(s.agentRoot, ref)
	if err != nil {
		return nil, err
	}

	flowRef := req.FlowRef
	if flowRef == "" {
		flowRef, err = s.resolveFlowRef(ctx, req.Intent, ref.Client)
		if err != nil {
			return nil, err
		}
	}

	if flow.Gate(req.Step.Gate).Known() {
		if err := s.store.SetRunnerStatus(ctx, req.SessionID, store.SessionPaused); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.GatePauses.Inc()
		}
		s.emitter.Emit(emit.Event{
			SessionID: req.SessionID,
			StepName:  req.Step.Name,
			Msg:       "step_gated",
			Meta:      map[string]any{"gate": req.Step.Gate},
		})
		return &StepResponse{
			Status: StatusGated,
			Gate:   &GateInfo{Kind: req.Step.Gate, Reason: "gate required by step"},
		}, nil
	}

	policy := req.ProviderPolicy
	if policy == nil {
		policy = &Policy{}
	}
	candidates := providerCandidates(policy, ob)
	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	budget := policy.BudgetTokens
	if budget <= 0 {
		budget = s.defaultBudget
	}
	temperature := policy.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	operation := policy.Operation
	if operation == "" {
		operation = provider.OpChat
	}
	model := policy.Model
	if model == "" {
		model = ob.Provider.Model
	}

	sess, err := s.store.RunnerSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.QuotaTokens != nil {
		quota := *sess.QuotaTokens
		if sess.SpentTokens >= quota || sess.SpentTokens+budget > quota {
			return nil, &QuotaError{Quota: quota, Spent: sess.SpentTokens, Requested: budget}
		}
	}

	messages := req.Payload.Messages
	if s.redactPII {
		messages = redactMessages(messages)
	}

	invokeReq := provider.InvokeRequest{
		Operation:    operation,
		Model:        model,
		Input:        provider.Input{System: ob.Prompts.System, Messages: messages},
		BudgetTokens: budget,
		Temperature:  temperature,
	}

	resp, err := s.providers.InvokeWithFallback(ctx, candidates, invokeReq)
	if err != nil {
		if statusErr := s.store.SetRunnerStatus(ctx, req.SessionID, store.SessionFailed); statusErr != nil {
			s.logger.Error("mark session failed", "session_id", req.SessionID, "error", statusErr)
		}
		if s.metrics != nil {
			s.metrics.Failures.Inc()
		}
		s.emitter.Emit(emit.Event{
			SessionID: req.SessionID,
			StepName:  req.Step.Name,
			Msg:       "step_failed",
			Meta:      map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	output := resp.Output
	if s.redactPII {
		output.Text = redact.Text(output.Text)
		if len(output.Messages) > 0 {
			masked := make([]provider.Message, len(output.Messages))
			copy(masked, output.Messages)
			for i := range masked {
				masked[i].Content = redact.Text(masked[i].Content)
			}
			output.Messages = masked
		}
	}

	if err := s.persistTranscript(ctx, ref, req, flowRef, output, resp); err != nil {
		return nil, err
	}

	if _, err := s.store.AddSpentTokens(ctx, req.SessionID, resp.Usage.Total()); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TokensSpent.Add(float64(resp.Usage.Total()))
	}
	if err := s.store.SetRunnerStatus(ctx, req.SessionID, store.SessionRunning); err != nil {
		return nil, err
	}

	s.emitter.Emit(emit.Event{
		SessionID: req.SessionID,
		StepName:  req.Step.Name,
		Msg:       "step_completed",
		Meta: map[string]any{
			"provider": resp.Provider,
			"model":    resp.Model,
			"tokens":   resp.Usage.Total(),
		},
	})

	usage := resp.Usage
	return &StepResponse{
		Status: StatusOK,
		Result: &output,
		Usage:  &usage,
		Logs:   []string{"step executed"},
	}, nil
}

func (s *Service) resolveFlowRef(ctx context.Context, intent, client string) (string, error) {
	if s.routing == nil {
		return "", fmt.Errorf("%w: no routing configured", ErrFlowRefUnresolved)
	}
	flowRef, err := s.routing.Resolve(ctx, intent, client)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFlowRefUnresolved, err)
	}
	if flowRef == "" {
		return "", fmt.Errorf("%w: intent %q", ErrFlowRefUnresolved, intent)
	}
	return flowRef, nil
}

// providerCandidates orders providers: explicit policy provider, onboarding
// default, then the fallback list with duplicates removed.
func providerCandidates(policy *Policy, ob *onboarding.Onboarding) []string {
	primary := policy.Provider
	if primary == "" {
		primary = ob.Provider.Default
	}

	var candidates []string
	if primary != "" {
		candidates = append(candidates, primary)
	}
	fallback := policy.ProviderFallback
	if len(fallback) == 0 {
		fallback = ob.Provider.Fallback
	}
	for _, p := range fallback {
		if p != "" && p != primary {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func redactMessages(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		m.Content = redact.Text(m.Content)
		out[i] = m
	}
	return out
}

// persistTranscript appends the step result to the session's thread in the
// client's default project.
func (s *Service) persistTranscript(ctx context.Context, ref onboarding.AgentRef, req StepRequest, flowRef string, output provider.Output, resp *provider.InvokeResponse) error {
	projectKey := ref.Client + "-CORE"
	if err := s.store.EnsureProject(ctx, projectKey); err != nil {
		return fmt.Errorf("ensure project %s: %w", projectKey, err)
	}

	title := fmt.Sprintf("RUN %s [%s]", shortID(req.SessionID), flowRef)
	threadID, err := s.store.EnsureThread(ctx, projectKey, req.SessionID, title)
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	if err := s.store.AddParticipant(ctx, threadID, req.AgentRef); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}

	content, err := json.Marshal(map[string]any{
		"session_id": req.SessionID,
		"flow_ref":   flowRef,
		"step":       req.Step,
		"result":     output,
		"usage":      resp.Usage,
		"provider":   resp.Provider,
		"model":      resp.Model,
	})
	if err != nil {
		return fmt.Errorf("encode transcript message: %w", err)
	}
	return s.store.AppendMessage(ctx, &store.ThreadMessage{
		ThreadID: threadID,
		Sender:   req.AgentRef,
		Content:  content,
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
