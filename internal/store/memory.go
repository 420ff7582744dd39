package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. All data
// is lost on process exit. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	orchSessions   map[string]*OrchSession
	orchSteps      map[string]*OrchStep
	runnerSessions map[string]*RunnerSession
	agents         map[string][]Agent // keyed by client
	projects       map[string]struct{}
	threads        map[string]*memThread // keyed by thread id
	threadBySess   map[string]string
	messages       map[string][]ThreadMessage // keyed by thread id
}

type memThread struct {
	id           string
	projectKey   string
	sessionID    string
	title        string
	participants map[string]struct{}
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		orchSessions:   make(map[string]*OrchSession),
		orchSteps:      make(map[string]*OrchStep),
		runnerSessions: make(map[string]*RunnerSession),
		agents:         make(map[string][]Agent),
		projects:       make(map[string]struct{}),
		threads:        make(map[string]*memThread),
		threadBySess:   make(map[string]string),
		messages:       make(map[string][]ThreadMessage),
	}
}

func (s *MemoryStore) CreateOrchSession(_ context.Context, sess *OrchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	cp := *sess
	s.orchSessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) OrchSession(_ context.Context, id string) (*OrchSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.orchSessions[id]
	if !ok {
		return nil, fmt.Errorf("orch session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SetOrchStatus(_ context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.orchSessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if sess.Status != from {
		return fmt.Errorf("%s: %w", id, ErrConflict)
	}
	sess.Status = to
	return nil
}

func (s *MemoryStore) SetOrchCursor(_ context.Context, id string, currentIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.orchSessions[id]
	if !ok {
		return fmt.Errorf("orch session %s: %w", id, ErrNotFound)
	}
	sess.CurrentIndex = currentIndex
	return nil
}

func (s *MemoryStore) InsertOrchSteps(_ context.Context, steps []OrchStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		cp := *step
		s.orchSteps[step.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) OrchSteps(_ context.Context, orchID string) ([]OrchStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var steps []OrchStep
	for _, step := range s.orchSteps {
		if step.OrchID == orchID {
			steps = append(steps, *step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Idx < steps[j].Idx })
	return steps, nil
}

func (s *MemoryStore) OrchStepByID(_ context.Context, id string) (*OrchStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.orchSteps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	cp := *step
	return &cp, nil
}

func (s *MemoryStore) NextPendingStep(_ context.Context, orchID string) (*OrchStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next *OrchStep
	for _, step := range s.orchSteps {
		if step.OrchID != orchID || step.Status != StepPending {
			continue
		}
		if next == nil || step.Idx < next.Idx {
			next = step
		}
	}
	if next == nil {
		return nil, fmt.Errorf("no pending step for %s: %w", orchID, ErrNotFound)
	}
	cp := *next
	return &cp, nil
}

func (s *MemoryStore) SetStepStatus(_ context.Context, stepID, from, to string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.orchSteps[stepID]
	if !ok {
		return fmt.Errorf("%s: %w", stepID, ErrNotFound)
	}
	if step.Status != from {
		return fmt.Errorf("%s: %w", stepID, ErrConflict)
	}
	step.Status = to
	step.Result = result
	return nil
}

func (s *MemoryStore) CreateRunnerSession(_ context.Context, sess *RunnerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	cp := *sess
	s.runnerSessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) RunnerSession(_ context.Context, id string) (*RunnerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.runnerSessions[id]
	if !ok {
		return nil, fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SetRunnerStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.runnerSessions[id]
	if !ok {
		return fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	sess.Status = status
	return nil
}

func (s *MemoryStore) SetQuota(_ context.Context, id string, quota *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.runnerSessions[id]
	if !ok {
		return fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	sess.QuotaTokens = quota
	return nil
}

func (s *MemoryStore) AddSpentTokens(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.runnerSessions[id]
	if !ok {
		return 0, fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	sess.SpentTokens += delta
	return sess.SpentTokens, nil
}

func (s *MemoryStore) RegisterAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.agents[a.Client]
	for i := range list {
		if list[i].ID == a.ID {
			list[i] = *a
			return nil
		}
	}
	s.agents[a.Client] = append(list, *a)
	return nil
}

func (s *MemoryStore) AgentsByClient(_ context.Context, client string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.agents[client]
	out := make([]Agent, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) EnsureProject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[key] = struct{}{}
	return nil
}

func (s *MemoryStore) EnsureThread(_ context.Context, projectKey, sessionID, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.threadBySess[sessionID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.threads[id] = &memThread{
		id:           id,
		projectKey:   projectKey,
		sessionID:    sessionID,
		title:        title,
		participants: make(map[string]struct{}),
	}
	s.threadBySess[sessionID] = id
	return id, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, threadID, agentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	th.participants[agentRef] = struct{}{}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], *m)
	return nil
}

func (s *MemoryStore) ThreadMessages(_ context.Context, threadID string) ([]ThreadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[threadID]
	out := make([]ThreadMessage, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
