package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sqlStore implements Store over database/sql. SQLite and MySQL share it;
// every query sticks to the portable subset (? placeholders, VARCHAR keys,
// RFC 3339 text timestamps).
type sqlStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func (s *sqlStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Close closes the underlying database. Further calls fail.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *sqlStore) CreateOrchSession(ctx context.Context, sess *OrchSession) error {
	if err := s.guard(); err != nil {
		return err
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orch_sessions (id, client, flow_ref, status, current_index, runner_session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Client, sess.FlowRef, sess.Status, sess.CurrentIndex, sess.RunnerSessionID, encodeTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert orch session: %w", err)
	}
	return nil
}

func (s *sqlStore) OrchSession(ctx context.Context, id string) (*OrchSession, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client, flow_ref, status, current_index, runner_session_id, created_at
		 FROM orch_sessions WHERE id = ?`, id)

	var sess OrchSession
	var createdAt string
	err := row.Scan(&sess.ID, &sess.Client, &sess.FlowRef, &sess.Status, &sess.CurrentIndex, &sess.RunnerSessionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orch session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan orch session: %w", err)
	}
	sess.CreatedAt = decodeTime(createdAt)
	return &sess, nil
}

func (s *sqlStore) SetOrchStatus(ctx context.Context, id, from, to string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orch_sessions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("update orch status: %w", err)
	}
	return s.checkConditional(ctx, res, `SELECT 1 FROM orch_sessions WHERE id = ?`, id)
}

func (s *sqlStore) SetOrchCursor(ctx context.Context, id string, currentIndex int) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orch_sessions SET current_index = ? WHERE id = ?`, currentIndex, id)
	if err != nil {
		return fmt.Errorf("update orch cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("orch session %s: %w", id, ErrNotFound)
	}
	return nil
}

// checkConditional distinguishes a missing record from a lost status race
// after a conditional update touched zero rows.
func (s *sqlStore) checkConditional(ctx context.Context, res sql.Result, existsQuery, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	return fmt.Errorf("%s: %w", id, ErrConflict)
}

func (s *sqlStore) InsertOrchSteps(ctx context.Context, steps []OrchStep) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		result := step.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orch_steps (id, orch_id, idx, name, role, gate, status, result)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.OrchID, step.Idx, step.Name, step.Role, step.Gate, step.Status, string(result))
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.Idx, err)
		}
	}
	return tx.Commit()
}

func scanStep(scanner interface{ Scan(...any) error }) (*OrchStep, error) {
	var step OrchStep
	var result string
	err := scanner.Scan(&step.ID, &step.OrchID, &step.Idx, &step.Name, &step.Role, &step.Gate, &step.Status, &result)
	if err != nil {
		return nil, err
	}
	if result != "" && result != "null" {
		step.Result = json.RawMessage(result)
	}
	return &step, nil
}

const stepColumns = `id, orch_id, idx, name, role, gate, status, result`

func (s *sqlStore) OrchSteps(ctx context.Context, orchID string) ([]OrchStep, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM orch_steps WHERE orch_id = ? ORDER BY idx`, orchID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []OrchStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func (s *sqlStore) OrchStepByID(ctx context.Context, id string) (*OrchStep, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM orch_steps WHERE id = ?`, id)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	return step, nil
}

func (s *sqlStore) NextPendingStep(ctx context.Context, orchID string) (*OrchStep, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM orch_steps
		 WHERE orch_id = ? AND status = ? ORDER BY idx LIMIT 1`, orchID, StepPending)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pending step for %s: %w", orchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending step: %w", err)
	}
	return step, nil
}

func (s *sqlStore) SetStepStatus(ctx context.Context, stepID, from, to string, result json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	encoded := "null"
	if result != nil {
		encoded = string(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orch_steps SET status = ?, result = ? WHERE id = ? AND status = ?`,
		to, encoded, stepID, from)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	return s.checkConditional(ctx, res, `SELECT 1 FROM orch_steps WHERE id = ?`, stepID)
}

func (s *sqlStore) CreateRunnerSession(ctx context.Context, sess *RunnerSession) error {
	if err := s.guard(); err != nil {
		return err
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	var quota sql.NullInt64
	if sess.QuotaTokens != nil {
		quota = sql.NullInt64{Int64: *sess.QuotaTokens, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runner_sessions (id, client, flow_ref, status, quota_tokens, spent_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Client, sess.FlowRef, sess.Status, quota, sess.SpentTokens, encodeTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert runner session: %w", err)
	}
	return nil
}

func (s *sqlStore) RunnerSession(ctx context.Context, id string) (*RunnerSession, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client, flow_ref, status, quota_tokens, spent_tokens, created_at
		 FROM runner_sessions WHERE id = ?`, id)

	var sess RunnerSession
	var quota sql.NullInt64
	var createdAt string
	err := row.Scan(&sess.ID, &sess.Client, &sess.FlowRef, &sess.Status, &quota, &sess.SpentTokens, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan runner session: %w", err)
	}
	if quota.Valid {
		sess.QuotaTokens = &quota.Int64
	}
	sess.CreatedAt = decodeTime(createdAt)
	return &sess, nil
}

func (s *sqlStore) SetRunnerStatus(ctx context.Context, id, status string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runner_sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update runner status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) SetQuota(ctx context.Context, id string, quotaTokens *int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	var quota sql.NullInt64
	if quotaTokens != nil {
		quota = sql.NullInt64{Int64: *quotaTokens, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runner_sessions SET quota_tokens = ? WHERE id = ?`, quota, id)
	if err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) AddSpentTokens(ctx context.Context, id string, delta int64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runner_sessions SET spent_tokens = spent_tokens + ? WHERE id = ?`, delta, id)
	if err != nil {
		return 0, fmt.Errorf("add spent tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("runner session %s: %w", id, ErrNotFound)
	}

	var spent int64
	if err := tx.QueryRowContext(ctx,
		`SELECT spent_tokens FROM runner_sessions WHERE id = ?`, id).Scan(&spent); err != nil {
		return 0, fmt.Errorf("read spent tokens: %w", err)
	}
	return spent, tx.Commit()
}

func (s *sqlStore) RegisterAgent(ctx context.Context, a *Agent) error {
	if err := s.guard(); err != nil {
		return err
	}
	roles, err := json.Marshal(a.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	// Replace semantics keep re-registration idempotent.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE client = ? AND agent_id = ?`, a.Client, a.ID); err != nil {
		return fmt.Errorf("replace agent: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (client, agent_id, ref, roles) VALUES (?, ?, ?, ?)`,
		a.Client, a.ID, a.Ref, string(roles)); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *sqlStore) AgentsByClient(ctx context.Context, client string) ([]Agent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT client, agent_id, ref, roles FROM agents WHERE client = ? ORDER BY agent_id`, client)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var roles string
		if err := rows.Scan(&a.Client, &a.ID, &a.Ref, &roles); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(roles), &a.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *sqlStore) EnsureProject(ctx context.Context, key string) error {
	if err := s.guard(); err != nil {
		return err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE project_key = ?`, key).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check project: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO projects (project_key) VALUES (?)`, key); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *sqlStore) EnsureThread(ctx context.Context, projectKey, sessionID, title string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM threads WHERE session_id = ?`, sessionID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check thread: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_key, session_id, title) VALUES (?, ?, ?, ?)`,
		id, projectKey, sessionID, title); err != nil {
		return "", fmt.Errorf("insert thread: %w", err)
	}
	return id, nil
}

func (s *sqlStore) AddParticipant(ctx context.Context, threadID, agentRef string) error {
	if err := s.guard(); err != nil {
		return err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM thread_participants WHERE thread_id = ? AND agent_ref = ?`,
		threadID, agentRef).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check participant: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_participants (thread_id, agent_ref) VALUES (?, ?)`,
		threadID, agentRef); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, m *ThreadMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	content := "null"
	if m.Content != nil {
		content = string(m.Content)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, sender, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Sender, content, encodeTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *sqlStore) ThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, sender, content, created_at
		 FROM thread_messages WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var content, createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sender, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content != "" && content != "null" {
			m.Content = json.RawMessage(content)
		}
		m.CreatedAt = decodeTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
