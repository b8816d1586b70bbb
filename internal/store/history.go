package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TaskRecord is the archived outcome of one coordinated task.
type TaskRecord struct {
	ID          string     `json:"id"`
	TaskType    string     `json:"task_type"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Success     bool       `json:"success"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Store) SaveTaskRecord(r *TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO task_history (id, task_type, priority, status, assigned_to, success, duration_ms, error, result, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			success = excluded.success,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			result = excluded.result,
			completed_at = excluded.completed_at`,
		r.ID, r.TaskType, r.Priority, r.Status, r.AssignedTo,
		boolToInt(r.Success), r.DurationMs, r.Error, r.Result, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task record: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRecord(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, task_type, priority, status, assigned_to, success, duration_ms, error, result, created_at, completed_at
		FROM task_history WHERE id = ?`, id)
	r, err := scanTaskRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task record: %w", err)
	}
	return r, nil
}

func (s *Store) ListTaskRecords(limit int) ([]TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, task_type, priority, status, assigned_to, success, duration_ms, error, result, created_at, completed_at
		FROM task_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		r, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *Store) ListTaskRecordsForAgent(agentID string, limit int) ([]TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, task_type, priority, status, assigned_to, success, duration_ms, error, result, created_at, completed_at
		FROM task_history WHERE assigned_to = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task records for agent: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		r, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// TaskStats aggregates the archive for the status surfaces.
type TaskStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Store) GetTaskStats() (TaskStats, error) {
	var st TaskStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM task_history`).Scan(&st.Total, &st.Succeeded, &st.Failed)
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	return st, nil
}

func scanTaskRecord(sc scanner) (*TaskRecord, error) {
	r := &TaskRecord{}
	var success int
	var assignedTo, errMsg, result sql.NullString
	err := sc.Scan(&r.ID, &r.TaskType, &r.Priority, &r.Status, &assignedTo,
		&success, &r.DurationMs, &errMsg, &result, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Success = success == 1
	r.AssignedTo = assignedTo.String
	r.Error = errMsg.String
	r.Result = result.String
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
