package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/job"
)

// ErrNotFound indicates the record is not in the history.
var ErrNotFound = errors.New("not found in history")

// Recorder writes command and job snapshots to a migrated database.
type Recorder struct {
	db *sql.DB
}

var (
	_ command.Recorder = (*Recorder)(nil)
	_ job.Recorder     = (*Recorder)(nil)
)

// NewRecorder returns a Recorder over db. Call Migrate first.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// DB returns the underlying database.
func (r *Recorder) DB() *sql.DB { return r.db }

// RecordCommand upserts the command row and appends any transitions not
// yet stored.
func (r *Recorder) RecordCommand(ctx context.Context, c command.Command) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO commands
		 (command_id, zone, agent, status, exit_code, log_ref, reason, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET
		   agent = excluded.agent,
		   status = excluded.status,
		   exit_code = excluded.exit_code,
		   log_ref = excluded.log_ref,
		   reason = excluded.reason,
		   updated_at = excluded.updated_at`,
		c.ID, c.Zone, nullString(c.Agent), string(c.Status), nullInt(c.ExitCode), nullString(c.LogRef),
		nullString(c.Reason), string(payload), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert command: %w", err)
	}

	for i, tr := range c.History {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO command_transitions (command_id, seq, status, at, reason)
			 VALUES (?, ?, ?, ?, ?)`,
			c.ID, i, string(tr.Status), formatTime(tr.At), nullString(tr.Reason)); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit command: %w", err)
	}
	return nil
}

// GetCommand loads a command with its full transition history.
func (r *Recorder) GetCommand(ctx context.Context, id string) (command.Command, error) {
	var (
		c                     command.Command
		agent, logRef, reason sql.NullString
		exitCode              sql.NullInt64
		status, payload       string
		createdAt, updatedAt  string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT command_id, zone, agent, status, exit_code, log_ref, reason, payload, created_at, updated_at
		 FROM commands WHERE command_id = ?`, id).
		Scan(&c.ID, &c.Zone, &agent, &status, &exitCode, &logRef, &reason, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return command.Command{}, fmt.Errorf("%w: command %s", ErrNotFound, id)
	}
	if err != nil {
		return command.Command{}, fmt.Errorf("query command: %w", err)
	}

	c.Status = command.Status(status)
	c.Agent = agent.String
	c.LogRef = logRef.String
	c.Reason = reason.String
	c.ExitCode = intFromNull(exitCode)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return command.Command{}, fmt.Errorf("decode payload: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, at, reason FROM command_transitions WHERE command_id = ? ORDER BY seq`, id)
	if err != nil {
		return command.Command{}, fmt.Errorf("query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			st, at string
			why    sql.NullString
		)
		if err := rows.Scan(&st, &at, &why); err != nil {
			return command.Command{}, fmt.Errorf("scan transition: %w", err)
		}
		c.History = append(c.History, command.Transition{Status: command.Status(st), At: parseTime(at), Reason: why.String})
	}
	if err := rows.Err(); err != nil {
		return command.Command{}, fmt.Errorf("iterate transitions: %w", err)
	}
	return c, nil
}

// CommandQuery filters ListCommands.
type CommandQuery struct {
	Zone   string
	Status command.Status
	Limit  int
}

// ListCommands returns commands without their history, newest first.
func (r *Recorder) ListCommands(ctx context.Context, q CommandQuery) ([]command.Command, error) {
	query := `SELECT command_id, zone, agent, status, exit_code, log_ref, reason, created_at, updated_at
		FROM commands WHERE 1=1`
	var args []any
	if q.Zone != "" {
		query += ` AND zone = ?`
		args = append(args, q.Zone)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY created_at DESC, command_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []command.Command
	for rows.Next() {
		var (
			c                     command.Command
			agent, logRef, reason sql.NullString
			exitCode              sql.NullInt64
			status                string
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&c.ID, &c.Zone, &agent, &status, &exitCode, &logRef, &reason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.Status = command.Status(status)
		c.Agent = agent.String
		c.LogRef = logRef.String
		c.Reason = reason.String
		c.ExitCode = intFromNull(exitCode)
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordJob upserts the job and all of its steps.
func (r *Recorder) RecordJob(ctx context.Context, j job.Job) error {
	warnings, err := json.Marshal(j.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, flow, status, outcome, failed_step, warnings, cancelled, reason, created_at, updated_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status = excluded.status,
		   outcome = excluded.outcome,
		   failed_step = excluded.failed_step,
		   warnings = excluded.warnings,
		   cancelled = excluded.cancelled,
		   reason = excluded.reason,
		   updated_at = excluded.updated_at,
		   finished_at = excluded.finished_at`,
		j.ID, j.Flow, string(j.Status), j.Outcome(), nullString(j.FailedStep), string(warnings),
		boolInt(j.Cancelled), nullString(j.Reason), formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		nullTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_steps
		 (job_id, seq, path, zone, status, allow_failure, command_id, command_status, attempts,
		  exit_code, log_refs, reason, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, seq) DO UPDATE SET
		   status = excluded.status,
		   command_id = excluded.command_id,
		   command_status = excluded.command_status,
		   attempts = excluded.attempts,
		   exit_code = excluded.exit_code,
		   log_refs = excluded.log_refs,
		   reason = excluded.reason,
		   started_at = excluded.started_at,
		   finished_at = excluded.finished_at,
		   duration_ms = excluded.duration_ms`)
	if err != nil {
		return fmt.Errorf("prepare step upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, st := range j.Steps {
		refs, err := json.Marshal(st.LogRefs)
		if err != nil {
			return fmt.Errorf("encode log refs: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			j.ID, i, st.Path, st.Zone, string(st.Status), boolInt(st.AllowFailure), nullString(st.CommandID),
			nullString(string(st.CommandStatus)), st.Attempts, nullInt(st.ExitCode), string(refs),
			nullString(st.Reason), nullTime(st.StartedAt), nullTime(st.FinishedAt), st.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("upsert step %s: %w", st.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// GetJob loads a job and its steps. Step payloads are not stored.
func (r *Recorder) GetJob(ctx context.Context, id string) (job.Job, error) {
	var (
		j                    job.Job
		status, outcome      string
		failedStep, reason   sql.NullString
		warnings, finishedAt sql.NullString
		cancelled            int
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT job_id, flow, status, outcome, failed_step, warnings, cancelled, reason, created_at, updated_at, finished_at
		 FROM jobs WHERE job_id = ?`, id).
		Scan(&j.ID, &j.Flow, &status, &outcome, &failedStep, &warnings, &cancelled, &reason, &createdAt, &updatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("query job: %w", err)
	}
	j.Status = job.Status(status)
	j.FailedStep = failedStep.String
	j.Reason = reason.String
	j.Cancelled = cancelled != 0
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.FinishedAt = parseTime(finishedAt.String)
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &j.Warnings); err != nil {
			return job.Job{}, fmt.Errorf("decode warnings: %w", err)
		}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT path, zone, status, allow_failure, command_id, command_status, attempts, exit_code,
		        log_refs, reason, started_at, finished_at, duration_ms
		 FROM job_steps WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return job.Job{}, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			st                          job.Step
			stStatus                    string
			allowFailure                int
			cmdID, cmdStatus, refs, why sql.NullString
			startedAt, stFinishedAt     sql.NullString
			exitCode                    sql.NullInt64
			durationMS                  int64
		)
		if err := rows.Scan(&st.Path, &st.Zone, &stStatus, &allowFailure, &cmdID, &cmdStatus, &st.Attempts,
			&exitCode, &refs, &why, &startedAt, &stFinishedAt, &durationMS); err != nil {
			return job.Job{}, fmt.Errorf("scan step: %w", err)
		}
		st.Name = lastSegment(st.Path)
		st.Status = job.Status(stStatus)
		st.AllowFailure = allowFailure != 0
		st.CommandID = cmdID.String
		st.CommandStatus = command.Status(cmdStatus.String)
		st.ExitCode = intFromNull(exitCode)
		st.Reason = why.String
		st.StartedAt = parseTime(startedAt.String)
		st.FinishedAt = parseTime(stFinishedAt.String)
		st.Duration = time.Duration(durationMS) * time.Millisecond
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &st.LogRefs); err != nil {
				return job.Job{}, fmt.Errorf("decode log refs: %w", err)
			}
		}
		j.Steps = append(j.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return job.Job{}, fmt.Errorf("iterate steps: %w", err)
	}
	return j, nil
}

// ListJobIDs returns job ids, newest first.
func (r *Recorder) ListJobIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT job_id FROM jobs ORDER BY created_at DESC, job_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
