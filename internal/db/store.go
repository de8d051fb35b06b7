package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

var _ pipeline.Store = (*DB)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const stateColumns = `issue_id, repository, current_stage, classification, workspace_path,
	pr_number, pr_url, error, created_at, updated_at, version`

// Insert creates the state row and any history it already carries.
func (d *DB) Insert(ctx context.Context, st *pipeline.State) (bool, error) {
	classification, err := encodeJSON(st.Classification)
	if err != nil {
		return false, fmt.Errorf("encode classification: %w", err)
	}
	prNumber, prURL := prColumns(st.PullRequest)

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO pipeline_states (`+stateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (issue_id) DO NOTHING`),
		st.ID, st.Repository, string(st.Stage), classification, st.WorkspacePath,
		prNumber, prURL, st.Error, d.timeArg(st.CreatedAt), d.timeArg(st.UpdatedAt), st.Version,
	)
	if err != nil {
		return false, fmt.Errorf("insert state %s: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert state %s: %w", st.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	for i := range st.History {
		if err := d.insertTransition(ctx, tx, st.ID, &st.History[i]); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert %s: %w", st.ID, err)
	}
	return true, nil
}

// Get returns the state and its full history.
func (d *DB) Get(ctx context.Context, id string) (*pipeline.State, error) {
	return d.load(ctx, d.conn, id, false)
}

// ListByStage returns every state in stage, oldest first.
func (d *DB) ListByStage(ctx context.Context, stage pipeline.Stage) ([]pipeline.State, error) {
	return d.list(ctx, `WHERE current_stage = ?`, string(stage))
}

// ListActive returns every state not in a terminal stage, oldest first.
func (d *DB) ListActive(ctx context.Context) ([]pipeline.State, error) {
	return d.list(ctx, `WHERE current_stage NOT IN (?, ?)`,
		string(pipeline.StageCompleted), string(pipeline.StageFailed))
}

// Update applies fn inside a transaction guarded by the stored version.
// Errors from fn are returned before the version is compared.
func (d *DB) Update(ctx context.Context, id string, expectedVersion int, fn pipeline.UpdateFunc) (*pipeline.State, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := d.load(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	tr, err := fn(next)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &pipeline.ConflictError{ID: id, Expected: expectedVersion, Actual: current.Version}
	}
	next.Version = current.Version + 1
	if tr != nil {
		if tr.Details, err = pipeline.NormalizeDetails(tr.Details); err != nil {
			return nil, err
		}
	}

	classification, err := encodeJSON(next.Classification)
	if err != nil {
		return nil, fmt.Errorf("encode classification: %w", err)
	}
	prNumber, prURL := prColumns(next.PullRequest)

	res, err := tx.ExecContext(ctx, d.rebind(
		`UPDATE pipeline_states
		 SET current_stage = ?, classification = ?, workspace_path = ?, pr_number = ?,
		     pr_url = ?, error = ?, updated_at = ?, version = ?
		 WHERE issue_id = ? AND version = ?`),
		string(next.Stage), classification, next.WorkspacePath, prNumber,
		prURL, next.Error, d.timeArg(next.UpdatedAt), next.Version,
		id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update state %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("update state %s: %w", id, err)
	} else if n != 1 {
		return nil, fmt.Errorf("%w: %s changed concurrently", pipeline.ErrVersionConflict, id)
	}

	if tr != nil {
		if err := d.insertTransition(ctx, tx, id, tr); err != nil {
			return nil, err
		}
		next.History = append(next.History, *tr)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", id, err)
	}
	return next, nil
}

func (d *DB) insertTransition(ctx context.Context, tx *sql.Tx, id string, tr *pipeline.Transition) error {
	var details any
	if len(tr.Details) > 0 {
		b, err := json.Marshal(tr.Details)
		if err != nil {
			return fmt.Errorf("encode transition details: %w", err)
		}
		details = string(b)
	}
	_, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO state_transitions (issue_id, from_stage, to_stage, timestamp, details)
		 VALUES (?, ?, ?, ?, ?)`),
		id, string(tr.From), string(tr.To), d.timeArg(tr.Timestamp), details,
	)
	if err != nil {
		return fmt.Errorf("insert transition %s: %w", id, err)
	}
	return nil
}

func (d *DB) load(ctx context.Context, q queryer, id string, forUpdate bool) (*pipeline.State, error) {
	query := `SELECT ` + stateColumns + ` FROM pipeline_states WHERE issue_id = ?`
	if forUpdate && d.dialect == Postgres {
		query += ` FOR UPDATE`
	}
	st, err := scanState(q.QueryRowContext(ctx, d.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", id, err)
	}
	if st.History, err = d.history(ctx, q, id); err != nil {
		return nil, err
	}
	return st, nil
}

func (d *DB) history(ctx context.Context, q queryer, id string) ([]pipeline.Transition, error) {
	rows, err := q.QueryContext(ctx, d.rebind(
		`SELECT from_stage, to_stage, timestamp, details
		 FROM state_transitions WHERE issue_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", id, err)
	}
	defer rows.Close()

	out := []pipeline.Transition{}
	for rows.Next() {
		var (
			tr       pipeline.Transition
			from, to string
			ts       dbTime
			details  sql.NullString
		)
		if err := rows.Scan(&from, &to, &ts, &details); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To, tr.Timestamp = pipeline.Stage(from), pipeline.Stage(to), ts.Time
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &tr.Details); err != nil {
				return nil, fmt.Errorf("decode transition details: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (d *DB) list(ctx context.Context, where string, args ...any) ([]pipeline.State, error) {
	rows, err := d.conn.QueryContext(ctx, d.rebind(
		`SELECT `+stateColumns+` FROM pipeline_states `+where+` ORDER BY created_at, issue_id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	var states []pipeline.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list states: %w", err)
	}
	rows.Close()

	// History is loaded after the cursor is released; SQLite runs on one connection.
	for i := range states {
		if states[i].History, err = d.history(ctx, d.conn, states[i].ID); err != nil {
			return nil, err
		}
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*pipeline.State, error) {
	var (
		st             pipeline.State
		stage          string
		classification sql.NullString
		prNumber       sql.NullInt64
		prURL          sql.NullString
		created        dbTime
		updated        dbTime
	)
	err := row.Scan(&st.ID, &st.Repository, &stage, &classification, &st.WorkspacePath,
		&prNumber, &prURL, &st.Error, &created, &updated, &st.Version)
	if err != nil {
		return nil, err
	}
	st.Stage = pipeline.Stage(stage)
	st.CreatedAt, st.UpdatedAt = created.Time, updated.Time
	if classification.Valid && classification.String != "" {
		var c pipeline.Classification
		if err := json.Unmarshal([]byte(classification.String), &c); err != nil {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		st.Classification = &c
	}
	if prNumber.Valid {
		st.PullRequest = &pipeline.PullRequestRef{Number: int(prNumber.Int64), URL: prURL.String}
	}
	return &st, nil
}

func encodeJSON(v *pipeline.Classification) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func prColumns(pr *pipeline.PullRequestRef) (number, url any) {
	if pr == nil {
		return nil, nil
	}
	return pr.Number, pr.URL
}

// timeLayout is fixed width so SQLite's text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func (d *DB) timeArg(t time.Time) any {
	t = t.UTC()
	if d.dialect == Postgres {
		return t
	}
	return t.Format(timeLayout)
}

// dbTime scans timestamps stored natively (postgres) or as text (sqlite).
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		t.Time = x.UTC()
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	case int64:
		t.Time = time.Unix(x, 0).UTC()
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}
