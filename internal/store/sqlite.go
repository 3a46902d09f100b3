package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    execution_id   TEXT PRIMARY KEY,
    namespace      TEXT NOT NULL,
    process_name   TEXT NOT NULL,
    isolated       INTEGER NOT NULL,
    parent_id      TEXT NOT NULL,
    owner          TEXT NOT NULL,
    mode           TEXT NOT NULL,
    phase          TEXT NOT NULL,
    progress       REAL NOT NULL,
    task           TEXT NOT NULL,
    exception      TEXT,
    request_inputs TEXT,
    result_ref     TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    started_at     INTEGER,
    completed_at   INTEGER
)`

const selectColumns = `execution_id, namespace, process_name, isolated, parent_id,
	owner, mode, phase, progress, task, exception, request_inputs, result_ref,
	created_at, started_at, completed_at`

// identifierExpr renders model.Name.String() in SQL.
const identifierExpr = `(CASE WHEN namespace = '' THEN process_name ELSE namespace || ':' || process_name END)`

var columns = map[Field]string{
	FieldExecutionID: "execution_id",
	FieldIdentifier:  identifierExpr,
	FieldNamespace:   "namespace",
	FieldProcessName: "process_name",
	FieldPhase:       "phase",
	FieldProgress:    "progress",
	FieldOwner:       "owner",
	FieldTask:        "task",
	FieldIsolated:    "isolated",
	FieldParentID:    "parent_id",
	FieldMode:        "mode",
	FieldCreatedAt:   "created_at",
	FieldCompletedAt: "completed_at",
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Simple comparisons are pushed
// down into SQL; anything else is applied in memory after the native
// prefilter, before paging.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// A single connection serializes every statement, which makes each
	// operation linearizable and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create executions table")
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts a status record.
func (s *SQLiteStore) Save(ctx context.Context, st model.ExecutionStatus) error {
	var exception, inputs sql.NullString
	if st.Exception != nil {
		b, err := json.Marshal(st.Exception)
		if err != nil {
			return errors.Wrap(err, "encode exception")
		}
		exception = sql.NullString{String: string(b), Valid: true}
	}
	if st.RequestInputs != nil {
		b, err := json.Marshal(st.RequestInputs)
		if err != nil {
			return errors.Wrap(err, "encode request inputs")
		}
		inputs = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (
			execution_id, namespace, process_name, isolated, parent_id,
			owner, mode, phase, progress, task, exception, request_inputs,
			result_ref, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ExecutionID, st.Name.Namespace, st.Name.Local, boolInt(st.Isolated), st.ParentID,
		st.Owner, string(st.Mode), string(st.Phase), st.Progress, st.Task, exception, inputs,
		st.ResultRef, st.CreatedAt.UnixNano(), nullTime(st.StartedAt), nullTime(st.CompletedAt),
	)
	if err != nil {
		return errors.Wrap(err, "save execution")
	}
	return nil
}

// Get retrieves a status by execution id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.ExecutionStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM executions WHERE execution_id = ?`, id)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutionStatus{}, ErrNotFound
	}
	if err != nil {
		return model.ExecutionStatus{}, errors.Wrap(err, "get execution")
	}
	return st, nil
}

// List returns the matching statuses, ordered and windowed.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]model.ExecutionStatus, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	native, post := Split(q.Filter)
	where, args := whereClause(native)
	query := `SELECT ` + selectColumns + ` FROM executions` + where + orderClause(q.Sort)

	if post == nil {
		start := q.StartIndex
		if start < 0 {
			start = 0
		}
		limit := q.MaxCount
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, start)
		return s.query(ctx, s.db, query, args, nil)
	}

	all, err := s.query(ctx, s.db, query, args, post)
	if err != nil {
		return nil, err
	}
	return window(all, q.StartIndex, q.MaxCount), nil
}

// Count returns the number of statuses matching f.
func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := Validate(f); err != nil {
		return 0, err
	}

	native, post := Split(f)
	where, args := whereClause(native)
	if post == nil {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&n); err != nil {
			return 0, errors.Wrap(err, "count executions")
		}
		return n, nil
	}

	matched, err := s.query(ctx, s.db, `SELECT `+selectColumns+` FROM executions`+where, args, post)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Remove deletes every status matching f inside one transaction.
func (s *SQLiteStore) Remove(ctx context.Context, f Filter) (int, error) {
	if err := Validate(f); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin remove tx")
	}
	defer tx.Rollback()

	native, post := Split(f)
	where, args := whereClause(native)

	var removed int
	if post == nil {
		res, err := tx.ExecContext(ctx, `DELETE FROM executions`+where, args...)
		if err != nil {
			return 0, errors.Wrap(err, "delete executions")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "check rows affected")
		}
		removed = int(n)
	} else {
		matched, err := s.query(ctx, tx, `SELECT `+selectColumns+` FROM executions`+where, args, post)
		if err != nil {
			return 0, err
		}
		for _, st := range matched {
			if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE execution_id = ?`, st.ExecutionID); err != nil {
				return 0, errors.Wrapf(err, "delete execution %s", st.ExecutionID)
			}
		}
		removed = len(matched)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit remove tx")
	}
	return removed, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// query runs a SELECT of selectColumns and keeps the rows matching post.
func (s *SQLiteStore) query(ctx context.Context, q queryer, query string, args []any, post Filter) ([]model.ExecutionStatus, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	out := []model.ExecutionStatus{}
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		if post != nil && eval(post, &st) != triTrue {
			continue
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate executions")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (model.ExecutionStatus, error) {
	var (
		st                     model.ExecutionStatus
		isolated               int
		mode, phase            string
		exception, inputs      sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&st.ExecutionID, &st.Name.Namespace, &st.Name.Local, &isolated, &st.ParentID,
		&st.Owner, &mode, &phase, &st.Progress, &st.Task, &exception, &inputs,
		&st.ResultRef, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.ExecutionStatus{}, err
	}

	st.Isolated = isolated != 0
	st.Mode = model.Mode(mode)
	st.Phase = model.Phase(phase)
	st.CreatedAt = time.Unix(0, createdAt).UTC()
	st.StartedAt = fromNullTime(startedAt)
	st.CompletedAt = fromNullTime(completedAt)

	if exception.Valid {
		var f model.Failure
		if err := json.Unmarshal([]byte(exception.String), &f); err != nil {
			return model.ExecutionStatus{}, errors.Wrap(err, "decode exception")
		}
		st.Exception = &f
	}
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &st.RequestInputs); err != nil {
			return model.ExecutionStatus{}, errors.Wrap(err, "decode request inputs")
		}
	}
	return st, nil
}

// whereClause renders a native filter. A nil filter renders nothing.
func whereClause(f Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var args []any
	expr := sqlExpr(f, &args)
	return " WHERE " + expr, args
}

func sqlExpr(f Filter, args *[]any) string {
	switch f := f.(type) {
	case Compare:
		v, _ := coerce(f.Field, f.Value)
		if b, ok := v.(bool); ok {
			v = boolInt(b)
		}
		*args = append(*args, v)
		return fmt.Sprintf("%s %s ?", columns[f.Field], f.Op)
	case And:
		if len(f) == 0 {
			return "1"
		}
		parts := make([]string, len(f))
		for i, c := range f {
			parts[i] = sqlExpr(c, args)
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case Or:
		if len(f) == 0 {
			return "0"
		}
		parts := make([]string, len(f))
		for i, c := range f {
			parts[i] = sqlExpr(c, args)
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	case Not:
		return "(NOT " + sqlExpr(f.Filter, args) + ")"
	}
	// Split never hands a non-native filter to SQL.
	return "1"
}

func orderClause(sorts []SortBy) string {
	parts := make([]string, 0, len(sorts)+1)
	for _, sb := range sorts {
		dir := "ASC"
		if sb.Desc {
			dir = "DESC"
		}
		parts = append(parts, columns[sb.Field]+" "+dir)
	}
	parts = append(parts, "execution_id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
