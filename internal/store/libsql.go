package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

// SaveDefinition inserts a definition or replaces an existing one by name,
// bumping the stored version on replace.
func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	status := def.Status
	if status == "" {
		status = schema.DefinitionStatusDraft
	}
	version := def.Version
	if version <= 0 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (name, version, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   version = workflow_definitions.version + 1,
		   status = excluded.status,
		   definition = excluded.definition,
		   updated_at = CURRENT_TIMESTAMP`,
		def.Name, version, string(status), string(body), timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	var (
		body    string
		version int
		status  string
		created time.Time
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, version, status, created_at, updated_at FROM workflow_definitions WHERE name = ?`, name,
	).Scan(&body, &version, &status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", name)
	}
	if err != nil {
		return nil, err
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.Version = version
	def.Status = schema.DefinitionStatus(status)
	def.CreatedAt = created
	def.UpdatedAt = updated
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT definition, version, status, created_at, updated_at FROM workflow_definitions`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var (
			body    string
			version int
			status  string
			created time.Time
			updated time.Time
		)
		if err := rows.Scan(&body, &version, &status, &created, &updated); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(body), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		def.Version = version
		def.Status = schema.DefinitionStatus(status)
		def.CreatedAt = created
		def.UpdatedAt = updated
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	inputParams, err := marshalMapOrDefault(exec.InputParameters)
	if err != nil {
		return fmt.Errorf("marshal input_parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_template_id, status, triggered_by, input_parameters, output_data, current_step_index, total_steps, progress_percentage, error_message, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowTemplateID, string(exec.Status), nullStr(exec.TriggeredBy),
		string(inputParams), nullRaw(exec.OutputData),
		exec.CurrentStepIndex, exec.TotalSteps, exec.ProgressPercentage, nullStr(exec.ErrorMessage),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const executionColumns = `id, workflow_template_id, status, triggered_by, input_parameters, output_data, current_step_index, total_steps, progress_percentage, error_message, created_at, started_at, completed_at, updated_at`

func scanExecution(scan func(dest ...any) error) (*WorkflowExecution, error) {
	exec := &WorkflowExecution{}
	var (
		triggeredBy, outputJSON, errMsg sql.NullString
		inputJSON                       string
		status                          string
		startedAt, completedAt          sql.NullTime
	)
	err := scan(&exec.ID, &exec.WorkflowTemplateID, &status, &triggeredBy,
		&inputJSON, &outputJSON, &exec.CurrentStepIndex, &exec.TotalSteps,
		&exec.ProgressPercentage, &errMsg, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggeredBy = triggeredBy.String
	exec.ErrorMessage = errMsg.String
	exec.OutputData = rawOrNil(outputJSON)
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &exec.InputParameters)
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.ProgressPercentage != nil {
		sets = append(sets, "progress_percentage = ?")
		args = append(args, *update.ProgressPercentage)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowTemplateID != "" {
		where = append(where, "workflow_template_id = ?")
		args = append(args, filter.WorkflowTemplateID)
	}
	if filter.TriggeredBy != "" {
		where = append(where, "triggered_by = ?")
		args = append(args, filter.TriggeredBy)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Step executions ---

func (s *LibSQLStore) AppendStepExecution(ctx context.Context, step *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, execution_id, step_index, step_name, parent_step_index, status, attempt_number, max_attempts, input, output, error_message, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.StepIndex, step.StepName, nullIntPtr(step.ParentStepIndex),
		string(step.Status), step.AttemptNumber, step.MaxAttempts,
		nullRaw(step.Input), nullRaw(step.Output), nullStr(step.ErrorMessage),
		nullTime(step.StartedAt), nullTime(step.CompletedAt), step.DurationMs,
	)
	return err
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE step_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step execution", id)
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, step_name, parent_step_index, status, attempt_number, max_attempts, input, output, error_message, started_at, completed_at, duration_ms
		 FROM step_executions WHERE execution_id = ? ORDER BY rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step := &StepExecution{}
		var (
			parentIdx              sql.NullInt64
			inputJSON, outputJSON  sql.NullString
			errMsg                 sql.NullString
			status                 string
			startedAt, completedAt sql.NullTime
			durationMs             sql.NullInt64
		)
		if err := rows.Scan(&step.ID, &step.ExecutionID, &step.StepIndex, &step.StepName, &parentIdx,
			&status, &step.AttemptNumber, &step.MaxAttempts, &inputJSON, &outputJSON, &errMsg,
			&startedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		step.Status = schema.StepStatus(status)
		step.ErrorMessage = errMsg.String
		step.Input = rawOrNil(inputJSON)
		step.Output = rawOrNil(outputJSON)
		if parentIdx.Valid {
			v := int(parentIdx.Int64)
			step.ParentStepIndex = &v
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			step.DurationMs = durationMs.Int64
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Execution log ---

// AppendLog appends a log entry with a monotonically increasing per-execution
// sequence. MaxOpenConns(1) serializes writers, so MAX+1 inside one
// transaction is race-free.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	details, err := nullableJSON(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal log details: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_log (execution_id, level, message, step_index, step_name, details, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, string(entry.Level), entry.Message,
		nullIntPtr(entry.StepIndex), nullStr(entry.StepName), details, entry.Timestamp, entry.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetLog(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, level, message, step_index, step_name, details, timestamp, sequence
		 FROM execution_log WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		entry := &LogEntry{}
		var (
			level     string
			stepIdx   sql.NullInt64
			stepName  sql.NullString
			details   sql.NullString
			timestamp time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &level, &entry.Message,
			&stepIdx, &stepName, &details, &timestamp, &entry.Sequence); err != nil {
			return nil, err
		}
		entry.Level = schema.LogLevel(level)
		entry.StepName = stepName.String
		entry.Details = rawOrNil(details)
		entry.Timestamp = timestamp
		if stepIdx.Valid {
			v := int(stepIdx.Int64)
			entry.StepIndex = &v
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

var _ Store = (*LibSQLStore)(nil)

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIntPtr(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
