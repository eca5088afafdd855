// Package store provides SQLite-backed persistence for the Ryvr task engine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/schuttebj/ryvr-sub001/internal/models"
)

// Store provides access to the engine's SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		title TEXT NOT NULL,
		inputs TEXT,
		outputs TEXT,
		error_message TEXT,
		credit_cost INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 50,
		dependencies TEXT,
		external_ref TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS credit_ledger (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		kind TEXT NOT NULL,
		ref_task_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON credit_ledger(account_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_ref ON credit_ledger(ref_task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ErrStatusConflict indicates a compare-and-set transition lost against the
// task's current status.
var ErrStatusConflict = fmt.Errorf("task status changed concurrently")

// ErrTaskNotMutable indicates the task is past the point where the requested
// field may be edited.
var ErrTaskNotMutable = fmt.Errorf("task is no longer mutable")

// --- Task Operations ---

// CreateTask inserts a task together with its creation log entry in a single
// transaction so a failed insert leaves no trace.
func (s *Store) CreateTask(task *models.Task, logMessage string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	inputsJSON, err := marshalMap(map[string]any(task.Inputs))
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	depsJSON, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO tasks (id, owner_id, task_type, status, title, inputs, credit_cost, priority, dependencies, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.Type, task.Status, task.Title, inputsJSON,
		task.CreditCost, task.Priority, string(depsJSON), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	if err := insertLog(tx, task.ID, models.LogLevelInfo, logMessage, task.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID. Returns (nil, nil) when not found.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, task_type, status, title, inputs, outputs, error_message,
		        credit_cost, priority, dependencies, external_ref, created_at, updated_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by status and owner.
func (s *Store) ListTasks(status models.TaskStatus, ownerID string) ([]models.Task, error) {
	query := `SELECT id, owner_id, task_type, status, title, inputs, outputs, error_message,
	                 credit_cost, priority, dependencies, external_ref, created_at, updated_at, started_at, completed_at
	          FROM tasks WHERE 1=1`
	var args []interface{}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// TaskExists reports whether a task row exists for the given ID.
func (s *Store) TaskExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query task: %w", err)
	}
	return true, nil
}

// UpdateTaskPriority changes a task's priority while it has not been admitted.
func (s *Store) UpdateTaskPriority(id string, priority int) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET priority = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		priority, time.Now().UTC(), id,
		models.TaskStatusDraft, models.TaskStatusPending, models.TaskStatusApprovalRequired,
	)
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	return mutableGuard(res)
}

// UpdateTaskDependencies replaces a task's dependency set while it is still in
// draft or pending. Graph validation is the resolver's job; this only persists.
func (s *Store) UpdateTaskDependencies(id string, deps []string) error {
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET dependencies = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(depsJSON), time.Now().UTC(), id,
		models.TaskStatusDraft, models.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update dependencies: %w", err)
	}
	return mutableGuard(res)
}

// SetTaskExternalRef records the external job reference for a processing task.
func (s *Store) SetTaskExternalRef(id, ref string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET external_ref = ?, updated_at = ? WHERE id = ?`,
		ref, time.Now().UTC(), id,
	)
	return err
}

// TransitionParams describes one atomic lifecycle transition: a compare-and-set
// on status plus the log entry and optional ledger row that belong to it.
type TransitionParams struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus

	Outputs      models.Outputs
	ErrorMessage string
	SetStartedAt bool
	SetCompleted bool

	LogLevel   models.LogLevel
	LogMessage string

	Ledger *models.CreditLedgerEntry
}

// TransitionTask applies a transition atomically. The status update is a
// compare-and-set against From; if another writer moved the task first the
// whole transaction rolls back with ErrStatusConflict.
func (s *Store) TransitionTask(p TransitionParams) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	set := `status = ?, updated_at = ?`
	args := []interface{}{p.To, now}

	if p.Outputs != nil {
		outJSON, err := marshalMap(map[string]any(p.Outputs))
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		set += `, outputs = ?`
		args = append(args, outJSON)
	}
	if p.ErrorMessage != "" {
		set += `, error_message = ?`
		args = append(args, p.ErrorMessage)
	}
	if p.SetStartedAt {
		set += `, started_at = ?`
		args = append(args, now)
	}
	if p.SetCompleted {
		set += `, completed_at = ?`
		args = append(args, now)
	}

	args = append(args, p.TaskID, p.From)
	result, err := tx.Exec(`UPDATE tasks SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}

	level := p.LogLevel
	if level == "" {
		level = models.LogLevelInfo
	}
	if err := insertLog(tx, p.TaskID, level, p.LogMessage, now); err != nil {
		return err
	}

	if p.Ledger != nil {
		if err := insertLedger(tx, p.Ledger); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- Task Log Operations ---

// AppendTaskLog appends a log entry outside of a lifecycle transition.
func (s *Store) AppendTaskLog(taskID string, level models.LogLevel, message string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertLog(tx, taskID, level, message, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskLogs returns log entries for a task in append order.
func (s *Store) TaskLogs(taskID string) ([]models.TaskLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, level, message, created_at FROM task_logs WHERE task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var entries []models.TaskLogEntry
	for rows.Next() {
		var e models.TaskLogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Credit Ledger Operations ---

// AppendLedgerEntry inserts a single ledger row.
func (s *Store) AppendLedgerEntry(e *models.CreditLedgerEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertLedger(tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// LedgerBalance computes the account balance by summing deltas.
func (s *Store) LedgerBalance(accountID string) (int, error) {
	var balance sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(delta) FROM credit_ledger WHERE account_id = ?`, accountID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return int(balance.Int64), nil
}

// LedgerEntries returns an account's ledger in append order.
func (s *Store) LedgerEntries(accountID string) ([]models.CreditLedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, delta, kind, ref_task_id, created_at FROM credit_ledger WHERE account_id = ? ORDER BY created_at ASC, id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.CreditLedgerEntry
	for rows.Next() {
		var e models.CreditLedgerEntry
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Kind, &ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if ref.Valid {
			e.RefTaskID = ref.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerEntryExists reports whether an entry of the given kind exists for a
// reference task. Settlement idempotence checks are built on this.
func (s *Store) LedgerEntryExists(accountID string, kind models.LedgerKind, refTaskID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM credit_ledger WHERE account_id = ? AND kind = ? AND ref_task_id = ? LIMIT 1`,
		accountID, kind, refTaskID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ledger entry: %w", err)
	}
	return true, nil
}

// --- helpers ---

func insertLog(tx *sql.Tx, taskID string, level models.LogLevel, message string, at time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO task_logs (id, task_id, level, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, level, message, at,
	)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

func insertLedger(tx *sql.Tx, e *models.CreditLedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO credit_ledger (id, account_id, delta, kind, ref_task_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Delta, e.Kind, e.RefTaskID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func mutableGuard(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotMutable
	}
	return nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*models.Task, error) {
	task := &models.Task{}
	var inputs, outputs, deps, errMsg, extRef sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.OwnerID, &task.Type, &task.Status, &task.Title,
		&inputs, &outputs, &errMsg, &task.CreditCost, &task.Priority,
		&deps, &extRef, &task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if inputs.Valid && inputs.String != "" {
		json.Unmarshal([]byte(inputs.String), &task.Inputs)
	}
	if outputs.Valid && outputs.String != "" {
		json.Unmarshal([]byte(outputs.String), &task.Outputs)
	}
	if deps.Valid && deps.String != "" {
		json.Unmarshal([]byte(deps.String), &task.Dependencies)
	}
	if errMsg.Valid {
		task.ErrorMessage = errMsg.String
	}
	if extRef.Valid {
		task.ExternalRef = extRef.String
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}
