package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, message string, finishedAt time.Time) error {
	return finishRun(ctx, s.db, id, status, message, finishedAt)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *domain.ReconciliationRecord) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.SaveRecord(ctx, rec)
	})
}

func (s *SQLiteStore) GetRecord(ctx context.Context, unit string) (*domain.ReconciliationRecord, error) {
	return getRecord(ctx, s.db, unit)
}

func (s *SQLiteStore) ListRecords(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return listRecords(ctx, s.db)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, unit string, opts ListOptions) ([]domain.ReconciliationRecord, error) {
	return listHistory(ctx, s.db, unit, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) SaveParam(ctx context.Context, param *SealedParam) error {
	return saveParam(ctx, s.db, param)
}

func (s *SQLiteStore) ListParams(ctx context.Context) ([]SealedParam, error) {
	return listParams(ctx, s.db)
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, message string, finishedAt time.Time) error {
	return finishRun(ctx, s.tx, id, status, message, finishedAt)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) SaveRecord(ctx context.Context, rec *domain.ReconciliationRecord) error {
	return saveRecord(ctx, s.tx, rec)
}

func (s *txSQLiteStore) GetRecord(ctx context.Context, unit string) (*domain.ReconciliationRecord, error) {
	return getRecord(ctx, s.tx, unit)
}

func (s *txSQLiteStore) ListRecords(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return listRecords(ctx, s.tx)
}

func (s *txSQLiteStore) ListHistory(ctx context.Context, unit string, opts ListOptions) ([]domain.ReconciliationRecord, error) {
	return listHistory(ctx, s.tx, unit, opts)
}

func (s *txSQLiteStore) SaveParam(ctx context.Context, param *SealedParam) error {
	return saveParam(ctx, s.tx, param)
}

func (s *txSQLiteStore) ListParams(ctx context.Context) ([]SealedParam, error) {
	return listParams(ctx, s.tx)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Command    string  `db:"command"`
	Status     string  `db:"status"`
	Message    string  `db:"message"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

// recordRow represents a record row in the database.
type recordRow struct {
	Unit         string  `db:"unit"`
	State        string  `db:"state"`
	RunID        string  `db:"run_id"`
	Stage        int     `db:"stage"`
	Error        string  `db:"error"`
	Sequence     int64   `db:"sequence"`
	ControlPlane int     `db:"control_plane_stack_id"`
	DeployedAt   *string `db:"deployed_at"`
	ReadyAt      *string `db:"ready_at"`
	ManagedAt    *string `db:"managed_at"`
	TornDownAt   *string `db:"torn_down_at"`
	UpdatedAt    string  `db:"updated_at"`
}

const recordColumns = `unit, state, run_id, stage, error, sequence, control_plane_stack_id,
	deployed_at, ready_at, managed_at, torn_down_at, updated_at`

func createRun(ctx context.Context, exec executor, run *Run) error {
	if run.Status == "" {
		run.Status = RunRunning
	}
	query := `
		INSERT INTO runs (id, command, status, message, started_at, finished_at)
		VALUES (:id, :command, :status, :message, :started_at, :finished_at)`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":          run.ID,
		"command":     run.Command,
		"status":      string(run.Status),
		"message":     run.Message,
		"started_at":  formatTime(run.StartedAt),
		"finished_at": formatTimePtr(run.FinishedAt),
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func finishRun(ctx context.Context, exec executor, id string, status RunStatus, message string, finishedAt time.Time) error {
	res, err := exec.ExecContext(ctx,
		`UPDATE runs SET status = ?, message = ?, finished_at = ? WHERE id = ?`,
		string(status), message, formatTime(finishedAt), id)
	if err != nil {
		return NewStoreError("FinishRun", "run", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("FinishRun", "run", id, "run not found", ErrNotFound)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(&row)
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	var rows []runRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}
	runs := make([]Run, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// saveRecord upserts the current record and appends it to the history.
func saveRecord(ctx context.Context, exec executor, rec *domain.ReconciliationRecord) error {
	row := recordToRow(rec)

	upsert := `
		INSERT INTO records (` + recordColumns + `)
		VALUES (:unit, :state, :run_id, :stage, :error, :sequence, :control_plane_stack_id,
			:deployed_at, :ready_at, :managed_at, :torn_down_at, :updated_at)
		ON CONFLICT(unit) DO UPDATE SET
			state = excluded.state,
			run_id = excluded.run_id,
			stage = excluded.stage,
			error = excluded.error,
			sequence = excluded.sequence,
			control_plane_stack_id = excluded.control_plane_stack_id,
			deployed_at = excluded.deployed_at,
			ready_at = excluded.ready_at,
			managed_at = excluded.managed_at,
			torn_down_at = excluded.torn_down_at,
			updated_at = excluded.updated_at`

	if _, err := exec.NamedExecContext(ctx, upsert, row); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("SaveRecord", "record", rec.Unit, "run "+rec.RunID+" not found", ErrNotFound)
		}
		return NewStoreError("SaveRecord", "record", rec.Unit, err.Error(), err)
	}

	history := `
		INSERT INTO record_history (` + recordColumns + `)
		VALUES (:unit, :state, :run_id, :stage, :error, :sequence, :control_plane_stack_id,
			:deployed_at, :ready_at, :managed_at, :torn_down_at, :updated_at)`
	if _, err := exec.NamedExecContext(ctx, history, row); err != nil {
		return NewStoreError("SaveRecord", "record", rec.Unit, err.Error(), err)
	}
	return nil
}

func getRecord(ctx context.Context, exec executor, unit string) (*domain.ReconciliationRecord, error) {
	var row recordRow
	err := exec.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM records WHERE unit = ?`, unit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRecord", "record", unit, "record not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRecord", "record", unit, err.Error(), err)
	}
	return rowToRecord(&row)
}

func listRecords(ctx context.Context, exec executor) ([]domain.ReconciliationRecord, error) {
	var rows []recordRow
	if err := exec.SelectContext(ctx, &rows, `SELECT `+recordColumns+` FROM records ORDER BY stage, unit`); err != nil {
		return nil, NewStoreError("ListRecords", "record", "", err.Error(), err)
	}
	return rowsToRecords(rows)
}

func listHistory(ctx context.Context, exec executor, unit string, opts ListOptions) ([]domain.ReconciliationRecord, error) {
	opts = opts.Normalize()
	var rows []recordRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM record_history WHERE unit = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		unit, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListHistory", "record", unit, err.Error(), err)
	}
	return rowsToRecords(rows)
}

// paramRow represents a sealed parameter row in the database.
type paramRow struct {
	Key       string `db:"key"`
	Sealed    string `db:"sealed"`
	UpdatedAt string `db:"updated_at"`
}

func saveParam(ctx context.Context, exec executor, param *SealedParam) error {
	if param.Key == "" {
		return NewStoreError("SaveParam", "param", "", "key is required", ErrInvalidData)
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO params (key, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		param.Key, param.Sealed, formatTime(param.UpdatedAt))
	if err != nil {
		return NewStoreError("SaveParam", "param", param.Key, err.Error(), err)
	}
	return nil
}

func listParams(ctx context.Context, exec executor) ([]SealedParam, error) {
	var rows []paramRow
	if err := exec.SelectContext(ctx, &rows, `SELECT key, sealed, updated_at FROM params ORDER BY key`); err != nil {
		return nil, NewStoreError("ListParams", "param", "", err.Error(), err)
	}
	params := make([]SealedParam, 0, len(rows))
	for _, row := range rows {
		updatedAt, err := parseTime(row.UpdatedAt)
		if err != nil {
			return nil, NewStoreError("ListParams", "param", row.Key, "failed to parse updated_at", ErrInvalidData)
		}
		params = append(params, SealedParam{Key: row.Key, Sealed: row.Sealed, UpdatedAt: updatedAt})
	}
	return params, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row *runRow) (*Run, error) {
	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse started_at", ErrInvalidData)
	}
	finishedAt, err := parseTimePtr(row.FinishedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse finished_at", ErrInvalidData)
	}
	return &Run{
		ID:         row.ID,
		Command:    row.Command,
		Status:     RunStatus(row.Status),
		Message:    row.Message,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

func recordToRow(rec *domain.ReconciliationRecord) recordRow {
	return recordRow{
		Unit:         rec.Unit,
		State:        string(rec.State),
		RunID:        rec.RunID,
		Stage:        rec.Stage,
		Error:        rec.Error,
		Sequence:     rec.Sequence,
		ControlPlane: rec.ControlPlane,
		DeployedAt:   formatTimePtr(rec.DeployedAt),
		ReadyAt:      formatTimePtr(rec.ReadyAt),
		ManagedAt:    formatTimePtr(rec.ManagedAt),
		TornDownAt:   formatTimePtr(rec.TornDownAt),
		UpdatedAt:    formatTime(rec.UpdatedAt),
	}
}

func rowToRecord(row *recordRow) (*domain.ReconciliationRecord, error) {
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", "record", row.Unit, "failed to parse updated_at", ErrInvalidData)
	}
	deployedAt, err := parseTimePtr(row.DeployedAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", "record", row.Unit, "failed to parse deployed_at", ErrInvalidData)
	}
	readyAt, err := parseTimePtr(row.ReadyAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", "record", row.Unit, "failed to parse ready_at", ErrInvalidData)
	}
	managedAt, err := parseTimePtr(row.ManagedAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", "record", row.Unit, "failed to parse managed_at", ErrInvalidData)
	}
	tornDownAt, err := parseTimePtr(row.TornDownAt)
	if err != nil {
		return nil, NewStoreError("rowToRecord", "record", row.Unit, "failed to parse torn_down_at", ErrInvalidData)
	}

	return &domain.ReconciliationRecord{
		Unit:         row.Unit,
		State:        domain.UnitState(row.State),
		RunID:        row.RunID,
		Stage:        row.Stage,
		Error:        row.Error,
		Sequence:     row.Sequence,
		ControlPlane: row.ControlPlane,
		DeployedAt:   deployedAt,
		ReadyAt:      readyAt,
		ManagedAt:    managedAt,
		TornDownAt:   tornDownAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func rowsToRecords(rows []recordRow) ([]domain.ReconciliationRecord, error) {
	out := make([]domain.ReconciliationRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
