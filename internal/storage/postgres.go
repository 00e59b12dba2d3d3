package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/runlet/runlet/pkg/models"
	"github.com/runlet/runlet/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveFlowRun creates a new flow run record (no task runs)
func (s *PostgresStore) SaveFlowRun(fr models.FlowRun) error {
	_, err := s.db.Exec("INSERT INTO flow_runs (id, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		fr.ID, fr.Name, fr.Status, fr.CreatedAt, fr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save flow run: %w", err)
	}
	return nil
}

// GetFlowRun retrieves a flow run by ID, including its task runs
func (s *PostgresStore) GetFlowRun(id string) (models.FlowRun, error) {
	var fr models.FlowRun
	err := s.db.Get(&fr, "SELECT id, name, status, created_at, updated_at FROM flow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.FlowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.FlowRun{}, err
	}

	err = s.db.Select(&fr.TaskRuns, "SELECT * FROM task_runs WHERE flow_run_id = $1 ORDER BY started_at NULLS LAST, id", id)
	if err != nil {
		return models.FlowRun{}, fmt.Errorf("get flow run %s: %w", id, err)
	}
	return fr, nil
}

func (s *PostgresStore) UpdateFlowRunStatus(id string, status models.FlowRunStatus) error {
	_, err := s.db.Exec("UPDATE flow_runs SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) ListFlowRuns() ([]models.FlowRun, error) {
	flowRuns := []models.FlowRun{}
	query := "SELECT id, name, status, created_at, updated_at FROM flow_runs ORDER BY created_at DESC"
	err := s.db.Select(&flowRuns, query)
	if err != nil {
		return nil, err
	}
	return flowRuns, nil
}

// SaveTaskRun creates a new task run record
func (s *PostgresStore) SaveTaskRun(tr models.TaskRun) error {
	_, err := s.db.Exec("INSERT INTO task_runs (id, flow_run_id, task_name, fingerprint, state, attempts, error_msg, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		tr.ID, tr.FlowRunID, tr.TaskName, tr.Fingerprint, tr.State, tr.Attempts, tr.ErrorMsg, tr.StartedAt, tr.FinishedAt)
	return err
}

// GetTaskRun retrieves a task run by ID
func (s *PostgresStore) GetTaskRun(id string) (models.TaskRun, error) {
	var tr models.TaskRun
	err := s.db.Get(&tr, "SELECT * FROM task_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.TaskRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskRun{}, err
	}
	return tr, nil
}

// UpdateTaskRun updates the mutable fields of a task run
func (s *PostgresStore) UpdateTaskRun(tr models.TaskRun) error {
	_, err := s.db.Exec(`
		UPDATE task_runs
		SET state = $1,
		attempts = $2,
		error_msg = $3,
		fingerprint = $4,
		started_at = $5,
		finished_at = $6
		WHERE id = $7`,
		tr.State, tr.Attempts, tr.ErrorMsg, tr.Fingerprint, tr.StartedAt, tr.FinishedAt, tr.ID)
	return err
}

func (s *PostgresStore) ListTaskRuns(flowRunID string) ([]models.TaskRun, error) {
	var taskRuns []models.TaskRun
	err := s.db.Select(&taskRuns, "SELECT * FROM task_runs WHERE flow_run_id = $1 ORDER BY started_at NULLS LAST, id", flowRunID)
	if err != nil {
		return nil, err
	}
	return taskRuns, nil
}

// SaveConcurrencyLimit creates or replaces a named limit resource
func (s *PostgresStore) SaveConcurrencyLimit(l models.ConcurrencyLimit) error {
	_, err := s.db.Exec(`
		INSERT INTO concurrency_limits (name, capacity, decay_per_second, created_at) VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET capacity = $2, decay_per_second = $3`,
		l.Name, l.Capacity, l.DecayPerSecond)
	return err
}

func (s *PostgresStore) GetConcurrencyLimit(name string) (models.ConcurrencyLimit, error) {
	var l models.ConcurrencyLimit
	err := s.db.Get(&l, "SELECT * FROM concurrency_limits WHERE name = $1", name)
	if err == sql.ErrNoRows {
		return models.ConcurrencyLimit{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ConcurrencyLimit{}, err
	}
	return l, nil
}

func (s *PostgresStore) ListConcurrencyLimits() ([]models.ConcurrencyLimit, error) {
	limits := []models.ConcurrencyLimit{}
	err := s.db.Select(&limits, "SELECT * FROM concurrency_limits ORDER BY name")
	if err != nil {
		return nil, err
	}
	return limits, nil
}

func (s *PostgresStore) DeleteConcurrencyLimit(name string) error {
	res, err := s.db.Exec("DELETE FROM concurrency_limits WHERE name = $1", name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
