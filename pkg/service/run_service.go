package service

import (
	"fmt"

	"github.com/runlet/runlet/pkg/models"
	"github.com/runlet/runlet/pkg/storage"
)

// RunService persists flow and task run records. Persistence is a
// best-effort audit trail: callers log failures and keep executing.
type RunService struct {
	store  storage.Store
	logger Logger
}

func NewRunService(store storage.Store, logger Logger) *RunService {
	return &RunService{
		store:  store,
		logger: logger,
	}
}

func (rs *RunService) withTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				rs.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	err = fn(txStore)
	return err
}

func (rs *RunService) SaveFlowRun(fr models.FlowRun) error {
	return rs.withTx("SaveFlowRun", func(tx storage.Store) error {
		if err := tx.SaveFlowRun(fr); err != nil {
			rs.logger.Errorf("Failed to save flow run %s: %v", fr.ID, err)
			return fmt.Errorf("failed to save flow run %s: %v", fr.ID, err)
		}
		return nil
	})
}

func (rs *RunService) UpdateFlowRunStatus(id string, status models.FlowRunStatus) error {
	return rs.withTx("UpdateFlowRunStatus", func(tx storage.Store) error {
		if err := tx.UpdateFlowRunStatus(id, status); err != nil {
			rs.logger.Errorf("Failed to update flow run %s status to %s: %v", id, status, err)
			return fmt.Errorf("failed to update flow run %s status: %v", id, err)
		}
		return nil
	})
}

func (rs *RunService) SaveTaskRun(tr models.TaskRun) error {
	return rs.withTx("SaveTaskRun", func(tx storage.Store) error {
		if err := tx.SaveTaskRun(tr); err != nil {
			rs.logger.Errorf("Failed to save task run %s: %v", tr.ID, err)
			return fmt.Errorf("failed to save task run %s: %v", tr.ID, err)
		}
		return nil
	})
}

func (rs *RunService) UpdateTaskRun(tr models.TaskRun) error {
	return rs.withTx("UpdateTaskRun", func(tx storage.Store) error {
		if err := tx.UpdateTaskRun(tr); err != nil {
			rs.logger.Errorf("Failed to update task run %s: %v", tr.ID, err)
			return fmt.Errorf("failed to update task run %s: %v", tr.ID, err)
		}
		return nil
	})
}
