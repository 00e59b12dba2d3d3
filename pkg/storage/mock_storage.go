package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/models"
)

// mockStore implements storage.Store with in-memory storage. It is the
// default store for a single-process engine and is also used by tests.
type mockStore struct {
	mu       *sync.Mutex
	flowRuns []models.FlowRun
	taskRuns []models.TaskRun
	limits   []models.ConcurrencyLimit
}

func NewMockStore() Store {
	return &mockStore{mu: &sync.Mutex{}}
}

// Begin returns the store itself: the in-memory store has no real
// transactions, writes are applied immediately under the mutex.
func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveFlowRun(fr models.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.flowRuns {
		if existing.ID == fr.ID {
			return errors.New("flow run already exists")
		}
	}
	m.flowRuns = append(m.flowRuns, fr)
	return nil
}

func (m *mockStore) GetFlowRun(id string) (models.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fr := range m.flowRuns {
		if fr.ID == id {
			for _, tr := range m.taskRuns {
				if tr.FlowRunID == id {
					fr.TaskRuns = append(fr.TaskRuns, tr)
				}
			}
			return fr, nil
		}
	}
	return models.FlowRun{}, ErrNotFound
}

func (m *mockStore) UpdateFlowRunStatus(id string, status models.FlowRunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, fr := range m.flowRuns {
		if fr.ID == id {
			m.flowRuns[i].Status = status
			m.flowRuns[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListFlowRuns() ([]models.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FlowRun, len(m.flowRuns))
	copy(out, m.flowRuns)
	return out, nil
}

func (m *mockStore) SaveTaskRun(tr models.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.taskRuns {
		if existing.ID == tr.ID {
			return errors.New("task run already exists")
		}
	}
	m.taskRuns = append(m.taskRuns, tr)
	return nil
}

func (m *mockStore) GetTaskRun(id string) (models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.taskRuns {
		if tr.ID == id {
			return tr, nil
		}
	}
	return models.TaskRun{}, ErrNotFound
}

func (m *mockStore) UpdateTaskRun(tr models.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.taskRuns {
		if existing.ID == tr.ID {
			m.taskRuns[i] = tr
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListTaskRuns(flowRunID string) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskRun
	for _, tr := range m.taskRuns {
		if tr.FlowRunID == flowRunID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *mockStore) SaveConcurrencyLimit(l models.ConcurrencyLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.limits {
		if existing.Name == l.Name {
			// Last write wins: re-creating a limit replaces its configuration.
			m.limits[i] = l
			return nil
		}
	}
	m.limits = append(m.limits, l)
	return nil
}

func (m *mockStore) GetConcurrencyLimit(name string) (models.ConcurrencyLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.limits {
		if l.Name == name {
			return l, nil
		}
	}
	return models.ConcurrencyLimit{}, ErrNotFound
}

func (m *mockStore) ListConcurrencyLimits() ([]models.ConcurrencyLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConcurrencyLimit, len(m.limits))
	copy(out, m.limits)
	return out, nil
}

func (m *mockStore) DeleteConcurrencyLimit(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.limits {
		if l.Name == name {
			m.limits = append(m.limits[:i], m.limits[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
