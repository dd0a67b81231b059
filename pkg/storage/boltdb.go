package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/campipeline/cam/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketWorkers   = []byte("workers")
	bucketAgentDefs = []byte("agent_definitions")
	bucketEvents    = []byte("system_events")
)

// BoltStore implements Store on a single-file embedded database. It exists
// for local/dev runs of camd and for integration tests that want real
// transactional CAS semantics without a Postgres instance. Every CAS check
// and write happens inside one bolt.Tx, so the isolation the compare-and-swap
// contract needs comes for free from bbolt's single-writer transactions.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cam.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketWorkers, bucketAgentDefs, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateTask(_ context.Context, task *types.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTasks), task.ID, task)
	})
}

func (s *BoltStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListWaitingTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	return s.listTasksByStatus(types.TaskWaiting, limit, func(t *types.Task) time.Time { return t.CreatedAt })
}

func (s *BoltStore) ListQueuedTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	return s.listTasksByStatus(types.TaskQueued, limit, func(t *types.Task) time.Time { return t.QueuedAt })
}

func (s *BoltStore) listTasksByStatus(status types.TaskStatus, limit int, orderKey func(*types.Task) time.Time) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Source == types.SourceScheduler && t.Status == status {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return orderKey(out[i]).Before(orderKey(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) ListRunningTasksPage(_ context.Context, afterID string, limit int) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			c.Seek([]byte(afterID))
			k, v = c.Next()
		}
		for ; k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Source == types.SourceScheduler && t.Status == types.TaskRunning {
				out = append(out, &t)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListRunningTasksByWorker(_ context.Context, workerID string) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Source == types.SourceScheduler && t.Status == types.TaskRunning && t.AssignedWorkerID == workerID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetDependencyStates(_ context.Context, depIDs []string) ([]DepState, error) {
	out := make([]DepState, 0, len(depIDs))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, id := range depIDs {
			data := b.Get([]byte(id))
			if data == nil {
				out = append(out, DepState{ID: id, Found: false})
				continue
			}
			var t types.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			out = append(out, DepState{ID: id, Status: t.Status, Found: true})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) CASTaskStatus(_ context.Context, id string, expected, next types.TaskStatus, mut TaskMutation) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}

		if t.Status.IsTerminal() && t.Status != next {
			return nil
		}
		if t.Status != expected {
			return nil
		}

		t.Status = next
		if mut.AssignedWorkerID != nil {
			t.AssignedWorkerID = *mut.AssignedWorkerID
		}
		if mut.RetryCount != nil {
			t.RetryCount = *mut.RetryCount
		}
		if mut.QueuedAt != nil {
			t.QueuedAt = *mut.QueuedAt
		}
		if mut.Summary != nil {
			t.Summary = *mut.Summary
		}

		now := time.Now()
		if next == types.TaskRunning {
			t.StartedAt = &now
		}
		if next == types.TaskCompleted || next == types.TaskFailed {
			t.CompletedAt = &now
		}
		if mut.ClearStartedAt {
			t.StartedAt = nil
		}
		if mut.ClearCompletedAt {
			t.CompletedAt = nil
		}
		if mut.StartedAt != nil {
			t.StartedAt = mut.StartedAt
		}
		if mut.CompletedAt != nil {
			t.CompletedAt = mut.CompletedAt
		}

		if err := putJSON(b, t.ID, &t); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *BoltStore) GetAgentDefinition(_ context.Context, id string) (*types.AgentDefinition, error) {
	var def types.AgentDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAgentDefs), id, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// PutAgentDefinition is an embedded-mode-only convenience for seeding agent
// definitions directly, since the real deployment treats them as read-only
// rows owned by an external control surface.
func (s *BoltStore) PutAgentDefinition(def *types.AgentDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAgentDefs), def.ID, def)
	})
}

func (s *BoltStore) UpsertWorker(_ context.Context, worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkers), worker.ID, worker)
	})
}

func (s *BoltStore) GetWorker(_ context.Context, id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketWorkers), id, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers(_ context.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListStaleBusyWorkers(_ context.Context, staleBefore time.Time) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Status == types.WorkerBusy && w.LastHeartbeatAt.Before(staleBefore) {
				out = append(out, &w)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CASWorkerOffline(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var w types.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Status != types.WorkerBusy || !w.LastHeartbeatAt.Before(staleBefore) {
			return nil
		}
		w.Status = types.WorkerOffline
		w.CurrentTaskID = ""
		if err := putJSON(b, w.ID, &w); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *BoltStore) AppendSystemEvent(_ context.Context, event *types.SystemEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d", seq)
		return putJSON(b, key, event)
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("not found: %s", key)
	}
	return json.Unmarshal(data, v)
}

var _ Store = (*BoltStore)(nil)
