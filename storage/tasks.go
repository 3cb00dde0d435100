package storage

import (
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/db/prefixeddb"
)

// TaskRecord is a persisted unit of background work. Records survive
// restarts, a scheduler picks them up again from the queue they were
// enqueued on.
type TaskRecord struct {
	ID        uuid.UUID
	Queue     string
	Name      string
	Payload   cbor.RawMessage
	Attempts  int
	NotBefore int64
	Created   int64
}

func taskKey(queue string, id uuid.UUID) []byte {
	return append([]byte(queue+"/"), id[:]...)
}

// EnqueueTask persists a task on its queue.
func (s *Storage) EnqueueTask(task *TaskRecord) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if task.Created == 0 {
		task.Created = time.Now().Unix()
	}
	return s.setArtifact(taskQueuePrefix, taskKey(task.Queue, task.ID), task)
}

// UpdateTask rewrites a task record, typically after a failed attempt to
// bump the attempt counter and push back the next execution time.
func (s *Storage) UpdateTask(task *TaskRecord) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.setArtifact(taskQueuePrefix, taskKey(task.Queue, task.ID), task)
}

// DeleteTask removes a finished task from its queue.
func (s *Storage) DeleteTask(queue string, id uuid.UUID) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.deleteArtifact(taskQueuePrefix, taskKey(queue, id))
}

// DueTasks returns the tasks of the queue whose NotBefore time has passed,
// oldest first.
func (s *Storage) DueTasks(queue string, now int64) ([]*TaskRecord, error) {
	var tasks []*TaskRecord
	var decodeErr error
	if err := prefixeddb.NewPrefixedReader(s.db, taskQueuePrefix).Iterate([]byte(queue+"/"),
		func(_, v []byte) bool {
			task := &TaskRecord{}
			if decodeErr = DecodeArtifact(v, task); decodeErr != nil {
				return false
			}
			if task.NotBefore <= now {
				tasks = append(tasks, task)
			}
			return true
		}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Created < tasks[j].Created })
	return tasks, nil
}

// PurgeQueue drops every task of the queue.
func (s *Storage) PurgeQueue(queue string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	keys, err := s.listArtifacts(taskQueuePrefix)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, taskQueuePrefix).WriteTx()
	defer wTx.Discard()
	prefix := queue + "/"
	for _, key := range keys {
		if len(key) >= len(prefix) && string(key[:len(prefix)]) == prefix {
			if err := wTx.Delete(key); err != nil {
				return err
			}
		}
	}
	return wTx.Commit()
}
