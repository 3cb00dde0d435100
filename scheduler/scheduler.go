// Package scheduler executes named background tasks from persistent queues.
// Tasks are stored as storage.TaskRecord entries, so work that was pending
// when the process stopped is picked up again after a restart. Handlers
// signal transient failures by returning a *Retry error, which pushes the
// task back on its queue with a delay instead of dropping it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/storage"
)

const (
	// QueueTransfers is the queue for transfer execution and confirmation
	// tasks.
	QueueTransfers = "transfers"
	// QueueBids is the queue for the periodic bid calculation tasks. It is
	// purged on startup, the bid services enqueue fresh tasks.
	QueueBids = "bids"

	defaultPollInterval = time.Second
	maxConcurrentTasks  = 8
)

// Handler processes one task run. The payload is the CBOR-encoded value
// passed to Enqueue. A nil return removes the task from its queue, a *Retry
// return reschedules it and any other error drops the task permanently.
type Handler func(ctx context.Context, payload []byte) error

// Kind describes a registered task type.
type Kind struct {
	// Name identifies the kind, tasks reference it by name.
	Name string
	// Queue is the persistent queue the kind's tasks are stored on.
	Queue string
	// MaxAttempts caps how many times a task of this kind may be retried.
	// Zero means unbounded.
	MaxAttempts int
	// Handler runs the task.
	Handler Handler
}

// Retry is returned by handlers to run the task again after the given
// delay. Reason may be nil when the retry is a planned poll rather than a
// failure.
type Retry struct {
	After  time.Duration
	Reason error
}

func (r *Retry) Error() string {
	if r.Reason != nil {
		return fmt.Sprintf("retry in %s: %v", r.After, r.Reason)
	}
	return fmt.Sprintf("retry in %s", r.After)
}

func (r *Retry) Unwrap() error {
	return r.Reason
}

// Scheduler polls the task queues and dispatches due tasks to their
// registered handlers.
type Scheduler struct {
	storage  *storage.Storage
	interval time.Duration
	kinds    map[string]Kind
	queues   []string
	kick     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler reading its tasks from the given storage. A
// non-positive interval selects the default poll interval.
func New(stg *storage.Storage, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Scheduler{
		storage:  stg,
		interval: interval,
		kinds:    make(map[string]Kind),
		kick:     make(chan struct{}, 1),
	}
}

// Register adds a task kind. All kinds must be registered before Start so
// that persisted tasks from a previous run find their handler again.
func (s *Scheduler) Register(kind Kind) error {
	if kind.Name == "" || kind.Queue == "" {
		return fmt.Errorf("task kind needs a name and a queue")
	}
	if kind.Handler == nil {
		return fmt.Errorf("task kind %s has no handler", kind.Name)
	}
	if _, ok := s.kinds[kind.Name]; ok {
		return fmt.Errorf("task kind %s already registered", kind.Name)
	}
	s.kinds[kind.Name] = kind
	for _, queue := range s.queues {
		if queue == kind.Queue {
			return nil
		}
	}
	s.queues = append(s.queues, kind.Queue)
	return nil
}

// Enqueue persists a new task of the given kind and returns its ID. The
// payload is CBOR-encoded and handed back to the handler on every run. The
// task is persisted before Enqueue returns, so a crash right after cannot
// lose it.
func (s *Scheduler) Enqueue(name string, payload any, delay time.Duration) (uuid.UUID, error) {
	kind, ok := s.kinds[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown task kind %s", name)
	}
	data, err := cbor.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode payload of task kind %s: %w", name, err)
	}
	task := &storage.TaskRecord{
		ID:        uuid.New(),
		Queue:     kind.Queue,
		Name:      kind.Name,
		Payload:   data,
		NotBefore: time.Now().Add(delay).Unix(),
	}
	if err := s.storage.EnqueueTask(task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue task of kind %s: %w", name, err)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Start begins polling the queues. It returns an error if the scheduler is
// already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.poll(ctx)
	log.Infow("task scheduler started",
		"queues", len(s.queues),
		"kinds", len(s.kinds),
		"interval", s.interval.String())
	return nil
}

// Stop halts the scheduler and waits for the running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.dispatch(ctx)
	}
}

// dispatch runs every due task once and waits for all of them to return.
// Tasks therefore never overlap with themselves, a handler that is still
// running cannot be picked up again by the next poll.
func (s *Scheduler) dispatch(ctx context.Context) {
	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentTasks)
	now := time.Now().Unix()
	for _, queue := range s.queues {
		tasks, err := s.storage.DueTasks(queue, now)
		if err != nil {
			log.Warnw("failed to read due tasks", "queue", queue, "err", err.Error())
			continue
		}
		for _, task := range tasks {
			kind, ok := s.kinds[task.Name]
			if !ok {
				log.Warnw("dropping task of unknown kind",
					"queue", queue, "kind", task.Name, "task", task.ID.String())
				s.deleteTask(task)
				continue
			}
			g.Go(func() error {
				s.run(ctx, kind, task)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (s *Scheduler) run(ctx context.Context, kind Kind, task *storage.TaskRecord) {
	err := kind.Handler(ctx, task.Payload)
	if err == nil {
		s.deleteTask(task)
		return
	}
	var retry *Retry
	if !errors.As(err, &retry) {
		log.Errorw(err, fmt.Sprintf("task %s of kind %s failed", task.ID, kind.Name))
		s.deleteTask(task)
		return
	}
	if ctx.Err() != nil {
		// Shutdown, leave the task in place so the next run picks it up
		// again without burning an attempt.
		return
	}
	if kind.MaxAttempts > 0 && task.Attempts >= kind.MaxAttempts {
		reason := retry.Reason
		if reason == nil {
			reason = fmt.Errorf("retry limit reached")
		}
		log.Errorw(reason, fmt.Sprintf("giving up on task %s of kind %s after %d attempts",
			task.ID, kind.Name, task.Attempts))
		s.deleteTask(task)
		return
	}
	task.Attempts++
	task.NotBefore = time.Now().Add(retry.After).Unix()
	if err := s.storage.UpdateTask(task); err != nil {
		log.Warnw("failed to reschedule task",
			"queue", task.Queue, "task", task.ID.String(), "err", err.Error())
	}
}

func (s *Scheduler) deleteTask(task *storage.TaskRecord) {
	if err := s.storage.DeleteTask(task.Queue, task.ID); err != nil {
		log.Warnw("failed to delete task",
			"queue", task.Queue, "task", task.ID.String(), "err", err.Error())
	}
}
