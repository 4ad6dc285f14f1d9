// Package scheduler implements the per-agent delayed/cancelable task queue,
// firing tasks as a self-RPC delivered back through the Agent Host. Rather
// than hand-roll a timer heap, due times are modeled as one-shot
// github.com/robfig/cron/v3 entries, reusing that library's entry
// bookkeeping (next-time computation, remove-by-id) the way the teacher's
// go.mod already declared the dependency but never wired it.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/askcs/eve/pkg/state"
)

// farFuture is returned by a fired oneShotSchedule so cron never reschedules it.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Deliver synthesizes the scheduler's local self-RPC: dispatching request to
// the agent that owns the fired task, the Go shape of
// receive(agentId, request, nil, freshTag).
type Deliver func(ctx context.Context, agentID string, request json.RawMessage) error

// taskRecord is the persisted shape of a single task, stored as a list
// under the owning agent's state key "tasks".
type taskRecord struct {
	ID      string          `json:"id"`
	Request json.RawMessage `json:"request"`
	DueUnix int64           `json:"dueUnixNano"`
	Seq     uint64          `json:"seq"`
}

type taskList struct {
	Tasks []taskRecord `json:"tasks"`
}

// Scheduler owns one cron.Cron runner servicing every agent's tasks. Only
// one scheduler goroutine ever fires a given agent's tasks at a time because
// cron.Cron itself runs entries from a single loop.
type Scheduler struct {
	store   state.Store
	deliver Deliver
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // taskID -> cron entry
	seqs    map[string]uint64       // agentID -> next sequence number
}

// New builds a Scheduler. Start must be called before tasks fire.
func New(store state.Store, deliver Deliver) *Scheduler {
	return &Scheduler{
		store:   store,
		deliver: deliver,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		seqs:    make(map[string]uint64),
	}
}

// Start starts the underlying cron runner's loop goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// CreateTask schedules request to be delivered to agentID after delay
// elapses, returning a stable id persisted in the agent's state as
// agentID + "-" + sequence, per the supplemented task-id format.
func (s *Scheduler) CreateTask(ctx context.Context, agentID string, request json.RawMessage, delay time.Duration) (string, error) {
	due := time.Now().Add(delay)

	seq, err := s.nextSeq(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("allocate task sequence for %s: %w", agentID, err)
	}
	// Same-delay tasks created in order must fire in that order; cron's
	// entry sort is not guaranteed stable for equal Next() times, so break
	// ties with a sub-millisecond offset derived from the sequence number.
	due = due.Add(time.Duration(seq) * time.Nanosecond)

	id := fmt.Sprintf("%s-%d", agentID, seq)
	rec := taskRecord{ID: id, Request: request, DueUnix: due.UnixNano(), Seq: seq}

	if err := s.persistAdd(ctx, agentID, rec); err != nil {
		return "", fmt.Errorf("persist task %s: %w", id, err)
	}
	s.arm(agentID, rec)
	return id, nil
}

// CancelTask removes the task if it has not yet fired. Idempotent.
func (s *Scheduler) CancelTask(ctx context.Context, agentID, taskID string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
	s.mu.Unlock()

	return s.persistRemove(ctx, agentID, taskID)
}

// Restore scans every agent the State Service knows about and re-arms its
// persisted tasks: past-due tasks fire immediately (in undefined order
// relative to each other across agents), future-due tasks re-arm for their
// remaining delay.
func (s *Scheduler) Restore(ctx context.Context) error {
	ids, err := s.store.Ids(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, agentID := range ids {
		list, err := s.loadTasks(ctx, agentID)
		if err != nil {
			log.Printf("[Scheduler] load tasks for %s: %v", agentID, err)
			continue
		}
		for _, rec := range list.Tasks {
			s.arm(agentID, rec)
		}
	}
	return nil
}

func (s *Scheduler) arm(agentID string, rec taskRecord) {
	due := time.Unix(0, rec.DueUnix)
	schedule := &oneShotSchedule{due: due}

	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx := context.Background()
		if err := s.deliver(ctx, agentID, rec.Request); err != nil {
			log.Printf("[Scheduler] deliver task %s to %s: %v", rec.ID, agentID, err)
		}
		if err := s.persistRemove(ctx, agentID, rec.ID); err != nil {
			log.Printf("[Scheduler] remove fired task %s: %v", rec.ID, err)
		}
		s.mu.Lock()
		delete(s.entries, rec.ID)
		s.mu.Unlock()
	}))

	s.mu.Lock()
	s.entries[rec.ID] = entryID
	s.mu.Unlock()
}

func (s *Scheduler) nextSeq(ctx context.Context, agentID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.seqs[agentID]; ok {
		s.seqs[agentID] = seq + 1
		if err := s.persistSeq(ctx, agentID, seq+1); err != nil {
			return 0, err
		}
		return seq, nil
	}

	c, err := s.store.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if err := c.Get(ctx, "taskSeq", &seq); err != nil && !errors.Is(err, state.ErrNotFound) {
		return 0, err
	}
	s.seqs[agentID] = seq + 1
	if err := c.Put(ctx, "taskSeq", seq+1); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Scheduler) persistSeq(ctx context.Context, agentID string, seq uint64) error {
	c, err := s.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	return c.Put(ctx, "taskSeq", seq)
}

func (s *Scheduler) loadTasks(ctx context.Context, agentID string) (taskList, error) {
	c, err := s.store.Get(ctx, agentID)
	if err != nil {
		return taskList{}, err
	}
	var list taskList
	if err := c.Get(ctx, "tasks", &list); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return taskList{}, nil
		}
		return taskList{}, err
	}
	return list, nil
}

func (s *Scheduler) persistAdd(ctx context.Context, agentID string, rec taskRecord) error {
	c, err := s.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	list, err := s.loadTasks(ctx, agentID)
	if err != nil {
		return err
	}
	list.Tasks = append(list.Tasks, rec)
	return c.Put(ctx, "tasks", list)
}

func (s *Scheduler) persistRemove(ctx context.Context, agentID, taskID string) error {
	c, err := s.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	list, err := s.loadTasks(ctx, agentID)
	if err != nil {
		return err
	}
	kept := list.Tasks[:0]
	for _, t := range list.Tasks {
		if t.ID != taskID {
			kept = append(kept, t)
		}
	}
	list.Tasks = kept
	return c.Put(ctx, "tasks", list)
}

// oneShotSchedule fires at due exactly once: its first Next() call returns
// due, every subsequent call returns farFuture so cron never re-runs it.
type oneShotSchedule struct {
	mu    sync.Mutex
	due   time.Time
	fired bool
}

func (o *oneShotSchedule) Next(time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return farFuture
	}
	o.fired = true
	return o.due
}
