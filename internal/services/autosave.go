package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

/*
AUTOSAVE WORKER POOL

Spreadsheet sessions debounce their content changes in memory and hand each
batch to this pool. A fixed number of workers drain a bounded queue, so a
burst of sessions closing at once never opens more than `workers` database
connections.

Submit never blocks: a full queue is reported back and the session keeps the
batch for the next attempt. Shutdown stops intake, then waits for the
workers to write everything already queued.
*/

var (
	ErrQueueFull    = errors.New("autosave queue is full")
	ErrShuttingDown = errors.New("autosave service is shutting down")
)

// SaveJob is one batch of change sets for one session.
type SaveJob struct {
	SessionID string
	Changes   []json.RawMessage
	// Done, if set, receives the result of the write.
	Done func(error)
}

// AutosaveService persists spreadsheet change batches with a worker pool.
type AutosaveService struct {
	store   SpreadsheetStore
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan SaveJob

	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewAutosaveService(store SpreadsheetStore, numWorkers, queueSize int, timeout time.Duration, logger *slog.Logger) *AutosaveService {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &AutosaveService{
		store:   store,
		timeout: timeout,
		log:     logger,
		jobs:    make(chan SaveJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers.
func (s *AutosaveService) Start() {
	s.log.Info("🔧 Starting autosave worker pool", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.log.Info("✓ Autosave worker pool started")
}

func (s *AutosaveService) worker(id int) {
	defer s.wg.Done()

	// Runs until Shutdown closes the queue, so nothing queued is lost.
	for job := range s.jobs {
		err := s.process(job)
		if err != nil {
			s.log.Error("autosave failed", "worker", id, "session_id", job.SessionID, "changes", len(job.Changes), "error", err)
		} else {
			s.log.Debug("autosave complete", "worker", id, "session_id", job.SessionID, "changes", len(job.Changes))
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}

func (s *AutosaveService) process(job SaveJob) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if err := s.store.SaveSpreadsheetChanges(ctx, job.SessionID, job.Changes); err != nil {
		return fmt.Errorf("failed to save changes for session %s: %w", job.SessionID, err)
	}
	return nil
}

// Submit queues job without blocking.
func (s *AutosaveService) Submit(job SaveJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrShuttingDown
	}

	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitSave queues one batch. done is called from a worker once written.
func (s *AutosaveService) SubmitSave(sessionID string, changes []json.RawMessage, done func(error)) error {
	return s.Submit(SaveJob{SessionID: sessionID, Changes: changes, Done: done})
}

// Shutdown stops accepting jobs and waits for the queue to drain. ctx bounds
// the wait; in-flight writes are cancelled when it expires.
func (s *AutosaveService) Shutdown(ctx context.Context) error {
	s.log.Info("🛑 Shutting down autosave service...", "queued", s.GetQueueLength())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		s.log.Info("✓ Autosave service shutdown complete")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-drained
		return fmt.Errorf("autosave shutdown: %w", ctx.Err())
	}
}

// GetQueueLength returns the number of batches waiting for a worker.
func (s *AutosaveService) GetQueueLength() int {
	return len(s.jobs)
}
