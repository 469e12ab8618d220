package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"steeple-sync/internal/pullsync"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

// Status summarizes the orchestrator for observers and the control
// API.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// queueProcessor is the outbox slice the orchestrator drives: local
// writes must be flushed before any pull so the server's answers
// reflect them.
type queueProcessor interface {
	ProcessQueue(ctx context.Context) error
	CollectGarbage(ctx context.Context) (int64, error)
}

// Summary is one full sync pass: the outbox flush result plus one
// entry per resource.
type Summary struct {
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	OutboxErr  error             `json:"-"`
	Results    []pullsync.Result `json:"results"`
}

// Failed reports whether any stage of the pass errored.
func (s Summary) Failed() bool {
	if s.OutboxErr != nil {
		return true
	}
	for _, r := range s.Results {
		if !r.Success {
			return true
		}
	}
	return false
}

// Orchestrator runs the periodic sync cycle and serves on-demand
// syncs. At most one pass runs at a time; callers that lose the race
// get ErrSyncInProgress instead of a queued duplicate pass.
type Orchestrator struct {
	queue    queueProcessor
	syncers  []*pullsync.Syncer
	interval time.Duration
	log      *logger.Logger
	clock    func() time.Time

	syncing atomic.Bool

	mu        sync.Mutex
	status    Status
	lastSync  time.Time
	lastErr   error
	observers []func(Status)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(queue queueProcessor, syncers []*pullsync.Syncer, interval time.Duration, log *logger.Logger) *Orchestrator {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Orchestrator{
		queue:    queue,
		syncers:  syncers,
		interval: interval,
		log:      log,
		clock:    time.Now,
		status:   StatusIdle,
		stopCh:   make(chan struct{}),
	}
}

// OnStatusChange registers an observer; it is called synchronously
// from whichever goroutine finishes a pass.
func (o *Orchestrator) OnStatusChange(fn func(Status)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// Status reports the current status, the end of the last successful
// pass, and the last error if any.
func (o *Orchestrator) Status() (Status, time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, o.lastSync, o.lastErr
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	if o.status == s {
		o.mu.Unlock()
		return
	}
	o.status = s
	obs := make([]func(Status), len(o.observers))
	copy(obs, o.observers)
	o.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// Initialize runs one immediate pass and then starts the periodic
// loop. The startup pass drains check-ins recorded while the process
// was down.
func (o *Orchestrator) Initialize(ctx context.Context) {
	if _, err := o.PerformImmediateSync(ctx); err != nil {
		o.log.Warnf("startup sync: %v", err)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := o.PerformImmediateSync(ctx); err != nil &&
					err != steeple_errors.ErrSyncInProgress {
					o.log.Warnf("periodic sync: %v", err)
				}
				if n, err := o.queue.CollectGarbage(ctx); err != nil {
					o.log.Warnf("outbox gc: %v", err)
				} else if n > 0 {
					o.log.Infof("outbox gc removed %d retired items", n)
				}
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop. An in-flight pass finishes on its own
// goroutine.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// PerformImmediateSync runs one full pass: outbox flush first, then
// each resource in order. A resource failure is recorded and the pass
// moves on; one unreachable endpoint never starves the others.
func (o *Orchestrator) PerformImmediateSync(ctx context.Context) (Summary, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		return Summary{}, steeple_errors.ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	o.setStatus(StatusSyncing)
	summary := Summary{StartedAt: o.clock()}

	if err := o.queue.ProcessQueue(ctx); err != nil {
		o.log.Warnf("outbox flush: %v", err)
		summary.OutboxErr = err
	}

	for _, s := range o.syncers {
		res := s.Sync(ctx)
		summary.Results = append(summary.Results, res)
	}
	summary.FinishedAt = o.clock()

	o.mu.Lock()
	if summary.Failed() {
		for _, r := range summary.Results {
			if r.Err != nil {
				o.lastErr = r.Err
				break
			}
		}
		if o.lastErr == nil {
			o.lastErr = summary.OutboxErr
		}
	} else {
		o.lastSync = summary.FinishedAt
		o.lastErr = nil
	}
	o.mu.Unlock()

	if summary.Failed() {
		o.setStatus(StatusError)
	} else {
		o.setStatus(StatusIdle)
	}
	return summary, nil
}

// NotifyOnline hints that connectivity returned; it triggers a pass
// in the background if one is not already running.
func (o *Orchestrator) NotifyOnline(ctx context.Context) {
	go func() {
		if _, err := o.PerformImmediateSync(ctx); err != nil &&
			err != steeple_errors.ErrSyncInProgress {
			o.log.Warnf("online sync: %v", err)
		}
	}()
}
