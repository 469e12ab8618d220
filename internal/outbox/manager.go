// Package outbox guarantees that every locally accepted write
// eventually reaches the server, surviving crashes, restarts, and
// intermittent connectivity. Durability precedes transmission: an item
// is persisted before the first network attempt is made.
package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"steeple-sync/internal/api"
	domain "steeple-sync/internal/domain/outbox"
	"steeple-sync/internal/repository"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

type apiWriter interface {
	Write(ctx context.Context, method, endpoint string, payload []byte, idempotencyKey string) (api.WriteResult, error)
}

type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BatchSize   int
	Retention   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		BatchSize:   50,
		Retention:   7 * 24 * time.Hour,
	}
}

// Manager is the durable write queue.
type Manager struct {
	db         repository.DBTX
	repo       repository.OutboxRepository
	attendance repository.AttendanceRepository
	client     apiWriter
	log        *logger.Logger
	cfg        Config

	// clock and after are injectable so retry timing is testable
	// without wall-clock waits.
	clock func() time.Time
	after func(d time.Duration, f func())

	processing atomic.Bool
}

func NewManager(
	db repository.DBTX,
	repo repository.OutboxRepository,
	attendanceRepo repository.AttendanceRepository,
	client apiWriter,
	log *logger.Logger,
	cfg Config,
) *Manager {
	return &Manager{
		db:         db,
		repo:       repo,
		attendance: attendanceRepo,
		client:     client,
		log:        log,
		cfg:        cfg,
		clock:      time.Now,
		after:      func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Kick triggers an asynchronous queue pass. Safe to call from
// anywhere; overlapping kicks collapse into one pass.
func (m *Manager) Kick() {
	go func() {
		if err := m.ProcessQueue(context.Background()); err != nil {
			m.log.Errorf("outbox: background pass: %v", err)
		}
	}()
}

// ProcessQueue drains pending items in FIFO order. It is single-flight:
// a concurrent caller observes the running pass and returns nil
// immediately.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	if !m.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.processing.Store(false)

	items, err := m.repo.GetPending(ctx, m.clock(), m.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var earliestRetry time.Duration = -1
	for i := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		retryIn, err := m.processItem(ctx, &items[i])
		if err != nil {
			// Storage errors are fatal; everything else was
			// classified and recorded on the item itself.
			return err
		}
		if retryIn >= 0 && (earliestRetry < 0 || retryIn < earliestRetry) {
			earliestRetry = retryIn
		}
	}

	if earliestRetry >= 0 {
		m.after(earliestRetry, m.Kick)
	}
	return nil
}

// processItem attempts one item. It returns the delay until the item
// should be retried, or -1 when no retry is scheduled.
func (m *Manager) processItem(ctx context.Context, item *domain.Item) (time.Duration, error) {
	res, sendErr := m.client.Write(ctx, item.Method, item.Endpoint, item.Payload, item.IdempotencyKey)
	now := m.clock()

	switch res.Class {
	case steeple_errors.ClassSuccess:
		return -1, m.ack(ctx, item, now)

	case steeple_errors.ClassPermanent:
		msg := fmt.Sprintf("rejected with status %d", res.StatusCode)
		m.log.Warnf("outbox: %s permanently failed: %s", item.ID, msg)
		if err := m.repo.MarkFailed(ctx, item.ID, msg, now); err != nil {
			return -1, err
		}
		return -1, m.failLinked(ctx, item)

	default: // transient
		msg := fmt.Sprintf("status %d", res.StatusCode)
		if sendErr != nil {
			msg = sendErr.Error()
		}
		attempt := item.RetryCount + 1
		if attempt >= m.cfg.MaxRetries {
			m.log.Warnf("outbox: %s failed after %d attempts: %s", item.ID, attempt, msg)
			if err := m.repo.RecordAttempt(ctx, item.ID, msg, now, now); err != nil {
				return -1, err
			}
			if err := m.repo.MarkFailed(ctx, item.ID, msg, now); err != nil {
				return -1, err
			}
			return -1, m.failLinked(ctx, item)
		}
		delay := m.backoff(attempt)
		m.log.Debugf("outbox: %s transient failure (attempt %d/%d), retry in %s: %s",
			item.ID, attempt, m.cfg.MaxRetries, delay, msg)
		if err := m.repo.RecordAttempt(ctx, item.ID, msg, now, now.Add(delay)); err != nil {
			return -1, err
		}
		return delay, nil
	}
}

// ack marks the item synced and, when it carries a linked local
// record, flips that record in the same transaction.
func (m *Manager) ack(ctx context.Context, item *domain.Item, now time.Time) error {
	err := repository.WithTx(ctx, m.db, func(tx repository.DBTX) error {
		if err := m.repo.MarkSynced(ctx, tx, item.ID, now); err != nil {
			return err
		}
		if item.LinkedRecordID != nil {
			if err := m.attendance.MarkSynced(ctx, tx, *item.LinkedRecordID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.InfoCtx(ctx, "outbox item synced", zap.String("item_id", item.ID.String()))
	return nil
}

func (m *Manager) failLinked(ctx context.Context, item *domain.Item) error {
	if item.LinkedRecordID == nil {
		return nil
	}
	return m.attendance.MarkFailed(ctx, *item.LinkedRecordID)
}

// backoff computes min(base * 2^attempt, max).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	return d
}

// RetryFailed resets one failed item (or all of them, with nil id) to
// pending and kicks the queue.
func (m *Manager) RetryFailed(ctx context.Context, id *uuid.UUID) (int64, error) {
	n, err := m.repo.ResetFailed(ctx, id)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Infof("outbox: reset %d failed item(s) for retry", n)
		m.Kick()
	}
	return n, nil
}

// QueueStatus reports counts for UI display.
func (m *Manager) QueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	return m.repo.QueueStatus(ctx)
}

// CollectGarbage purges terminal items past the retention window.
// Pending items are kept regardless of age.
func (m *Manager) CollectGarbage(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteRetired(ctx, m.clock().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Debugf("outbox: garbage-collected %d retired item(s)", n)
	}
	return n, nil
}
