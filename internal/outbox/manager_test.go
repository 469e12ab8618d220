package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/api"
	"steeple-sync/internal/domain/attendance"
	domain "steeple-sync/internal/domain/outbox"
	"steeple-sync/internal/repository"
	"steeple-sync/internal/store"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

type writeCall struct {
	Method   string
	Endpoint string
	Key      string
}

// fakeWriter plays back a scripted sequence of statuses; the last
// entry repeats. Status 0 simulates a transport failure.
type fakeWriter struct {
	mu       sync.Mutex
	statuses []int
	calls    []writeCall
	block    chan struct{}
}

func (f *fakeWriter) Write(ctx context.Context, method, endpoint string, payload []byte, key string) (api.WriteResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[len(f.statuses)-1]
	if len(f.calls) < len(f.statuses) {
		status = f.statuses[len(f.calls)]
	}
	f.calls = append(f.calls, writeCall{Method: method, Endpoint: endpoint, Key: key})
	res := api.WriteResult{StatusCode: status, Class: steeple_errors.ClassifyStatus(status)}
	if status == 0 {
		return res, context.DeadlineExceeded
	}
	return res, nil
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWriter) call(i int) writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRig struct {
	manager    *Manager
	writer     *fakeWriter
	clock      *fakeClock
	outboxRepo repository.OutboxRepository
	attendance repository.AttendanceRepository
	db         *store.DB
	scheduled  []time.Duration
}

func newTestRig(t *testing.T, statuses ...int) *testRig {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := &fakeWriter{statuses: statuses}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	outboxRepo := repository.NewOutboxRepository(db.DB)
	attendanceRepo := repository.NewAttendanceRepository(db.DB)

	rig := &testRig{
		writer:     writer,
		clock:      clock,
		outboxRepo: outboxRepo,
		attendance: attendanceRepo,
		db:         db,
	}
	m := NewManager(db.DB, outboxRepo, attendanceRepo, writer, logger.NewNop(), DefaultConfig())
	m.clock = clock.Now
	m.after = func(d time.Duration, f func()) {
		rig.scheduled = append(rig.scheduled, d)
	}
	rig.manager = m
	return rig
}

// seedCheckIn persists an attendance record and its outbox item the
// way the check-in service does.
func (r *testRig) seedCheckIn(t *testing.T) (*domain.Item, attendance.Record) {
	t.Helper()
	now := r.clock.Now()
	rec := attendance.Record{
		ID:          uuid.New(),
		MemberID:    uuid.New(),
		EventID:     uuid.New(),
		CheckedInAt: now,
		SyncStatus:  attendance.SyncPending,
		UpdatedAt:   now,
	}
	item := domain.NewItem("/attendance/checkin", "POST", []byte(`{"x":1}`), &rec.ID, now)
	rec.OutboxItemID = &item.ID

	ctx := context.Background()
	err := repository.WithTx(ctx, r.db.DB, func(tx repository.DBTX) error {
		if err := r.outboxRepo.Create(ctx, tx, item); err != nil {
			return err
		}
		return r.attendance.Create(ctx, tx, &rec)
	})
	if err != nil {
		t.Fatalf("seed check-in: %v", err)
	}
	return item, rec
}

func TestProcessQueueDeliversAndAcksLinkedRecord(t *testing.T) {
	rig := newTestRig(t, 201)
	item, rec := rig.seedCheckIn(t)
	ctx := context.Background()

	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if rig.writer.callCount() != 1 {
		t.Fatalf("writer called %d times, want 1", rig.writer.callCount())
	}
	call := rig.writer.call(0)
	if call.Method != "POST" || call.Endpoint != "/attendance/checkin" {
		t.Errorf("sent %s %s", call.Method, call.Endpoint)
	}
	if call.Key != item.IdempotencyKey {
		t.Error("sent key differs from persisted key")
	}

	got, err := rig.outboxRepo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != domain.StatusSynced {
		t.Errorf("item status = %q, want synced", got.Status)
	}
	gotRec, err := rig.attendance.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if gotRec.SyncStatus != attendance.SyncSynced {
		t.Errorf("record status = %q, want synced", gotRec.SyncStatus)
	}
}

func TestRetriesReuseIdempotencyKey(t *testing.T) {
	rig := newTestRig(t, 503, 503, 200)
	item, _ := rig.seedCheckIn(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rig.manager.ProcessQueue(ctx); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		// Jump past whatever backoff was scheduled.
		rig.clock.Advance(rig.manager.cfg.BackoffMax)
	}

	if rig.writer.callCount() != 3 {
		t.Fatalf("writer called %d times, want 3", rig.writer.callCount())
	}
	for i := 0; i < 3; i++ {
		if rig.writer.call(i).Key != item.IdempotencyKey {
			t.Errorf("attempt %d used a different idempotency key", i)
		}
	}
	got, err := rig.outboxRepo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != domain.StatusSynced {
		t.Errorf("item status = %q, want synced", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", got.RetryCount)
	}
}

func TestFifthConsecutiveTransientFailureMarksFailed(t *testing.T) {
	rig := newTestRig(t, 503)
	item, rec := rig.seedCheckIn(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rig.manager.ProcessQueue(ctx); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		rig.clock.Advance(rig.manager.cfg.BackoffMax)
	}

	if rig.writer.callCount() != 5 {
		t.Fatalf("writer called %d times, want 5", rig.writer.callCount())
	}
	got, err := rig.outboxRepo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("item status = %q, want failed", got.Status)
	}
	if got.RetryCount != 5 {
		t.Errorf("retry count = %d, want 5", got.RetryCount)
	}
	gotRec, err := rig.attendance.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if gotRec.SyncStatus != attendance.SyncFailed {
		t.Errorf("record status = %q, want failed", gotRec.SyncStatus)
	}

	// A failed item is out of the queue for good until a manual retry.
	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("post-failure pass: %v", err)
	}
	if rig.writer.callCount() != 5 {
		t.Errorf("failed item was retried")
	}
}

func TestPermanentFailureStopsImmediately(t *testing.T) {
	rig := newTestRig(t, 422)
	item, rec := rig.seedCheckIn(t)
	ctx := context.Background()

	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	rig.clock.Advance(time.Hour)
	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if rig.writer.callCount() != 1 {
		t.Errorf("writer called %d times, want 1", rig.writer.callCount())
	}
	got, err := rig.outboxRepo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("item status = %q, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", got.RetryCount)
	}
	gotRec, err := rig.attendance.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if gotRec.SyncStatus != attendance.SyncFailed {
		t.Errorf("record status = %q, want failed", gotRec.SyncStatus)
	}
}

func TestConflictCountsAsDelivered(t *testing.T) {
	rig := newTestRig(t, 409)
	item, _ := rig.seedCheckIn(t)
	ctx := context.Background()

	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, err := rig.outboxRepo.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != domain.StatusSynced {
		t.Errorf("409 item status = %q, want synced", got.Status)
	}
}

func TestTransientFailureSchedulesBackoffKick(t *testing.T) {
	rig := newTestRig(t, 0) // transport failure
	rig.seedCheckIn(t)

	if err := rig.manager.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rig.scheduled) != 1 {
		t.Fatalf("scheduled %d kicks, want 1", len(rig.scheduled))
	}
	if want := rig.manager.backoff(1); rig.scheduled[0] != want {
		t.Errorf("scheduled after %s, want %s", rig.scheduled[0], want)
	}
}

func TestProcessQueueEmptyIsNoop(t *testing.T) {
	rig := newTestRig(t, 200)
	if err := rig.manager.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if rig.writer.callCount() != 0 {
		t.Errorf("writer called on empty queue")
	}
	if len(rig.scheduled) != 0 {
		t.Errorf("kick scheduled on empty queue")
	}
}

func TestProcessQueueSingleFlight(t *testing.T) {
	rig := newTestRig(t, 200)
	rig.writer.block = make(chan struct{})
	rig.seedCheckIn(t)

	done := make(chan error, 1)
	go func() {
		done <- rig.manager.ProcessQueue(context.Background())
	}()

	// Wait until the first pass is inside the writer.
	deadline := time.After(2 * time.Second)
	for rig.manager.processing.Load() == false {
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The overlapping pass must bail out without touching the writer.
	if err := rig.manager.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("overlapping pass: %v", err)
	}

	close(rig.writer.block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if rig.writer.callCount() != 1 {
		t.Errorf("writer called %d times, want 1", rig.writer.callCount())
	}
}

func TestRetryFailedResetsAndRedelivers(t *testing.T) {
	rig := newTestRig(t, 422, 200)
	item, _ := rig.seedCheckIn(t)
	ctx := context.Background()

	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	n, err := rig.manager.RetryFailed(ctx, &item.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d items, want 1", n)
	}

	// RetryFailed kicks a background pass; wait for it to land.
	deadline := time.After(2 * time.Second)
	for {
		got, err := rig.outboxRepo.GetByID(ctx, item.ID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if got.Status == domain.StatusSynced {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("item never redelivered, status %q", got.Status)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestCollectGarbageKeepsPending(t *testing.T) {
	rig := newTestRig(t, 200)
	stale, rec := rig.seedCheckIn(t)
	ctx := context.Background()

	// Deliver it, then age the clock past retention.
	if err := rig.manager.ProcessQueue(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	rig.clock.Advance(rig.manager.cfg.Retention + time.Hour)

	// A fresh pending item created now must survive.
	fresh := domain.NewItem("/attendance/checkin", "POST", []byte(`{}`), nil, rig.clock.Now())
	if err := rig.outboxRepo.Create(ctx, nil, fresh); err != nil {
		t.Fatalf("create fresh item: %v", err)
	}

	n, err := rig.manager.CollectGarbage(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if n != 1 {
		t.Errorf("gc removed %d items, want 1", n)
	}
	if _, err := rig.outboxRepo.GetByID(ctx, stale.ID); err == nil {
		t.Error("retired item still present")
	}
	if _, err := rig.outboxRepo.GetByID(ctx, fresh.ID); err != nil {
		t.Errorf("pending item was garbage-collected: %v", err)
	}

	// The delivered check-in outlives its queue entry; only the link
	// clears.
	gotRec, err := rig.attendance.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if gotRec.SyncStatus != attendance.SyncSynced {
		t.Errorf("record status = %q, want synced", gotRec.SyncStatus)
	}
	if gotRec.OutboxItemID != nil {
		t.Error("record still references the purged outbox item")
	}
}
