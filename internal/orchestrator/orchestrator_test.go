package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"steeple-sync/internal/api"
	"steeple-sync/internal/pullsync"
	"steeple-sync/internal/repository"
	"steeple-sync/internal/store"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

// recorder tracks the order stages run in across the fakes.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(stage string) {
	r.mu.Lock()
	r.order = append(r.order, stage)
	r.mu.Unlock()
}

func (r *recorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

type fakeQueue struct {
	rec *recorder
	err error
}

func (f *fakeQueue) ProcessQueue(ctx context.Context) error {
	f.rec.add("outbox")
	return f.err
}

func (f *fakeQueue) CollectGarbage(ctx context.Context) (int64, error) { return 0, nil }

type scriptedPuller struct {
	rec   *recorder
	name  string
	err   error
	block chan struct{}
}

func (p *scriptedPuller) Pull(ctx context.Context, pr api.PullRequest) (api.PullResponse, error) {
	if p.block != nil {
		<-p.block
	}
	p.rec.add(p.name)
	if p.err != nil {
		return api.PullResponse{}, p.err
	}
	return api.PullResponse{NotModified: true}, nil
}

type orchEnv struct {
	rec     *recorder
	queue   *fakeQueue
	pullers map[string]*scriptedPuller
	orch    *Orchestrator
}

func newOrchEnv(t *testing.T) *orchEnv {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := &recorder{}
	cursors := repository.NewCursorRepository(db.DB)
	log := logger.NewNop()

	members := &scriptedPuller{rec: rec, name: "members"}
	events := &scriptedPuller{rec: rec, name: "events"}
	announcements := &scriptedPuller{rec: rec, name: "announcements"}

	syncers := []*pullsync.Syncer{
		pullsync.NewMemberSyncer(members, db.DB, cursors, repository.NewMemberRepository(db.DB), log, 100),
		pullsync.NewEventSyncer(events, db.DB, cursors, repository.NewEventRepository(db.DB), log, 100),
		pullsync.NewAnnouncementSyncer(announcements, db.DB, cursors, repository.NewAnnouncementRepository(db.DB), log, 100),
	}
	queue := &fakeQueue{rec: rec}

	return &orchEnv{
		rec:   rec,
		queue: queue,
		pullers: map[string]*scriptedPuller{
			"members":       members,
			"events":        events,
			"announcements": announcements,
		},
		orch: New(queue, syncers, time.Hour, log),
	}
}

func TestImmediateSyncFlushesOutboxBeforePulling(t *testing.T) {
	env := newOrchEnv(t)

	summary, err := env.orch.PerformImmediateSync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary.Failed() {
		t.Errorf("summary failed: %+v", summary)
	}

	want := []string{"outbox", "members", "events", "announcements"}
	got := env.rec.stages()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
}

func TestResourceFailureDoesNotStarveOthers(t *testing.T) {
	env := newOrchEnv(t)
	env.pullers["members"].err = fmt.Errorf("gateway timeout")

	summary, err := env.orch.PerformImmediateSync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !summary.Failed() {
		t.Error("summary should report the failure")
	}
	if len(summary.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(summary.Results))
	}
	if summary.Results[0].Success {
		t.Error("members result should have failed")
	}
	if !summary.Results[1].Success || !summary.Results[2].Success {
		t.Error("healthy resources were skipped")
	}

	status, _, lastErr := env.orch.Status()
	if status != StatusError {
		t.Errorf("status = %q, want error", status)
	}
	if lastErr == nil {
		t.Error("last error not recorded")
	}
}

func TestConcurrentSyncRejected(t *testing.T) {
	env := newOrchEnv(t)
	block := make(chan struct{})
	env.pullers["members"].block = block

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.PerformImmediateSync(context.Background())
		done <- err
	}()

	// Wait until the pass is inside the first puller.
	deadline := time.After(2 * time.Second)
	for !env.orch.syncing.Load() {
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := env.orch.PerformImmediateSync(context.Background()); !errors.Is(err, steeple_errors.ErrSyncInProgress) {
		t.Errorf("overlapping sync err = %v, want ErrSyncInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !env.orch.syncing.Load() {
		// Released; a fresh pass must be accepted again.
		if _, err := env.orch.PerformImmediateSync(context.Background()); err != nil {
			t.Errorf("follow-up sync: %v", err)
		}
	}
}

func TestObserversSeeStatusTransitions(t *testing.T) {
	env := newOrchEnv(t)

	var mu sync.Mutex
	var seen []Status
	env.orch.OnStatusChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if _, err := env.orch.PerformImmediateSync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusSyncing || seen[1] != StatusIdle {
		t.Errorf("transitions = %v, want [syncing idle]", seen)
	}

	status, lastSync, lastErr := env.orch.Status()
	if status != StatusIdle {
		t.Errorf("status = %q, want idle", status)
	}
	if lastSync.IsZero() {
		t.Error("last sync time not recorded")
	}
	if lastErr != nil {
		t.Errorf("last error = %v, want nil", lastErr)
	}
}

func TestOutboxFailureStillPulls(t *testing.T) {
	env := newOrchEnv(t)
	env.queue.err = fmt.Errorf("storage wedged")

	summary, err := env.orch.PerformImmediateSync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !summary.Failed() {
		t.Error("summary should carry the outbox error")
	}
	if len(summary.Results) != 3 {
		t.Errorf("pull stages ran %d times, want 3", len(summary.Results))
	}
}
