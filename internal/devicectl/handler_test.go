package devicectl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	outboxdomain "steeple-sync/internal/domain/outbox"
	"steeple-sync/internal/middleware"
	"steeple-sync/internal/orchestrator"
	"steeple-sync/internal/realtime"
	"steeple-sync/internal/repository"
	"steeple-sync/internal/services"
	"steeple-sync/internal/store"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

type fakeSyncRunner struct {
	status     orchestrator.Status
	inProgress bool
}

func (f *fakeSyncRunner) Status() (orchestrator.Status, time.Time, error) {
	return f.status, time.Unix(1_700_000_000, 0), nil
}

func (f *fakeSyncRunner) PerformImmediateSync(ctx context.Context) (orchestrator.Summary, error) {
	if f.inProgress {
		return orchestrator.Summary{}, steeple_errors.ErrSyncInProgress
	}
	return orchestrator.Summary{}, nil
}

type fakeQueueManager struct {
	status outboxdomain.QueueStatus
}

func (f *fakeQueueManager) QueueStatus(ctx context.Context) (outboxdomain.QueueStatus, error) {
	return f.status, nil
}

func (f *fakeQueueManager) RetryFailed(ctx context.Context, id *uuid.UUID) (int64, error) {
	if id != nil {
		return 1, nil
	}
	return int64(f.status.Failed), nil
}

type fakeChannel struct{ state realtime.State }

func (f *fakeChannel) State() realtime.State { return f.state }

type fakeFrameStats struct{ dropped int64 }

func (f *fakeFrameStats) Dropped() int64 { return f.dropped }

type handlerEnv struct {
	engine *gin.Engine
	sync   *fakeSyncRunner
	db     *store.DB
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	memberRepo := repository.NewMemberRepository(db.DB)
	eventRepo := repository.NewEventRepository(db.DB)
	announcementRepo := repository.NewAnnouncementRepository(db.DB)
	attendanceRepo := repository.NewAttendanceRepository(db.DB)
	outboxRepo := repository.NewOutboxRepository(db.DB)

	sync := &fakeSyncRunner{status: orchestrator.StatusIdle}
	checkins := services.NewAttendanceService(db.DB, attendanceRepo, outboxRepo,
		noopKicker{}, logger.NewNop())

	h := NewHandler(sync, &fakeQueueManager{status: outboxdomain.QueueStatus{Pending: 2, Failed: 1}},
		db, &fakeChannel{state: realtime.StateConnected}, &fakeFrameStats{dropped: 3}, checkins,
		memberRepo, eventRepo, announcementRepo)

	engine := gin.New()
	engine.Use(middleware.ErrorHandler(logger.NewNop()))
	h.RegisterRoutes(engine)
	return &handlerEnv{engine: engine, sync: sync, db: db}
}

type noopKicker struct{}

func (noopKicker) Kick() {}

func (e *handlerEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "idle" {
		t.Errorf("status = %v", body["status"])
	}
	if body["realtime"] != "connected" {
		t.Errorf("realtime = %v", body["realtime"])
	}
	if body["lastSyncAt"] == nil {
		t.Error("lastSyncAt missing")
	}
	if body["droppedFrames"] != float64(3) {
		t.Errorf("droppedFrames = %v", body["droppedFrames"])
	}
}

func TestTriggerSyncWhileRunning(t *testing.T) {
	env := newHandlerEnv(t)
	env.sync.inProgress = true

	w := env.do(t, http.MethodPost, "/sync", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("status code = %d, want 202", w.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodGet, "/queue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	var body struct {
		Queue outboxdomain.QueueStatus `json:"queue"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Queue.Pending != 2 || body.Queue.Failed != 1 {
		t.Errorf("queue = %+v", body.Queue)
	}
}

func TestRetryQueueRejectsBadItemID(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/queue/retry", `{"itemId":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", w.Code)
	}
}

func TestCheckInEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	memberID, eventID := uuid.New(), uuid.New()
	body := `{"memberId":"` + memberID.String() + `","eventId":"` + eventID.String() + `"}`

	w := env.do(t, http.MethodPost, "/attendance/checkin", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status code = %d, body %s", w.Code, w.Body.String())
	}

	// Same pair again conflicts.
	w = env.do(t, http.MethodPost, "/attendance/checkin", body)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status code = %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodGet, "/attendance/event/"+eventID.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status code = %d", w.Code)
	}
	var list struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Records) != 1 {
		t.Errorf("got %d records, want 1", len(list.Records))
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	env := newHandlerEnv(t)

	if _, err := env.db.ExecContext(context.Background(),
		"INSERT INTO members (id, updated_at) VALUES ('m1', 0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := env.do(t, http.MethodGet, "/cache/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status code = %d", w.Code)
	}
	var body struct {
		Tables map[string]int `json:"tables"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tables["members"] != 1 {
		t.Errorf("members = %d, want 1", body.Tables["members"])
	}

	if w := env.do(t, http.MethodPost, "/cache/clear", ""); w.Code != http.StatusOK {
		t.Fatalf("clear status code = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/cache/stats", "")
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tables["members"] != 0 {
		t.Errorf("members = %d after clear", body.Tables["members"])
	}
}
