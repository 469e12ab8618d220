package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/attendance"
	"steeple-sync/internal/domain/outbox"
	"steeple-sync/internal/repository"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

// queueKicker is the slice of the outbox manager the service needs:
// an opportunistic "try transmitting now" nudge after a durable write.
type queueKicker interface {
	Kick()
}

// AttendanceService accepts check-ins while offline. A check-in
// reports success as soon as it is durably persisted; transmission
// happens asynchronously through the outbox.
type AttendanceService struct {
	db         repository.DBTX
	attendance repository.AttendanceRepository
	outboxRepo repository.OutboxRepository
	queue      queueKicker
	log        *logger.Logger
	clock      func() time.Time
}

func NewAttendanceService(
	db repository.DBTX,
	attendanceRepo repository.AttendanceRepository,
	outboxRepo repository.OutboxRepository,
	queue queueKicker,
	log *logger.Logger,
) *AttendanceService {
	return &AttendanceService{
		db:         db,
		attendance: attendanceRepo,
		outboxRepo: outboxRepo,
		queue:      queue,
		log:        log,
		clock:      time.Now,
	}
}

type checkInPayload struct {
	MemberID    string `json:"memberId"`
	EventID     string `json:"eventId"`
	CheckedInAt string `json:"checkedInAt"`
}

// CheckIn records a member's attendance at an event. A duplicate
// (member, event) pair is rejected before any outbox item is created.
// The attendance row and its outbox item are written in one
// transaction, so a crash can never leave one without the other.
func (s *AttendanceService) CheckIn(ctx context.Context, memberID, eventID uuid.UUID) (attendance.Record, error) {
	exists, err := s.attendance.Exists(ctx, memberID, eventID)
	if err != nil {
		return attendance.Record{}, err
	}
	if exists {
		return attendance.Record{}, steeple_errors.ErrAlreadyCheckedIn
	}

	now := s.clock()
	rec := attendance.Record{
		ID:          uuid.New(),
		MemberID:    memberID,
		EventID:     eventID,
		CheckedInAt: now,
		SyncStatus:  attendance.SyncPending,
		UpdatedAt:   now,
	}

	payload, err := json.Marshal(checkInPayload{
		MemberID:    memberID.String(),
		EventID:     eventID.String(),
		CheckedInAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return attendance.Record{}, err
	}

	item := outbox.NewItem("/attendance/checkin", "POST", payload, &rec.ID, now)
	rec.OutboxItemID = &item.ID

	err = repository.WithTx(ctx, s.db, func(tx repository.DBTX) error {
		if err := s.outboxRepo.Create(ctx, tx, item); err != nil {
			return err
		}
		return s.attendance.Create(ctx, tx, &rec)
	})
	if err != nil {
		return attendance.Record{}, err
	}

	s.log.Infof("check-in recorded for member %s at event %s", memberID, eventID)
	s.queue.Kick()
	return rec, nil
}

// ListForEvent is a pure local read, available offline.
func (s *AttendanceService) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]attendance.Record, error) {
	return s.attendance.ListForEvent(ctx, eventID)
}
