package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/announcement"
	"steeple-sync/internal/domain/event"
	"steeple-sync/internal/domain/member"
	"steeple-sync/internal/events"
	"steeple-sync/internal/repository"
	"steeple-sync/pkg/logger"
)

// Subscriber receives flushed events. Callbacks run on the router's
// goroutine and must not block.
type Subscriber func(env events.Envelope)

// syncTrigger is invoked when the server asks the device to sync.
type syncTrigger func(resource string)

// Router absorbs the realtime stream. Incoming frames land in a
// bounded buffer; when the buffer is full the oldest frame is dropped,
// because a stale delta is recoverable by the next pull sync while a
// blocked reader would stall the connection. Buffered events are
// flushed on a throttle interval, keeping only the newest event per
// type, so a burst collapses into one store write and one dispatch.
type Router struct {
	members       repository.MemberRepository
	eventsRepo    repository.EventRepository
	announcements repository.AnnouncementRepository

	buffer   chan events.Envelope
	throttle time.Duration
	log      *logger.Logger
	onSync   syncTrigger

	mu          sync.Mutex
	subscribers map[int]Subscriber
	nextID      int
	dropped     int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRouter(
	members repository.MemberRepository,
	eventsRepo repository.EventRepository,
	announcements repository.AnnouncementRepository,
	bufferSize int,
	throttle time.Duration,
	onSync syncTrigger,
	log *logger.Logger,
) *Router {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	return &Router{
		members:       members,
		eventsRepo:    eventsRepo,
		announcements: announcements,
		buffer:        make(chan events.Envelope, bufferSize),
		throttle:      throttle,
		log:           log,
		onSync:        onSync,
		subscribers:   make(map[int]Subscriber),
		stopCh:        make(chan struct{}),
	}
}

// Subscribe registers a callback for flushed events and returns an
// unsubscribe function.
func (r *Router) Subscribe(fn Subscriber) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Ingest parses and buffers one raw frame. A malformed or unknown
// frame is logged and dropped; it never tears down the stream.
func (r *Router) Ingest(raw []byte) {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		r.log.Warnf("dropping bad frame: %v", err)
		return
	}
	for {
		select {
		case r.buffer <- env:
			return
		default:
		}
		// Buffer full: evict the oldest and retry.
		select {
		case <-r.buffer:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		default:
		}
	}
}

// Dropped reports how many frames were evicted from a full buffer.
func (r *Router) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run drains the buffer until Stop. Exported for the composition
// root; tests call flush directly.
func (r *Router) Run() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.throttle)
		defer ticker.Stop()
		pending := make(map[events.Type]events.Envelope)
		for {
			select {
			case env := <-r.buffer:
				pending[env.Type] = env
			case <-ticker.C:
				if len(pending) > 0 {
					r.flush(pending)
					pending = make(map[events.Type]events.Envelope)
				}
			case <-r.stopCh:
				// Drain whatever arrived before shutdown.
				for {
					select {
					case env := <-r.buffer:
						pending[env.Type] = env
					default:
						if len(pending) > 0 {
							r.flush(pending)
						}
						return
					}
				}
			}
		}
	}()
}

func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// flush applies each coalesced event to the local cache and notifies
// subscribers. Store failures are logged per event; one bad event
// does not block the rest of the batch.
func (r *Router) flush(pending map[events.Type]events.Envelope) {
	ctx := context.Background()
	for _, env := range pending {
		if err := r.applyToStore(ctx, env); err != nil {
			r.log.Errorf("apply %s: %v", env.Type, err)
			continue
		}
		r.dispatch(env)
	}
}

func (r *Router) dispatch(env events.Envelope) {
	r.mu.Lock()
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

func (r *Router) applyToStore(ctx context.Context, env events.Envelope) error {
	payload, err := env.Decode()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case events.MemberPayload:
		return r.applyMember(ctx, p)
	case events.EventPayload:
		return r.applyEvent(ctx, p)
	case events.AnnouncementPayload:
		return r.applyAnnouncement(ctx, p)
	case events.AttendancePayload:
		// Attendance originates on this device; server-side echoes
		// carry no cache state to update.
		return nil
	case events.SyncRequestPayload:
		if r.onSync != nil {
			r.onSync(p.Resource)
		}
		return nil
	default:
		return nil
	}
}

func (r *Router) applyMember(ctx context.Context, p events.MemberPayload) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return err
	}
	updatedAt, err := time.Parse(time.RFC3339, p.UpdatedAt)
	if err != nil {
		return err
	}
	now := time.Now()
	return r.members.Upsert(ctx, &member.Member{
		ID:        id,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Phone:     p.Phone,
		Status:    p.Status,
		UpdatedAt: updatedAt,
		SyncedAt:  &now,
	})
}

func (r *Router) applyEvent(ctx context.Context, p events.EventPayload) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return err
	}
	startsAt, err := time.Parse(time.RFC3339, p.StartsAt)
	if err != nil {
		return err
	}
	var endsAt *time.Time
	if p.EndsAt != nil && *p.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, *p.EndsAt)
		if err != nil {
			return err
		}
		endsAt = &t
	}
	updatedAt, err := time.Parse(time.RFC3339, p.UpdatedAt)
	if err != nil {
		return err
	}
	now := time.Now()
	return r.eventsRepo.Upsert(ctx, &event.Event{
		ID:          id,
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		UpdatedAt:   updatedAt,
		SyncedAt:    &now,
	})
}

func (r *Router) applyAnnouncement(ctx context.Context, p events.AnnouncementPayload) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return err
	}
	var publishedAt *time.Time
	if p.PublishedAt != nil && *p.PublishedAt != "" {
		t, err := time.Parse(time.RFC3339, *p.PublishedAt)
		if err != nil {
			return err
		}
		publishedAt = &t
	}
	updatedAt, err := time.Parse(time.RFC3339, p.UpdatedAt)
	if err != nil {
		return err
	}
	now := time.Now()
	return r.announcements.Upsert(ctx, &announcement.Announcement{
		ID:          id,
		Title:       p.Title,
		Body:        p.Body,
		PublishedAt: publishedAt,
		UpdatedAt:   updatedAt,
		SyncedAt:    &now,
	})
}
