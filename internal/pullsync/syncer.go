package pullsync

import (
	"context"
	"encoding/json"
	"time"

	"steeple-sync/internal/api"
	"steeple-sync/internal/domain/cursor"
	"steeple-sync/internal/repository"
	"steeple-sync/pkg/logger"
)

// puller is the read side of the API client.
type puller interface {
	Pull(ctx context.Context, pr api.PullRequest) (api.PullResponse, error)
}

// applyFunc persists one page of decoded rows inside the given
// transaction and returns how many rows it wrote.
type applyFunc func(ctx context.Context, tx repository.DBTX, rows []json.RawMessage) (int, error)

// Result is the outcome of syncing a single resource. A failed sync
// leaves the local cache exactly as it was.
type Result struct {
	Resource cursor.Resource `json:"resource"`
	Success  bool            `json:"success"`
	Count    int             `json:"count"`
	Err      error           `json:"-"`
}

// Syncer incrementally refreshes one cached resource. Each page is
// fetched conditionally: the stored ETag and cursor accompany the
// request, and a 304 ends the sync without touching local data. A 200
// applies the page and advances the cursor in one transaction, so a
// crash mid-sync never leaves the cursor ahead of the data.
type Syncer struct {
	resource cursor.Resource
	path     string
	client   puller
	db       repository.DBTX
	cursors  repository.CursorRepository
	apply    applyFunc
	log      *logger.Logger
	limit    int
	clock    func() time.Time
}

func newSyncer(
	resource cursor.Resource,
	path string,
	client puller,
	db repository.DBTX,
	cursors repository.CursorRepository,
	apply applyFunc,
	log *logger.Logger,
	limit int,
) *Syncer {
	if limit <= 0 {
		limit = 100
	}
	return &Syncer{
		resource: resource,
		path:     path,
		client:   client,
		db:       db,
		cursors:  cursors,
		apply:    apply,
		log:      log,
		limit:    limit,
		clock:    time.Now,
	}
}

func (s *Syncer) Resource() cursor.Resource { return s.resource }

// Sync pulls every available page for the resource. It never returns
// a partial failure as success: the Result carries either the total
// row count applied or the error that stopped the sync.
func (s *Syncer) Sync(ctx context.Context) Result {
	cur, err := s.cursors.Get(ctx, s.resource)
	if err != nil {
		return Result{Resource: s.resource, Err: err}
	}

	total := 0
	pageCursor := cur.LastCursor
	etag := cur.LastETag

	for {
		pr := api.PullRequest{
			Path:   s.path,
			ETag:   etag,
			Cursor: pageCursor,
			Limit:  s.limit,
		}
		if !cur.LastSyncAt.IsZero() {
			since := cur.LastSyncAt
			pr.UpdatedSince = &since
		}

		resp, err := s.client.Pull(ctx, pr)
		if err != nil {
			s.log.Warnf("pull sync for %s failed: %v", s.resource, err)
			return Result{Resource: s.resource, Count: total, Err: err}
		}

		if resp.NotModified {
			if err := s.cursors.TouchSyncedAt(ctx, s.resource, s.clock()); err != nil {
				return Result{Resource: s.resource, Count: total, Err: err}
			}
			return Result{Resource: s.resource, Success: true, Count: total}
		}

		applied := 0
		err = repository.WithTx(ctx, s.db, func(tx repository.DBTX) error {
			n, err := s.apply(ctx, tx, resp.Data)
			if err != nil {
				return err
			}
			applied = n
			return s.cursors.Upsert(ctx, tx, cursor.Cursor{
				Resource:   s.resource,
				LastETag:   resp.ETag,
				LastCursor: resp.NextCursor,
				LastSyncAt: s.clock(),
			})
		})
		if err != nil {
			return Result{Resource: s.resource, Count: total, Err: err}
		}
		total += applied

		if resp.NextCursor == "" {
			break
		}
		// Subsequent pages walk the cursor; the ETag only guards the
		// first request of a sync pass.
		pageCursor = resp.NextCursor
		etag = ""
	}

	s.log.Infof("pull sync for %s applied %d rows", s.resource, total)
	return Result{Resource: s.resource, Success: true, Count: total}
}
