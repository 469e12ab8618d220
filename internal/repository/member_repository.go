package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/member"
	steeple_errors "steeple-sync/pkg/errors"
)

type memberRepository struct {
	db DBTX
}

func NewMemberRepository(db DBTX) MemberRepository {
	return &memberRepository{db: db}
}

const memberColumns = "id, first_name, last_name, email, phone, status, updated_at, synced_at"

const upsertMemberSQL = `
    INSERT INTO members (id, first_name, last_name, email, phone, status, updated_at, synced_at)
    VALUES (?,?,?,?,?,?,?,?)
    ON CONFLICT(id) DO UPDATE SET
        first_name = excluded.first_name,
        last_name = excluded.last_name,
        email = excluded.email,
        phone = excluded.phone,
        status = excluded.status,
        updated_at = excluded.updated_at,
        synced_at = excluded.synced_at
`

func (r *memberRepository) Upsert(ctx context.Context, m *member.Member) error {
	_, err := r.db.ExecContext(ctx, upsertMemberSQL,
		m.ID.String(), m.FirstName, m.LastName, m.Email, m.Phone, m.Status,
		m.UpdatedAt.Unix(), unixPtr(m.SyncedAt),
	)
	if err != nil {
		return storageErr("upsert member", err)
	}
	return nil
}

// BatchUpsert writes every row through tx so the caller controls
// atomicity; partial application is never observable.
func (r *memberRepository) BatchUpsert(ctx context.Context, tx DBTX, ms []member.Member) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	for i := range ms {
		m := &ms[i]
		_, err := execDB.ExecContext(ctx, upsertMemberSQL,
			m.ID.String(), m.FirstName, m.LastName, m.Email, m.Phone, m.Status,
			m.UpdatedAt.Unix(), unixPtr(m.SyncedAt),
		)
		if err != nil {
			return storageErr("batch upsert member", err)
		}
	}
	return nil
}

func (r *memberRepository) GetAll(ctx context.Context) ([]member.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+memberColumns+` FROM members ORDER BY last_name, first_name
    `)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func (r *memberRepository) GetByID(ctx context.Context, id uuid.UUID) (member.Member, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+memberColumns+` FROM members WHERE id = ?
    `, id.String())
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return member.Member{}, steeple_errors.ErrNotFound
	}
	if err != nil {
		return member.Member{}, storageErr("get member", err)
	}
	return m, nil
}

// Search is local-only and ranks prefix matches above substring
// matches, then alphabetically within each rank.
func (r *memberRepository) Search(ctx context.Context, term string) ([]member.Member, error) {
	prefix := term + "%"
	substr := "%" + term + "%"
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+memberColumns+` FROM members
        WHERE first_name LIKE ?2 OR last_name LIKE ?2 OR email LIKE ?2
        ORDER BY
            CASE WHEN first_name LIKE ?1 OR last_name LIKE ?1 THEN 0 ELSE 1 END,
            last_name, first_name
    `, prefix, substr)
	if err != nil {
		return nil, storageErr("search members", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row rowScanner) (member.Member, error) {
	var (
		m        member.Member
		id       string
		updated  int64
		syncedAt sql.NullInt64
	)
	if err := row.Scan(&id, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &m.Status, &updated, &syncedAt); err != nil {
		return member.Member{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return member.Member{}, err
	}
	m.ID = parsed
	m.UpdatedAt = timeFromUnix(updated)
	m.SyncedAt = timePtrFromNull(syncedAt)
	return m, nil
}

func scanMembers(rows *sql.Rows) ([]member.Member, error) {
	var members []member.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, storageErr("scan member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate members", err)
	}
	return members, nil
}
