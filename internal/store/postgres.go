package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"callgrid/pkg/utils"

	"github.com/google/uuid"
)

// Postgres implements Store on database/sql with the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables this service owns if they do not exist.
// Account CRUD lives in a separate service; the users table is shared.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			email         TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			full_name     TEXT NOT NULL,
			avatar_url    TEXT,
			status        TEXT NOT NULL DEFAULT 'offline',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id              BIGSERIAL PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contact_user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			nickname        TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, contact_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id            TEXT PRIMARY KEY,
			caller_id     TEXT NOT NULL REFERENCES users(id),
			receiver_id   TEXT NOT NULL REFERENCES users(id),
			call_type     TEXT NOT NULL,
			status        TEXT NOT NULL,
			start_time    TIMESTAMPTZ NOT NULL DEFAULT now(),
			answered_time TIMESTAMPTZ,
			end_time      TIMESTAMPTZ,
			duration      INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls (caller_id, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls (receiver_id, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_reverse ON contacts (contact_user_id)`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (User, error) {
	const q = `
SELECT id, username, email, password_hash, full_name, COALESCE(avatar_url, ''), status, created_at
FROM users
WHERE id = $1
`
	return p.scanUser(p.db.QueryRowContext(ctx, q, id))
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const q = `
SELECT id, username, email, password_hash, full_name, COALESCE(avatar_url, ''), status, created_at
FROM users
WHERE username = $1
`
	return p.scanUser(p.db.QueryRowContext(ctx, q, username))
}

func (p *Postgres) scanUser(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.FullName,
		&u.AvatarURL,
		&u.Status,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (p *Postgres) UpdateUserStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE users SET status = $1 WHERE id = $2`
	res, err := p.db.ExecContext(ctx, q, status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListContacts(ctx context.Context, userID string) ([]string, error) {
	const q = `SELECT contact_user_id FROM contacts WHERE user_id = $1`
	return p.listIDs(ctx, q, userID)
}

func (p *Postgres) ListReverseContacts(ctx context.Context, userID string) ([]string, error) {
	const q = `SELECT user_id FROM contacts WHERE contact_user_id = $1`
	return p.listIDs(ctx, q, userID)
}

func (p *Postgres) listIDs(ctx context.Context, q, arg string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) ListContactDetails(ctx context.Context, userID string) ([]ContactEntry, error) {
	const q = `
SELECT c.contact_user_id, COALESCE(c.nickname, ''), u.username, u.full_name, COALESCE(u.avatar_url, ''), u.status
FROM contacts c
JOIN users u ON u.id = c.contact_user_id
WHERE c.user_id = $1
ORDER BY u.username
`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ContactEntry, 0)
	for rows.Next() {
		var e ContactEntry
		if err := rows.Scan(&e.UserID, &e.Nickname, &e.Username, &e.FullName, &e.AvatarURL, &e.Status); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateCall(ctx context.Context, callerID, receiverID, callType, status string) (CallRecord, error) {
	id := uuid.NewString()
	const q = `
INSERT INTO calls (id, caller_id, receiver_id, call_type, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, caller_id, receiver_id, call_type, status, start_time, answered_time, end_time, duration
`
	var rec CallRecord
	if err := p.db.QueryRowContext(ctx, q, id, callerID, receiverID, callType, status).Scan(
		&rec.ID,
		&rec.CallerID,
		&rec.ReceiverID,
		&rec.CallType,
		&rec.Status,
		&rec.StartTime,
		&rec.AnsweredTime,
		&rec.EndTime,
		&rec.DurationSeconds,
	); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

// UpdateCallStatus applies one status transition. The row is locked for the
// duration of the write and terminal rows are refused, so a racing update
// can never reverse a committed terminal state.
func (p *Postgres) UpdateCallStatus(ctx context.Context, callID string, upd CallUpdate) error {
	return utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = $1 FOR UPDATE`, callID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if isTerminalStatus(current) {
			return ErrTerminalCall
		}

		const q = `
UPDATE calls
SET status = $1,
    answered_time = COALESCE($2, answered_time),
    end_time = COALESCE($3, end_time),
    duration = COALESCE($4, duration)
WHERE id = $5
`
		_, err := tx.ExecContext(ctx, q, upd.Status, upd.AnsweredTime, upd.EndTime, upd.DurationSeconds, callID)
		return err
	})
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	const q = `
SELECT id, caller_id, receiver_id, call_type, status, start_time, answered_time, end_time, duration
FROM calls
WHERE id = $1
`
	var rec CallRecord
	if err := p.db.QueryRowContext(ctx, q, callID).Scan(
		&rec.ID,
		&rec.CallerID,
		&rec.ReceiverID,
		&rec.CallType,
		&rec.Status,
		&rec.StartTime,
		&rec.AnsweredTime,
		&rec.EndTime,
		&rec.DurationSeconds,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) ListCallHistory(ctx context.Context, userID string, page, limit int) ([]CallHistoryEntry, Page, error) {
	page, limit = normalizePage(page, limit)
	offset := (page - 1) * limit

	const countQ = `SELECT COUNT(*) FROM calls WHERE caller_id = $1 OR receiver_id = $1`
	var total int
	if err := p.db.QueryRowContext(ctx, countQ, userID).Scan(&total); err != nil {
		return nil, Page{}, err
	}

	const q = `
SELECT c.id, c.caller_id, c.receiver_id, c.call_type, c.status, c.start_time, c.answered_time, c.end_time, c.duration,
       caller.username, caller.full_name,
       receiver.username, receiver.full_name
FROM calls c
JOIN users caller ON c.caller_id = caller.id
JOIN users receiver ON c.receiver_id = receiver.id
WHERE c.caller_id = $1 OR c.receiver_id = $1
ORDER BY c.start_time DESC
LIMIT $2 OFFSET $3
`
	rows, err := p.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, Page{}, err
	}
	defer rows.Close()

	out := make([]CallHistoryEntry, 0)
	for rows.Next() {
		var e CallHistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.CallerID,
			&e.ReceiverID,
			&e.CallType,
			&e.Status,
			&e.StartTime,
			&e.AnsweredTime,
			&e.EndTime,
			&e.DurationSeconds,
			&e.CallerUsername,
			&e.CallerName,
			&e.ReceiverUsername,
			&e.ReceiverName,
		); err != nil {
			return nil, Page{}, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, err
	}
	return out, newPage(page, limit, total), nil
}

func (p *Postgres) ListActiveCalls(ctx context.Context, userID string) ([]CallRecord, error) {
	const q = `
SELECT id, caller_id, receiver_id, call_type, status, start_time, answered_time, end_time, duration
FROM calls
WHERE (caller_id = $1 OR receiver_id = $1)
  AND status IN ('initiated', 'ringing', 'answered')
ORDER BY start_time DESC
`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.CallerID,
			&rec.ReceiverID,
			&rec.CallType,
			&rec.Status,
			&rec.StartTime,
			&rec.AnsweredTime,
			&rec.EndTime,
			&rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) CallStats(ctx context.Context, userID string) (CallStats, error) {
	const q = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'answered' OR (status = 'ended' AND duration > 0)),
	COUNT(*) FILTER (WHERE status = 'missed'),
	COUNT(*) FILTER (WHERE status = 'rejected'),
	COALESCE(SUM(duration), 0),
	COUNT(*) FILTER (WHERE caller_id = $1),
	COUNT(*) FILTER (WHERE receiver_id = $1)
FROM calls
WHERE caller_id = $1 OR receiver_id = $1
`
	var s CallStats
	if err := p.db.QueryRowContext(ctx, q, userID).Scan(
		&s.TotalCalls,
		&s.AnsweredCalls,
		&s.MissedCalls,
		&s.RejectedCalls,
		&s.TotalDurationSeconds,
		&s.OutgoingCalls,
		&s.IncomingCalls,
	); err != nil {
		return CallStats{}, err
	}
	return s, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func newPage(page, limit, total int) Page {
	totalPages := (total + limit - 1) / limit
	return Page{
		CurrentPage: page,
		TotalPages:  totalPages,
		Total:       total,
		HasMore:     page < totalPages,
	}
}
