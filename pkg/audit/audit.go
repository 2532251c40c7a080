package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends security events to the append-only trail. Caller
// identity is never stored raw: Append hashes it with the configured
// salt. Redact additionally strips credential material out of the
// detail payload.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one security event row. Identity carries the caller's raw
// user id on write and is dropped before insert; IdentityHash is what
// the table stores and what Get returns.
type Record struct {
	EventID      string
	Kind         string
	Identity     string
	IdentityHash string
	Server       string
	Status       int
	Detail       json.RawMessage
	CreatedAt    time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.IdentityHash == "" {
		rec.IdentityHash = hashString(rec.Identity, w.HashSalt)
	}
	detail := rec.Detail
	if w.Redact {
		detail = redactDetail(detail, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO security_events
		(event_id, kind, identity_hash, server, status, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.EventID, rec.Kind, rec.IdentityHash, rec.Server, rec.Status, detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT event_id::text, kind, identity_hash, server, status, detail, created_at
		FROM security_events WHERE event_id=$1
	`, eventID)
	var detail json.RawMessage
	if err := row.Scan(&rec.EventID, &rec.Kind, &rec.IdentityHash, &rec.Server, &rec.Status, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}

// HashIdentity computes the stored form of a caller identity so
// operators can correlate trail rows with a known user id.
func (w *Writer) HashIdentity(id string) string {
	return hashString(id, w.HashSalt)
}
