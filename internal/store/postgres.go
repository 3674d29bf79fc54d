package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"livesync/sync/internal/access"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendChange durably appends one change payload to a document's log
// and returns the sequence the database assigned to it. Appends from
// concurrent writers are ordered by this sequence, never by caller
// clocks.
func (s *PostgresStore) AppendChange(ctx context.Context, documentID, userID string, payload []byte) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_changes (document_id, user_id, payload)
		VALUES ($1, $2, $3)
		RETURNING seq
	`, documentID, userID, payload).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return seq, nil
}

// AppendChanges durably appends a batch of change payloads in payload
// order within one transaction: either every payload receives a
// sequence or none do. Returns the last assigned sequence.
func (s *PostgresStore) AppendChanges(ctx context.Context, documentID, userID string, payloads [][]byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	for _, payload := range payloads {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO document_changes (document_id, user_id, payload)
			VALUES ($1, $2, $3)
			RETURNING seq
		`, documentID, userID, payload).Scan(&last)
		if err != nil {
			return 0, fmt.Errorf("append change: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}
	return last, nil
}

// ScanChanges returns a document's change records in log order. A
// throughSeq of zero or less means the whole log; otherwise records
// with seq > throughSeq are excluded.
func (s *PostgresStore) ScanChanges(ctx context.Context, documentID string, throughSeq int64) ([]ChangeRecord, error) {
	const query = `
		SELECT seq, document_id, user_id, payload, created_at
		FROM document_changes
		WHERE document_id = $1 AND ($2 <= 0 OR seq <= $2)
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, documentID, throughSeq)
	if err != nil {
		return nil, fmt.Errorf("scan changes: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var record ChangeRecord
		if err := rows.Scan(&record.Seq, &record.DocumentID, &record.UserID, &record.Payload, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) CountChanges(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_changes WHERE document_id=$1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

// ResolveAccess maps a (document, user) pair to the role the metadata
// store grants: owner for the owning user, the participant row's role
// for shared users, none otherwise.
func (s *PostgresStore) ResolveAccess(ctx context.Context, documentID, userID string) (access.Role, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE id=$1`, documentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return access.RoleNone, nil
	}
	if err != nil {
		return access.RoleNone, fmt.Errorf("read document owner: %w", err)
	}
	if ownerID == userID {
		return access.RoleOwner, nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM document_participants WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return access.RoleNone, nil
	}
	if err != nil {
		return access.RoleNone, fmt.Errorf("read participant role: %w", err)
	}
	return access.Normalize(role), nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, documentID, userID string, role access.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_participants (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, documentID, userID, string(role))
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RecordActivity appends to the activity trail. Callers treat it as
// fire-and-forget; a failed insert never blocks the operation that
// produced it.
func (s *PostgresStore) RecordActivity(ctx context.Context, documentID, userID, action string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (document_id, user_id, action)
		VALUES ($1, $2, $3)
	`, documentID, userID, action)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}
