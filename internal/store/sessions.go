package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"whiteboard/api/internal/util"
)

type TokenType int

const (
	TokenTypeUser  TokenType = 0
	TokenTypeShare TokenType = 1
)

const tokenAttempts = 3

var ErrInvalidSession = errors.New("session requires exactly one of editor uid or share token")

// SessionRecord is a row of i_whiteboard_sessions. Timestamps are unix seconds.
type SessionRecord struct {
	ID          int64
	Token       string
	TokenType   TokenType
	FileID      int64
	OwnerUID    string
	EditorUID   *string
	ShareToken  *string
	Created     int64
	LastChecked int64
}

// SessionFilter narrows Get and List; nil fields are ignored.
type SessionFilter struct {
	OwnerUID   *string
	EditorUID  *string
	ShareToken *string
	FileID     *int64
	TokenType  *TokenType
}

func Ptr[T any](v T) *T {
	return &v
}

type SessionStore struct {
	db       *sql.DB
	dialect  Dialect
	now      func() time.Time
	newToken func() (string, error)
}

func NewSessionStore(db *sql.DB, dialect Dialect) *SessionStore {
	return &SessionStore{
		db:       db,
		dialect:  dialect,
		now:      time.Now,
		newToken: util.NewToken,
	}
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `id, token, token_type, file_id, owner_uid, editor_uid, share_token, created, last_checked`

// Create inserts a session for either an editing user or a share token.
// A token colliding with an existing one is regenerated.
func (s *SessionStore) Create(ctx context.Context, ownerUID string, fileID int64, editorUID, shareToken *string) (*SessionRecord, error) {
	if (editorUID == nil) == (shareToken == nil) {
		return nil, ErrInvalidSession
	}
	tokenType := TokenTypeUser
	if shareToken != nil {
		tokenType = TokenTypeShare
	}

	now := s.now().Unix()
	query := s.dialect.Rebind(`INSERT INTO i_whiteboard_sessions
		(token, token_type, file_id, owner_uid, editor_uid, share_token, created, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var lastErr error
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, fmt.Errorf("generate session token: %w", err)
		}
		var id int64
		err = s.db.QueryRowContext(ctx, query,
			token, int(tokenType), fileID, ownerUID, nullString(editorUID), nullString(shareToken), now, now,
		).Scan(&id)
		if err == nil {
			return &SessionRecord{
				ID:          id,
				Token:       token,
				TokenType:   tokenType,
				FileID:      fileID,
				OwnerUID:    ownerUID,
				EditorUID:   editorUID,
				ShareToken:  shareToken,
				Created:     now,
				LastChecked: now,
			}, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("insert session: token collisions after %d attempts: %w", tokenAttempts, lastErr)
}

// Get returns the session matching token and filter, or nil when none does.
func (s *SessionStore) Get(ctx context.Context, token string, filter SessionFilter) (*SessionRecord, error) {
	where, args := filter.conditions()
	where = append([]string{"token = ?"}, where...)
	args = append([]any{token}, args...)

	query := s.dialect.Rebind(`SELECT ` + sessionColumns + ` FROM i_whiteboard_sessions WHERE ` + strings.Join(where, " AND "))
	record, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

func (s *SessionStore) List(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	where, args := filter.conditions()
	query := `SELECT ` + sessionColumns + ` FROM i_whiteboard_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// Touch marks the session as checked now. Unknown tokens are ignored.
func (s *SessionStore) Touch(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE i_whiteboard_sessions SET last_checked = ? WHERE token = ?`),
		s.now().Unix(), token,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM i_whiteboard_sessions WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ExpireOlderThan deletes sessions not checked within the last seconds and
// returns exactly the rows this call removed.
func (s *SessionStore) ExpireOlderThan(ctx context.Context, seconds int64) ([]SessionRecord, error) {
	cutoff := s.now().Unix() - seconds
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`DELETE FROM i_whiteboard_sessions WHERE last_checked < ? RETURNING `+sessionColumns),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	return collectSessions(rows)
}

func (f SessionFilter) conditions() ([]string, []any) {
	var where []string
	var args []any
	if f.OwnerUID != nil {
		where = append(where, "owner_uid = ?")
		args = append(args, *f.OwnerUID)
	}
	if f.EditorUID != nil {
		where = append(where, "editor_uid = ?")
		args = append(args, *f.EditorUID)
	}
	if f.ShareToken != nil {
		where = append(where, "share_token = ?")
		args = append(args, *f.ShareToken)
	}
	if f.FileID != nil {
		where = append(where, "file_id = ?")
		args = append(args, *f.FileID)
	}
	if f.TokenType != nil {
		where = append(where, "token_type = ?")
		args = append(args, int(*f.TokenType))
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		record     SessionRecord
		tokenType  int
		ownerUID   sql.NullString
		editorUID  sql.NullString
		shareToken sql.NullString
	)
	if err := row.Scan(&record.ID, &record.Token, &tokenType, &record.FileID, &ownerUID, &editorUID, &shareToken, &record.Created, &record.LastChecked); err != nil {
		return nil, err
	}
	record.TokenType = TokenType(tokenType)
	record.OwnerUID = ownerUID.String
	if editorUID.Valid {
		record.EditorUID = Ptr(editorUID.String)
	}
	if shareToken.Valid {
		record.ShareToken = Ptr(shareToken.String)
	}
	return &record, nil
}

func collectSessions(rows *sql.Rows) ([]SessionRecord, error) {
	defer rows.Close()
	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
