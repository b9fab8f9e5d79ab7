package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Sentinel errors surfaced by the store. Callers distinguish "lost the race"
// from real failures with errors.Is.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed is returned by MarkProcessed when another writer
	// committed a marker for the same message id first. The loser must treat
	// the message as already handled and skip further processing.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrAlreadyRecorded is returned by CreateTransaction when a record with
	// the same (tx_hash, chain) already exists. Reconciliation paths treat
	// this as success: the record was written exactly once.
	ErrAlreadyRecorded = errors.New("transaction already recorded")
)

const uniqueViolationCode = "23505"

// Store provides database operations for the service.
// Queries are written inline against the pool; each method returns domain
// models rather than row types.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// User is a platform user with one wallet per supported chain family.
// Users are created lazily on first resolution or activation and are never
// deleted by the pipeline.
type User struct {
	UserID          string
	Username        string
	EVMAddress      string
	EVMKeySealed    string
	SolanaAddress   string
	SolanaKeySealed string
	Active          bool
	CreatedAt       time.Time
}

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	UserID          string
	Username        string
	EVMAddress      string
	EVMKeySealed    string
	SolanaAddress   string
	SolanaKeySealed string
	Active          bool
}

// CreateUser inserts a new user. If a user with the same id already exists,
// the existing row is returned unchanged (lazy get-or-create under races).
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, username, evm_address, evm_key_sealed, solana_address, solana_key_sealed, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING`,
		params.UserID, params.Username, params.EVMAddress, params.EVMKeySealed,
		params.SolanaAddress, params.SolanaKeySealed, params.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, params.UserID)
}

// GetUser retrieves a user by its external platform id.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, username, evm_address, evm_key_sealed, solana_address, solana_key_sealed, active, created_at
		FROM users WHERE user_id = $1`,
		userID,
	).Scan(&u.UserID, &u.Username, &u.EVMAddress, &u.EVMKeySealed, &u.SolanaAddress, &u.SolanaKeySealed, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ActivateUser flips the active flag for an existing user.
func (s *Store) ActivateUser(ctx context.Context, userID string) (*User, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET active = TRUE WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("activate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, userID)
}

// Transaction is a recorded, finalized on-chain transaction. Records are
// created only after the chain layer reports finality (or reconciliation
// confirms it), never speculatively.
type Transaction struct {
	ID              int64
	UserID          string
	Type            string
	Chain           string
	Amount          string
	TokenAddress    string
	TokenType       string
	ReceiverValue   *string
	ReceiverType    *string
	ReceiverUserID  *string
	TxHash          string
	Platform        string
	OriginalCommand string
	CreatedAt       time.Time
}

// CreateTransactionParams contains the parameters for recording a transaction.
type CreateTransactionParams struct {
	UserID          string
	Type            string
	Chain           string
	Amount          string
	TokenAddress    string
	TokenType       string
	ReceiverValue   *string
	ReceiverType    *string
	ReceiverUserID  *string
	TxHash          string
	Platform        string
	OriginalCommand string
}

// CreateTransaction records a finalized transaction. The (tx_hash, chain)
// uniqueness constraint guards the reconciliation path: a second insert for
// the same signature returns ErrAlreadyRecorded instead of duplicating.
func (s *Store) CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error) {
	var t Transaction
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (user_id, transaction_type, chain, amount, token_address, token_type,
			receiver_value, receiver_type, receiver_user_id, tx_hash, platform, original_command)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		params.UserID, params.Type, params.Chain, params.Amount, params.TokenAddress, params.TokenType,
		params.ReceiverValue, params.ReceiverType, params.ReceiverUserID, params.TxHash,
		params.Platform, params.OriginalCommand,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyRecorded
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	t.UserID = params.UserID
	t.Type = params.Type
	t.Chain = params.Chain
	t.Amount = params.Amount
	t.TokenAddress = params.TokenAddress
	t.TokenType = params.TokenType
	t.ReceiverValue = params.ReceiverValue
	t.ReceiverType = params.ReceiverType
	t.ReceiverUserID = params.ReceiverUserID
	t.TxHash = params.TxHash
	t.Platform = params.Platform
	t.OriginalCommand = params.OriginalCommand
	return &t, nil
}

// ListTransactionsByUserParams contains pagination parameters.
type ListTransactionsByUserParams struct {
	UserID string
	Limit  int32
	Offset int32
}

// ListTransactionsByUser retrieves transactions for a user, newest first.
func (s *Store) ListTransactionsByUser(ctx context.Context, params ListTransactionsByUserParams) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, transaction_type, chain, amount, token_address, token_type,
			receiver_value, receiver_type, receiver_user_id, tx_hash, platform, original_command, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		params.UserID, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Chain, &t.Amount, &t.TokenAddress, &t.TokenType,
			&t.ReceiverValue, &t.ReceiverType, &t.ReceiverUserID, &t.TxHash, &t.Platform, &t.OriginalCommand, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

// HasProcessed reports whether a marker exists for the given message id.
// Keys are namespaced by platform and feed so ids from different sources
// cannot collide.
func (s *Store) HasProcessed(ctx context.Context, platform, feed, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_messages WHERE platform = $1 AND feed = $2 AND message_id = $3
		)`,
		platform, feed, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return exists, nil
}

// MarkProcessed commits a processed marker for the message id. At most one
// marker per id may ever be committed; under concurrent or duplicate delivery
// the losing writer receives ErrAlreadyProcessed and must skip the message.
func (s *Store) MarkProcessed(ctx context.Context, platform, feed, messageID, payload string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (platform, feed, message_id, payload)
		VALUES ($1, $2, $3, $4)`,
		platform, feed, messageID, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// GetBookmark retrieves the last-seen message id for a feed. Returns
// ErrNotFound when no bookmark has been persisted yet.
func (s *Store) GetBookmark(ctx context.Context, platform, feed string) (string, error) {
	var lastSeen string
	err := s.pool.QueryRow(ctx, `
		SELECT last_seen_id FROM poll_bookmarks WHERE platform = $1 AND feed = $2`,
		platform, feed,
	).Scan(&lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get bookmark: %w", err)
	}
	return lastSeen, nil
}

// SetBookmark upserts the last-seen message id for a feed.
func (s *Store) SetBookmark(ctx context.Context, platform, feed, lastSeenID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO poll_bookmarks (platform, feed, last_seen_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (platform, feed) DO UPDATE SET last_seen_id = EXCLUDED.last_seen_id, updated_at = NOW()`,
		platform, feed, lastSeenID,
	)
	if err != nil {
		return fmt.Errorf("set bookmark: %w", err)
	}
	return nil
}

// SaveSessionCookies upserts the serialized session cookie jar for a platform.
func (s *Store) SaveSessionCookies(ctx context.Context, platform string, cookies []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_cookies (platform, cookies, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (platform) DO UPDATE SET cookies = EXCLUDED.cookies, updated_at = NOW()`,
		platform, cookies,
	)
	if err != nil {
		return fmt.Errorf("save session cookies: %w", err)
	}
	return nil
}

// LoadSessionCookies retrieves the serialized session cookie jar for a platform.
func (s *Store) LoadSessionCookies(ctx context.Context, platform string) ([]byte, error) {
	var cookies []byte
	err := s.pool.QueryRow(ctx, `
		SELECT cookies FROM session_cookies WHERE platform = $1`,
		platform,
	).Scan(&cookies)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session cookies: %w", err)
	}
	return cookies, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
