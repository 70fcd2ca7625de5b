// Package identity persists users, phone mappings, and verification codes,
// and enforces the one-sender-one-user and single-primary invariants.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrDuplicatePhone     = errors.New("phone number already mapped to a user")
	ErrUserNotFound       = errors.New("user not found")
	ErrMappingNotFound    = errors.New("phone mapping not found")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrWrongCode          = errors.New("wrong verification code")
	ErrTooManyAttempts    = errors.New("too many verification attempts")
	ErrNoPendingCode      = errors.New("no pending verification code")
)

// User is an account the core only reads and associates phone numbers
// with; it is created out of band by the registration flow this gateway
// does not own.
type User struct {
	ID        int64
	CreatedAt time.Time
	IsActive  bool
}

// Mapping binds a phone number to a user.
type Mapping struct {
	ID                 uuid.UUID
	UserID             int64
	PhoneE164          string
	IsPrimary          bool
	IsVerified         bool
	VerificationMethod string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store is the narrow persistence surface spec'd for IdentityStore.
type Store struct {
	pool        *pgxpool.Pool
	codeLength  int
	maxAttempts int
	codeTTL     time.Duration // lifetime of an issued verification code (invariant V2)
}

// New builds an identity Store. codeLength and maxAttempts configure
// IssueVerification/CheckVerification (invariants V1, and the config'd
// retry ceiling); both fall back to sane defaults when zero. codeTTL is the
// verification code lifetime (verification.code_ttl_seconds).
func New(pool *pgxpool.Pool, codeLength, maxAttempts int, codeTTL time.Duration) *Store {
	if codeLength < 4 {
		codeLength = 6
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if codeTTL <= 0 {
		codeTTL = 10 * time.Minute
	}
	return &Store{pool: pool, codeLength: codeLength, maxAttempts: maxAttempts, codeTTL: codeTTL}
}

// FindUserByPhone returns the user owning a verified mapping for e164, or
// ErrUserNotFound if there is none (invariant M3: unverified mappings never
// resolve).
func (s *Store) FindUserByPhone(ctx context.Context, e164 string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.created_at, u.is_active
		 FROM phone_mappings pm
		 JOIN users u ON u.id = pm.user_id
		 WHERE pm.phone_e164 = $1 AND pm.is_verified = true`,
		e164,
	).Scan(&u.ID, &u.CreatedAt, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: querying user by phone: %w", err)
	}
	return &u, nil
}

// CreatePhoneMapping inserts a mapping for userID. If isPrimary is true, any
// existing primary mapping for the user is atomically unset first
// (invariant M2).
func (s *Store) CreatePhoneMapping(ctx context.Context, userID int64, e164 string, isPrimary, verified bool) (*Mapping, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("identity: checking user exists: %w", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	if isPrimary {
		if _, err := tx.Exec(ctx,
			`UPDATE phone_mappings SET is_primary = false, updated_at = now() WHERE user_id = $1 AND is_primary`,
			userID,
		); err != nil {
			return nil, fmt.Errorf("identity: clearing prior primary: %w", err)
		}
	}

	var m Mapping
	err = tx.QueryRow(ctx,
		`INSERT INTO phone_mappings (id, user_id, phone_e164, is_primary, is_verified, verification_method, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', now(), now())
		 RETURNING id, user_id, phone_e164, is_primary, is_verified, verification_method, created_at, updated_at`,
		uuid.New(), userID, e164, isPrimary, verified,
	).Scan(&m.ID, &m.UserID, &m.PhoneE164, &m.IsPrimary, &m.IsVerified, &m.VerificationMethod, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicatePhone
		}
		return nil, fmt.Errorf("identity: inserting mapping: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("identity: commit tx: %w", err)
	}
	return &m, nil
}

// SetPrimary marks mappingID as the user's sole primary mapping, atomically
// unsetting any other primary (invariant M2).
func (s *Store) SetPrimary(ctx context.Context, userID int64, mappingID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE phone_mappings SET is_primary = false, updated_at = now() WHERE user_id = $1 AND is_primary`,
		userID,
	); err != nil {
		return fmt.Errorf("identity: clearing prior primary: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE phone_mappings SET is_primary = true, updated_at = now() WHERE id = $1 AND user_id = $2`,
		mappingID, userID,
	)
	if err != nil {
		return fmt.Errorf("identity: setting primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}

	return tx.Commit(ctx)
}

// DeleteMapping removes a mapping owned by userID.
func (s *Store) DeleteMapping(ctx context.Context, userID int64, mappingID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM phone_mappings WHERE id = $1 AND user_id = $2`,
		mappingID, userID,
	)
	if err != nil {
		return fmt.Errorf("identity: deleting mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// IssueVerification generates a cryptographically random code (invariant
// V1), invalidates any prior unexpired code for (userID, e164), and stores
// a bcrypt hash of the new code (never the code itself).
func (s *Store) IssueVerification(ctx context.Context, userID int64, e164 string) (string, error) {
	code, err := generateCode(s.codeLength)
	if err != nil {
		return "", fmt.Errorf("identity: generating code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("identity: hashing code: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM verification_codes WHERE user_id = $1 AND phone_e164 = $2`,
		userID, e164,
	); err != nil {
		return "", fmt.Errorf("identity: clearing prior codes: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO verification_codes (user_id, phone_e164, code_hash, expires_at, attempts, max_attempts, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, now())`,
		userID, e164, string(hash), time.Now().Add(s.codeTTL), s.maxAttempts,
	)
	if err != nil {
		return "", fmt.Errorf("identity: inserting code: %w", err)
	}
	return code, nil
}

// CheckVerification validates code for (userID, e164). On success it flips
// the mapping to verified and consumes the code (invariant V3, single-use).
// It also returns the number of attempts remaining before the code is
// discarded, so a wrong-code reply can tell the sender how many tries are
// left; the count is meaningless (0) once the code is expired, exhausted,
// or accepted.
func (s *Store) CheckVerification(ctx context.Context, userID int64, e164, code string) (int, error) {
	var id int64
	var hash string
	var attempts, maxAttempts int
	var expiresAt time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, code_hash, attempts, max_attempts, expires_at
		 FROM verification_codes WHERE user_id = $1 AND phone_e164 = $2`,
		userID, e164,
	).Scan(&id, &hash, &attempts, &maxAttempts, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoPendingCode
	}
	if err != nil {
		return 0, fmt.Errorf("identity: querying code: %w", err)
	}

	if !time.Now().Before(expiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
		return 0, ErrCodeExpired
	}
	if attempts >= maxAttempts {
		_, _ = s.pool.Exec(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
		return 0, ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		if _, err := s.pool.Exec(ctx,
			`UPDATE verification_codes SET attempts = attempts + 1 WHERE id = $1`, id,
		); err != nil {
			return 0, fmt.Errorf("identity: incrementing attempts: %w", err)
		}
		remaining := maxAttempts - (attempts + 1)
		if remaining <= 0 {
			_, _ = s.pool.Exec(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
			return 0, ErrTooManyAttempts
		}
		return remaining, ErrWrongCode
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM verification_codes WHERE id = $1`, id); err != nil {
		return 0, fmt.Errorf("identity: consuming code: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE phone_mappings SET is_verified = true, updated_at = now() WHERE user_id = $1 AND phone_e164 = $2`,
		userID, e164,
	)
	if err != nil {
		return 0, fmt.Errorf("identity: marking mapping verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The mapping for this (userID, e164) doesn't exist — e.g. an
		// earlier abandoned onboarding left the phone mapped to a
		// different user. Fail loudly instead of committing a code
		// consumption that verified nothing.
		return 0, ErrMappingNotFound
	}

	return 0, tx.Commit(ctx)
}

// generateCode produces an N-digit numeric string using crypto/rand.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits), nil
}
