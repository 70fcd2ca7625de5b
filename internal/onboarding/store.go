package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSessionNotFound = errors.New("onboarding session not found")

// Step is one of the closed set of onboarding states (invariant O3).
type Step string

const (
	StepWelcome                    Step = "welcome"
	StepAwaitingConsent            Step = "awaiting_consent"
	StepAwaitingEmail              Step = "awaiting_email"
	StepAwaitingName               Step = "awaiting_name"
	StepAwaitingSignupConfirmation Step = "awaiting_signup_confirmation"
	StepAwaitingVerificationCode   Step = "awaiting_verification_code"
	StepCompleted                  Step = "completed"
	StepAborted                    Step = "aborted"
)

// CollectedData accumulates what the conversation has gathered so far.
type CollectedData struct {
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	SignupToken string `json:"signup_token,omitempty"`
	UserID      int64  `json:"user_id,omitempty"`
}

// Session mirrors the OnboardingSession entity.
type Session struct {
	ID                     uuid.UUID
	PhoneE164              string
	CurrentStep            Step
	CollectedData          CollectedData
	LastProcessedCarrierID string
	LastReply              string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ExpiresAt              time.Time
}

// Store persists onboarding sessions, one active (non-expired) session per
// phone number (invariant O2).
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration // bounds a session's lifetime (invariant O1: ≤ 1 hour)
}

// New builds an onboarding Store. ttl is the session lifetime
// (onboarding.session_ttl_seconds).
func New(pool *pgxpool.Pool, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{pool: pool, ttl: ttl}
}

// GetOrCreate returns the live session for e164, creating a fresh `welcome`
// session if none exists or the existing one has expired (spec's "any →
// session TTL expired on lookup → (recreated) welcome" transition).
func (s *Store) GetOrCreate(ctx context.Context, e164 string) (*Session, error) {
	sess, err := s.find(ctx, e164)
	if err == nil && time.Now().Before(sess.ExpiresAt) {
		return sess, nil
	}
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	return s.create(ctx, e164)
}

func (s *Store) create(ctx context.Context, e164 string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:          uuid.New(),
		PhoneE164:   e164,
		CurrentStep: StepWelcome,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	data, err := json.Marshal(sess.CollectedData)
	if err != nil {
		return nil, fmt.Errorf("onboarding: marshaling collected data: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO onboarding_sessions
		 (id, phone_e164, current_step, collected_data, last_processed_carrier_id, last_reply, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, '', '', $5, $5, $6)
		 ON CONFLICT (phone_e164) DO UPDATE SET
		   id = EXCLUDED.id, current_step = EXCLUDED.current_step, collected_data = EXCLUDED.collected_data,
		   last_processed_carrier_id = '', last_reply = '', created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.PhoneE164, sess.CurrentStep, data, now, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("onboarding: creating session: %w", err)
	}
	return sess, nil
}

func (s *Store) find(ctx context.Context, e164 string) (*Session, error) {
	var sess Session
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, phone_e164, current_step, collected_data, last_processed_carrier_id, last_reply, created_at, updated_at, expires_at
		 FROM onboarding_sessions WHERE phone_e164 = $1`,
		e164,
	).Scan(&sess.ID, &sess.PhoneE164, &sess.CurrentStep, &data, &sess.LastProcessedCarrierID, &sess.LastReply,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("onboarding: querying session: %w", err)
	}
	if err := json.Unmarshal(data, &sess.CollectedData); err != nil {
		return nil, fmt.Errorf("onboarding: unmarshaling collected data: %w", err)
	}
	return &sess, nil
}

// Save persists a transitioned session's new step, collected data, and
// replay bookkeeping.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess.CollectedData)
	if err != nil {
		return fmt.Errorf("onboarding: marshaling collected data: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE onboarding_sessions
		 SET current_step = $1, collected_data = $2, last_processed_carrier_id = $3, last_reply = $4, updated_at = now()
		 WHERE id = $5`,
		sess.CurrentStep, data, sess.LastProcessedCarrierID, sess.LastReply, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("onboarding: saving session: %w", err)
	}
	return nil
}

// Delete removes a session (used on completed/aborted transitions).
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM onboarding_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("onboarding: deleting session: %w", err)
	}
	return nil
}

// HarvestExpired deletes all sessions past their expiry, for the periodic
// reconciliation sweep mentioned in spec §5.
func (s *Store) HarvestExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM onboarding_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("onboarding: harvesting expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// optOutTTL bounds how long an abandoned onboarding blocks outbound SMS to
// that number (30 days, per spec's opt-out policy).
const optOutTTL = 30 * 24 * time.Hour

// RecordOptOut marks e164 as opted out, starting a fresh 30-day block.
func (s *Store) RecordOptOut(ctx context.Context, e164 string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opt_outs (phone_e164, opted_out_at) VALUES ($1, now())
		 ON CONFLICT (phone_e164) DO UPDATE SET opted_out_at = now()`,
		e164,
	)
	if err != nil {
		return fmt.Errorf("onboarding: recording opt-out: %w", err)
	}
	return nil
}

// IsOptedOut reports whether e164 is within its 30-day opt-out window.
func (s *Store) IsOptedOut(ctx context.Context, e164 string) (bool, error) {
	var optedOutAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT opted_out_at FROM opt_outs WHERE phone_e164 = $1`, e164).Scan(&optedOutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("onboarding: querying opt-out: %w", err)
	}
	return time.Now().Before(optedOutAt.Add(optOutTTL)), nil
}
