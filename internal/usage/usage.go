// Package usage persists per-message attempt logs and per-user monthly
// counters.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Direction is whether an SMSAttempt is inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// FinalStatus is the lifecycle state of an SMSAttempt (invariant A1).
type FinalStatus string

const (
	StatusUnknown     FinalStatus = "unknown"
	StatusSent        FinalStatus = "sent"
	StatusDelivered   FinalStatus = "delivered"
	StatusFailed      FinalStatus = "failed"
	StatusUndelivered FinalStatus = "undelivered"
)

// IsTerminal reports whether a status is a terminal lifecycle position.
func (s FinalStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	default:
		return false
	}
}

// statusRank orders statuses so UpdateDeliveryStatus never regresses an
// attempt to an earlier lifecycle position — mirrors the teacher's
// deliveryStatusRank guard for Twilio status callbacks.
func statusRank(s FinalStatus) int {
	switch s {
	case StatusUnknown:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return 2
	default:
		return 0
	}
}

var ErrAttemptNotFound = errors.New("sms attempt not found")

// Attempt mirrors the SMSAttempt entity from the data model.
type Attempt struct {
	ID             uuid.UUID
	UserID         *int64
	PhoneE164      string
	Direction      Direction
	Body           string
	CarrierSID     *string
	ProviderStatus *string
	FinalStatus    FinalStatus
	ErrorCode      *string
	ErrorMessage   *string
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	CostCents      *int
	CountryCode    *string
	ReplyBody      *string // set on inbound rows with the reply text produced for them
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Counter mirrors the UsageCounter entity.
type Counter struct {
	UserID         int64
	YearMonth      string
	SMSCountIn     int64
	SMSCountOut    int64
	CostCentsTotal int64
}

// Store is the persistence surface for SMSAttempt and UsageCounter.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a usage Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertInbound records a new inbound SMSAttempt. Inbound is by definition
// delivered to us the moment we accept the webhook, so FinalStatus starts
// at delivered.
func (s *Store) InsertInbound(ctx context.Context, userID *int64, e164, body, carrierSID, countryCode string) (*Attempt, error) {
	a := Attempt{
		ID:          uuid.New(),
		UserID:      userID,
		PhoneE164:   e164,
		Direction:   DirectionIn,
		Body:        body,
		CarrierSID:  &carrierSID,
		FinalStatus: StatusDelivered,
		MaxRetries:  0,
		CountryCode: &countryCode,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sms_attempts
		 (id, user_id, phone_e164, direction, body, carrier_sid, final_status, retry_count, max_retries, country_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, now(), now())`,
		a.ID, a.UserID, a.PhoneE164, a.Direction, a.Body, a.CarrierSID, a.FinalStatus, a.CountryCode,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: inserting inbound attempt: %w", err)
	}
	return &a, nil
}

// FindInboundByCarrierSID looks up a previously ingested inbound attempt by
// carrier message id, for webhook-retry deduplication.
func (s *Store) FindInboundByCarrierSID(ctx context.Context, carrierSID string) (*Attempt, error) {
	var a Attempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, phone_e164, body, final_status, reply_body, created_at, updated_at
		 FROM sms_attempts WHERE direction = 'in' AND carrier_sid = $1`,
		carrierSID,
	).Scan(&a.ID, &a.UserID, &a.PhoneE164, &a.Body, &a.FinalStatus, &a.ReplyBody, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("usage: querying inbound attempt: %w", err)
	}
	a.Direction = DirectionIn
	return &a, nil
}

// SetReplyBody records the reply text emitted for an inbound attempt. A
// carrier webhook retry for the same MessageSid is detected through
// FindInboundByCarrierSID; the stored reply is not sent again.
func (s *Store) SetReplyBody(ctx context.Context, id uuid.UUID, reply string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sms_attempts SET reply_body = $1, updated_at = now() WHERE id = $2`, reply, id)
	if err != nil {
		return fmt.Errorf("usage: recording reply body: %w", err)
	}
	return nil
}

// FindByCarrierSID looks up an attempt (either direction) by carrier message
// id, for status-callback reconciliation.
func (s *Store) FindByCarrierSID(ctx context.Context, carrierSID string) (*Attempt, error) {
	var a Attempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, phone_e164, direction, body, final_status, retry_count, max_retries, created_at, updated_at
		 FROM sms_attempts WHERE carrier_sid = $1`,
		carrierSID,
	).Scan(&a.ID, &a.UserID, &a.PhoneE164, &a.Direction, &a.Body, &a.FinalStatus, &a.RetryCount, &a.MaxRetries, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("usage: querying attempt by carrier sid: %w", err)
	}
	return &a, nil
}

// StaleNonTerminal returns attempts created before cutoff that never reached
// a terminal status, for the periodic reconciliation sweep (spec §7: attempts
// older than 24h with no terminal status are marked failed).
func (s *Store) StaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, phone_e164, direction, final_status
		 FROM sms_attempts
		 WHERE created_at < $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
		 ORDER BY created_at ASC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: querying stale attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.PhoneE164, &a.Direction, &a.FinalStatus); err != nil {
			return nil, fmt.Errorf("usage: scanning stale attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// InsertOutbound records a new outbound SMSAttempt in the unknown state
// before the first send attempt is made.
func (s *Store) InsertOutbound(ctx context.Context, userID int64, e164, body string, maxRetries int) (*Attempt, error) {
	a := Attempt{
		ID:          uuid.New(),
		UserID:      &userID,
		PhoneE164:   e164,
		Direction:   DirectionOut,
		Body:        body,
		FinalStatus: StatusUnknown,
		MaxRetries:  maxRetries,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sms_attempts
		 (id, user_id, phone_e164, direction, body, final_status, retry_count, max_retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now(), now())`,
		a.ID, a.UserID, a.PhoneE164, a.Direction, a.Body, a.FinalStatus, a.MaxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: inserting outbound attempt: %w", err)
	}
	return &a, nil
}

// InsertOutboundAnonymous records a new outbound SMSAttempt with no owning
// user, for replies sent during onboarding before a user row exists.
func (s *Store) InsertOutboundAnonymous(ctx context.Context, e164, body string, maxRetries int) (*Attempt, error) {
	a := Attempt{
		ID:          uuid.New(),
		PhoneE164:   e164,
		Direction:   DirectionOut,
		Body:        body,
		FinalStatus: StatusUnknown,
		MaxRetries:  maxRetries,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sms_attempts
		 (id, user_id, phone_e164, direction, body, final_status, retry_count, max_retries, created_at, updated_at)
		 VALUES ($1, NULL, $2, $3, $4, $5, 0, $6, now(), now())`,
		a.ID, a.PhoneE164, a.Direction, a.Body, a.FinalStatus, a.MaxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: inserting anonymous outbound attempt: %w", err)
	}
	return &a, nil
}

// RecordSent updates an outbound attempt after the carrier accepted it.
func (s *Store) RecordSent(ctx context.Context, id uuid.UUID, carrierSID, providerStatus string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sms_attempts SET carrier_sid = $1, provider_status = $2, final_status = $3, updated_at = now()
		 WHERE id = $4`,
		carrierSID, providerStatus, StatusSent, id,
	)
	if err != nil {
		return fmt.Errorf("usage: recording sent: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus applies a carrier status callback, refusing to
// regress an attempt to an earlier lifecycle position (mirrors the
// teacher's deliveryStatusRank guard).
func (s *Store) UpdateDeliveryStatus(ctx context.Context, carrierSID string, newStatus FinalStatus, errorCode, errorMessage *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sms_attempts
		 SET final_status = $1, error_code = $2, error_message = $3, updated_at = now()
		 WHERE carrier_sid = $4
		 AND CASE final_status
		     WHEN 'unknown' THEN 0 WHEN 'sent' THEN 1 ELSE 2 END <= $5`,
		newStatus, errorCode, errorMessage, carrierSID, statusRank(newStatus),
	)
	if err != nil {
		return fmt.Errorf("usage: updating delivery status: %w", err)
	}
	return nil
}

// ScheduleRetry increments retry_count and sets next_retry_at (invariant A3:
// nextRetryAt implies a non-terminal status, enforced by the caller only
// ever calling this for non-terminal attempts).
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sms_attempts SET retry_count = retry_count + 1, next_retry_at = $1, updated_at = now() WHERE id = $2`,
		nextRetryAt, id,
	)
	if err != nil {
		return fmt.Errorf("usage: scheduling retry: %w", err)
	}
	return nil
}

// MarkTerminal sets an attempt's final status and clears next_retry_at.
func (s *Store) MarkTerminal(ctx context.Context, id uuid.UUID, status FinalStatus, errorCode, errorMessage *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sms_attempts SET final_status = $1, error_code = $2, error_message = $3, next_retry_at = NULL, updated_at = now()
		 WHERE id = $4`,
		status, errorCode, errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("usage: marking terminal: %w", err)
	}
	return nil
}

// DueRetries returns outbound attempts whose next_retry_at has passed and
// whose status is not yet terminal.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, phone_e164, body, retry_count, max_retries
		 FROM sms_attempts
		 WHERE direction = 'out' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		   AND final_status NOT IN ('delivered', 'failed', 'undelivered')
		 ORDER BY next_retry_at ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: querying due retries: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.PhoneE164, &a.Body, &a.RetryCount, &a.MaxRetries); err != nil {
			return nil, fmt.Errorf("usage: scanning due retry: %w", err)
		}
		a.Direction = DirectionOut
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// GetAttempt fetches a single attempt by id, for admin/debug reads.
func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	var a Attempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, phone_e164, direction, body, carrier_sid, provider_status,
		        final_status, error_code, error_message, retry_count, max_retries,
		        next_retry_at, cost_cents, country_code, reply_body, created_at, updated_at
		 FROM sms_attempts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.UserID, &a.PhoneE164, &a.Direction, &a.Body, &a.CarrierSID, &a.ProviderStatus,
		&a.FinalStatus, &a.ErrorCode, &a.ErrorMessage, &a.RetryCount, &a.MaxRetries,
		&a.NextRetryAt, &a.CostCents, &a.CountryCode, &a.ReplyBody, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("usage: querying attempt: %w", err)
	}
	return &a, nil
}

// IncrementInbound increments smsCountIn for the given user/month, creating
// the counter row if it does not exist.
func (s *Store) IncrementInbound(ctx context.Context, userID int64, yearMonth string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_counters (user_id, year_month, sms_count_in, sms_count_out, cost_cents_total)
		 VALUES ($1, $2, 1, 0, 0)
		 ON CONFLICT (user_id, year_month) DO UPDATE SET sms_count_in = usage_counters.sms_count_in + 1`,
		userID, yearMonth,
	)
	if err != nil {
		return fmt.Errorf("usage: incrementing inbound counter: %w", err)
	}
	return nil
}

// IncrementOutbound increments smsCountOut and adds costCents for the given
// user/month, creating the counter row if it does not exist.
func (s *Store) IncrementOutbound(ctx context.Context, userID int64, yearMonth string, costCents int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_counters (user_id, year_month, sms_count_in, sms_count_out, cost_cents_total)
		 VALUES ($1, $2, 0, 1, $3)
		 ON CONFLICT (user_id, year_month) DO UPDATE SET
		   sms_count_out = usage_counters.sms_count_out + 1,
		   cost_cents_total = usage_counters.cost_cents_total + $3`,
		userID, yearMonth, costCents,
	)
	if err != nil {
		return fmt.Errorf("usage: incrementing outbound counter: %w", err)
	}
	return nil
}

// GetCounter fetches a user's usage counter for a given year-month
// ("2026-07"), returning a zeroed Counter if no row exists yet.
func (s *Store) GetCounter(ctx context.Context, userID int64, yearMonth string) (*Counter, error) {
	c := Counter{UserID: userID, YearMonth: yearMonth}
	err := s.pool.QueryRow(ctx,
		`SELECT sms_count_in, sms_count_out, cost_cents_total FROM usage_counters WHERE user_id = $1 AND year_month = $2`,
		userID, yearMonth,
	).Scan(&c.SMSCountIn, &c.SMSCountOut, &c.CostCentsTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("usage: querying counter: %w", err)
	}
	return &c, nil
}

// YearMonth formats t as the "YYYY-MM" period key used by Counter.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}
