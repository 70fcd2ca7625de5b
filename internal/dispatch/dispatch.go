// Package dispatch sends outbound SMS, logs the attempt, reconciles carrier
// status callbacks, and retries transient failures with backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaysms/gateway/internal/carrier"
	"github.com/relaysms/gateway/internal/keyedlock"
	"github.com/relaysms/gateway/internal/usage"
)

var (
	// ErrBodyTooLong is a ValidationError: the message exceeds the carrier's
	// single-logical-attempt body length.
	ErrBodyTooLong = errors.New("dispatch: message body exceeds maximum length")

	// ErrPolicyExceeded marks a PolicyError: budget or opt-out blocked the
	// send before any attempt row was created. Wrap with a specific reason
	// via fmt.Errorf("...: %w", ErrPolicyExceeded) and inspect with errors.Is.
	ErrPolicyExceeded = errors.New("dispatch: policy exceeded")
)

// Config tunes body limits, budget enforcement, and retry timing.
type Config struct {
	MaxBodyLen          int
	MaxRetries          int
	RetryBaseDelay      time.Duration // delay before the first retry
	RetryMaxDelay       time.Duration // backoff cap
	MonthlyBudget       int64         // outbound messages per user per month; 0 = unlimited
	CostCentsPerMessage int64
	TickInterval        time.Duration
	TickBatchSize       int
	StaleAfter          time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyLen:          1600,
		MaxRetries:          3,
		RetryBaseDelay:      30 * time.Second,
		RetryMaxDelay:       30 * time.Minute,
		MonthlyBudget:       0,
		CostCentsPerMessage: 1,
		TickInterval:        30 * time.Second,
		TickBatchSize:       100,
		StaleAfter:          24 * time.Hour,
	}
}

// optOutChecker is the slice of internal/onboarding.Store Send needs.
type optOutChecker interface {
	IsOptedOut(ctx context.Context, e164 string) (bool, error)
}

// Service is the OutboundDispatcher: it owns every carrier send and every
// status-callback reconciliation.
type Service struct {
	carrier carrier.Client
	usage   *usage.Store
	locks   *keyedlock.Table
	optOuts optOutChecker
	cfg     Config
	logger  *slog.Logger
}

// New builds a dispatch Service. optOuts may be nil if opt-out enforcement
// is not wired (e.g. in tests).
func New(carrierClient carrier.Client, usageStore *usage.Store, locks *keyedlock.Table, optOuts optOutChecker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		carrier: carrierClient,
		usage:   usageStore,
		locks:   locks,
		optOuts: optOuts,
		cfg:     cfg,
		logger:  logger,
	}
}

// Send enforces body-length, budget, and opt-out policy, then logs and
// attempts a carrier send. isVerificationCode carves out the spec's
// exception: opt-out never blocks a verification code.
func (s *Service) Send(ctx context.Context, userID int64, toE164, body string, isVerificationCode bool) (*usage.Attempt, error) {
	if len(body) > s.cfg.MaxBodyLen {
		return nil, fmt.Errorf("dispatch: body length %d exceeds %d: %w", len(body), s.cfg.MaxBodyLen, ErrBodyTooLong)
	}

	if !isVerificationCode && s.optOuts != nil {
		optedOut, err := s.optOuts.IsOptedOut(ctx, toE164)
		if err != nil {
			return nil, fmt.Errorf("dispatch: checking opt-out: %w", err)
		}
		if optedOut {
			return nil, fmt.Errorf("dispatch: recipient opted out: %w", ErrPolicyExceeded)
		}
	}

	if s.cfg.MonthlyBudget > 0 {
		counter, err := s.usage.GetCounter(ctx, userID, usage.YearMonth(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("dispatch: checking budget: %w", err)
		}
		if counter.SMSCountOut >= s.cfg.MonthlyBudget {
			return nil, fmt.Errorf("dispatch: monthly budget exceeded: %w", ErrPolicyExceeded)
		}
	}

	unlock := s.locks.Lock(toE164)
	defer unlock()

	attempt, err := s.usage.InsertOutbound(ctx, userID, toE164, body, s.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("dispatch: logging attempt: %w", err)
	}

	s.attemptSend(ctx, attempt)
	return attempt, nil
}

// SendAnonymous is Send for a recipient with no owning user yet — the
// onboarding reply path, which runs before a verified phone mapping (and
// therefore a user-scoped budget) exists. Opt-out is still enforced; there
// is no budget to check.
func (s *Service) SendAnonymous(ctx context.Context, toE164, body string) (*usage.Attempt, error) {
	if len(body) > s.cfg.MaxBodyLen {
		return nil, fmt.Errorf("dispatch: body length %d exceeds %d: %w", len(body), s.cfg.MaxBodyLen, ErrBodyTooLong)
	}

	if s.optOuts != nil {
		optedOut, err := s.optOuts.IsOptedOut(ctx, toE164)
		if err != nil {
			return nil, fmt.Errorf("dispatch: checking opt-out: %w", err)
		}
		if optedOut {
			return nil, fmt.Errorf("dispatch: recipient opted out: %w", ErrPolicyExceeded)
		}
	}

	unlock := s.locks.Lock(toE164)
	defer unlock()

	attempt, err := s.usage.InsertOutboundAnonymous(ctx, toE164, body, s.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("dispatch: logging attempt: %w", err)
	}

	s.attemptSend(ctx, attempt)
	return attempt, nil
}

func (s *Service) attemptSend(ctx context.Context, attempt *usage.Attempt) {
	result, err := s.carrier.Send(ctx, attempt.PhoneE164, attempt.Body)
	if err != nil {
		s.logger.Warn("carrier send failed", "attempt_id", attempt.ID, "error", err)
		if err := s.scheduleOrFail(ctx, attempt.ID, attempt.RetryCount, attempt.MaxRetries); err != nil {
			s.logger.Error("scheduling retry after send failure failed", "attempt_id", attempt.ID, "error", err)
		}
		return
	}
	if err := s.usage.RecordSent(ctx, attempt.ID, result.CarrierSID, result.Status); err != nil {
		s.logger.Error("recording sent attempt failed", "attempt_id", attempt.ID, "error", err)
	}
}

// OnStatusCallback applies a carrier status callback to the matching
// SMSAttempt. It is a no-op (logged) for unknown carrier sids or attempts
// already in a terminal state (P6: terminal write-once).
func (s *Service) OnStatusCallback(ctx context.Context, carrierSID, providerStatus string, errorCode *string) error {
	unlock := s.locks.Lock(carrierSID)
	defer unlock()

	attempt, err := s.usage.FindByCarrierSID(ctx, carrierSID)
	if errors.Is(err, usage.ErrAttemptNotFound) {
		s.logger.Warn("status callback for unknown carrier sid", "carrier_sid", carrierSID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: looking up attempt: %w", err)
	}
	if attempt.FinalStatus.IsTerminal() {
		return nil
	}

	switch providerStatus {
	case "queued", "sending":
		return nil
	case "sent":
		return s.usage.UpdateDeliveryStatus(ctx, carrierSID, usage.StatusSent, nil, nil)
	case "delivered":
		if err := s.usage.UpdateDeliveryStatus(ctx, carrierSID, usage.StatusDelivered, nil, nil); err != nil {
			return err
		}
		if attempt.UserID != nil {
			if err := s.usage.IncrementOutbound(ctx, *attempt.UserID, usage.YearMonth(time.Now()), s.cfg.CostCentsPerMessage); err != nil {
				s.logger.Error("incrementing outbound usage failed", "attempt_id", attempt.ID, "error", err)
			}
		}
		return nil
	case "failed", "undelivered":
		return s.handleDeliveryFailure(ctx, attempt, providerStatus, errorCode)
	default:
		s.logger.Warn("unrecognized provider status", "carrier_sid", carrierSID, "status", providerStatus)
		return nil
	}
}

func (s *Service) handleDeliveryFailure(ctx context.Context, attempt *usage.Attempt, providerStatus string, errorCode *string) error {
	code := ""
	if errorCode != nil {
		code = *errorCode
	}
	if s.carrier.Classify(code) == carrier.ClassificationTransient && attempt.RetryCount < attempt.MaxRetries {
		return s.scheduleOrFail(ctx, attempt.ID, attempt.RetryCount, attempt.MaxRetries)
	}

	status := usage.StatusFailed
	if providerStatus == "undelivered" {
		status = usage.StatusUndelivered
	}
	return s.usage.MarkTerminal(ctx, attempt.ID, status, errorCode, nil)
}

// TickRetries resends every attempt whose next_retry_at has passed.
func (s *Service) TickRetries(ctx context.Context, now time.Time) {
	due, err := s.usage.DueRetries(ctx, now, s.cfg.TickBatchSize)
	if err != nil {
		s.logger.Error("querying due retries failed", "error", err)
		return
	}
	for i := range due {
		a := &due[i]
		unlock := s.locks.Lock(a.PhoneE164)
		s.attemptSend(ctx, a)
		unlock()
	}
}

// ReconcileStale marks attempts older than cfg.StaleAfter with no terminal
// status as failed, per spec §7's InternalError cleanup sweep.
func (s *Service) ReconcileStale(ctx context.Context, now time.Time) {
	stale, err := s.usage.StaleNonTerminal(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.TickBatchSize)
	if err != nil {
		s.logger.Error("querying stale attempts failed", "error", err)
		return
	}
	msg := "no terminal status within the staleness window"
	for _, a := range stale {
		if err := s.usage.MarkTerminal(ctx, a.ID, usage.StatusFailed, nil, &msg); err != nil {
			s.logger.Error("marking stale attempt failed", "attempt_id", a.ID, "error", err)
		}
	}
}
