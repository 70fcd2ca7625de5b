// Package onboarding drives the stateful conversation with a sender who
// does not yet have a verified phone mapping.
package onboarding

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/relaysms/gateway/internal/identity"
)

// Identity is the slice of internal/identity.Store the engine drives.
type Identity interface {
	CreatePhoneMapping(ctx context.Context, userID int64, e164 string, isPrimary, verified bool) (*identity.Mapping, error)
	IssueVerification(ctx context.Context, userID int64, e164 string) (string, error)
	CheckVerification(ctx context.Context, userID int64, e164, code string) (int, error)
}

// CacheInvalidator drops a resolver's cached entry after a mapping changes.
type CacheInvalidator interface {
	Invalidate(e164 string)
}

// sessionStore is the slice of *Store the Engine drives, narrowed to an
// interface so pure transition-table tests can substitute a fake.
type sessionStore interface {
	GetOrCreate(ctx context.Context, e164 string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	RecordOptOut(ctx context.Context, e164 string) error
}

// Engine drives an onboarding session through the closed set of states
// defined in Step.
type Engine struct {
	store    sessionStore
	identity Identity
	cache    CacheInvalidator
}

// NewEngine builds an Engine.
func NewEngine(store *Store, ident Identity, cache CacheInvalidator) *Engine {
	return &Engine{store: store, identity: ident, cache: cache}
}

// Advance processes one inbound message for e164 and returns the reply text
// the caller should dispatch. carrierMessageID makes the call idempotent:
// replaying the same id returns the session's previously generated reply
// instead of re-applying the transition.
func (e *Engine) Advance(ctx context.Context, e164, text, carrierMessageID string) (string, error) {
	sess, err := e.store.GetOrCreate(ctx, e164)
	if err != nil {
		return "", fmt.Errorf("onboarding: loading session: %w", err)
	}

	if carrierMessageID != "" && sess.LastProcessedCarrierID == carrierMessageID {
		return sess.LastReply, nil
	}

	reply, err := e.transition(ctx, sess, strings.TrimSpace(text))
	if err != nil {
		return "", err
	}

	sess.LastProcessedCarrierID = carrierMessageID
	sess.LastReply = reply

	if sess.CurrentStep == StepCompleted || sess.CurrentStep == StepAborted {
		if err := e.store.Delete(ctx, sess.ID); err != nil {
			return "", err
		}
		return reply, nil
	}

	if err := e.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("onboarding: saving session: %w", err)
	}
	return reply, nil
}

func (e *Engine) transition(ctx context.Context, sess *Session, t string) (string, error) {
	switch sess.CurrentStep {
	case StepWelcome:
		sess.CurrentStep = StepAwaitingConsent
		return welcomeMessage, nil

	case StepAwaitingConsent:
		lower := strings.ToLower(t)
		switch {
		case lower == "stop":
			if err := e.store.RecordOptOut(ctx, sess.PhoneE164); err != nil {
				return "", err
			}
			sess.CurrentStep = StepAborted
			return optOutMessage, nil
		case lower == "yes" || lower == "y" || lower == "ok":
			sess.CurrentStep = StepAwaitingEmail
			return askEmailMessage, nil
		default:
			return askConsentAgainMessage, nil
		}

	case StepAwaitingEmail:
		if _, err := mail.ParseAddress(t); err != nil {
			return invalidEmailMessage, nil
		}
		sess.CollectedData.Email = t
		sess.CurrentStep = StepAwaitingName
		return askNameMessage, nil

	case StepAwaitingName:
		if t == "" || utf8.RuneCountInString(t) > 100 {
			return invalidNameMessage, nil
		}
		sess.CollectedData.Name = t
		token, err := generateSignupToken()
		if err != nil {
			return "", fmt.Errorf("onboarding: generating signup token: %w", err)
		}
		sess.CollectedData.SignupToken = token
		sess.CurrentStep = StepAwaitingSignupConfirmation
		return signupLinkMessage(token), nil

	case StepAwaitingSignupConfirmation:
		// No inbound text advances this state; it waits on AccountLinked.
		return stillWaitingForSignupMessage, nil

	case StepAwaitingVerificationCode:
		userID := sess.CollectedData.UserID
		remaining, err := e.identity.CheckVerification(ctx, userID, sess.PhoneE164, t)
		switch {
		case err == nil:
			if e.cache != nil {
				e.cache.Invalidate(sess.PhoneE164)
			}
			sess.CurrentStep = StepCompleted
			return welcomeCompleteMessage, nil
		case errors.Is(err, identity.ErrWrongCode):
			return wrongCodeMessage(remaining), nil
		case errors.Is(err, identity.ErrCodeExpired), errors.Is(err, identity.ErrTooManyAttempts), errors.Is(err, identity.ErrNoPendingCode), errors.Is(err, identity.ErrMappingNotFound):
			sess.CurrentStep = StepAborted
			return restartMessage, nil
		default:
			return "", fmt.Errorf("onboarding: checking verification: %w", err)
		}

	default:
		// completed/aborted sessions are deleted immediately after their
		// transition runs, so GetOrCreate never hands back one of these;
		// this branch only guards against an unrecognized persisted step.
		sess.CurrentStep = StepWelcome
		return welcomeMessage, nil
	}
}

// AccountLinked is the external signal the registration flow sends once a
// user account has been created for a phone that finished providing its
// signup details. It creates the (unverified) phone mapping, issues a
// verification code, and returns the reply text to send — the caller
// dispatches it via the outbound carrier client, same as Advance replies.
func (e *Engine) AccountLinked(ctx context.Context, e164 string, userID int64) (string, error) {
	sess, err := e.store.GetOrCreate(ctx, e164)
	if err != nil {
		return "", fmt.Errorf("onboarding: loading session: %w", err)
	}
	if sess.CurrentStep != StepAwaitingSignupConfirmation {
		return "", fmt.Errorf("onboarding: account linked while session is in step %q", sess.CurrentStep)
	}

	if _, err := e.identity.CreatePhoneMapping(ctx, userID, e164, true, false); err != nil && !errors.Is(err, identity.ErrDuplicatePhone) {
		return "", fmt.Errorf("onboarding: creating phone mapping: %w", err)
	}

	code, err := e.identity.IssueVerification(ctx, userID, e164)
	if err != nil {
		return "", fmt.Errorf("onboarding: issuing verification: %w", err)
	}

	sess.CollectedData.UserID = userID
	sess.CurrentStep = StepAwaitingVerificationCode
	if err := e.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("onboarding: saving session: %w", err)
	}

	return verificationCodeMessage(code), nil
}

func generateSignupToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
