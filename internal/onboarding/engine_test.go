package onboarding

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/relaysms/gateway/internal/identity"
	"github.com/relaysms/gateway/internal/testutil"
)

// fakeSessionStore stands in for *Store in pure transition-table tests; the
// only method these tests exercise is RecordOptOut (the stop transition).
type fakeSessionStore struct {
	optedOut []string
}

func (f *fakeSessionStore) GetOrCreate(ctx context.Context, e164 string) (*Session, error) {
	return nil, nil
}

func (f *fakeSessionStore) Save(ctx context.Context, sess *Session) error { return nil }

func (f *fakeSessionStore) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeSessionStore) RecordOptOut(ctx context.Context, e164 string) error {
	f.optedOut = append(f.optedOut, e164)
	return nil
}

type fakeIdentity struct {
	issuedCode        string
	checkErr          error
	attemptsRemaining int
	mappingCreated    bool
}

func (f *fakeIdentity) CreatePhoneMapping(ctx context.Context, userID int64, e164 string, isPrimary, verified bool) (*identity.Mapping, error) {
	f.mappingCreated = true
	return &identity.Mapping{UserID: userID, PhoneE164: e164}, nil
}

func (f *fakeIdentity) IssueVerification(ctx context.Context, userID int64, e164 string) (string, error) {
	f.issuedCode = "123456"
	return f.issuedCode, nil
}

func (f *fakeIdentity) CheckVerification(ctx context.Context, userID int64, e164, code string) (int, error) {
	return f.attemptsRemaining, f.checkErr
}

// The transition-table behavior is exercised here by calling transition()
// directly on a Session value, bypassing Advance's session load/save and
// carrier-id idempotency handling.
func TestTransitionWelcomeToConsent(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepWelcome}
	reply, err := e.transition(context.Background(), sess, "")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingConsent, sess.CurrentStep)
	testutil.Equal(t, welcomeMessage, reply)
}

func TestTransitionConsentYes(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingConsent}
	reply, err := e.transition(context.Background(), sess, "YES")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingEmail, sess.CurrentStep)
	testutil.Equal(t, askEmailMessage, reply)
}

func TestTransitionConsentStop(t *testing.T) {
	store := &fakeSessionStore{}
	e := &Engine{store: store}
	sess := &Session{CurrentStep: StepAwaitingConsent, PhoneE164: "+14155550132"}
	reply, err := e.transition(context.Background(), sess, "stop")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAborted, sess.CurrentStep)
	testutil.Equal(t, optOutMessage, reply)
	testutil.SliceLen(t, store.optedOut, 1)
}

func TestTransitionConsentUnrecognizedStaysPut(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingConsent}
	reply, err := e.transition(context.Background(), sess, "maybe")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingConsent, sess.CurrentStep)
	testutil.Equal(t, askConsentAgainMessage, reply)
}

func TestTransitionEmailValid(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingEmail}
	reply, err := e.transition(context.Background(), sess, "a@example.com")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingName, sess.CurrentStep)
	testutil.Equal(t, "a@example.com", sess.CollectedData.Email)
	testutil.Equal(t, askNameMessage, reply)
}

func TestTransitionEmailInvalidStaysPut(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingEmail}
	reply, err := e.transition(context.Background(), sess, "not-an-email")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingEmail, sess.CurrentStep)
	testutil.Equal(t, invalidEmailMessage, reply)
}

func TestTransitionNameTooLong(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingName}
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	reply, err := e.transition(context.Background(), sess, string(long))
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingName, sess.CurrentStep)
	testutil.Equal(t, invalidNameMessage, reply)
}

func TestTransitionNameProducesSignupToken(t *testing.T) {
	e := &Engine{}
	sess := &Session{CurrentStep: StepAwaitingName}
	_, err := e.transition(context.Background(), sess, "Ada Lovelace")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingSignupConfirmation, sess.CurrentStep)
	testutil.Equal(t, "Ada Lovelace", sess.CollectedData.Name)
	testutil.True(t, sess.CollectedData.SignupToken != "")
}

func TestTransitionVerificationCodeSuccess(t *testing.T) {
	fid := &fakeIdentity{}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode, PhoneE164: "+14155550132"}
	reply, err := e.transition(context.Background(), sess, "123456")
	testutil.NoError(t, err)
	testutil.Equal(t, StepCompleted, sess.CurrentStep)
	testutil.Equal(t, welcomeCompleteMessage, reply)
}

func TestTransitionVerificationWrongCode(t *testing.T) {
	fid := &fakeIdentity{checkErr: identity.ErrWrongCode, attemptsRemaining: 2}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode}
	reply, err := e.transition(context.Background(), sess, "000000")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingVerificationCode, sess.CurrentStep)
	testutil.Equal(t, wrongCodeMessage(2), reply)
}

func TestTransitionVerificationWrongCodeLastAttempt(t *testing.T) {
	fid := &fakeIdentity{checkErr: identity.ErrWrongCode, attemptsRemaining: 1}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode}
	reply, err := e.transition(context.Background(), sess, "000000")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAwaitingVerificationCode, sess.CurrentStep)
	testutil.Equal(t, "That code didn't match. You have 1 attempt left.", reply)
}

func TestTransitionVerificationExpiredAborts(t *testing.T) {
	fid := &fakeIdentity{checkErr: identity.ErrCodeExpired}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode}
	reply, err := e.transition(context.Background(), sess, "000000")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAborted, sess.CurrentStep)
	testutil.Equal(t, restartMessage, reply)
}

func TestTransitionVerificationTooManyAttemptsAborts(t *testing.T) {
	fid := &fakeIdentity{checkErr: identity.ErrTooManyAttempts}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode}
	reply, err := e.transition(context.Background(), sess, "000000")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAborted, sess.CurrentStep)
	testutil.Equal(t, restartMessage, reply)
}

func TestTransitionVerificationMappingNotFoundAborts(t *testing.T) {
	fid := &fakeIdentity{checkErr: identity.ErrMappingNotFound}
	e := &Engine{identity: fid}
	sess := &Session{CurrentStep: StepAwaitingVerificationCode}
	reply, err := e.transition(context.Background(), sess, "000000")
	testutil.NoError(t, err)
	testutil.Equal(t, StepAborted, sess.CurrentStep)
	testutil.Equal(t, restartMessage, reply)
}
