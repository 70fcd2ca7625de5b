//go:build integration

package dispatch_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/relaysms/gateway/internal/carrier"
	"github.com/relaysms/gateway/internal/dispatch"
	"github.com/relaysms/gateway/internal/keyedlock"
	"github.com/relaysms/gateway/internal/postgres"
	"github.com/relaysms/gateway/internal/testutil"
	"github.com/relaysms/gateway/internal/usage"
)

// failingCarrier fails the first FailFor calls to Send, and maps
// "perm" -> permanent / anything else -> transient for Classify.
type failingCarrier struct {
	*carrier.CaptureClient
	FailFor int
	calls   int
}

func (f *failingCarrier) Send(ctx context.Context, to, body string) (*carrier.SendResult, error) {
	f.calls++
	if f.calls <= f.FailFor {
		return nil, errAlwaysTransient
	}
	return f.CaptureClient.Send(ctx, to, body)
}

func (f *failingCarrier) ValidateSignature(fullURL string, form url.Values, sig string) bool {
	return f.CaptureClient.ValidateSignature(fullURL, form, sig)
}

func (f *failingCarrier) Classify(code string) carrier.Classification {
	if code == "perm" {
		return carrier.ClassificationPermanent
	}
	return carrier.ClassificationTransient
}

var errAlwaysTransient = &transientErr{}

type transientErr struct{}

func (e *transientErr) Error() string { return "simulated transient carrier failure" }

type noOptOuts struct{}

func (noOptOuts) IsOptedOut(ctx context.Context, e164 string) (bool, error) { return false, nil }

func newTestService(t *testing.T, ctx context.Context, c carrier.Client, cfg dispatch.Config) (*dispatch.Service, *usage.Store) {
	t.Helper()
	pool := testutil.RequirePostgres(t, ctx)
	testutil.NoError(t, postgres.Bootstrap(ctx, pool))
	_, err := pool.Exec(ctx, `INSERT INTO users (id) VALUES (1)`)
	testutil.NoError(t, err)

	usageStore := usage.New(pool)
	svc := dispatch.New(c, usageStore, keyedlock.New(), noOptOuts{}, cfg, testutil.DiscardLogger())
	return svc, usageStore
}

func TestSendRejectsOverlongBody(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, ctx, carrier.NewCaptureClient(), dispatch.DefaultConfig())

	long := make([]byte, 1601)
	for i := range long {
		long[i] = 'a'
	}

	_, err := svc.Send(ctx, 1, "+14155550132", string(long), false)
	testutil.ErrorIs(t, err, dispatch.ErrBodyTooLong)
}

func TestSendEnforcesMonthlyBudget(t *testing.T) {
	ctx := context.Background()
	cfg := dispatch.DefaultConfig()
	cfg.MonthlyBudget = 1
	svc, usageStore := newTestService(t, ctx, carrier.NewCaptureClient(), cfg)

	testutil.NoError(t, usageStore.IncrementOutbound(ctx, 1, usage.YearMonth(time.Now()), 1))

	_, err := svc.Send(ctx, 1, "+14155550132", "hi", false)
	testutil.ErrorIs(t, err, dispatch.ErrPolicyExceeded)
}

func TestSendSuccessRecordsSentAttempt(t *testing.T) {
	ctx := context.Background()
	cc := carrier.NewCaptureClient()
	svc, usageStore := newTestService(t, ctx, cc, dispatch.DefaultConfig())

	attempt, err := svc.Send(ctx, 1, "+14155550132", "hello", false)
	testutil.NoError(t, err)

	fetched, err := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusSent, fetched.FinalStatus)
}

func TestSendFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	fc := &failingCarrier{CaptureClient: carrier.NewCaptureClient(), FailFor: 1}
	svc, usageStore := newTestService(t, ctx, fc, dispatch.DefaultConfig())

	attempt, err := svc.Send(ctx, 1, "+14155550132", "hello", false)
	testutil.NoError(t, err)

	fetched, err := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusUnknown, fetched.FinalStatus)
	testutil.True(t, fetched.NextRetryAt != nil)
	testutil.Equal(t, 1, fetched.RetryCount)
}

func TestOnStatusCallbackDeliveredIncrementsUsage(t *testing.T) {
	ctx := context.Background()
	cc := carrier.NewCaptureClient()
	svc, usageStore := newTestService(t, ctx, cc, dispatch.DefaultConfig())

	attempt, err := svc.Send(ctx, 1, "+14155550132", "hello", false)
	testutil.NoError(t, err)
	sid := cc.LastCall()
	testutil.NotNil(t, sid)

	fetched, _ := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, svc.OnStatusCallback(ctx, *fetched.CarrierSID, "delivered", nil))

	afterFirst, err := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusDelivered, afterFirst.FinalStatus)

	// A duplicate "delivered" callback must not double-count usage.
	testutil.NoError(t, svc.OnStatusCallback(ctx, *fetched.CarrierSID, "delivered", nil))

	counter, err := usageStore.GetCounter(ctx, 1, usage.YearMonth(time.Now()))
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), counter.SMSCountOut)
}

func TestOnStatusCallbackPermanentFailureMarksTerminal(t *testing.T) {
	ctx := context.Background()
	fc := &failingCarrier{CaptureClient: carrier.NewCaptureClient()}
	svc, usageStore := newTestService(t, ctx, fc, dispatch.DefaultConfig())

	attempt, err := svc.Send(ctx, 1, "+14155550132", "hello", false)
	testutil.NoError(t, err)
	fetched, _ := usageStore.GetAttempt(ctx, attempt.ID)

	code := "perm"
	testutil.NoError(t, svc.OnStatusCallback(ctx, *fetched.CarrierSID, "failed", &code))

	final, err := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusFailed, final.FinalStatus)
}

func TestTickRetriesResendsDueAttempts(t *testing.T) {
	ctx := context.Background()
	fc := &failingCarrier{CaptureClient: carrier.NewCaptureClient(), FailFor: 1}
	svc, usageStore := newTestService(t, ctx, fc, dispatch.DefaultConfig())

	attempt, err := svc.Send(ctx, 1, "+14155550132", "hello", false)
	testutil.NoError(t, err)

	// The failed send scheduled a retry; ticking an hour ahead makes it due.
	_, execErr := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, execErr)

	svc.TickRetries(ctx, time.Now().Add(time.Hour))

	final, err := usageStore.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusSent, final.FinalStatus)
}
