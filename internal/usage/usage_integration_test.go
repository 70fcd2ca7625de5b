//go:build integration

package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaysms/gateway/internal/postgres"
	"github.com/relaysms/gateway/internal/testutil"
	"github.com/relaysms/gateway/internal/usage"
)

func newStore(t *testing.T, ctx context.Context) *usage.Store {
	t.Helper()
	pool := testutil.RequirePostgres(t, ctx)
	testutil.NoError(t, postgres.Bootstrap(ctx, pool))
	_, err := pool.Exec(ctx, `INSERT INTO users (id) VALUES (1)`)
	testutil.NoError(t, err)
	return usage.New(pool)
}

func TestInboundDeduplicationByCarrierSID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, ctx)

	userID := int64(1)
	_, err := store.InsertInbound(ctx, &userID, "+14155550132", "hi", "SM100", "US")
	testutil.NoError(t, err)

	found, err := store.FindInboundByCarrierSID(ctx, "SM100")
	testutil.NoError(t, err)
	testutil.Equal(t, "hi", found.Body)

	_, err = store.FindInboundByCarrierSID(ctx, "SM999")
	testutil.ErrorIs(t, err, usage.ErrAttemptNotFound)
}

func TestOutboundLifecycleAndRetry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, ctx)

	attempt, err := store.InsertOutbound(ctx, 1, "+14155550132", "reply", 3)
	testutil.NoError(t, err)

	testutil.NoError(t, store.RecordSent(ctx, attempt.ID, "SM200", "queued"))

	testutil.NoError(t, store.ScheduleRetry(ctx, attempt.ID, time.Now().Add(-time.Second)))

	due, err := store.DueRetries(ctx, time.Now(), 10)
	testutil.NoError(t, err)
	testutil.SliceLen(t, due, 1)
	testutil.Equal(t, 1, due[0].RetryCount)

	testutil.NoError(t, store.MarkTerminal(ctx, attempt.ID, usage.StatusDelivered, nil, nil))

	due, err = store.DueRetries(ctx, time.Now(), 10)
	testutil.NoError(t, err)
	testutil.SliceLen(t, due, 0)

	fetched, err := store.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusDelivered, fetched.FinalStatus)
}

func TestUpdateDeliveryStatusDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, ctx)

	attempt, err := store.InsertOutbound(ctx, 1, "+14155550132", "reply", 3)
	testutil.NoError(t, err)
	testutil.NoError(t, store.RecordSent(ctx, attempt.ID, "SM300", "sent"))

	testutil.NoError(t, store.UpdateDeliveryStatus(ctx, "SM300", usage.StatusDelivered, nil, nil))
	// A stale "sent" callback arriving after "delivered" must not regress the attempt.
	testutil.NoError(t, store.UpdateDeliveryStatus(ctx, "SM300", usage.StatusSent, nil, nil))

	fetched, err := store.GetAttempt(ctx, attempt.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, usage.StatusDelivered, fetched.FinalStatus)
}

func TestUsageCounters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, ctx)

	testutil.NoError(t, store.IncrementInbound(ctx, 1, "2026-07"))
	testutil.NoError(t, store.IncrementOutbound(ctx, 1, "2026-07", 2))
	testutil.NoError(t, store.IncrementOutbound(ctx, 1, "2026-07", 3))

	c, err := store.GetCounter(ctx, 1, "2026-07")
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), c.SMSCountIn)
	testutil.Equal(t, int64(2), c.SMSCountOut)
	testutil.Equal(t, int64(5), c.CostCentsTotal)
}

func TestGetCounterZeroValueWhenMissing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, ctx)

	c, err := store.GetCounter(ctx, 1, "2099-01")
	testutil.NoError(t, err)
	testutil.Equal(t, int64(0), c.SMSCountIn)
}
