//go:build integration

package onboarding_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaysms/gateway/internal/identity"
	"github.com/relaysms/gateway/internal/onboarding"
	"github.com/relaysms/gateway/internal/postgres"
	"github.com/relaysms/gateway/internal/testutil"
)

func newEngine(t *testing.T, ctx context.Context) *onboarding.Engine {
	t.Helper()
	pool := testutil.RequirePostgres(t, ctx)
	testutil.NoError(t, postgres.Bootstrap(ctx, pool))
	_, err := pool.Exec(ctx, `INSERT INTO users (id) VALUES (1)`)
	testutil.NoError(t, err)

	store := onboarding.New(pool, time.Hour)
	ident := identity.New(pool, 6, 3, 10*time.Minute)
	return onboarding.NewEngine(store, ident, nil)
}

func TestFullOnboardingHappyPath(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, ctx)
	phone := "+14155550132"

	reply, err := eng.Advance(ctx, phone, "", "m1")
	testutil.NoError(t, err)
	testutil.True(t, reply != "")

	reply, err = eng.Advance(ctx, phone, "yes", "m2")
	testutil.NoError(t, err)
	testutil.True(t, reply != "")

	reply, err = eng.Advance(ctx, phone, "ada@example.com", "m3")
	testutil.NoError(t, err)
	testutil.True(t, reply != "")

	_, err = eng.Advance(ctx, phone, "Ada Lovelace", "m4")
	testutil.NoError(t, err)

	_, err = eng.AccountLinked(ctx, phone, 1)
	testutil.NoError(t, err)
}

func TestHarvestExpiredRemovesOnlyExpiredSessions(t *testing.T) {
	ctx := context.Background()
	pool := testutil.RequirePostgres(t, ctx)
	testutil.NoError(t, postgres.Bootstrap(ctx, pool))

	expired := onboarding.New(pool, time.Nanosecond)
	_, err := expired.GetOrCreate(ctx, "+14155550140")
	testutil.NoError(t, err)

	live := onboarding.New(pool, time.Hour)
	_, err = live.GetOrCreate(ctx, "+14155550141")
	testutil.NoError(t, err)

	n, err := live.HarvestExpired(ctx, time.Now())
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), n)

	_, err = live.GetOrCreate(ctx, "+14155550141")
	testutil.NoError(t, err)
}

func TestIdempotentReplayReturnsSameReply(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, ctx)
	phone := "+14155550133"

	first, err := eng.Advance(ctx, phone, "", "dup-1")
	testutil.NoError(t, err)

	second, err := eng.Advance(ctx, phone, "this text is ignored on replay", "dup-1")
	testutil.NoError(t, err)

	testutil.Equal(t, first, second)
}
