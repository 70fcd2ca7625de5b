package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/relaysms/gateway/internal/identity"
	"github.com/relaysms/gateway/internal/testutil"
)

type fakeIdentity struct {
	calls int
	users map[string]*identity.User
}

func (f *fakeIdentity) FindUserByPhone(_ context.Context, e164 string) (*identity.User, error) {
	f.calls++
	if u, ok := f.users[e164]; ok {
		return u, nil
	}
	return nil, identity.ErrUserNotFound
}

func TestResolveCachesPositiveResult(t *testing.T) {
	fi := &fakeIdentity{users: map[string]*identity.User{"+14155550132": {ID: 42}}}
	r := New(fi, time.Minute, time.Second)

	res, err := r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)
	testutil.NotNil(t, res)
	testutil.Equal(t, int64(42), res.UserID)

	_, err = r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)
	testutil.Equal(t, 1, fi.calls)
}

func TestResolveCachesNegativeResult(t *testing.T) {
	fi := &fakeIdentity{users: map[string]*identity.User{}}
	r := New(fi, time.Minute, time.Hour)

	res, err := r.Resolve(context.Background(), "+19995550000")
	testutil.NoError(t, err)
	testutil.Nil(t, res)

	_, err = r.Resolve(context.Background(), "+19995550000")
	testutil.NoError(t, err)
	testutil.Equal(t, 1, fi.calls)
}

func TestResolveExpiresPositiveEntry(t *testing.T) {
	fi := &fakeIdentity{users: map[string]*identity.User{"+14155550132": {ID: 42}}}
	r := New(fi, time.Millisecond, time.Millisecond)

	_, err := r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, fi.calls)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fi := &fakeIdentity{users: map[string]*identity.User{"+14155550132": {ID: 42}}}
	r := New(fi, time.Hour, time.Hour)

	_, err := r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)

	r.Invalidate("+14155550132")

	_, err = r.Resolve(context.Background(), "+14155550132")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, fi.calls)
}
