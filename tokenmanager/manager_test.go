package tokenmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource counts renewals. Scripted errors are returned in order, then
// renewals succeed.
type fakeSource struct {
	calls  atomic.Int32
	maxAge time.Duration
	gate   chan struct{}

	mu   sync.Mutex
	errs []error
}

func (s *fakeSource) GetToken(context.Context) (Session, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Session{}, err
		}
	}
	return Session{MaxAge: s.maxAge}, nil
}

func (s *fakeSource) failNext(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func TestManager_RenewIfRequired(t *testing.T) {
	t.Parallel()

	t.Run("given a new manager, then the first call renews and the next does not", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{}
		m := New(src)
		assert.True(t, m.AttemptTokenRenewal())

		require.NoError(t, m.RenewIfRequired(context.Background()))
		require.NoError(t, m.RenewIfRequired(context.Background()))
		assert.Equal(t, int32(1), src.calls.Load())
		assert.False(t, m.AttemptTokenRenewal())
	})

	t.Run("given the flag set again, then the next call renews", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{}
		m := New(src)
		require.NoError(t, m.RenewIfRequired(context.Background()))

		m.SetAttemptTokenRenewal(true)
		require.NoError(t, m.RenewIfRequired(context.Background()))
		assert.Equal(t, int32(2), src.calls.Load())
	})

	t.Run("given a failed renewal, then the flag stays set", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("session refused")
		src := &fakeSource{}
		src.failNext(boom)

		var hooked []error
		m := New(src, WithRenewalHook(func(err error) { hooked = append(hooked, err) }))

		require.ErrorIs(t, m.RenewIfRequired(context.Background()), boom)
		assert.True(t, m.AttemptTokenRenewal())

		require.NoError(t, m.RenewIfRequired(context.Background()))
		assert.Equal(t, []error{boom, nil}, hooked)
	})
}

func TestManager_SingleFlight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    error
		wantErr error
	}{
		{name: "given concurrent callers, then one renewal serves them all"},
		{
			name:    "given concurrent callers and a failure, then all share the error",
			fail:    errors.New("iam unavailable"),
			wantErr: errors.New("iam unavailable"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &fakeSource{gate: make(chan struct{})}
			if tt.fail != nil {
				src.failNext(tt.fail)
			}
			m := New(src)

			const callers = 8
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = m.Renew(context.Background())
				}(i)
			}

			require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
			// Give every caller time to join the flight before releasing it.
			time.Sleep(20 * time.Millisecond)
			close(src.gate)
			wg.Wait()

			assert.Equal(t, int32(1), src.calls.Load())
			for _, err := range errs {
				if tt.wantErr == nil {
					assert.NoError(t, err)
				} else {
					assert.EqualError(t, err, tt.wantErr.Error())
				}
			}
		})
	}
}

func TestManager_CallerCancellation(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gate: make(chan struct{})}
	m := New(src)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- m.Renew(ctx) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- m.Renew(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(src.gate)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.False(t, m.AttemptTokenRenewal())
}

func TestManager_AutoRenew(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	src := &fakeSource{maxAge: 100 * time.Second}
	m := New(src, WithClock(clock), WithAutoRenew(true))
	defer m.Stop()

	require.NoError(t, m.Renew(ctx))
	d, ok := clock.Peek()
	require.True(t, ok)
	assert.Equal(t, 50*time.Second, d)

	// Half the max-age later the session is renewed in the background.
	clock.Advance(50 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(2), src.calls.Load())

	// A failed renewal is retried after RetryAfterFailure.
	src.failNext(errors.New("server down"))
	clock.Advance(50 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(3), src.calls.Load())

	d, ok = clock.Peek()
	require.True(t, ok)
	assert.Equal(t, RetryAfterFailure, d)

	clock.Advance(RetryAfterFailure).MustWait(ctx)
	assert.Equal(t, int32(4), src.calls.Load())

	d, ok = clock.Peek()
	require.True(t, ok)
	assert.Equal(t, 50*time.Second, d)

	m.Stop()
	_, ok = clock.Peek()
	assert.False(t, ok)
}

func TestManager_DefaultMaxAge(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	m := New(&fakeSource{}, WithClock(clock), WithAutoRenew(true))
	defer m.Stop()

	require.NoError(t, m.Renew(context.Background()))
	d, ok := clock.Peek()
	require.True(t, ok)
	assert.Equal(t, DefaultMaxAge/2, d)
}

func TestManager_NoAutoRenew(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	m := New(&fakeSource{}, WithClock(clock))

	require.NoError(t, m.Renew(context.Background()))
	_, ok := clock.Peek()
	assert.False(t, ok)
}
