package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"stratasysbridge/internal/printer"
	"stratasysbridge/internal/printer/printertest"
)

type stubFetcher struct {
	calls atomic.Int64

	mu  sync.Mutex
	st  printer.Status
	err error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{st: printer.ParseTCL(printertest.SampleStatus)}
}

func (f *stubFetcher) FetchStatus(ctx context.Context) (printer.Status, error) {
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.st, nil
}

func (f *stubFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPoller(t *testing.T, f Fetcher, clock clockwork.Clock, interval time.Duration) *Poller {
	t.Helper()

	p, err := NewPoller(PollerConfig{
		Logger:   testLogger(),
		Fetcher:  f,
		Clock:    clock,
		Interval: interval,
	})
	require.NoError(t, err)
	return p
}

func TestNewPoller_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPoller(PollerConfig{Fetcher: newStubFetcher(), Interval: DefaultScanInterval})
	require.Error(t, err)

	_, err = NewPoller(PollerConfig{Logger: testLogger(), Interval: DefaultScanInterval})
	require.Error(t, err)

	_, err = NewPoller(PollerConfig{Logger: testLogger(), Fetcher: newStubFetcher(), Interval: time.Second})
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestValidateInterval(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateInterval(MinScanInterval))
	require.NoError(t, ValidateInterval(MaxScanInterval))
	require.ErrorIs(t, ValidateInterval(MinScanInterval-time.Second), ErrInvalidInterval)
	require.ErrorIs(t, ValidateInterval(MaxScanInterval+time.Second), ErrInvalidInterval)
}

func TestPoller_Run_PollsImmediatelyThenOnInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	f := newStubFetcher()
	p := newTestPoller(t, f, clock, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(29 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, f.calls.Load())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_SetInterval_ResetsTicker(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	f := newStubFetcher()
	p := newTestPoller(t, f, clock, MaxScanInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	require.NoError(t, p.SetInterval(MinScanInterval))
	require.Equal(t, MinScanInterval, p.Interval())

	// Stay well below the old interval so only the new ticker can fire.
	var advanced time.Duration
	for i := 0; i < 100 && f.calls.Load() < 2; i++ {
		clock.Advance(MinScanInterval)
		advanced += MinScanInterval
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, f.calls.Load(), int64(2))
	require.Less(t, advanced, MaxScanInterval)
}

func TestPoller_SetInterval_RejectsOutOfRange(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, newStubFetcher(), clockwork.NewFakeClock(), DefaultScanInterval)

	require.ErrorIs(t, p.SetInterval(4*time.Second), ErrInvalidInterval)
	require.ErrorIs(t, p.SetInterval(601*time.Second), ErrInvalidInterval)
	require.Equal(t, DefaultScanInterval, p.Interval())

	require.NoError(t, p.SetInterval(120*time.Second))
	require.Equal(t, 120*time.Second, p.Interval())
}

func TestPoller_Poll_TracksFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	f := newStubFetcher()
	p := newTestPoller(t, f, clock, DefaultScanInterval)
	ctx := context.Background()

	snap := p.Poll(ctx)
	require.True(t, snap.Online)
	require.Zero(t, snap.Failures)
	require.Equal(t, clock.Now(), snap.FetchedAt)
	require.Equal(t, "fortus450", snap.Model())

	f.fail(printer.ErrTimeout)
	for i := 1; i < MaxFailures; i++ {
		snap = p.Poll(ctx)
		require.False(t, snap.Online)
		require.Equal(t, i, snap.Failures)
		require.True(t, snap.Connected())
		require.Nil(t, snap.Status)
		require.ErrorIs(t, snap.Err, printer.ErrTimeout)
	}

	snap = p.Poll(ctx)
	require.Equal(t, MaxFailures, snap.Failures)
	require.False(t, snap.Connected())
	require.Equal(t, snap, p.Snapshot())

	f.fail(nil)
	snap = p.Poll(ctx)
	require.True(t, snap.Online)
	require.Zero(t, snap.Failures)
	require.True(t, snap.Connected())
}

func TestPoller_Poll_NotifiesSubscribers(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, newStubFetcher(), clockwork.NewFakeClock(), DefaultScanInterval)

	var got []Snapshot
	p.Subscribe(func(s Snapshot) { got = append(got, s) })
	p.Subscribe(func(s Snapshot) { got = append(got, s) })

	p.Poll(context.Background())
	require.Len(t, got, 2)
	require.True(t, got[0].Online)
	require.Equal(t, got[0], got[1])
}

func TestPoller_Poll_CanceledKeepsSnapshot(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	p := newTestPoller(t, f, clockwork.NewFakeClock(), DefaultScanInterval)

	before := p.Poll(context.Background())

	notified := false
	p.Subscribe(func(Snapshot) { notified = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.fail(errors.Join(printer.ErrConnection, context.Canceled))

	after := p.Poll(ctx)
	require.Equal(t, before, after)
	require.False(t, notified)
}

func TestPoller_Poll_FailureMakesSensorsUnavailable(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.fail(printer.ErrConnection)
	p := newTestPoller(t, f, clockwork.NewFakeClock(), DefaultScanInterval)

	snap := p.Poll(context.Background())
	for _, s := range Sensors() {
		if s.Connectivity {
			require.True(t, s.Available(snap), s.Name)
			continue
		}
		require.False(t, s.Available(snap), s.Name)
		require.Nil(t, s.State(snap), s.Name)
	}
}
