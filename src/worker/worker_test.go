package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/orchestrator"
)

type testSession struct {
	done   chan struct{}
	once   sync.Once
	closed atomic.Int32
}

func newTestSession() *testSession {
	return &testSession{done: make(chan struct{})}
}

func (s *testSession) GenerateReply(string) error { return nil }

func (s *testSession) Done() <-chan struct{} { return s.done }

func (s *testSession) end() { s.once.Do(func() { close(s.done) }) }

func (s *testSession) Close() {
	s.closed.Add(1)
	s.end()
}

type runFunc func(ctx context.Context, j job.Job) (*orchestrator.Result, error)

func (f runFunc) Run(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
	return f(ctx, j)
}

func liveResult(sess job.Session) *orchestrator.Result {
	return &orchestrator.Result{
		Outcome:  job.Running,
		Intent:   job.InboundIntent(),
		EgressID: "EG_1",
		States: []orchestrator.State{
			orchestrator.StateConnecting, orchestrator.StateConnected,
			orchestrator.StateMetadataResolved, orchestrator.StateSessionActive,
		},
		Session: sess,
	}
}

func waitOutcome(t *testing.T, p *Pool, id string, want job.Outcome) job.Status {
	t.Helper()
	var status job.Status
	require.Eventually(t, func() bool {
		s, err := p.Status(context.Background(), id)
		if err != nil {
			return false
		}
		status = s
		return s.Outcome == want
	}, 2*time.Second, 5*time.Millisecond)
	return status
}

func TestJobCompletesWhenSessionEnds(t *testing.T) {
	sess := newTestSession()
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return liveResult(sess), nil
	}), Config{Workers: 1, QueueSize: 4})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room-a", "")
	require.NoError(t, p.Submit(context.Background(), j))

	require.Eventually(t, func() bool {
		s, err := p.Status(context.Background(), j.ID)
		return err == nil && len(s.States) == 4
	}, 2*time.Second, 5*time.Millisecond)
	running, err := p.Status(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Running, running.Outcome)

	sess.end()
	status := waitOutcome(t, p, j.ID, job.Completed)
	assert.Equal(t, "room-a", status.Room)
	assert.Equal(t, "EG_1", status.EgressID)
	require.NotNil(t, status.Intent)
	assert.Equal(t, job.Inbound, status.Intent.Kind)
}

func TestAbortedJobRecordsReason(t *testing.T) {
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		outcome := job.Failed("unavailable: busy (SIP 486 Busy Here)")
		res := &orchestrator.Result{
			Outcome:     job.Aborted,
			Intent:      job.OutboundIntent("+1555"),
			DialOutcome: &outcome,
			States:      []orchestrator.State{orchestrator.StateMetadataResolved, orchestrator.StateDialing, orchestrator.StateAborted},
		}
		return res, fmt.Errorf("%w: %s", orchestrator.ErrDialFailed, outcome.Reason)
	}), Config{})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room-b", `{"phone_number":"+1555"}`)
	require.NoError(t, p.Submit(context.Background(), j))

	status := waitOutcome(t, p, j.ID, job.Aborted)
	assert.Contains(t, status.Reason, "486")
	require.NotNil(t, status.DialOutcome)
	assert.Equal(t, job.DialFailed, status.DialOutcome.Status)
	require.NotNil(t, status.Intent)
	assert.Equal(t, "+1555", status.Intent.PhoneNumber)
	assert.Equal(t, []string{"metadata_resolved", "dialing", "aborted"}, status.States)
}

func TestConnectIsRetried(t *testing.T) {
	var attempts atomic.Int32
	sess := newTestSession()
	sess.end()
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		if attempts.Add(1) < 3 {
			return &orchestrator.Result{States: []orchestrator.State{orchestrator.StateConnecting}},
				fmt.Errorf("%w: connection refused", orchestrator.ErrConnect)
		}
		return liveResult(sess), nil
	}), Config{ConnectAttempts: 3, RetryBaseDelay: time.Millisecond})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	waitOutcome(t, p, j.ID, job.Completed)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConnectRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		attempts.Add(1)
		return &orchestrator.Result{States: []orchestrator.State{orchestrator.StateConnecting}},
			fmt.Errorf("%w: connection refused", orchestrator.ErrConnect)
	}), Config{ConnectAttempts: 2, RetryBaseDelay: time.Millisecond})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	status := waitOutcome(t, p, j.ID, job.Aborted)
	assert.Contains(t, status.Reason, "after 2 attempts")
	assert.Nil(t, status.Intent)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		attempts.Add(1)
		return &orchestrator.Result{Outcome: job.Aborted}, orchestrator.ErrSessionStart
	}), Config{ConnectAttempts: 5, RetryBaseDelay: time.Millisecond})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	waitOutcome(t, p, j.ID, job.Aborted)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	// not started, so nothing drains the queue
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return nil, errors.New("unreachable")
	}), Config{QueueSize: 1})

	require.NoError(t, p.Submit(context.Background(), job.New("one", "")))

	rejected := job.New("two", "")
	assert.ErrorIs(t, p.Submit(context.Background(), rejected), ErrQueueFull)
	status, err := p.Status(context.Background(), rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Aborted, status.Outcome)
	assert.Equal(t, ErrQueueFull.Error(), status.Reason)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitRejectsBusyRoom(t *testing.T) {
	sess := newTestSession()
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return liveResult(sess), nil
	}), Config{Workers: 2, QueueSize: 4})
	p.Start()
	defer p.Shutdown(context.Background())

	first := job.New("room-busy", "")
	require.NoError(t, p.Submit(context.Background(), first))
	require.Eventually(t, func() bool {
		s, err := p.Status(context.Background(), first.ID)
		return err == nil && s.Outcome == job.Running && len(s.States) == 4
	}, 2*time.Second, 5*time.Millisecond)

	duplicate := job.New("room-busy", "")
	assert.ErrorIs(t, p.Submit(context.Background(), duplicate), ErrRoomBusy)
	status, err := p.Status(context.Background(), duplicate.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Aborted, status.Outcome)
	assert.Contains(t, status.Reason, first.ID)

	require.NoError(t, p.Submit(context.Background(), job.New("room-other", "")))

	sess.end()
	waitOutcome(t, p, first.ID, job.Completed)
	require.Eventually(t, func() bool {
		return p.Submit(context.Background(), job.New("room-busy", "")) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueuedJobHoldsRoom(t *testing.T) {
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return nil, errors.New("unreachable")
	}), Config{QueueSize: 4})

	require.NoError(t, p.Submit(context.Background(), job.New("room", "")))
	assert.ErrorIs(t, p.Submit(context.Background(), job.New("room", "")), ErrRoomBusy)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, p.active)
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	sess := newTestSession()
	started := make(chan struct{})
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		close(started)
		return liveResult(sess), nil
	}), Config{Workers: 1})
	p.Start()

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	assert.Equal(t, int32(1), sess.closed.Load())
	status, err := p.Status(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Completed, status.Outcome)
}

func TestShutdownAbortsQueuedJobs(t *testing.T) {
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return nil, errors.New("unreachable")
	}), Config{QueueSize: 2})

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	require.NoError(t, p.Shutdown(context.Background()))

	status, err := p.Status(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Aborted, status.Outcome)
	assert.Contains(t, status.Reason, "shutting down")
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return nil, nil
	}), Config{})
	p.Start()
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.ErrorIs(t, p.Submit(context.Background(), job.New("room", "")), ErrPoolClosed)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	status := job.NewStatus(job.New("room", ""))
	require.NoError(t, s.Put(context.Background(), status))
	got, err := s.Get(context.Background(), status.JobID)
	require.NoError(t, err)
	assert.Equal(t, status, got)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, time.Hour)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	intent := job.OutboundIntent("+46701234567")
	outcome := job.Failed("not_found: trunk not found")
	status := job.NewStatus(job.New("room-r", `{"phone_number":"+46701234567"}`))
	status.Outcome = job.Aborted
	status.Intent = &intent
	status.DialOutcome = &outcome
	status.States = []string{"connecting", "connected"}
	require.NoError(t, s.Put(ctx, status))

	got, err := s.Get(ctx, status.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.Aborted, got.Outcome)
	assert.Equal(t, intent, *got.Intent)
	assert.Equal(t, outcome, *got.DialOutcome)
	assert.Equal(t, status.States, got.States)
	assert.True(t, status.UpdatedAt.Equal(got.UpdatedAt))

	assert.Equal(t, time.Hour, mr.TTL("callagent:job:"+status.JobID))
	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, status.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr()+"/0", 0)
	require.NoError(t, err)
	defer s.Close()

	status := job.NewStatus(job.New("room", ""))
	require.NoError(t, s.Put(context.Background(), status))
	assert.Zero(t, mr.TTL("callagent:job:"+status.JobID))

	_, err = NewRedisStoreFromURL(context.Background(), "not a url", 0)
	assert.Error(t, err)
}

func TestPoolWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	sess := newTestSession()
	sess.end()
	p := NewPool(runFunc(func(ctx context.Context, j job.Job) (*orchestrator.Result, error) {
		return liveResult(sess), nil
	}), Config{Store: store})
	p.Start()
	defer p.Shutdown(context.Background())

	j := job.New("room", "")
	require.NoError(t, p.Submit(context.Background(), j))
	waitOutcome(t, p, j.ID, job.Completed)
	assert.True(t, mr.Exists("callagent:job:"+j.ID))
}
