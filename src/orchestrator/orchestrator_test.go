package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-callagent/src/agent"
	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/metrics"
)

type fakeRoom struct {
	name         string
	mu           sync.Mutex
	disconnected int
}

func (r *fakeRoom) Name() string { return r.name }

func (r *fakeRoom) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *fakeRoom) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

type fakeConnector struct {
	room *fakeRoom
	err  error
}

func (c *fakeConnector) Connect(ctx context.Context, roomName string) (job.Room, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.room = &fakeRoom{name: roomName}
	return c.room, nil
}

type fakeEgress struct {
	result job.EgressResult
	delay  time.Duration
	panic  bool
	calls  int
}

func (e *fakeEgress) Start(ctx context.Context, room string) job.EgressResult {
	e.calls++
	if e.panic {
		panic("egress client not initialized")
	}
	time.Sleep(e.delay)
	return e.result
}

type fakeDialer struct {
	outcome job.DialOutcome
	calls   []string
}

func (d *fakeDialer) Dial(ctx context.Context, room, phone string) job.DialOutcome {
	d.calls = append(d.calls, phone)
	return d.outcome
}

type fakeSession struct {
	replies  []string
	replyErr error
	done     chan struct{}
}

func (s *fakeSession) GenerateReply(instructions string) error {
	s.replies = append(s.replies, instructions)
	return s.replyErr
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Close() {}

type fakeSessions struct {
	session *fakeSession
	err     error
	calls   int
}

func (f *fakeSessions) Start(ctx context.Context, room job.Room, assistant *agent.Assistant) (job.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.session = &fakeSession{done: make(chan struct{})}
	return f.session, nil
}

type harness struct {
	rooms    *fakeConnector
	egress   *fakeEgress
	dialer   *fakeDialer
	sessions *fakeSessions
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rooms:    &fakeConnector{},
		egress:   &fakeEgress{result: job.EgressResult{EgressID: "EG_1"}},
		dialer:   &fakeDialer{outcome: job.Answered()},
		sessions: &fakeSessions{},
	}
	assistant, err := agent.NewAssistant(nil)
	require.NoError(t, err)
	h.orch = New(Config{
		Rooms:     h.rooms,
		Egress:    h.egress,
		Dialer:    h.dialer,
		Sessions:  h.sessions,
		Assistant: assistant,
		Metrics:   metrics.NewJobMetrics(prometheus.NewRegistry()),
	})
	return h
}

func TestInboundWithoutPhoneNumber(t *testing.T) {
	for _, metadata := range []string{"", "{}", `{"phone_number": ""}`, "{not json", `["+1555"]`, `{"phone_number": 15551234}`} {
		t.Run(metadata, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.orch.Run(context.Background(), job.New("room-a", metadata))
			require.NoError(t, err)

			assert.Equal(t, job.Inbound, res.Intent.Kind)
			assert.Empty(t, h.dialer.calls, "never dials inbound calls")
			assert.Equal(t, job.Running, res.Outcome)
			assert.True(t, res.GreetingSent)
			assert.Equal(t, []string{agent.GreetingInstructions}, h.sessions.session.replies)
			assert.Equal(t, []State{
				StateConnecting, StateConnected, StateEgressRequested, StateMetadataResolved,
				StateSessionStarting, StateSessionActive, StateGreetingSent,
			}, res.States)
			assert.Equal(t, "EG_1", res.EgressID)
		})
	}
}

func TestOutboundAnswered(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Run(context.Background(), job.New("room-b", `{"phone_number": "+46701234567"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"+46701234567"}, h.dialer.calls)
	assert.Equal(t, 1, h.sessions.calls)
	assert.Empty(t, h.sessions.session.replies, "the callee speaks first")
	assert.False(t, res.GreetingSent)
	require.NotNil(t, res.DialOutcome)
	assert.True(t, res.DialOutcome.IsAnswered())
	assert.Equal(t, []State{
		StateConnecting, StateConnected, StateEgressRequested, StateMetadataResolved,
		StateDialing, StateAnswered, StateSessionStarting, StateSessionActive, StateAwaitingRemoteFirstTurn,
	}, res.States)
}

func TestOutboundDialFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.dialer.outcome = job.Failed("unavailable: busy (SIP 486 Busy Here)")

	res, err := h.orch.Run(context.Background(), job.New("room-c", `{"phone_number": "+1555"}`))
	assert.ErrorIs(t, err, ErrDialFailed)
	assert.ErrorContains(t, err, "486")

	assert.Len(t, h.dialer.calls, 1, "dial attempted exactly once")
	assert.Zero(t, h.sessions.calls, "no session after a failed dial")
	assert.Equal(t, job.Aborted, res.Outcome)
	assert.Equal(t, 1, h.rooms.room.disconnects())
	assert.False(t, res.GreetingSent)
	assert.Equal(t, StateAborted, res.States[len(res.States)-1])
}

func TestOutboundWithoutDialer(t *testing.T) {
	h := newHarness(t)
	h.orch.dialer = nil

	res, err := h.orch.Run(context.Background(), job.New("room", `{"phone_number": "+1555"}`))
	assert.ErrorIs(t, err, ErrDialFailed)
	assert.Equal(t, job.Aborted, res.Outcome)
	assert.Zero(t, h.sessions.calls)
}

func TestEgressFailureNeverChangesOutcome(t *testing.T) {
	cases := map[string]*fakeEgress{
		"error":  {result: job.EgressResult{Err: errors.New("bucket not found")}},
		"panic":  {panic: true},
		"no id":  {result: job.EgressResult{}},
		"slow":   {result: job.EgressResult{Err: context.DeadlineExceeded}, delay: 50 * time.Millisecond},
		"absent": nil,
	}
	for name, egress := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			if egress == nil {
				h.orch.egress = nil
			} else {
				h.orch.egress = egress
			}

			res, err := h.orch.Run(context.Background(), job.New("room", ""))
			require.NoError(t, err)
			assert.Equal(t, job.Running, res.Outcome)
			assert.Contains(t, res.States, StateSessionActive)
			assert.True(t, res.GreetingSent)
			assert.Len(t, h.sessions.session.replies, 1)
			assert.Empty(t, res.EgressID)
			if egress != nil {
				assert.Error(t, res.EgressErr)
			} else {
				assert.NotContains(t, res.States, StateEgressRequested)
			}
		})
	}
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.rooms.err = errors.New("websocket: bad handshake")

	res, err := h.orch.Run(context.Background(), job.New("room", ""))
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorContains(t, err, "bad handshake")
	assert.Equal(t, []State{StateConnecting}, res.States)
	assert.Zero(t, h.egress.calls)
	assert.Zero(t, h.sessions.calls)
}

func TestSessionStartFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.sessions.err = errors.New("silero model missing")

	res, err := h.orch.Run(context.Background(), job.New("room", ""))
	assert.ErrorIs(t, err, ErrSessionStart)
	assert.Equal(t, job.Aborted, res.Outcome)
	assert.Equal(t, 1, h.rooms.room.disconnects())
	assert.False(t, res.GreetingSent)
	assert.Nil(t, res.Session)
}

func TestGreetingFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	sessions := &greetingFailSessions{}
	h.orch.sessions = sessions

	res, err := h.orch.Run(context.Background(), job.New("room", ""))
	require.NoError(t, err)
	assert.False(t, res.GreetingSent)
	assert.NotNil(t, res.Session)
	assert.Equal(t, job.Running, res.Outcome)
}

type greetingFailSessions struct{}

func (greetingFailSessions) Start(ctx context.Context, room job.Room, assistant *agent.Assistant) (job.Session, error) {
	return &fakeSession{replyErr: errors.New("session closed"), done: make(chan struct{})}, nil
}

func TestRunIsRepeatableForMalformedMetadata(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		res, err := h.orch.Run(context.Background(), job.New("room", "{{"))
		require.NoError(t, err)
		assert.Equal(t, job.InboundIntent(), res.Intent)
	}
	assert.Empty(t, h.dialer.calls)
}

func TestConnectorFunc(t *testing.T) {
	called := ""
	var c RoomConnector = ConnectorFunc(func(ctx context.Context, name string) (job.Room, error) {
		called = name
		return &fakeRoom{name: name}, nil
	})
	room, err := c.Connect(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", called)
	assert.Equal(t, "x", room.Name())
}
