// Package orchestrator runs the lifecycle of one call job: connect, record,
// resolve the caller, dial out when needed, start the session and greet.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/agent"
	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/metrics"
)

var (
	// ErrConnect wraps failures to join the job's room
	ErrConnect = errors.New("room connect failed")
	// ErrDialFailed wraps outbound calls that were not answered
	ErrDialFailed = errors.New("outbound dial failed")
	// ErrSessionStart wraps failures to bring up the session
	ErrSessionStart = errors.New("session start failed")
)

// State is a step of the job lifecycle
type State string

const (
	StateConnecting              State = "connecting"
	StateConnected               State = "connected"
	StateEgressRequested         State = "egress_requested"
	StateMetadataResolved        State = "metadata_resolved"
	StateDialing                 State = "dialing"
	StateAnswered                State = "answered"
	StateAborted                 State = "aborted"
	StateSessionStarting         State = "session_starting"
	StateSessionActive           State = "session_active"
	StateGreetingSent            State = "greeting_sent"
	StateAwaitingRemoteFirstTurn State = "awaiting_remote_first_turn"
)

// RoomConnector joins rooms
type RoomConnector interface {
	Connect(ctx context.Context, roomName string) (job.Room, error)
}

// ConnectorFunc adapts a function to RoomConnector
type ConnectorFunc func(ctx context.Context, roomName string) (job.Room, error)

func (f ConnectorFunc) Connect(ctx context.Context, roomName string) (job.Room, error) {
	return f(ctx, roomName)
}

// EgressStarter starts room recordings
type EgressStarter interface {
	Start(ctx context.Context, room string) job.EgressResult
}

// Dialer places outbound calls into a room
type Dialer interface {
	Dial(ctx context.Context, room, phone string) job.DialOutcome
}

// SessionStarter brings up the conversational session for a room
type SessionStarter interface {
	Start(ctx context.Context, room job.Room, assistant *agent.Assistant) (job.Session, error)
}

// Config wires the orchestrator's collaborators. Egress and Metrics are
// optional.
type Config struct {
	Rooms     RoomConnector
	Egress    EgressStarter
	Dialer    Dialer
	Sessions  SessionStarter
	Assistant *agent.Assistant
	Metrics   *metrics.JobMetrics
	Logger    *logger.Logger
}

// Orchestrator runs call jobs. It holds no per-job state and may run many
// jobs concurrently.
type Orchestrator struct {
	rooms     RoomConnector
	egress    EgressStarter
	dialer    Dialer
	sessions  SessionStarter
	assistant *agent.Assistant
	metrics   *metrics.JobMetrics
	log       *logger.Logger
}

// New creates an orchestrator
func New(config Config) *Orchestrator {
	log := config.Logger
	if log == nil {
		log = logger.WithPrefix("Orchestrator")
	}
	return &Orchestrator{
		rooms:     config.Rooms,
		egress:    config.Egress,
		dialer:    config.Dialer,
		sessions:  config.Sessions,
		assistant: config.Assistant,
		metrics:   config.Metrics,
		log:       log,
	}
}

// Result describes how far a job got
type Result struct {
	Outcome      job.Outcome
	Intent       job.Intent
	EgressID     string
	EgressErr    error
	DialOutcome  *job.DialOutcome
	States       []State
	Session      job.Session
	GreetingSent bool
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}

// Reached reports whether the job passed through s
func (r *Result) Reached(s State) bool {
	for _, v := range r.States {
		if v == s {
			return true
		}
	}
	return false
}

// StateNames returns the visited states as strings
func (r *Result) StateNames() []string {
	names := make([]string, len(r.States))
	for i, s := range r.States {
		names[i] = string(s)
	}
	return names
}

// Run drives job j until its session is live, or until it is aborted.
//
// A connect failure is returned wrapped in ErrConnect and leaves nothing to
// release. Dial and session failures disconnect the room and return an
// Aborted result together with an error wrapping ErrDialFailed or
// ErrSessionStart. On success the returned session outlives Run.
func (o *Orchestrator) Run(ctx context.Context, j job.Job) (*Result, error) {
	log := o.log.With("job", j.ID).With("room", j.RoomName)
	res := &Result{Outcome: job.Running}

	res.enter(StateConnecting)
	room, err := o.rooms.Connect(ctx, j.RoomName)
	if err != nil {
		log.Error("Connect failed: %v", err)
		return res, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	res.enter(StateConnected)
	log.Info("Connected")

	egress := o.startEgress(ctx, j.RoomName, res)
	defer egress.wait(ctx, res, log)

	res.Intent = job.ResolveIntent(j.Metadata, log)
	res.enter(StateMetadataResolved)
	log.Info("Call intent: %s", res.Intent)

	if res.Intent.IsOutbound() {
		res.enter(StateDialing)
		outcome := o.dial(ctx, room.Name(), res.Intent.PhoneNumber)
		res.DialOutcome = &outcome
		if !outcome.IsAnswered() {
			log.Error("Error creating SIP participant: %s", outcome.Reason)
			o.abort(room, res)
			return res, fmt.Errorf("%w: %s", ErrDialFailed, outcome.Reason)
		}
		res.enter(StateAnswered)
		log.Info("Outbound call answered")
	}

	res.enter(StateSessionStarting)
	started := time.Now()
	sess, err := o.sessions.Start(ctx, room, o.assistant)
	if err != nil {
		log.Error("Session start failed: %v", err)
		o.abort(room, res)
		return res, fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	o.metrics.ObserveSessionStart(time.Since(started))
	res.Session = sess
	res.enter(StateSessionActive)

	if res.Intent.IsOutbound() {
		res.enter(StateAwaitingRemoteFirstTurn)
		return res, nil
	}

	if err := sess.GenerateReply(agent.GreetingInstructions); err != nil {
		log.Warn("Greeting not sent: %v", err)
		return res, nil
	}
	res.GreetingSent = true
	res.enter(StateGreetingSent)
	return res, nil
}

func (o *Orchestrator) dial(ctx context.Context, room, phone string) job.DialOutcome {
	if o.dialer == nil {
		return job.Failed("no outbound trunk configured")
	}
	started := time.Now()
	outcome := o.dialer.Dial(ctx, room, phone)
	o.metrics.ObserveDial(outcome.IsAnswered(), time.Since(started))
	return outcome
}

func (o *Orchestrator) abort(room job.Room, res *Result) {
	room.Disconnect()
	res.Outcome = job.Aborted
	res.enter(StateAborted)
}

// pendingEgress is a recording request running beside the call path
type pendingEgress struct {
	result  chan job.EgressResult
	metrics *metrics.JobMetrics
}

func (o *Orchestrator) startEgress(ctx context.Context, room string, res *Result) *pendingEgress {
	p := &pendingEgress{metrics: o.metrics}
	if o.egress == nil {
		return p
	}
	res.enter(StateEgressRequested)
	p.result = make(chan job.EgressResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.result <- job.EgressResult{Err: fmt.Errorf("egress start panicked: %v", rec)}
			}
		}()
		p.result <- o.egress.Start(ctx, room)
	}()
	return p
}

// wait records the recording result. It never changes the job outcome.
func (p *pendingEgress) wait(ctx context.Context, res *Result, log *logger.Logger) {
	if p.result == nil {
		return
	}
	select {
	case r := <-p.result:
		res.EgressID = r.EgressID
		res.EgressErr = r.Err
		if r.Err == nil && r.EgressID == "" {
			res.EgressErr = errors.New("egress started without an id")
		}
	case <-ctx.Done():
		res.EgressErr = ctx.Err()
	}
	p.metrics.ObserveEgress(res.EgressErr == nil)
	if res.EgressErr != nil {
		log.Warn("Room egress not started: %v", res.EgressErr)
		return
	}
	log.Info("Room egress started: %s", res.EgressID)
}
