// Package job holds the data model shared by the orchestrator, the worker
// pool and the HTTP API: jobs, their outcome and the result types returned
// by the external service clients.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is one dispatched voice call bound to a room
type Job struct {
	ID        string    `json:"id"`
	RoomName  string    `json:"room"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a job with a fresh id
func New(roomName, metadata string) Job {
	return Job{
		ID:        "job_" + uuid.NewString(),
		RoomName:  roomName,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// Outcome is the final state of a job
type Outcome int

const (
	Running Outcome = iota
	Completed
	Aborted
)

var outcomeNames = map[Outcome]string{
	Running:   "running",
	Completed: "completed",
	Aborted:   "aborted",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range outcomeNames {
		if v == s {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", s)
}

// IntentKind tells who placed the call
type IntentKind string

const (
	Inbound  IntentKind = "inbound"
	Outbound IntentKind = "outbound"
)

// Intent is derived once from the job metadata and never changes
type Intent struct {
	Kind        IntentKind `json:"kind"`
	PhoneNumber string     `json:"phone_number,omitempty"`
}

// InboundIntent is the intent of a job without a phone number
func InboundIntent() Intent {
	return Intent{Kind: Inbound}
}

// OutboundIntent is the intent of a job that must dial phone
func OutboundIntent(phone string) Intent {
	return Intent{Kind: Outbound, PhoneNumber: phone}
}

func (i Intent) IsOutbound() bool {
	return i.Kind == Outbound
}

func (i Intent) String() string {
	if i.IsOutbound() {
		return "outbound(" + i.PhoneNumber + ")"
	}
	return string(Inbound)
}

// EgressResult is the result of a recording start request.
// EgressID is empty when Err is set.
type EgressResult struct {
	EgressID string
	Err      error
}

// OK reports whether the recording started
func (r EgressResult) OK() bool {
	return r.Err == nil && r.EgressID != ""
}

// DialStatus is the result of an outbound dial
type DialStatus string

const (
	DialAnswered DialStatus = "answered"
	DialFailed   DialStatus = "failed"
)

// DialOutcome is the result of an outbound dial. Reason and SIPStatusCode
// are only set when the dial failed.
type DialOutcome struct {
	Status        DialStatus `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	SIPStatusCode int        `json:"sip_status_code,omitempty"`
}

// Answered is the outcome of a dial the far end picked up
func Answered() DialOutcome {
	return DialOutcome{Status: DialAnswered}
}

// Failed is the outcome of a dial that did not connect
func Failed(reason string) DialOutcome {
	return DialOutcome{Status: DialFailed, Reason: reason}
}

func (d DialOutcome) IsAnswered() bool {
	return d.Status == DialAnswered
}

// Room is a connected room as seen by the orchestrator
type Room interface {
	Name() string
	// Disconnect leaves the room. It is safe to call more than once.
	Disconnect()
}

// Session is the conversational session bound to a job's room
type Session interface {
	// GenerateReply makes the assistant speak once, guided by instructions
	GenerateReply(instructions string) error
	// Done is closed when the session ends
	Done() <-chan struct{}
	// Close tears the session down and leaves the room
	Close()
}

// Status is the persisted view of a job, served by the HTTP API
type Status struct {
	JobID       string       `json:"job_id"`
	Room        string       `json:"room"`
	Outcome     Outcome      `json:"outcome"`
	Intent      *Intent      `json:"intent,omitempty"`
	EgressID    string       `json:"egress_id,omitempty"`
	DialOutcome *DialOutcome `json:"dial,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	States      []string     `json:"states,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewStatus returns the initial status of a job
func NewStatus(j Job) Status {
	return Status{
		JobID:     j.ID,
		Room:      j.RoomName,
		Outcome:   Running,
		UpdatedAt: time.Now().UTC(),
	}
}
