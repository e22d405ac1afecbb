// Package telephony places outbound calls through a LiveKit SIP trunk.
package telephony

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

// SIPAPI is the part of the LiveKit SIP service the dialer uses.
// *lksdk.SIPClient satisfies it.
type SIPAPI interface {
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error)
}

// Config holds configuration for the SIP dialer
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	TrunkID   string
	// Timeout bounds a single dial including ringing
	Timeout time.Duration
	// API replaces the LiveKit SIP client, mainly for tests
	API SIPAPI
}

// Dialer places one outbound call per request and waits for it to be answered
type Dialer struct {
	api     SIPAPI
	trunkID string
	timeout time.Duration
	log     *logger.Logger
}

// NewDialer creates a SIP dialer
func NewDialer(config Config) *Dialer {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	api := config.API
	if api == nil {
		api = lksdk.NewSIPClient(config.URL, config.APIKey, config.APISecret)
	}
	return &Dialer{
		api:     api,
		trunkID: config.TrunkID,
		timeout: config.Timeout,
		log:     logger.WithPrefix("SIP"),
	}
}

// Request builds the participant request for a call to phone
func (d *Dialer) Request(room, phone string) *livekit.CreateSIPParticipantRequest {
	return &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          d.trunkID,
		SipCallTo:           phone,
		RoomName:            room,
		ParticipantIdentity: phone,
		WaitUntilAnswered:   true,
	}
}

// Dial calls phone and blocks until the far end answers or the attempt
// fails. It never retries.
func (d *Dialer) Dial(ctx context.Context, room, phone string) job.DialOutcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.log.Info("Placing outbound call to %s", phone)
	info, err := d.api.CreateSIPParticipant(ctx, d.Request(room, phone))
	if err != nil {
		outcome := FailureOutcome(err)
		d.log.Warn("Call to %s failed: %s", phone, outcome.Reason)
		return outcome
	}

	if info != nil {
		d.log.Info("Call to %s answered (participant %s)", phone, info.ParticipantIdentity)
	}
	return job.Answered()
}

// FailureOutcome maps a dial error to a failed outcome. Twirp errors carry
// the SIP status in their metadata.
func FailureOutcome(err error) job.DialOutcome {
	var terr twirp.Error
	if !errors.As(err, &terr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return job.Failed("dial timed out")
		}
		return job.Failed(err.Error())
	}

	var b strings.Builder
	b.WriteString(string(terr.Code()))
	if msg := terr.Msg(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	outcome := job.Failed("")
	code := terr.Meta("sip_status_code")
	status := terr.Meta("sip_status")
	if code != "" || status != "" {
		b.WriteString(" (SIP")
		if code != "" {
			b.WriteString(" " + code)
			if n, convErr := strconv.Atoi(code); convErr == nil {
				outcome.SIPStatusCode = n
			}
		}
		if status != "" {
			b.WriteString(" " + status)
		}
		b.WriteString(")")
	}
	outcome.Reason = b.String()
	return outcome
}

