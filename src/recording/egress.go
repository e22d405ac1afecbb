// Package recording starts room recordings and locates the recorded files.
package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

// ErrNotConfigured is returned when no storage credentials are set
var ErrNotConfigured = errors.New("recording storage not configured")

// S3Config is the bucket recordings are uploaded to
type S3Config struct {
	AccessKey string
	Secret    string
	Region    string
	Bucket    string
}

func (c S3Config) configured() bool {
	return c.AccessKey != "" && c.Secret != "" && c.Bucket != ""
}

// EgressAPI is the part of the LiveKit egress service the client uses.
// *lksdk.EgressClient satisfies it.
type EgressAPI interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
}

// Config holds configuration for the recording client
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	S3        S3Config
	Timeout   time.Duration
	// API replaces the LiveKit egress client, mainly for tests
	API EgressAPI
}

// Client starts audio-only room recordings
type Client struct {
	api     EgressAPI
	s3      S3Config
	timeout time.Duration
	log     *logger.Logger
}

// NewClient creates a recording client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	api := config.API
	if api == nil {
		api = lksdk.NewEgressClient(config.URL, config.APIKey, config.APISecret)
	}
	return &Client{
		api:     api,
		s3:      config.S3,
		timeout: config.Timeout,
		log:     logger.WithPrefix("Egress"),
	}
}

// ObjectKey is the storage key of a room's recording
func ObjectKey(room string) string {
	return room + ".ogg"
}

// Request builds the egress request for a room
func (c *Client) Request(room string) *livekit.RoomCompositeEgressRequest {
	return &livekit.RoomCompositeEgressRequest{
		RoomName:  room,
		AudioOnly: true,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_OGG,
			Filepath: ObjectKey(room),
			Output: &livekit.EncodedFileOutput_S3{
				S3: &livekit.S3Upload{
					AccessKey: c.s3.AccessKey,
					Secret:    c.s3.Secret,
					Region:    c.s3.Region,
					Bucket:    c.s3.Bucket,
				},
			},
		}},
	}
}

// Start asks LiveKit to record the room. Failures are returned in the
// result, never as a panic.
func (c *Client) Start(ctx context.Context, room string) (result job.EgressResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = job.EgressResult{Err: fmt.Errorf("egress start panicked: %v", rec)}
		}
	}()

	if !c.s3.configured() {
		return job.EgressResult{Err: ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Info("Starting room egress for %s", room)
	info, err := c.api.StartRoomCompositeEgress(ctx, c.Request(room))
	if err != nil {
		return job.EgressResult{Err: fmt.Errorf("start room composite egress: %w", err)}
	}
	if info == nil || info.EgressId == "" {
		return job.EgressResult{Err: errors.New("egress started without an id")}
	}
	return job.EgressResult{EgressID: info.EgressId}
}
