// Package room connects the agent to a LiveKit room and binds the room's
// audio to a RoomTransport.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/transports"
)

// TrackName is the name of the agent's published audio track
const TrackName = "assistant-voice"

// Config holds configuration for the room connector
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// Identity is the agent's participant identity and display name
	Identity string
}

// Connector joins rooms as the agent participant
type Connector struct {
	config Config
	log    *logger.Logger
}

// NewConnector creates a room connector
func NewConnector(config Config) *Connector {
	return &Connector{
		config: config,
		log:    logger.WithPrefix("Room"),
	}
}

// Conn is a live room connection
type Conn struct {
	name       string
	transport  *transports.RoomTransport
	disconnect func()
	log        *logger.Logger

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	gone bool
	// linked is the remote participant the call is with
	linked string
}

func newConn(name string, transport *transports.RoomTransport, log *logger.Logger) *Conn {
	return &Conn{
		name:      name,
		transport: transport,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Name returns the room name
func (c *Conn) Name() string {
	return c.name
}

// Transport returns the audio transport bound to the room
func (c *Conn) Transport() *transports.RoomTransport {
	return c.transport
}

// Done is closed when the room connection ends, locally or remotely
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Disconnect leaves the room. Safe to call more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}
	c.gone = true
	disconnect := c.disconnect
	c.mu.Unlock()

	c.log.Info("Disconnecting from room %s", c.name)
	if disconnect != nil {
		disconnect()
	}
	c.closed()
}

// participantJoined links the call to identity unless another participant
// is already linked
func (c *Conn) participantJoined(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.linked == "" && identity != "" {
		c.linked = identity
		c.log.Info("Linked to participant %s", identity)
	}
}

// participantLeft leaves the room when the linked participant hangs up
func (c *Conn) participantLeft(identity string) {
	c.mu.Lock()
	linked := identity != "" && c.linked == identity
	c.mu.Unlock()
	if !linked {
		return
	}
	c.log.Info("Linked participant %s left", identity)
	// SDK callbacks must not block on the room they report for
	go c.Disconnect()
}

// closed releases the transport and signals Done
func (c *Conn) closed() {
	c.once.Do(func() {
		if c.transport != nil {
			c.transport.Close()
		}
		close(c.done)
	})
}

// Connect joins roomName, feeds every subscribed audio track into a new
// RoomTransport and publishes the agent's voice track.
func (c *Connector) Connect(ctx context.Context, roomName string) (*Conn, error) {
	transport, err := transports.NewRoomTransport(transports.RoomConfig{Identity: c.config.Identity})
	if err != nil {
		return nil, err
	}
	log := c.log.With("room", roomName)
	transport.SetLogger(log)
	conn := newConn(roomName, transport, log)

	callback := &lksdk.RoomCallback{
		OnDisconnected: func() {
			log.Info("Room disconnected")
			conn.closed()
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			log.Info("Participant connected: %s", rp.Identity())
			conn.participantJoined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			log.Info("Participant disconnected: %s", rp.Identity())
			conn.participantLeft(rp.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				log.Debug("Audio track %s subscribed from %s", publication.SID(), rp.Identity())
				conn.participantJoined(rp.Identity())
				go transport.ConsumeAudio(rp.Identity(), transports.TrackReader(track))
			},
		},
	}

	info := lksdk.ConnectInfo{
		APIKey:              c.config.APIKey,
		APISecret:           c.config.APISecret,
		RoomName:            roomName,
		ParticipantIdentity: c.config.Identity,
		ParticipantName:     c.config.Identity,
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := lksdk.ConnectToRoom(c.config.URL, info, callback)
		ch <- result{r, err}
	}()

	var lkRoom *lksdk.Room
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.room != nil {
				r.room.Disconnect()
			}
		}()
		transport.Close()
		return nil, fmt.Errorf("connect to room %s: %w", roomName, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			transport.Close()
			return nil, fmt.Errorf("connect to room %s: %w", roomName, r.err)
		}
		lkRoom = r.room
	}

	conn.mu.Lock()
	conn.disconnect = lkRoom.Disconnect
	conn.mu.Unlock()
	for _, rp := range lkRoom.GetRemoteParticipants() {
		conn.participantJoined(rp.Identity())
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	})
	if err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("create agent track: %w", err)
	}
	publication, err := lkRoom.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("publish agent track: %w", err)
	}
	transport.SetSampleWriter(track)

	log.Info("Connected as %s, publishing %s", c.config.Identity, publication.SID())
	return conn, nil
}
