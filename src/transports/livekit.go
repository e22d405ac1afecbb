package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/square-key-labs/strawgo-callagent/src/audio"
	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

const (
	// opusSampleRate is the rate WebRTC opus runs at
	opusSampleRate = 48000
	// opusFrameSamples is 20ms of mono audio at 48kHz
	opusFrameSamples  = 960
	opusFrameDuration = 20 * time.Millisecond
	// maxOpusFrameSamples is 120ms at 48kHz, the longest opus frame
	maxOpusFrameSamples = 5760
	maxOpusPacketSize   = 4000
)

// Decoder turns one opus packet into 48kHz mono PCM
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// Encoder turns 20ms of 48kHz mono PCM into one opus packet
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// SampleWriter receives encoded opus samples; *lksdk.LocalTrack satisfies it
type SampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

// PayloadReader returns the next opus payload of a remote audio track
type PayloadReader func() ([]byte, error)

// TrackReader reads RTP payloads from a subscribed remote track
func TrackReader(track *webrtc.TrackRemote) PayloadReader {
	return func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	}
}

// RoomConfig holds configuration for the LiveKit room transport
type RoomConfig struct {
	// Identity of the agent participant; its own tracks are never consumed
	Identity string
	// InSampleRate is the rate of AudioFrames pushed into the pipeline
	InSampleRate int
	// BotStopDelay is how long the output waits without audio before it
	// reports that the bot stopped speaking
	BotStopDelay time.Duration
	// NewDecoder and NewEncoder replace the opus codec, mainly for tests
	NewDecoder func() (Decoder, error)
	NewEncoder func() (Encoder, error)
}

// RoomTransport moves audio between a LiveKit room and a pipeline.
//
// Caller audio arrives as opus on subscribed remote tracks and is pushed into
// the pipeline by the Input processor. Synthesized speech reaching the Output
// processor is encoded to opus and written to the agent's published track at
// real-time pace.
type RoomTransport struct {
	config  RoomConfig
	log     *logger.Logger
	input   *RoomInputProcessor
	output  *RoomOutputProcessor
	encoder Encoder

	mu     sync.Mutex
	writer SampleWriter
	closed bool
}

// NewRoomTransport creates a room transport. Audio is not written until a
// track is attached with SetSampleWriter.
func NewRoomTransport(config RoomConfig) (*RoomTransport, error) {
	if config.InSampleRate == 0 {
		config.InSampleRate = 16000
	}
	if config.BotStopDelay == 0 {
		config.BotStopDelay = 350 * time.Millisecond
	}
	if config.NewDecoder == nil {
		config.NewDecoder = func() (Decoder, error) { return opus.NewDecoder(opusSampleRate, 1) }
	}
	if config.NewEncoder == nil {
		config.NewEncoder = func() (Encoder, error) { return opus.NewEncoder(opusSampleRate, 1, opus.AppVoIP) }
	}

	encoder, err := config.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	t := &RoomTransport{
		config:  config,
		log:     logger.WithPrefix("RoomTransport"),
		encoder: encoder,
	}
	t.input = newRoomInputProcessor(t)
	t.output = newRoomOutputProcessor(t)
	return t, nil
}

// SetLogger replaces the transport loggers, e.g. with a job-scoped one
func (t *RoomTransport) SetLogger(l *logger.Logger) {
	if l == nil {
		return
	}
	t.log = l.WithPrefix("RoomTransport")
	t.input.SetLogger(l)
	t.output.SetLogger(l)
}

// Input returns the input processor
func (t *RoomTransport) Input() processors.FrameProcessor {
	return t.input
}

// Output returns the output processor
func (t *RoomTransport) Output() processors.FrameProcessor {
	return t.output
}

// SetSampleWriter attaches the published agent track
func (t *RoomTransport) SetSampleWriter(w SampleWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = w
}

func (t *RoomTransport) sampleWriter() SampleWriter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer
}

// ConsumeAudio decodes a participant's opus track into the pipeline until the
// reader fails. It returns immediately for the agent's own identity.
func (t *RoomTransport) ConsumeAudio(participant string, read PayloadReader) {
	if participant == t.config.Identity {
		t.log.Debug("Skipping own audio track")
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	decoder, err := t.config.NewDecoder()
	if err != nil {
		t.log.Error("Failed to create opus decoder for %s: %v", participant, err)
		return
	}

	t.log.Info("Consuming audio from %s", participant)
	pcm := make([]int16, maxOpusFrameSamples)
	for {
		payload, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Info("Audio track from %s ended", participant)
			} else {
				t.log.Warn("Audio track from %s failed: %v", participant, err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		n, err := decoder.Decode(payload, pcm)
		if err != nil {
			t.log.Debug("Dropping undecodable packet from %s: %v", participant, err)
			continue
		}
		if n == 0 {
			continue
		}

		resampled := audio.Resample(pcm[:n], opusSampleRate, t.config.InSampleRate)
		frame := frames.NewAudioFrame(audio.PCMToBytes(resampled), t.config.InSampleRate, 1)
		frame.SetMetadata("participant", participant)
		t.input.pushAudio(frame)
	}
}

// Close stops the output sender. Track readers end when the room closes
// their tracks.
func (t *RoomTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.output.Cleanup()
}

// RoomInputProcessor is the pipeline source for caller audio
type RoomInputProcessor struct {
	*processors.BaseProcessor
	transport *RoomTransport
	started   atomic.Bool
}

func newRoomInputProcessor(transport *RoomTransport) *RoomInputProcessor {
	p := &RoomInputProcessor{transport: transport}
	p.BaseProcessor = processors.NewBaseProcessor("RoomInput", p)
	return p
}

func (p *RoomInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		p.started.Store(true)
		p.Logger().Debug("Interruptions configured: allowed=%v, strategies=%d",
			p.InterruptionsAllowed(), len(p.InterruptionStrategies()))
	case *frames.EndFrame, *frames.CancelFrame:
		p.started.Store(false)
	}
	return p.PushFrame(frame, direction)
}

// pushAudio forwards caller audio once the pipeline has started
func (p *RoomInputProcessor) pushAudio(frame *frames.AudioFrame) {
	if !p.started.Load() {
		return
	}
	if err := p.PushFrame(frame, frames.Downstream); err != nil {
		p.Logger().Debug("Audio frame not pushed: %v", err)
	}
}

// RoomOutputProcessor plays synthesized speech into the room
type RoomOutputProcessor struct {
	*processors.BaseProcessor
	transport *RoomTransport

	mu      sync.Mutex
	pending []int16 // 48kHz samples waiting for a full opus frame

	queue        chan []byte
	senderCtx    context.Context
	senderCancel context.CancelFunc
	senderWg     sync.WaitGroup
	cleanupOnce  sync.Once

	interrupted   atomic.Bool
	responseEnded atomic.Bool
	speaking      atomic.Bool
}

func newRoomOutputProcessor(transport *RoomTransport) *RoomOutputProcessor {
	p := &RoomOutputProcessor{
		transport: transport,
		queue:     make(chan []byte, 3000), // one minute of 20ms packets
	}
	p.BaseProcessor = processors.NewBaseProcessor("RoomOutput", p)
	p.responseEnded.Store(true)

	p.senderCtx, p.senderCancel = context.WithCancel(context.Background())
	p.senderWg.Add(1)
	go p.sendLoop()
	return p
}

// Cleanup stops the sender goroutine. Safe to call more than once.
func (p *RoomOutputProcessor) Cleanup() {
	p.cleanupOnce.Do(func() {
		p.senderCancel()
		p.senderWg.Wait()
		p.Logger().Debug("Sender stopped")
	})
}

func (p *RoomOutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		return p.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		p.Cleanup()
		return p.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		p.responseEnded.Store(false)
		p.interrupted.Store(false)
		return p.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		p.responseEnded.Store(true)
		return p.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		if p.InterruptionsAllowed() {
			p.handleInterruption()
		}
		return p.PushFrame(frame, direction)

	case *frames.TTSAudioFrame:
		if direction == frames.Downstream {
			return p.handleAudio(f)
		}

	case *frames.AudioFrame:
		// Caller audio is never echoed back
		return nil
	}

	return p.PushFrame(frame, direction)
}

func (p *RoomOutputProcessor) handleInterruption() {
	p.interrupted.Store(true)

	p.mu.Lock()
	p.pending = p.pending[:0]
	p.mu.Unlock()

	drained := 0
drain:
	for {
		select {
		case <-p.queue:
			drained++
		default:
			break drain
		}
	}
	p.Logger().Debug("Interrupted, drained %d queued packets", drained)

	if p.speaking.Swap(false) {
		_ = p.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
	}
}

func (p *RoomOutputProcessor) handleAudio(frame *frames.TTSAudioFrame) error {
	if p.interrupted.Load() {
		return nil
	}

	pcm, err := audio.BytesToPCM(frame.Data)
	if err != nil {
		p.Logger().Warn("Dropping malformed TTS audio: %v", err)
		return nil
	}
	if frame.SampleRate != opusSampleRate {
		pcm = audio.Resample(pcm, frame.SampleRate, opusSampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pcm...)

	packet := make([]byte, maxOpusPacketSize)
	for len(p.pending) >= opusFrameSamples {
		n, err := p.transport.encoder.Encode(p.pending[:opusFrameSamples], packet)
		p.pending = p.pending[opusFrameSamples:]
		if err != nil {
			p.Logger().Warn("Opus encode failed: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, packet[:n])

		select {
		case p.queue <- data:
		default:
			p.Logger().Warn("Playback queue full, dropping packet")
		}
	}
	return nil
}

// sendLoop writes queued packets at real-time pace and reports when the bot
// stops speaking
func (p *RoomOutputProcessor) sendLoop() {
	defer p.senderWg.Done()

	stopDelay := p.transport.config.BotStopDelay
	idle := time.NewTimer(stopDelay)
	idle.Stop()
	defer idle.Stop()

	var nextSend time.Time
	for {
		select {
		case <-p.senderCtx.Done():
			return

		case packet := <-p.queue:
			now := time.Now()
			if nextSend.Before(now) {
				nextSend = now
			}
			if wait := nextSend.Sub(now); wait > 0 {
				time.Sleep(wait)
			}
			if w := p.transport.sampleWriter(); w != nil {
				if err := w.WriteSample(media.Sample{Data: packet, Duration: opusFrameDuration}, nil); err != nil {
					p.Logger().Debug("Sample write failed: %v", err)
				}
			}
			nextSend = nextSend.Add(opusFrameDuration)

			p.speaking.Store(true)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(stopDelay)

		case <-idle.C:
			if !p.speaking.Load() {
				continue
			}
			if p.responseEnded.Load() {
				p.speaking.Store(false)
				p.Logger().Debug("Playback finished")
				_ = p.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
			} else {
				idle.Reset(stopDelay)
			}
		}
	}
}
