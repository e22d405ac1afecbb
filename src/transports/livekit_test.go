package transports

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	for i := 0; i < opusFrameSamples; i++ {
		pcm[i] = 1000
	}
	return opusFrameSamples, nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	copy(data, []byte{0xf8, 0xff, 0xfe})
	return 3, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (w *fakeWriter) WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

type collector struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	frames []frames.Frame
}

func newCollector() *collector {
	c := &collector{}
	c.BaseProcessor = processors.NewBaseProcessor("Collector", c)
	return c
}

func (c *collector) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *collector) count(match func(frames.Frame) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if match(f) {
			n++
		}
	}
	return n
}

func newTestTransport(t *testing.T) *RoomTransport {
	t.Helper()
	transport, err := NewRoomTransport(RoomConfig{
		Identity:     "agent",
		BotStopDelay: 50 * time.Millisecond,
		NewDecoder:   func() (Decoder, error) { return fakeDecoder{}, nil },
		NewEncoder:   func() (Encoder, error) { return fakeEncoder{}, nil },
	})
	require.NoError(t, err)
	t.Cleanup(transport.Close)
	return transport
}

func startChain(t *testing.T, procs ...processors.FrameProcessor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i+1 < len(procs); i++ {
		procs[i].Link(procs[i+1])
	}
	for _, p := range procs {
		require.NoError(t, p.Start(ctx))
	}
	t.Cleanup(func() {
		for _, p := range procs {
			_ = p.Stop()
		}
	})
}

func packets(n int) PayloadReader {
	sent := 0
	return func() ([]byte, error) {
		if sent == n {
			return nil, io.EOF
		}
		sent++
		return []byte{0x01}, nil
	}
}

func isAudio(f frames.Frame) bool {
	_, ok := f.(*frames.AudioFrame)
	return ok
}

func TestInputDecodesAndResamplesCallerAudio(t *testing.T) {
	transport := newTestTransport(t)
	down := newCollector()
	startChain(t, transport.Input(), down)

	require.NoError(t, transport.Input().QueueFrame(frames.NewStartFrame(), frames.Downstream))
	require.Eventually(t, transport.input.started.Load, time.Second, 5*time.Millisecond)

	transport.ConsumeAudio("caller", packets(3))

	require.Eventually(t, func() bool { return down.count(isAudio) == 3 }, time.Second, 5*time.Millisecond)

	down.mu.Lock()
	defer down.mu.Unlock()
	for _, f := range down.frames {
		if af, ok := f.(*frames.AudioFrame); ok {
			assert.Equal(t, 16000, af.SampleRate)
			assert.Len(t, af.Data, 640, "20ms at 16kHz")
			assert.Equal(t, "caller", af.Metadata()["participant"])
		}
	}
}

func TestInputIgnoresOwnTrackAndAudioBeforeStart(t *testing.T) {
	transport := newTestTransport(t)
	down := newCollector()
	startChain(t, transport.Input(), down)

	transport.ConsumeAudio("caller", packets(2))
	require.NoError(t, transport.Input().QueueFrame(frames.NewStartFrame(), frames.Downstream))
	require.Eventually(t, transport.input.started.Load, time.Second, 5*time.Millisecond)
	transport.ConsumeAudio("agent", packets(2))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, down.count(isAudio))
}

func TestOutputEncodesAndReportsPlaybackEnd(t *testing.T) {
	transport := newTestTransport(t)
	writer := &fakeWriter{}
	transport.SetSampleWriter(writer)

	up := newCollector()
	down := newCollector()
	startChain(t, up, transport.Output(), down)

	out := transport.Output()
	require.NoError(t, out.QueueFrame(frames.NewTTSStartedFrame(), frames.Downstream))
	// 40ms at 24kHz becomes two 20ms opus packets at 48kHz
	require.NoError(t, out.QueueFrame(frames.NewTTSAudioFrame(make([]byte, 1920), 24000, 1), frames.Downstream))
	require.NoError(t, out.QueueFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream))

	require.Eventually(t, func() bool { return writer.count() == 2 }, time.Second, 5*time.Millisecond)

	writer.mu.Lock()
	assert.Equal(t, opusFrameDuration, writer.samples[0].Duration)
	assert.Equal(t, []byte{0xf8, 0xff, 0xfe}, writer.samples[0].Data)
	writer.mu.Unlock()

	require.Eventually(t, func() bool {
		return up.count(func(f frames.Frame) bool { _, ok := f.(*frames.TTSStoppedFrame); return ok }) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, down.count(func(f frames.Frame) bool { _, ok := f.(*frames.TTSAudioFrame); return ok }))
}

func TestOutputDropsAudioAfterInterruption(t *testing.T) {
	transport := newTestTransport(t)
	writer := &fakeWriter{}
	transport.SetSampleWriter(writer)

	down := newCollector()
	startChain(t, transport.Output(), down)
	out := transport.Output()

	require.NoError(t, out.QueueFrame(frames.NewStartFrameWithConfig(true, nil), frames.Downstream))
	require.Eventually(t, transport.output.InterruptionsAllowed, time.Second, 5*time.Millisecond)

	require.NoError(t, out.QueueFrame(frames.NewInterruptionFrame(), frames.Downstream))
	require.Eventually(t, transport.output.interrupted.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, out.QueueFrame(frames.NewTTSAudioFrame(make([]byte, 1920), 48000, 1), frames.Downstream))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, writer.count())

	require.NoError(t, out.QueueFrame(frames.NewTTSStartedFrame(), frames.Downstream))
	require.NoError(t, out.QueueFrame(frames.NewTTSAudioFrame(make([]byte, 1920), 48000, 1), frames.Downstream))
	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
}
