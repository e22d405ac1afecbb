package audio

import (
	"context"
	"math"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

// NoiseFilterParams configures the telephony noise filter
type NoiseFilterParams struct {
	// CutoffHz is the high-pass corner that removes line hum and rumble
	CutoffHz float64
	// GateThreshold is the normalized RMS below which a frame is treated as noise
	GateThreshold float64
	// GateAttenuation scales gated frames (0 mutes them)
	GateAttenuation float64
	// HoldFrames keeps the gate open this many frames after speech
	HoldFrames int
}

// DefaultNoiseFilterParams is tuned for narrowband phone audio
func DefaultNoiseFilterParams() NoiseFilterParams {
	return NoiseFilterParams{
		CutoffHz:        100,
		GateThreshold:   0.004,
		GateAttenuation: 0.1,
		HoldFrames:      10,
	}
}

// NoiseFilter cleans caller audio before VAD and STT. It applies a
// second-order high-pass filter followed by a noise gate.
type NoiseFilter struct {
	*processors.BaseProcessor
	params NoiseFilterParams

	// Biquad state, reset when the sample rate changes
	sampleRate int
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64

	hold int
}

// NewNoiseFilter creates a noise filter processor
func NewNoiseFilter(params NoiseFilterParams) *NoiseFilter {
	def := DefaultNoiseFilterParams()
	if params.CutoffHz <= 0 {
		params.CutoffHz = def.CutoffHz
	}
	if params.GateAttenuation < 0 || params.GateAttenuation > 1 {
		params.GateAttenuation = def.GateAttenuation
	}
	if params.HoldFrames < 0 {
		params.HoldFrames = 0
	}
	nf := &NoiseFilter{params: params}
	nf.BaseProcessor = processors.NewBaseProcessor("NoiseFilter", nf)
	return nf
}

func (n *NoiseFilter) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if f, ok := frame.(*frames.AudioFrame); ok && direction == frames.Downstream {
		pcm, err := BytesToPCM(f.Data)
		if err != nil {
			n.Logger().Warn("Dropping malformed audio: %v", err)
			return nil
		}
		out := frames.NewAudioFrame(PCMToBytes(n.Process(pcm, f.SampleRate)), f.SampleRate, f.Channels)
		for k, v := range f.Metadata() {
			out.SetMetadata(k, v)
		}
		return n.PushFrame(out, direction)
	}
	return n.PushFrame(frame, direction)
}

// Process filters one frame of mono samples. It is not safe for concurrent use.
func (n *NoiseFilter) Process(pcm []int16, sampleRate int) []int16 {
	if sampleRate != n.sampleRate {
		n.design(sampleRate)
	}

	out := make([]int16, len(pcm))
	filtered := make([]float64, len(pcm))
	var sum float64
	for i, s := range pcm {
		x := float64(s)
		y := n.b0*x + n.b1*n.x1 + n.b2*n.x2 - n.a1*n.y1 - n.a2*n.y2
		n.x2, n.x1 = n.x1, x
		n.y2, n.y1 = n.y1, y
		filtered[i] = y
		v := y / 32768.0
		sum += v * v
	}

	gain := 1.0
	if len(pcm) > 0 && n.params.GateThreshold > 0 {
		rms := math.Sqrt(sum / float64(len(pcm)))
		if rms >= n.params.GateThreshold {
			n.hold = n.params.HoldFrames
		} else if n.hold > 0 {
			n.hold--
		} else {
			gain = n.params.GateAttenuation
		}
	}

	for i, y := range filtered {
		out[i] = clamp16(y * gain)
	}
	return out
}

// design computes RBJ high-pass biquad coefficients (Q = 1/sqrt(2))
func (n *NoiseFilter) design(sampleRate int) {
	n.sampleRate = sampleRate
	n.x1, n.x2, n.y1, n.y2 = 0, 0, 0, 0
	if sampleRate <= 0 {
		n.b0, n.b1, n.b2, n.a1, n.a2 = 1, 0, 0, 0, 0
		return
	}

	w0 := 2 * math.Pi * n.params.CutoffHz / float64(sampleRate)
	alpha := math.Sin(w0) / math.Sqrt2
	cosw := math.Cos(w0)
	a0 := 1 + alpha

	n.b0 = (1 + cosw) / 2 / a0
	n.b1 = -(1 + cosw) / a0
	n.b2 = (1 + cosw) / 2 / a0
	n.a1 = -2 * cosw / a0
	n.a2 = (1 - alpha) / a0
}
