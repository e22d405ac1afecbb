package vad

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

// VADInputProcessor accumulates audio and runs Voice Activity Detection.
// When the user starts speaking it emits UserStartedSpeakingFrame, and when
// they stop it emits UserStoppedSpeakingFrame. Caller audio is also fed to
// the pipeline's audio-based interruption strategies.
type VADInputProcessor struct {
	*processors.BaseProcessor
	analyzer VADAnalyzer

	// Audio accumulation buffer
	audioBuffer []byte
	bufferMu    sync.Mutex

	// VAD state tracking
	currentState VADState
	stateMu      sync.RWMutex
}

// NewVADInputProcessor creates a new VAD input processor
func NewVADInputProcessor(analyzer VADAnalyzer) *VADInputProcessor {
	p := &VADInputProcessor{
		analyzer:     analyzer,
		audioBuffer:  make([]byte, 0),
		currentState: VADStateQuiet,
	}
	p.BaseProcessor = processors.NewBaseProcessor("VADInput", p)
	return p
}

// HandleFrame processes frames from the transport input
func (p *VADInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		if direction == frames.Downstream {
			return p.handleAudioFrame(f, direction)
		}

	case *frames.StartFrame:
		p.HandleStartFrame(f)
		if f.AudioInSampleRate > 0 {
			if err := p.analyzer.SetSampleRate(f.AudioInSampleRate); err != nil {
				p.Logger().Error("Error configuring sample rate: %v", err)
			}
		}
		p.Logger().Debug("Configured (frames_required=%d)", p.analyzer.NumFramesRequired())

	case *frames.EndFrame, *frames.CancelFrame:
		p.analyzer.Restart()
		p.bufferMu.Lock()
		p.audioBuffer = p.audioBuffer[:0]
		p.bufferMu.Unlock()
	}

	return p.PushFrame(frame, direction)
}

// handleAudioFrame accumulates audio and runs VAD when enough samples are available
func (p *VADInputProcessor) handleAudioFrame(audioFrame *frames.AudioFrame, direction frames.FrameDirection) error {
	for _, strategy := range p.InterruptionStrategies() {
		if err := strategy.AppendAudio(audioFrame.Data, audioFrame.SampleRate); err != nil {
			p.Logger().Warn("Error appending audio to strategy: %v", err)
		}
	}

	p.bufferMu.Lock()
	p.audioBuffer = append(p.audioBuffer, audioFrame.Data...)

	requiredBytes := p.analyzer.NumFramesRequired() * 2 // int16 = 2 bytes per sample
	var transitions []frames.Frame

	for requiredBytes > 0 && len(p.audioBuffer) >= requiredBytes {
		chunk := p.audioBuffer[:requiredBytes]

		newState, err := p.analyzer.AnalyzeAudio(chunk)
		p.audioBuffer = p.audioBuffer[requiredBytes:]
		if err != nil {
			p.Logger().Error("VAD analysis error: %v", err)
			continue
		}

		if f := p.transition(newState); f != nil {
			transitions = append(transitions, f)
		}
	}

	// Keep the backing array from growing without bound
	if len(p.audioBuffer) == 0 {
		p.audioBuffer = p.audioBuffer[:0:0]
	}
	p.bufferMu.Unlock()

	for _, f := range transitions {
		if err := p.PushFrame(f, frames.Downstream); err != nil {
			return fmt.Errorf("failed to push %s: %w", f.Name(), err)
		}
	}

	// STT needs all audio, speech or not
	return p.PushFrame(audioFrame, direction)
}

// transition records the new state and returns the frame announcing a
// start or stop of speech, if any
func (p *VADInputProcessor) transition(newState VADState) frames.Frame {
	p.stateMu.Lock()
	prev := p.currentState
	p.currentState = newState
	p.stateMu.Unlock()

	if prev == newState {
		return nil
	}

	// QUIET/STARTING -> SPEAKING
	if (prev == VADStateQuiet || prev == VADStateStarting) && newState == VADStateSpeaking {
		p.Logger().Debug("User started speaking")
		return frames.NewUserStartedSpeakingFrame()
	}

	// SPEAKING/STOPPING -> QUIET
	if (prev == VADStateSpeaking || prev == VADStateStopping) && newState == VADStateQuiet {
		p.Logger().Debug("User stopped speaking")
		return frames.NewUserStoppedSpeakingFrame()
	}

	return nil
}

// GetCurrentState returns the current VAD state
func (p *VADInputProcessor) GetCurrentState() VADState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.currentState
}
