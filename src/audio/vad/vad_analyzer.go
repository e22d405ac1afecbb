package vad

import (
	"math"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// Confidence threshold for voice detection (0.0 to 1.0)
	// Higher values are more strict (default: 0.7)
	Confidence float32

	// StartSecs: Duration in seconds that voice must be detected before
	// transitioning from QUIET to SPEAKING (default: 0.2)
	StartSecs float32

	// StopSecs: Duration in seconds that silence must be detected before
	// transitioning from SPEAKING to QUIET (default: 0.8)
	StopSecs float32

	// MinVolume: Minimum smoothed RMS volume (0.0 to 1.0)
	// Audio below this volume is never speech (default: 0.01)
	MinVolume float32
}

// DefaultVADParams returns the default VAD parameters
func DefaultVADParams() VADParams {
	return VADParams{
		Confidence: 0.7,
		StartSecs:  0.2,
		StopSecs:   0.8,
		MinVolume:  0.01,
	}
}

// VADAnalyzer is the interface for voice activity detection implementations
type VADAnalyzer interface {
	// SetSampleRate configures the sample rate for audio processing
	SetSampleRate(sampleRate int) error

	// NumFramesRequired returns the number of audio frames required for analysis
	NumFramesRequired() int

	// VoiceConfidence calculates voice activity confidence for the given audio buffer
	// Returns a value between 0.0 (no voice) and 1.0 (definitely voice)
	VoiceConfidence(buffer []byte) float32

	// AnalyzeAudio processes audio and returns the current VAD state
	AnalyzeAudio(buffer []byte) (VADState, error)

	// Restart resets the VAD analyzer state
	Restart()

	// Cleanup releases the analyzer's model
	Cleanup() error
}

// BaseVADAnalyzer provides common functionality for VAD implementations
type BaseVADAnalyzer struct {
	params     VADParams
	sampleRate int

	// State machine
	state           VADState
	startFrames     int
	stopFrames      int
	startThreshold  int
	stopThreshold   int
	prevSampleCount int

	// Volume tracking
	smoothedVolume float32

	log *logger.Logger

	// Thread safety
	mu sync.RWMutex
}

// NewBaseVADAnalyzer creates a new base VAD analyzer
func NewBaseVADAnalyzer(sampleRate int, params VADParams) *BaseVADAnalyzer {
	return &BaseVADAnalyzer{
		params:         params,
		sampleRate:     sampleRate,
		state:          VADStateQuiet,
		smoothedVolume: 0.0,
		log:            logger.WithPrefix("VADAnalyzer"),
	}
}

// SetSampleRate configures the sample rate and recalculates frame thresholds
func (v *BaseVADAnalyzer) SetSampleRate(sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sampleRate = sampleRate
	// Forces the frame thresholds to be recomputed
	v.prevSampleCount = 0
	return nil
}

// GetSampleRate returns the current sample rate
func (v *BaseVADAnalyzer) GetSampleRate() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sampleRate
}

// GetParams returns the current VAD parameters
func (v *BaseVADAnalyzer) GetParams() VADParams {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.params
}

// GetState returns the current VAD state
func (v *BaseVADAnalyzer) GetState() VADState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Restart resets the VAD analyzer state
func (v *BaseVADAnalyzer) Restart() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = VADStateQuiet
	v.startFrames = 0
	v.stopFrames = 0
	v.smoothedVolume = 0.0
}

// ProcessAudio implements the VAD state machine logic
// This should be called by subclasses after computing voice confidence
func (v *BaseVADAnalyzer) ProcessAudio(buffer []byte, voiceConfidence float32, numFramesRequired int) (VADState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Calculate volume from audio buffer (int16 samples)
	volume := v.calculateVolume(buffer)

	// Smooth volume with exponential averaging (factor: 0.2)
	const smoothingFactor = 0.2
	v.smoothedVolume = smoothingFactor*volume + (1.0-smoothingFactor)*v.smoothedVolume

	// Recalculate thresholds if sample rate changed
	sampleCount := len(buffer) / 2 // int16 = 2 bytes per sample
	if sampleCount != v.prevSampleCount {
		v.prevSampleCount = sampleCount
		frameTime := float32(numFramesRequired) / float32(v.sampleRate)
		v.startThreshold = int(v.params.StartSecs / frameTime)
		v.stopThreshold = int(v.params.StopSecs / frameTime)
		v.log.Debug("Thresholds updated: start=%d frames (%.2fs), stop=%d frames (%.2fs)",
			v.startThreshold, v.params.StartSecs, v.stopThreshold, v.params.StopSecs)
	}

	// Check if audio meets minimum volume threshold
	if v.smoothedVolume < v.params.MinVolume {
		voiceConfidence = 0.0
	}

	// State machine logic
	oldState := v.state

	switch v.state {
	case VADStateQuiet:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
				v.log.Debug("QUIET -> SPEAKING (confidence=%.3f, volume=%.3f)",
					voiceConfidence, v.smoothedVolume)
			} else {
				v.state = VADStateStarting
			}
		}

	case VADStateStarting:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
				v.log.Debug("STARTING -> SPEAKING (confidence=%.3f, volume=%.3f)",
					voiceConfidence, v.smoothedVolume)
			}
		} else {
			v.state = VADStateQuiet
			v.startFrames = 0
		}

	case VADStateSpeaking:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
				v.log.Debug("SPEAKING -> QUIET (confidence=%.3f, volume=%.3f)",
					voiceConfidence, v.smoothedVolume)
			} else {
				v.state = VADStateStopping
			}
		} else {
			v.stopFrames = 0
		}

	case VADStateStopping:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
				v.log.Debug("STOPPING -> QUIET (confidence=%.3f, volume=%.3f)",
					voiceConfidence, v.smoothedVolume)
			}
		} else {
			v.state = VADStateSpeaking
			v.stopFrames = 0
			v.log.Debug("STOPPING -> SPEAKING (confidence=%.3f, volume=%.3f)",
				voiceConfidence, v.smoothedVolume)
		}
	}

	if oldState != v.state {
		v.log.Debug("State transition: %s -> %s", oldState, v.state)
	}

	return v.state, nil
}

// calculateVolume computes RMS volume from int16 audio buffer
func (v *BaseVADAnalyzer) calculateVolume(buffer []byte) float32 {
	if len(buffer) < 2 {
		return 0.0
	}

	// Convert bytes to int16 samples
	numSamples := len(buffer) / 2
	var sumSquares float64

	for i := 0; i < numSamples; i++ {
		// Read little-endian int16
		sample := int16(buffer[i*2]) | int16(buffer[i*2+1])<<8
		// Normalize to [-1.0, 1.0]
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	// RMS (Root Mean Square)
	rms := math.Sqrt(sumSquares / float64(numSamples))
	return float32(rms)
}
