package frames

import "github.com/square-key-labs/strawgo-callagent/src/interruptions"

// SystemFrame is the base for all system-level frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}

// StartFrame signals the beginning of pipeline execution
type StartFrame struct {
	*SystemFrame
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy
	AudioInSampleRate      int
	AudioOutSampleRate     int
}

func NewStartFrame() *StartFrame {
	return NewStartFrameWithConfig(false, nil)
}

// NewStartFrameWithConfig creates a StartFrame with custom configuration
func NewStartFrameWithConfig(allowInterruptions bool, strategies []interruptions.InterruptionStrategy) *StartFrame {
	if strategies == nil {
		strategies = []interruptions.InterruptionStrategy{}
	}
	return &StartFrame{
		SystemFrame:            newSystemFrame("StartFrame"),
		AllowInterruptions:     allowInterruptions,
		InterruptionStrategies: strategies,
	}
}

// EndFrame signals graceful shutdown after flushing all frames
type EndFrame struct {
	*SystemFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{SystemFrame: newSystemFrame("EndFrame")}
}

// CancelFrame signals immediate shutdown without flushing
type CancelFrame struct {
	*SystemFrame
}

func NewCancelFrame() *CancelFrame {
	return &CancelFrame{SystemFrame: newSystemFrame("CancelFrame")}
}

// InterruptionFrame signals user interrupted bot (e.g., started speaking)
type InterruptionFrame struct {
	*SystemFrame
}

func NewInterruptionFrame() *InterruptionFrame {
	return &InterruptionFrame{SystemFrame: newSystemFrame("InterruptionFrame")}
}

// InterruptionTaskFrame travels upstream to the pipeline task, which answers
// by sending an InterruptionFrame downstream through every processor.
type InterruptionTaskFrame struct {
	*SystemFrame
}

func NewInterruptionTaskFrame() *InterruptionTaskFrame {
	return &InterruptionTaskFrame{SystemFrame: newSystemFrame("InterruptionTaskFrame")}
}

// ErrorFrame carries error information through the pipeline
type ErrorFrame struct {
	*SystemFrame
	Error error
	Fatal bool
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: newSystemFrame("ErrorFrame"),
		Error:       err,
	}
}

// NewFatalErrorFrame creates an ErrorFrame that ends the pipeline when it reaches the task
func NewFatalErrorFrame(err error) *ErrorFrame {
	f := NewErrorFrame(err)
	f.Fatal = true
	return f
}

// UserStartedSpeakingFrame signals VAD detected user speech
type UserStartedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{SystemFrame: newSystemFrame("UserStartedSpeakingFrame")}
}

// UserStoppedSpeakingFrame signals VAD detected end of user speech
type UserStoppedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStoppedSpeakingFrame() *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{SystemFrame: newSystemFrame("UserStoppedSpeakingFrame")}
}
