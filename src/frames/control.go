package frames

// ControlFrame is the base for control/configuration frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}

// LLMFullResponseStartFrame marks the beginning of an LLM response
type LLMFullResponseStartFrame struct {
	*ControlFrame
}

func NewLLMFullResponseStartFrame() *LLMFullResponseStartFrame {
	return &LLMFullResponseStartFrame{ControlFrame: newControlFrame("LLMFullResponseStartFrame")}
}

// LLMFullResponseEndFrame marks the end of an LLM response
type LLMFullResponseEndFrame struct {
	*ControlFrame
}

func NewLLMFullResponseEndFrame() *LLMFullResponseEndFrame {
	return &LLMFullResponseEndFrame{ControlFrame: newControlFrame("LLMFullResponseEndFrame")}
}

// TTSStartedFrame marks the beginning of TTS synthesis
type TTSStartedFrame struct {
	*ControlFrame
}

func NewTTSStartedFrame() *TTSStartedFrame {
	return &TTSStartedFrame{ControlFrame: newControlFrame("TTSStartedFrame")}
}

// TTSStoppedFrame marks the end of bot speech (playback finished or interrupted)
type TTSStoppedFrame struct {
	*ControlFrame
}

func NewTTSStoppedFrame() *TTSStoppedFrame {
	return &TTSStoppedFrame{ControlFrame: newControlFrame("TTSStoppedFrame")}
}

// HeartbeatFrame is used for pipeline health monitoring
type HeartbeatFrame struct {
	*ControlFrame
}

func NewHeartbeatFrame() *HeartbeatFrame {
	return &HeartbeatFrame{ControlFrame: newControlFrame("HeartbeatFrame")}
}
