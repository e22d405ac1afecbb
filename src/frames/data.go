package frames

import "fmt"

// DataFrame is the base for frames that carry media or text payloads
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

func newDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}

// AudioFrame carries 16-bit little-endian PCM audio
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame:  newDataFrame("AudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("%s[id=%d, bytes=%d, rate=%d]", f.Name(), f.ID(), len(f.Data), f.SampleRate)
}

// TTSAudioFrame is synthesized speech heading to the output transport
type TTSAudioFrame struct {
	*AudioFrame
}

func NewTTSAudioFrame(data []byte, sampleRate, channels int) *TTSAudioFrame {
	f := &TTSAudioFrame{AudioFrame: NewAudioFrame(data, sampleRate, channels)}
	f.name = "TTSAudioFrame"
	return f
}

// TextFrame carries plain text
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{DataFrame: newDataFrame("TextFrame"), Text: text}
}

// LLMTextFrame is a streamed token (or token group) from the language model
type LLMTextFrame struct {
	*DataFrame
	Text string
}

func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{DataFrame: newDataFrame("LLMTextFrame"), Text: text}
}

// TranscriptionFrame carries recognized user speech
type TranscriptionFrame struct {
	*DataFrame
	Text     string
	UserID   string
	Language string
	IsFinal  bool
}

func NewTranscriptionFrame(text, userID string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: newDataFrame("TranscriptionFrame"),
		Text:      text,
		UserID:    userID,
		IsFinal:   isFinal,
	}
}

// LLMContextFrame asks the language model to run on the given context.
// Context holds a *services.LLMContext; frames cannot import services.
type LLMContextFrame struct {
	*DataFrame
	Context interface{}
}

func NewLLMContextFrame(context interface{}) *LLMContextFrame {
	return &LLMContextFrame{DataFrame: newDataFrame("LLMContextFrame"), Context: context}
}

// LLMMessagesAppendFrame appends messages to the conversation context
type LLMMessagesAppendFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesAppendFrame(messages interface{}, runLLM bool) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{
		DataFrame: newDataFrame("LLMMessagesAppendFrame"),
		Messages:  messages,
		RunLLM:    runLLM,
	}
}

// LLMMessagesUpdateFrame replaces the conversation context messages
type LLMMessagesUpdateFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesUpdateFrame(messages interface{}, runLLM bool) *LLMMessagesUpdateFrame {
	return &LLMMessagesUpdateFrame{
		DataFrame: newDataFrame("LLMMessagesUpdateFrame"),
		Messages:  messages,
		RunLLM:    runLLM,
	}
}
