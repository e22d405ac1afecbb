package services

import (
	"context"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

// AIService is the base interface for all AI services (STT, TTS, LLM)
type AIService interface {
	processors.FrameProcessor

	// Service lifecycle
	Initialize(ctx context.Context) error
	Cleanup() error
}

// STTService converts speech to text
type STTService interface {
	AIService

	// Configuration
	SetLanguage(lang string)
	SetModel(model string)
}

// TTSService converts text to speech
type TTSService interface {
	AIService

	// Configuration
	SetVoice(voiceID string)
	SetModel(model string)
}

// LLMService provides language model capabilities
type LLMService interface {
	AIService

	// Configuration
	SetModel(model string)
	SetTemperature(temp float64)
}

// ToolInvoker executes a named tool on behalf of the language model.
// It always returns a result the model can read aloud.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) string
}

// LLMMessage represents a message in the conversation
type LLMMessage struct {
	Role       string     // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // For assistant messages with function calls
	ToolCallID string     // For tool response messages
}

// ToolCall represents a function call made by the LLM
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function and its arguments
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Tool represents an available tool/function
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function available to the LLM
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the object schema of a tool's arguments
type ToolParameters struct {
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// ToolProperty describes a single argument
type ToolProperty struct {
	Type        string `json:"type"` // "string", "number", "integer", "boolean"
	Description string `json:"description,omitempty"`
}

// LLMContext holds the conversation context.
// It is shared by the aggregators and the LLM service, so all access goes
// through its methods.
type LLMContext struct {
	mu sync.RWMutex

	Messages     []LLMMessage
	SystemPrompt string
	Tools        []Tool // Available tools/functions
}

// NewLLMContext creates a new LLM context
func NewLLMContext(systemPrompt string) *LLMContext {
	return &LLMContext{
		Messages:     make([]LLMMessage, 0),
		SystemPrompt: systemPrompt,
	}
}

func (c *LLMContext) add(msg LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, msg)
}

func (c *LLMContext) AddUserMessage(content string) {
	c.add(LLMMessage{Role: "user", Content: content})
}

func (c *LLMContext) AddAssistantMessage(content string) {
	c.add(LLMMessage{Role: "assistant", Content: content})
}

func (c *LLMContext) AddSystemMessage(content string) {
	c.add(LLMMessage{Role: "system", Content: content})
}

// AddMessages appends messages in order
func (c *LLMContext) AddMessages(msgs []LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, msgs...)
}

// SetMessages replaces the conversation history
func (c *LLMContext) SetMessages(msgs []LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append([]LLMMessage(nil), msgs...)
}

func (c *LLMContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = make([]LLMMessage, 0)
}

// AddMessageWithToolCalls adds an assistant message with function calls
func (c *LLMContext) AddMessageWithToolCalls(toolCalls []ToolCall) {
	c.add(LLMMessage{Role: "assistant", ToolCalls: toolCalls})
}

// AddToolMessage adds a tool/function response message
func (c *LLMContext) AddToolMessage(toolCallID, content string) {
	c.add(LLMMessage{Role: "tool", Content: content, ToolCallID: toolCallID})
}

// SetToolResult replaces the content of the tool message for toolCallID.
// It reports whether such a message exists.
func (c *LLMContext) SetToolResult(toolCallID, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Messages {
		if c.Messages[i].Role == "tool" && c.Messages[i].ToolCallID == toolCallID {
			c.Messages[i].Content = content
			return true
		}
	}
	return false
}

// SetTools sets the available tools/functions
func (c *LLMContext) SetTools(tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tools = tools
}

// Len returns the number of messages
func (c *LLMContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Messages)
}

// Clone creates a deep copy of the context
func (c *LLMContext) Clone() *LLMContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &LLMContext{
		SystemPrompt: c.SystemPrompt,
		Messages:     make([]LLMMessage, len(c.Messages)),
		Tools:        make([]Tool, len(c.Tools)),
	}
	copy(clone.Messages, c.Messages)
	copy(clone.Tools, c.Tools)
	return clone
}
