package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
	"github.com/square-key-labs/strawgo-callagent/src/services"
)

// ContentStreamer is the part of the genai client the service uses.
// *genai.Models satisfies it.
type ContentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// LLMConfig holds configuration for Gemini
type LLMConfig struct {
	APIKey      string
	Model       string // e.g., "gemini-2.5-flash"
	Temperature float64
	// Tools executes the functions the model calls
	Tools services.ToolInvoker
	// Streamer replaces the genai client, mainly for tests
	Streamer ContentStreamer
}

// LLMService provides streaming chat completions using Google Gemini.
//
// Each LLMContextFrame starts one generation. Text is streamed downstream as
// LLMTextFrames between LLMFullResponseStart/End frames. Function calls are
// executed through the configured ToolInvoker after the response ends, and
// the results are announced with function call frames so the assistant
// aggregator can record them and ask for a follow-up generation.
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	tools       services.ToolInvoker
	streamer    ContentStreamer

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	genCancel context.CancelFunc
}

// NewLLMService creates a new Gemini LLM service
func NewLLMService(config LLMConfig) *LLMService {
	model := config.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	s := &LLMService{
		apiKey:      config.APIKey,
		model:       model,
		temperature: config.Temperature,
		tools:       config.Tools,
		streamer:    config.Streamer,
	}
	s.BaseProcessor = processors.NewBaseProcessor("Gemini", s)
	return s
}

func (s *LLMService) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

func (s *LLMService) SetTemperature(temp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = temp
}

// Initialize creates the genai client. It is safe to call more than once.
func (s *LLMService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}

	if s.streamer == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  s.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}
		s.streamer = client.Models
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.Logger().Info("Initialized with model %s", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		if err := s.Initialize(ctx); err != nil {
			s.Logger().Error("Failed to initialize: %v", err)
			return s.PushFrame(frames.NewFatalErrorFrame(err), frames.Upstream)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		s.cancelGeneration()
		return s.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		s.cancelGeneration()
		_ = s.Cleanup()
		return s.PushFrame(frame, direction)

	case *frames.LLMContextFrame:
		llmContext, ok := f.Context.(*services.LLMContext)
		if !ok {
			s.Logger().Warn("LLMContextFrame without an LLMContext")
			return nil
		}
		if err := s.processContext(ctx, llmContext); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger().Error("Error generating response: %v", err)
			_ = s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		// Consumed here
		return nil
	}

	return s.PushFrame(frame, direction)
}

func (s *LLMService) cancelGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
}

func (s *LLMService) processContext(ctx context.Context, llmContext *services.LLMContext) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	genCtx, cancel := context.WithCancel(s.ctx)
	s.genCancel = cancel
	model := s.model
	temperature := float32(s.temperature)
	streamer := s.streamer
	s.mu.Unlock()
	defer cancel()

	snapshot := llmContext.Clone()
	contents := ContentsFromMessages(snapshot.Messages)
	if len(contents) == 0 {
		s.Logger().Debug("Empty context, nothing to generate")
		return nil
	}

	config := &genai.GenerateContentConfig{
		Temperature: &temperature,
		Tools:       ToolsFromServices(snapshot.Tools),
	}
	if snapshot.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: snapshot.SystemPrompt}}}
	}

	s.Logger().Debug("Generating with %d messages", len(snapshot.Messages))
	started := time.Now()

	if err := s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream); err != nil {
		return err
	}

	var calls []frames.FunctionCallFromLLM
	var streamErr error
	firstToken := true
	for resp, err := range streamer.GenerateContentStream(genCtx, model, contents, config) {
		if err != nil {
			streamErr = err
			break
		}
		for _, part := range responseParts(resp) {
			switch {
			case part.FunctionCall != nil:
				calls = append(calls, functionCallFromPart(part.FunctionCall))
			case part.Text != "" && !part.Thought:
				if firstToken {
					s.Logger().Debug("TTFT: %v", time.Since(started))
					firstToken = false
				}
				if err := s.PushFrame(frames.NewLLMTextFrame(part.Text), frames.Downstream); err != nil {
					return err
				}
			}
		}
	}

	if err := s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream); err != nil {
		return err
	}
	if streamErr != nil {
		if genCtx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("gemini stream: %w", streamErr)
	}

	if len(calls) > 0 {
		s.runFunctionCalls(calls)
	}
	return nil
}

// runFunctionCalls executes each call and announces it to the aggregators
func (s *LLMService) runFunctionCalls(calls []frames.FunctionCallFromLLM) {
	_ = s.PushFrame(frames.NewFunctionCallsStartedFrame(calls), frames.Downstream)

	s.mu.Lock()
	toolCtx := s.ctx
	s.mu.Unlock()

	for _, call := range calls {
		s.Logger().Info("Calling %s (id: %s)", call.FunctionName, call.ToolCallID)
		_ = s.PushFrame(frames.NewFunctionCallInProgressFrame(call, false), frames.Downstream)

		var result string
		if s.tools == nil {
			result = fmt.Sprintf("Unknown tool: %s", call.FunctionName)
		} else {
			result = s.tools.Invoke(toolCtx, call.FunctionName, call.Arguments)
		}

		_ = s.PushFrame(frames.NewFunctionCallResultFrame(call, result), frames.Downstream)
	}
}

func responseParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return nil
	}
	return c.Content.Parts
}

func functionCallFromPart(fc *genai.FunctionCall) frames.FunctionCallFromLLM {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return frames.FunctionCallFromLLM{
		ToolCallID:   id,
		FunctionName: fc.Name,
		Arguments:    args,
	}
}
