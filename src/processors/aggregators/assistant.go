package aggregators

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/services"
)

// AssistantAggregatorParams holds configuration for the assistant aggregator
type AssistantAggregatorParams struct {
	// InProgressPlaceholder is stored as the tool result until the call completes
	InProgressPlaceholder string
}

// DefaultAssistantAggregatorParams returns default parameters
func DefaultAssistantAggregatorParams() *AssistantAggregatorParams {
	return &AssistantAggregatorParams{InProgressPlaceholder: "IN_PROGRESS"}
}

// LLMAssistantAggregator accumulates assistant responses and tracks function calls
type LLMAssistantAggregator struct {
	*LLMContextAggregator

	mu      sync.Mutex
	started int // Nesting counter for LLM responses

	// Function call tracking
	functionCallsInProgress map[string]*frames.FunctionCallInProgressFrame

	params *AssistantAggregatorParams
}

// NewLLMAssistantAggregator creates a new assistant aggregator
func NewLLMAssistantAggregator(context *services.LLMContext, params *AssistantAggregatorParams) *LLMAssistantAggregator {
	if params == nil {
		params = DefaultAssistantAggregatorParams()
	}
	if params.InProgressPlaceholder == "" {
		params.InProgressPlaceholder = "IN_PROGRESS"
	}

	a := &LLMAssistantAggregator{
		functionCallsInProgress: make(map[string]*frames.FunctionCallInProgressFrame),
		params:                  params,
	}

	a.LLMContextAggregator = NewLLMContextAggregator("LLMAssistantAggregator", context, "assistant", a)
	return a
}

// HandleFrame processes frames for assistant aggregation
func (a *LLMAssistantAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.InterruptionFrame:
		a.Logger().Info("Interruption received, committing partial response")

		// Keep what was already spoken in the history
		if a.HasAggregation() {
			if err := a.pushAggregation(); err != nil {
				a.Logger().Error("Error pushing aggregation on interruption: %v", err)
			}
		}
		a.cancelInterruptibleCalls()

		if err := a.Reset(); err != nil {
			a.Logger().Error("Error resetting on interruption: %v", err)
		}

		// Drains the data queue
		a.HandleInterruptionFrame()
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseStartFrame:
		a.mu.Lock()
		a.started++
		level := a.started
		a.mu.Unlock()
		a.Logger().Debug("LLM response started (nesting level: %d)", level)
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		a.mu.Lock()
		a.started--
		level := a.started
		a.mu.Unlock()
		a.Logger().Debug("LLM response ended (nesting level: %d)", level)

		if level <= 0 {
			if err := a.pushAggregation(); err != nil {
				a.Logger().Error("Error pushing aggregation: %v", err)
			}
		}
		return a.PushFrame(frame, direction)

	case *frames.TextFrame:
		if a.responseActive() {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if a.responseActive() {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)

	case *frames.FunctionCallsStartedFrame:
		a.Logger().Debug("Function calls started: %d calls", len(f.FunctionCalls))
		a.mu.Lock()
		for _, call := range f.FunctionCalls {
			a.functionCallsInProgress[call.ToolCallID] = nil
		}
		a.mu.Unlock()
		return a.PushFrame(frame, direction)

	case *frames.FunctionCallInProgressFrame:
		a.Logger().Info("Function call in progress: %s (id: %s)", f.FunctionName, f.ToolCallID)

		argsJSON, err := json.Marshal(f.Arguments)
		if err != nil {
			a.Logger().Error("Error marshaling function arguments: %v", err)
			return a.PushFrame(frame, direction)
		}

		a.context.AddMessageWithToolCalls([]services.ToolCall{
			{
				ID:   f.ToolCallID,
				Type: "function",
				Function: services.FunctionCall{
					Name:      f.FunctionName,
					Arguments: string(argsJSON),
				},
			},
		})
		// Placeholder, replaced by the result
		a.context.AddToolMessage(f.ToolCallID, a.params.InProgressPlaceholder)

		a.mu.Lock()
		a.functionCallsInProgress[f.ToolCallID] = f
		a.mu.Unlock()
		return a.PushFrame(frame, direction)

	case *frames.FunctionCallResultFrame:
		a.Logger().Info("Function call result: %s (id: %s)", f.FunctionName, f.ToolCallID)

		a.mu.Lock()
		delete(a.functionCallsInProgress, f.ToolCallID)
		remaining := len(a.functionCallsInProgress)
		a.mu.Unlock()

		a.updateFunctionCallResult(f.FunctionName, f.ToolCallID, resultString(f.Result))

		runLLM := false
		if f.Result != nil {
			if f.RunLLM != nil {
				runLLM = *f.RunLLM
			} else {
				// Run once every pending call has reported
				runLLM = remaining == 0
			}
		}

		if runLLM {
			a.Logger().Debug("Triggering LLM execution after function result")
			return a.PushContextFrame(frames.Upstream)
		}
		return a.PushFrame(frame, direction)

	case *frames.FunctionCallCancelFrame:
		a.Logger().Info("Function call cancelled: %s (id: %s)", f.FunctionName, f.ToolCallID)

		a.mu.Lock()
		inProgress, exists := a.functionCallsInProgress[f.ToolCallID]
		if exists && inProgress != nil && inProgress.CancelOnInterruption {
			delete(a.functionCallsInProgress, f.ToolCallID)
		} else {
			exists = false
		}
		a.mu.Unlock()

		if exists {
			a.updateFunctionCallResult(f.FunctionName, f.ToolCallID, "CANCELLED")
		}
		return a.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return a.PushFrame(frame, direction)
}

func (a *LLMAssistantAggregator) responseActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started > 0
}

// cancelInterruptibleCalls marks interruptible calls still in flight as cancelled
func (a *LLMAssistantAggregator) cancelInterruptibleCalls() {
	a.mu.Lock()
	var cancelled []*frames.FunctionCallInProgressFrame
	for id, call := range a.functionCallsInProgress {
		if call != nil && call.CancelOnInterruption {
			cancelled = append(cancelled, call)
			delete(a.functionCallsInProgress, id)
		}
	}
	a.mu.Unlock()

	for _, call := range cancelled {
		a.updateFunctionCallResult(call.FunctionName, call.ToolCallID, "CANCELLED")
	}
}

// pushAggregation pushes the accumulated assistant response to context
func (a *LLMAssistantAggregator) pushAggregation() error {
	text := a.takeAggregation()
	if text == "" {
		return nil
	}

	a.Logger().Info("Assistant turn: '%s'", text)
	a.context.AddAssistantMessage(text)

	return a.PushContextFrame(frames.Downstream)
}

// updateFunctionCallResult replaces the placeholder tool message in the context
func (a *LLMAssistantAggregator) updateFunctionCallResult(functionName, toolCallID, result string) {
	if a.context.SetToolResult(toolCallID, result) {
		a.Logger().Debug("Updated function result for %s: %s", functionName, result)
		return
	}
	a.Logger().Warn("No tool message for %s (id: %s)", functionName, toolCallID)
}

// Reset overrides base Reset to also clear assistant aggregator state
func (a *LLMAssistantAggregator) Reset() error {
	a.mu.Lock()
	a.started = 0
	a.mu.Unlock()
	return a.LLMContextAggregator.Reset()
}

// resultString renders a tool result for the context. Strings are kept
// verbatim so they read naturally in the history.
func resultString(result interface{}) string {
	switch r := result.(type) {
	case nil:
		return "COMPLETED"
	case string:
		return r
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "COMPLETED"
	}
	return string(b)
}
