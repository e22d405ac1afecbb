package aggregators

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/interruptions"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
	"github.com/square-key-labs/strawgo-callagent/src/services"
)

type recorder struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	frames []frames.Frame
}

func newRecorder(name string) *recorder {
	r := &recorder{}
	r.BaseProcessor = processors.NewBaseProcessor(name, r)
	return r
}

func (r *recorder) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(match func(frames.Frame) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if match(f) {
			n++
		}
	}
	return n
}

func isContextFrame(f frames.Frame) bool {
	_, ok := f.(*frames.LLMContextFrame)
	return ok
}

func isInterruptionTask(f frames.Frame) bool {
	_, ok := f.(*frames.InterruptionTaskFrame)
	return ok
}

type instantDetector struct{}

func (instantDetector) EndOfTurn(string) bool       { return true }
func (instantDetector) Delay(string) time.Duration { return time.Millisecond }

// wire links up <- agg -> down and starts all three
func wire(t *testing.T, agg processors.FrameProcessor) (up, down *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	up = newRecorder("Up")
	down = newRecorder("Down")
	up.Link(agg)
	agg.Link(down)

	for _, p := range []processors.FrameProcessor{up, agg, down} {
		require.NoError(t, p.Start(ctx))
	}
	t.Cleanup(func() {
		_ = up.Stop()
		_ = agg.Stop()
		_ = down.Stop()
	})
	return up, down
}

func TestUserAggregatorCommitsFinalTranscript(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMUserAggregator(llmCtx, &UserAggregatorParams{TurnDetector: instantDetector{}})
	_, down := wire(t, agg)

	require.NoError(t, agg.QueueFrame(frames.NewTranscriptionFrame("what's the", "caller", false), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewTranscriptionFrame("What's the weather in Paris?", "caller", true), frames.Downstream))

	require.Eventually(t, func() bool { return down.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)

	snapshot := llmCtx.Clone()
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "user", snapshot.Messages[0].Role)
	assert.Equal(t, "What's the weather in Paris?", snapshot.Messages[0].Content)
}

func TestUserAggregatorWaitsWhileUserSpeaking(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMUserAggregator(llmCtx, &UserAggregatorParams{TurnDetector: instantDetector{}})
	_, down := wire(t, agg)

	require.NoError(t, agg.QueueFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, agg.QueueFrame(frames.NewTranscriptionFrame("hello there.", "caller", true), frames.Downstream))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, down.count(isContextFrame))

	require.NoError(t, agg.QueueFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream))
	require.Eventually(t, func() bool { return down.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUserAggregatorDiscardsShortInterruption(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMUserAggregator(llmCtx, &UserAggregatorParams{TurnDetector: instantDetector{}})
	up, down := wire(t, agg)

	strategies := []interruptions.InterruptionStrategy{interruptions.NewMinWordsInterruptionStrategy(3)}
	require.NoError(t, agg.QueueFrame(frames.NewStartFrameWithConfig(true, strategies), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewTTSStartedFrame(), frames.Upstream))
	require.Eventually(t, agg.BotSpeaking, time.Second, 5*time.Millisecond)

	require.NoError(t, agg.QueueFrame(frames.NewTranscriptionFrame("okay", "caller", true), frames.Downstream))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, down.count(isContextFrame))
	assert.Zero(t, up.count(isInterruptionTask))
	assert.Zero(t, llmCtx.Len())

	require.NoError(t, agg.QueueFrame(frames.NewTranscriptionFrame("stop, what about London?", "caller", true), frames.Downstream))
	require.Eventually(t, func() bool { return up.count(isInterruptionTask) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return down.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUserAggregatorInterruptsOnSpeechWithoutStrategies(t *testing.T) {
	agg := NewLLMUserAggregator(services.NewLLMContext(""), nil)
	up, _ := wire(t, agg)

	require.NoError(t, agg.QueueFrame(frames.NewStartFrameWithConfig(true, nil), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewTTSStartedFrame(), frames.Upstream))
	require.Eventually(t, agg.BotSpeaking, time.Second, 5*time.Millisecond)

	require.NoError(t, agg.QueueFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream))
	require.Eventually(t, func() bool { return up.count(isInterruptionTask) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUserAggregatorMessagesAppendRunsLLM(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMUserAggregator(llmCtx, nil)
	_, down := wire(t, agg)

	msgs := []services.LLMMessage{{Role: "system", Content: "Greet the user and offer your assistance."}}
	require.NoError(t, agg.QueueFrame(frames.NewLLMMessagesAppendFrame(msgs, true), frames.Downstream))

	require.Eventually(t, func() bool { return down.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, llmCtx.Len())
}

func TestAssistantAggregatorCollectsResponse(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMAssistantAggregator(llmCtx, nil)
	_, down := wire(t, agg)

	require.NoError(t, agg.QueueFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewLLMTextFrame("Hello!"), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewLLMTextFrame("How can I help?"), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream))

	require.Eventually(t, func() bool { return down.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)
	snapshot := llmCtx.Clone()
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "assistant", snapshot.Messages[0].Role)
	assert.Equal(t, "Hello! How can I help?", snapshot.Messages[0].Content)
}

func TestAssistantAggregatorFunctionCallRerunsLLM(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMAssistantAggregator(llmCtx, nil)
	up, _ := wire(t, agg)

	call := frames.FunctionCallFromLLM{
		ToolCallID:   "call-1",
		FunctionName: "get_weather",
		Arguments:    map[string]interface{}{"location": "Paris"},
	}
	require.NoError(t, agg.QueueFrame(frames.NewFunctionCallsStartedFrame([]frames.FunctionCallFromLLM{call}), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewFunctionCallInProgressFrame(call, false), frames.Downstream))
	require.NoError(t, agg.QueueFrame(frames.NewFunctionCallResultFrame(call, "The weather in Paris is clear sky with a temperature of 18.3°C."), frames.Downstream))

	require.Eventually(t, func() bool { return up.count(isContextFrame) == 1 }, time.Second, 5*time.Millisecond)

	snapshot := llmCtx.Clone()
	require.Len(t, snapshot.Messages, 2)
	assert.Equal(t, "get_weather", snapshot.Messages[0].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"location":"Paris"}`, snapshot.Messages[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", snapshot.Messages[1].Role)
	assert.Equal(t, "The weather in Paris is clear sky with a temperature of 18.3°C.", snapshot.Messages[1].Content)
}

func TestAssistantAggregatorCancelsOnInterruption(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	agg := NewLLMAssistantAggregator(llmCtx, nil)
	_, down := wire(t, agg)

	call := frames.FunctionCallFromLLM{ToolCallID: "call-9", FunctionName: "get_weather"}
	require.NoError(t, agg.QueueFrame(frames.NewFunctionCallInProgressFrame(call, true), frames.Downstream))
	require.Eventually(t, func() bool { return llmCtx.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, agg.QueueFrame(frames.NewInterruptionFrame(), frames.Downstream))
	require.Eventually(t, func() bool {
		return down.count(func(f frames.Frame) bool { _, ok := f.(*frames.InterruptionFrame); return ok }) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "CANCELLED", llmCtx.Clone().Messages[1].Content)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "COMPLETED", resultString(nil))
	assert.Equal(t, "plain", resultString("plain"))
	assert.Equal(t, `{"temp":1}`, resultString(map[string]int{"temp": 1}))
}
