package gemini

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
	"github.com/square-key-labs/strawgo-callagent/src/services"
)

type fakeStreamer struct {
	mu        sync.Mutex
	responses []*genai.GenerateContentResponse
	err       error
	contents  []*genai.Content
	config    *genai.GenerateContentConfig
}

func (f *fakeStreamer) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.mu.Lock()
	f.contents = contents
	f.config = config
	f.mu.Unlock()
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range f.responses {
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: roleModel, Parts: []*genai.Part{{Text: text}}},
	}}}
}

type fakeTools struct {
	calls []string
}

func (f *fakeTools) Invoke(ctx context.Context, name string, args map[string]interface{}) string {
	f.calls = append(f.calls, name)
	return "The weather in Paris is clear sky with a temperature of 18.3°C."
}

type collector struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	frames []frames.Frame
}

func newCollector() *collector {
	c := &collector{}
	c.BaseProcessor = processors.NewBaseProcessor("Collector", c)
	return c
}

func (c *collector) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if _, ok := frame.(*frames.StartFrame); ok {
		return nil
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Name())
	}
	return out
}

func (c *collector) get(i int) frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func run(t *testing.T, llm *LLMService, llmCtx *services.LLMContext) *collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	out := newCollector()
	llm.Link(out)
	require.NoError(t, llm.Start(ctx))
	require.NoError(t, out.Start(ctx))
	t.Cleanup(func() {
		_ = llm.Stop()
		_ = out.Stop()
	})

	require.NoError(t, llm.QueueFrame(frames.NewLLMContextFrame(llmCtx), frames.Downstream))
	return out
}

func TestLLMStreamsText(t *testing.T) {
	streamer := &fakeStreamer{responses: []*genai.GenerateContentResponse{textResponse("Hello! "), textResponse("How can I help?")}}
	llm := NewLLMService(LLMConfig{Streamer: streamer, Temperature: 0.5})

	llmCtx := services.NewLLMContext("You are a helpful voice assistant.")
	llmCtx.AddSystemMessage("Greet the user and offer your assistance.")
	out := run(t, llm, llmCtx)

	require.Eventually(t, func() bool { return len(out.names()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"LLMFullResponseStartFrame", "LLMTextFrame", "LLMTextFrame", "LLMFullResponseEndFrame"}, out.names())
	assert.Equal(t, "How can I help?", out.get(2).(*frames.LLMTextFrame).Text)

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	require.Len(t, streamer.contents, 1)
	assert.Equal(t, roleUser, streamer.contents[0].Role)
	assert.Equal(t, "You are a helpful voice assistant.", streamer.config.SystemInstruction.Parts[0].Text)
	assert.InDelta(t, 0.5, *streamer.config.Temperature, 1e-6)
}

func TestLLMRunsFunctionCalls(t *testing.T) {
	streamer := &fakeStreamer{responses: []*genai.GenerateContentResponse{{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: roleModel, Parts: []*genai.Part{{
			FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Paris"}},
		}}},
	}}}}}
	tools := &fakeTools{}
	llm := NewLLMService(LLMConfig{Streamer: streamer, Tools: tools})

	llmCtx := services.NewLLMContext("")
	llmCtx.AddUserMessage("What's the weather in Paris?")
	out := run(t, llm, llmCtx)

	require.Eventually(t, func() bool { return len(out.names()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"LLMFullResponseStartFrame",
		"LLMFullResponseEndFrame",
		"FunctionCallsStartedFrame",
		"FunctionCallInProgressFrame",
		"FunctionCallResultFrame",
	}, out.names())

	result := out.get(4).(*frames.FunctionCallResultFrame)
	assert.Equal(t, "get_weather", result.FunctionName)
	assert.NotEmpty(t, result.ToolCallID)
	assert.Equal(t, "Paris", result.Arguments["location"])
	assert.Equal(t, "The weather in Paris is clear sky with a temperature of 18.3°C.", result.Result)
	assert.Equal(t, []string{"get_weather"}, tools.calls)
}

func TestLLMStreamErrorGoesUpstream(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("quota exceeded")}
	llm := NewLLMService(LLMConfig{Streamer: streamer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := newCollector()
	down := newCollector()
	up.Link(llm)
	llm.Link(down)
	for _, p := range []processors.FrameProcessor{up, llm, down} {
		require.NoError(t, p.Start(ctx))
	}
	defer func() {
		_ = up.Stop()
		_ = llm.Stop()
		_ = down.Stop()
	}()

	llmCtx := services.NewLLMContext("")
	llmCtx.AddUserMessage("hi")
	require.NoError(t, llm.QueueFrame(frames.NewLLMContextFrame(llmCtx), frames.Downstream))

	require.Eventually(t, func() bool {
		for _, n := range up.names() {
			if n == "ErrorFrame" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, down.names(), "LLMFullResponseEndFrame")
}

func TestContentsFromMessages(t *testing.T) {
	messages := []services.LLMMessage{
		{Role: "system", Content: "Greet the user and offer your assistance."},
		{Role: "assistant", Content: "Hi, how can I help?"},
		{Role: "user", Content: "Weather in Paris and London?"},
		{Role: "assistant", ToolCalls: []services.ToolCall{
			{ID: "c1", Type: "function", Function: services.FunctionCall{Name: "get_weather", Arguments: `{"location":"Paris"}`}},
			{ID: "c2", Type: "function", Function: services.FunctionCall{Name: "get_weather", Arguments: `not json`}},
		}},
		{Role: "tool", ToolCallID: "c1", Content: "sunny"},
		{Role: "tool", ToolCallID: "c2", Content: "rainy"},
	}

	contents := ContentsFromMessages(messages)
	require.Len(t, contents, 5)

	assert.Equal(t, roleUser, contents[0].Role)
	assert.Equal(t, roleModel, contents[1].Role)
	assert.Equal(t, roleUser, contents[2].Role)

	calls := contents[3]
	assert.Equal(t, roleModel, calls.Role)
	require.Len(t, calls.Parts, 2)
	assert.Equal(t, "Paris", calls.Parts[0].FunctionCall.Args["location"])
	assert.Empty(t, calls.Parts[1].FunctionCall.Args)

	responses := contents[4]
	assert.Equal(t, roleUser, responses.Role)
	require.Len(t, responses.Parts, 2, "tool results are merged into one turn")
	assert.Equal(t, "get_weather", responses.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "c2", responses.Parts[1].FunctionResponse.ID)
	assert.Equal(t, "rainy", responses.Parts[1].FunctionResponse.Response["result"])
}

func TestToolsFromServices(t *testing.T) {
	assert.Nil(t, ToolsFromServices(nil))

	tools := ToolsFromServices([]services.Tool{{
		Type: "function",
		Function: services.ToolFunction{
			Name:        "get_weather",
			Description: "Get the current weather",
			Parameters: services.ToolParameters{
				Properties: map[string]services.ToolProperty{
					"location": {Type: "string", Description: "City name"},
					"days":     {Type: "integer"},
				},
				Required: []string{"location"},
			},
		},
	}})

	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	decl := tools[0].FunctionDeclarations[0]
	assert.Equal(t, "get_weather", decl.Name)
	assert.Equal(t, genai.TypeObject, decl.Parameters.Type)
	assert.Equal(t, genai.TypeString, decl.Parameters.Properties["location"].Type)
	assert.Equal(t, genai.TypeInteger, decl.Parameters.Properties["days"].Type)
	assert.Equal(t, []string{"location"}, decl.Parameters.Required)
}
