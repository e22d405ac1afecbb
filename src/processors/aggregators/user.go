package aggregators

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/services"
	"github.com/square-key-labs/strawgo-callagent/src/turns"
)

// TurnDetector decides how long to wait after a transcript before the
// user's turn is handed to the language model
type TurnDetector interface {
	EndOfTurn(text string) bool
	Delay(text string) time.Duration
}

// UserAggregatorParams holds configuration for the user aggregator
type UserAggregatorParams struct {
	// TurnDetector decides the endpoint delay (default: English heuristic)
	TurnDetector TurnDetector
}

// DefaultUserAggregatorParams returns default parameters
func DefaultUserAggregatorParams() *UserAggregatorParams {
	return &UserAggregatorParams{
		TurnDetector: turns.NewDetector(turns.DefaultParams()),
	}
}

// LLMUserAggregator accumulates user input and handles interruption decisions
type LLMUserAggregator struct {
	*LLMContextAggregator

	mu           sync.Mutex
	userSpeaking bool
	botSpeaking  bool
	turnTimer    *time.Timer

	params *UserAggregatorParams
}

// NewLLMUserAggregator creates a new user aggregator
func NewLLMUserAggregator(context *services.LLMContext, params *UserAggregatorParams) *LLMUserAggregator {
	if params == nil {
		params = DefaultUserAggregatorParams()
	}
	if params.TurnDetector == nil {
		params.TurnDetector = turns.NewDetector(turns.DefaultParams())
	}

	u := &LLMUserAggregator{params: params}
	u.LLMContextAggregator = NewLLMContextAggregator("LLMUserAggregator", context, "user", u)
	return u
}

// HandleFrame processes frames for user aggregation
func (u *LLMUserAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		u.HandleStartFrame(f)
		u.Logger().Debug("Interruptions: allowed=%v, strategies=%d", u.InterruptionsAllowed(), len(u.InterruptionStrategies()))
		return u.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		u.stopTurnTimer()
		return u.PushFrame(frame, direction)

	case *frames.UserStartedSpeakingFrame:
		u.mu.Lock()
		u.userSpeaking = true
		botSpeaking := u.botSpeaking
		u.mu.Unlock()
		u.stopTurnTimer()

		// Without strategies, any detected speech interrupts the bot
		if botSpeaking && u.InterruptionsAllowed() && len(u.InterruptionStrategies()) == 0 {
			u.Logger().Info("User started speaking over the bot, interrupting")
			if err := u.PushInterruptionTaskFrame(); err != nil {
				return err
			}
		}
		return u.PushFrame(frame, direction)

	case *frames.UserStoppedSpeakingFrame:
		u.mu.Lock()
		u.userSpeaking = false
		u.mu.Unlock()
		if u.HasAggregation() {
			u.scheduleTurn()
		}
		return u.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		u.setBotSpeaking(true)
		return u.PushFrame(frame, direction)

	case *frames.TTSStoppedFrame:
		u.setBotSpeaking(false)
		return u.PushFrame(frame, direction)

	case *frames.TranscriptionFrame:
		u.handleTranscription(f)
		// Transcriptions are consumed; the aggregator emits LLMContextFrame when ready
		return nil

	case *frames.LLMMessagesAppendFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			u.context.AddMessages(messages)
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil

	case *frames.LLMMessagesUpdateFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			u.context.SetMessages(messages)
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil
	}

	// Pass all other frames through
	return u.PushFrame(frame, direction)
}

func (u *LLMUserAggregator) handleTranscription(f *frames.TranscriptionFrame) {
	if f.Text == "" || !f.IsFinal {
		return
	}

	u.Logger().Debug("Transcription: '%s'", f.Text)
	u.AppendToAggregation(f.Text)

	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendText(f.Text); err != nil {
			u.Logger().Warn("Error appending text to strategy: %v", err)
		}
	}

	u.mu.Lock()
	speaking := u.userSpeaking
	u.mu.Unlock()
	if !speaking {
		u.scheduleTurn()
	}
}

func (u *LLMUserAggregator) setBotSpeaking(speaking bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.botSpeaking = speaking
}

// scheduleTurn (re)arms the endpoint timer using the turn detector's delay
func (u *LLMUserAggregator) scheduleTurn() {
	delay := u.params.TurnDetector.Delay(u.AggregationString())

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.turnTimer != nil {
		u.turnTimer.Stop()
	}
	u.turnTimer = time.AfterFunc(delay, u.onTurnTimeout)
}

func (u *LLMUserAggregator) stopTurnTimer() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.turnTimer != nil {
		u.turnTimer.Stop()
		u.turnTimer = nil
	}
}

func (u *LLMUserAggregator) onTurnTimeout() {
	u.mu.Lock()
	speaking := u.userSpeaking
	u.turnTimer = nil
	u.mu.Unlock()

	if speaking {
		return
	}
	if err := u.pushAggregation(); err != nil {
		u.Logger().Error("Error pushing aggregation: %v", err)
	}
}

// pushAggregation pushes the accumulated text with interruption handling
func (u *LLMUserAggregator) pushAggregation() error {
	if !u.HasAggregation() {
		return nil
	}

	u.mu.Lock()
	botSpeaking := u.botSpeaking
	u.mu.Unlock()

	strategies := u.InterruptionStrategies()
	if len(strategies) > 0 && botSpeaking {
		if !u.shouldInterruptBasedOnStrategies() {
			u.Logger().Info("Interruption conditions not met, discarding input")
			u.resetStrategies()
			return u.Reset()
		}

		u.Logger().Info("Interruption conditions met, interrupting the bot")
		if err := u.PushInterruptionTaskFrame(); err != nil {
			return err
		}
	}

	u.resetStrategies()
	return u.processAggregation()
}

// processAggregation converts aggregation to context and pushes downstream
func (u *LLMUserAggregator) processAggregation() error {
	text := u.takeAggregation()
	if text == "" {
		return nil
	}
	u.Logger().Info("User turn: '%s'", text)

	u.context.AddUserMessage(text)
	return u.PushContextFrame(frames.Downstream)
}

func (u *LLMUserAggregator) shouldInterruptBasedOnStrategies() bool {
	for _, strategy := range u.InterruptionStrategies() {
		shouldInterrupt, err := strategy.ShouldInterrupt()
		if err != nil {
			u.Logger().Warn("Error checking strategy: %v", err)
			continue
		}
		if shouldInterrupt {
			return true
		}
	}
	return false
}

func (u *LLMUserAggregator) resetStrategies() {
	for _, s := range u.InterruptionStrategies() {
		if err := s.Reset(); err != nil {
			u.Logger().Warn("Error resetting strategy: %v", err)
		}
	}
}

// BotSpeaking reports whether synthesized speech is currently playing
func (u *LLMUserAggregator) BotSpeaking() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.botSpeaking
}
