package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

const (
	defaultTTSURL     = "wss://api.cartesia.ai/tts/websocket"
	defaultAPIVersion = "2025-04-16"
)

// GenerationConfig holds Cartesia Sonic generation parameters
type GenerationConfig struct {
	Volume  float64 `json:"volume,omitempty"`  // Volume multiplier [0.5, 2.0], default 1.0
	Speed   float64 `json:"speed,omitempty"`   // Speed multiplier [0.6, 1.5], default 1.0
	Emotion string  `json:"emotion,omitempty"` // Emotion guidance: neutral, angry, excited, etc.
}

// TTSConfig holds configuration for Cartesia TTS
type TTSConfig struct {
	APIKey           string
	VoiceID          string            // e.g., "a0e99841-438c-4a64-b679-ae501e7d6091"
	Model            string            // e.g., "sonic-2"
	CartesiaVersion  string            // e.g., "2025-04-16"
	Language         string            // e.g., "en"
	SampleRate       int               // e.g., 16000, 24000
	GenerationConfig *GenerationConfig // Optional: volume, speed, emotion
	// URL overrides the streaming endpoint
	URL string
}

// ttsRequest is one message on the streaming socket
type ttsRequest struct {
	Transcript       string            `json:"transcript"`
	Continue         bool              `json:"continue"`
	ContextID        string            `json:"context_id"`
	ModelID          string            `json:"model_id"`
	Voice            ttsVoice          `json:"voice"`
	OutputFormat     ttsOutputFormat   `json:"output_format"`
	Language         string            `json:"language"`
	GenerationConfig *GenerationConfig `json:"generation_config,omitempty"`
}

type ttsVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type ttsOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type ttsCancel struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type ttsResponse struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// TTSService provides streaming text-to-speech using Cartesia.
//
// Each LLM response is spoken in its own Cartesia context. Text is
// aggregated into sentences before it is sent, the context is closed with
// continue=false when the response ends, and it is cancelled on
// interruption. Audio from a context that is no longer active is dropped.
type TTSService struct {
	*processors.BaseProcessor
	config TTSConfig
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	mu             sync.Mutex
	textBuffer     strings.Builder
	contextID      string
	activeContexts map[string]bool
	isSpeaking     bool
	ttfbStart      time.Time
}

// NewTTSService creates a new Cartesia TTS service
func NewTTSService(config TTSConfig) *TTSService {
	if config.Model == "" {
		config.Model = "sonic-2"
	}
	if config.CartesiaVersion == "" {
		config.CartesiaVersion = defaultAPIVersion
	}
	if config.Language == "" {
		config.Language = "en"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 24000
	}
	if config.URL == "" {
		config.URL = defaultTTSURL
	}

	s := &TTSService{
		config:         config,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		activeContexts: make(map[string]bool),
	}
	s.BaseProcessor = processors.NewBaseProcessor("CartesiaTTS", s)
	return s
}

func (s *TTSService) SetVoice(voiceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.VoiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Model = model
}

// SampleRate returns the rate of the synthesized audio
func (s *TTSService) SampleRate() int {
	return s.config.SampleRate
}

func (s *TTSService) wsURL() (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid Cartesia TTS URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", s.config.APIKey)
	q.Set("cartesia_version", s.config.CartesiaVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize opens the streaming socket. It is safe to call more than once.
func (s *TTSService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.connect(s.ctx); err != nil {
		s.cancel()
		s.mu.Lock()
		s.ctx = nil
		s.mu.Unlock()
		return err
	}

	go s.receiveAudio()
	s.Logger().Info("Connected (model=%s, rate=%d)", s.config.Model, s.config.SampleRate)
	return nil
}

func (s *TTSService) connect(ctx context.Context) error {
	wsURL, err := s.wsURL()
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Cartesia TTS: %w", err)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return nil
}

func (s *TTSService) Cleanup() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *TTSService) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("cartesia TTS socket not connected")
	}
	return s.conn.WriteJSON(v)
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		if err := s.Initialize(ctx); err != nil {
			s.Logger().Error("Failed to initialize: %v", err)
			return s.PushFrame(frames.NewFatalErrorFrame(err), frames.Upstream)
		}
		return s.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		if err := s.Cleanup(); err != nil {
			s.Logger().Warn("Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		s.handleInterruption()
		return s.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if err := s.processTextInput(f.Text); err != nil {
			s.Logger().Error("Error synthesizing: %v", err)
			_ = s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		// Downstream aggregators record what was said
		return s.PushFrame(frame, direction)

	case *frames.TextFrame:
		if direction == frames.Downstream {
			if err := s.processTextInput(f.Text); err != nil {
				s.Logger().Error("Error synthesizing: %v", err)
				_ = s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}
		return s.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		s.flush()
		return s.PushFrame(frame, direction)
	}

	return s.PushFrame(frame, direction)
}

func (s *TTSService) handleInterruption() {
	s.mu.Lock()
	oldContextID := s.contextID
	s.contextID = ""
	s.isSpeaking = false
	s.textBuffer.Reset()
	for id := range s.activeContexts {
		delete(s.activeContexts, id)
	}
	s.mu.Unlock()

	if oldContextID == "" {
		return
	}
	s.Logger().Debug("Cancelling context %s", oldContextID)
	if err := s.writeJSON(ttsCancel{ContextID: oldContextID, Cancel: true}); err != nil {
		s.Logger().Warn("Error cancelling context: %v", err)
	}
}

// processTextInput buffers text and synthesizes each completed sentence
func (s *TTSService) processTextInput(text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	s.textBuffer.WriteString(text)
	sentences, remainder := splitSentences(s.textBuffer.String())
	s.textBuffer.Reset()
	s.textBuffer.WriteString(remainder)
	s.mu.Unlock()

	for _, sentence := range sentences {
		if err := s.synthesizeText(sentence, true); err != nil {
			return err
		}
	}
	return nil
}

// flush speaks any buffered text and closes the current context
func (s *TTSService) flush() {
	s.mu.Lock()
	remaining := strings.TrimSpace(s.textBuffer.String())
	s.textBuffer.Reset()
	contextID := s.contextID
	s.mu.Unlock()

	if remaining != "" {
		if err := s.synthesizeText(remaining, true); err != nil {
			s.Logger().Error("Error synthesizing remaining text: %v", err)
		}
		s.mu.Lock()
		contextID = s.contextID
		s.mu.Unlock()
	}

	if contextID == "" {
		return
	}
	if err := s.writeJSON(s.buildMessage(contextID, "", false)); err != nil {
		s.Logger().Warn("Error closing context: %v", err)
	}

	// The next response opens a fresh context
	s.mu.Lock()
	if s.contextID == contextID {
		s.contextID = ""
	}
	s.mu.Unlock()
}

func (s *TTSService) synthesizeText(text string, continueTranscript bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.contextID == "" {
		s.contextID = uuid.New().String()
		s.activeContexts[s.contextID] = true
	}
	contextID := s.contextID
	firstChunk := !s.isSpeaking
	if firstChunk {
		s.isSpeaking = true
		s.ttfbStart = time.Now()
	}
	s.mu.Unlock()

	if firstChunk {
		// Upstream for the user aggregator, downstream for the transport output
		_ = s.PushFrame(frames.NewTTSStartedFrame(), frames.Upstream)
		_ = s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	}

	s.Logger().Debug("Synthesizing: %s", text)
	return s.writeJSON(s.buildMessage(contextID, text, continueTranscript))
}

func (s *TTSService) buildMessage(contextID, text string, continueTranscript bool) ttsRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ttsRequest{
		Transcript: text,
		Continue:   continueTranscript,
		ContextID:  contextID,
		ModelID:    s.config.Model,
		Voice:      ttsVoice{Mode: "id", ID: s.config.VoiceID},
		OutputFormat: ttsOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.config.SampleRate,
		},
		Language:         s.config.Language,
		GenerationConfig: s.config.GenerationConfig,
	}
}

func (s *TTSService) receiveAudio() {
	for {
		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Cartesia closes idle sockets after a few minutes
			s.Logger().Warn("Connection error: %v, reconnecting", err)
			if reconnectErr := s.connect(s.ctx); reconnectErr != nil {
				s.Logger().Error("Reconnection failed: %v", reconnectErr)
				_ = s.PushFrame(frames.NewErrorFrame(reconnectErr), frames.Upstream)
				return
			}
			continue
		}

		var resp ttsResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			s.Logger().Warn("Error parsing response: %v", err)
			continue
		}
		s.handleResponse(resp)
	}
}

func (s *TTSService) handleResponse(resp ttsResponse) {
	s.mu.Lock()
	active := resp.ContextID == "" || s.activeContexts[resp.ContextID]
	s.mu.Unlock()
	if !active {
		// Audio from an interrupted context
		return
	}

	switch resp.Type {
	case "chunk":
		if resp.Data == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			s.Logger().Warn("Error decoding audio: %v", err)
			return
		}

		s.mu.Lock()
		if !s.ttfbStart.IsZero() {
			s.Logger().Debug("TTFB: %v", time.Since(s.ttfbStart))
			s.ttfbStart = time.Time{}
		}
		s.mu.Unlock()

		audioFrame := frames.NewTTSAudioFrame(audio, s.config.SampleRate, 1)
		audioFrame.SetMetadata("context_id", resp.ContextID)
		_ = s.PushFrame(audioFrame, frames.Downstream)

	case "done":
		s.mu.Lock()
		delete(s.activeContexts, resp.ContextID)
		if s.contextID == "" && len(s.activeContexts) == 0 {
			s.isSpeaking = false
		}
		s.mu.Unlock()
		s.Logger().Debug("Context %s done", resp.ContextID)

	case "error":
		s.Logger().Error("Cartesia error: %s", resp.Error)
		_ = s.PushFrame(frames.NewErrorFrame(fmt.Errorf("cartesia TTS error: %s", resp.Error)), frames.Upstream)

	case "timestamps", "phoneme_timestamps", "flush_done":
		// Not requested

	default:
		s.Logger().Debug("Unknown message type: %s", resp.Type)
	}
}

// splitSentences splits text into complete sentences and the unfinished remainder
func splitSentences(text string) ([]string, string) {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)

		switch r {
		case '.', '!', '?', ';':
			// A sentence ends at punctuation followed by space; "Dr." mid-word stays
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				if sentence := strings.TrimSpace(current.String()); sentence != "" {
					sentences = append(sentences, sentence)
				}
				current.Reset()
			}
		}
	}

	return sentences, current.String()
}
