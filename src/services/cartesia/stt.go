package cartesia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-callagent/src/audio"
	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

const defaultSTTURL = "wss://api.cartesia.ai/stt/websocket"

// STTConfig holds configuration for Cartesia streaming speech recognition
type STTConfig struct {
	APIKey          string
	Model           string // e.g., "ink-whisper"
	Language        string // e.g., "en"
	SampleRate      int    // rate of the audio sent to Cartesia, 16000 recommended
	MinVolume       float64
	CartesiaVersion string
	// URL overrides the streaming endpoint
	URL string
}

type sttResponse struct {
	Type     string  `json:"type"` // "transcript", "flush_done", "done", "error"
	Text     string  `json:"text"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Error    string  `json:"error"`
}

// STTService streams caller audio to Cartesia and emits TranscriptionFrames.
// Interim and final transcripts are both pushed downstream; the user
// aggregator only commits final ones.
type STTService struct {
	*processors.BaseProcessor
	config STTConfig
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSTTService creates a new Cartesia STT service
func NewSTTService(config STTConfig) *STTService {
	if config.Model == "" {
		config.Model = "ink-whisper"
	}
	if config.Language == "" {
		config.Language = "en"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.MinVolume == 0 {
		config.MinVolume = 0.01
	}
	if config.CartesiaVersion == "" {
		config.CartesiaVersion = defaultAPIVersion
	}
	if config.URL == "" {
		config.URL = defaultSTTURL
	}

	s := &STTService{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	s.BaseProcessor = processors.NewBaseProcessor("CartesiaSTT", s)
	return s
}

func (s *STTService) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Language = lang
}

func (s *STTService) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Model = model
}

func (s *STTService) wsURL() (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid Cartesia STT URL: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q := u.Query()
	q.Set("model", s.config.Model)
	q.Set("language", s.config.Language)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(s.config.SampleRate))
	q.Set("min_volume", strconv.FormatFloat(s.config.MinVolume, 'f', -1, 64))
	q.Set("api_key", s.config.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize opens the streaming socket. It is safe to call more than once.
func (s *STTService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	sessionCtx := s.ctx
	s.mu.Unlock()

	if err := s.connect(sessionCtx); err != nil {
		s.mu.Lock()
		s.cancel()
		s.ctx = nil
		s.mu.Unlock()
		return err
	}

	go s.readLoop(sessionCtx)
	s.Logger().Info("Connected (model=%s, language=%s)", s.config.Model, s.config.Language)
	return nil
}

func (s *STTService) connect(ctx context.Context) error {
	wsURL, err := s.wsURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("X-API-Key", s.config.APIKey)
	headers.Set("Cartesia-Version", s.config.CartesiaVersion)

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return fmt.Errorf("cartesia STT connect (status %d): %s", resp.StatusCode, string(body))
			}
			return fmt.Errorf("cartesia STT connect: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("cartesia STT connect: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return nil
}

func (s *STTService) Cleanup() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	// Ask Cartesia to finish the session before closing
	_ = s.writeMessage(websocket.TextMessage, []byte("done"))
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

func (s *STTService) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("cartesia STT socket not connected")
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *STTService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		if err := s.Initialize(ctx); err != nil {
			s.Logger().Error("Failed to initialize: %v", err)
			return s.PushFrame(frames.NewFatalErrorFrame(err), frames.Upstream)
		}
		return s.PushFrame(frame, direction)

	case *frames.AudioFrame:
		if direction != frames.Downstream {
			return s.PushFrame(frame, direction)
		}
		data, err := audio.ResampleBytes(f.Data, f.SampleRate, s.config.SampleRate)
		if err != nil {
			s.Logger().Warn("Dropping malformed audio: %v", err)
			return nil
		}
		if err := s.writeMessage(websocket.BinaryMessage, data); err != nil {
			s.Logger().Debug("Audio not sent: %v", err)
		}
		// Audio stops here; nothing downstream consumes it
		return nil

	case *frames.UserStoppedSpeakingFrame:
		// Flush so the final transcript arrives promptly
		if err := s.writeMessage(websocket.TextMessage, []byte("finalize")); err != nil {
			s.Logger().Debug("Finalize not sent: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		if err := s.Cleanup(); err != nil {
			s.Logger().Warn("Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	return s.PushFrame(frame, direction)
}

func (s *STTService) readLoop(ctx context.Context) {
	for {
		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger().Warn("Connection error: %v, reconnecting", err)
			if reconnectErr := s.connect(ctx); reconnectErr != nil {
				s.Logger().Error("Reconnection failed: %v", reconnectErr)
				_ = s.PushFrame(frames.NewErrorFrame(reconnectErr), frames.Upstream)
				return
			}
			continue
		}

		var msg sttResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Logger().Warn("Error parsing response: %v", err)
			continue
		}

		switch msg.Type {
		case "transcript":
			if msg.Text == "" {
				continue
			}
			tf := frames.NewTranscriptionFrame(msg.Text, "caller", msg.IsFinal)
			tf.Language = msg.Language
			if msg.IsFinal {
				s.Logger().Debug("Final transcript: %s", msg.Text)
			}
			_ = s.PushFrame(tf, frames.Downstream)

		case "flush_done":

		case "done":
			s.Logger().Debug("Session closed by server")
			return

		case "error":
			s.Logger().Error("Cartesia error: %s", msg.Error)
			_ = s.PushFrame(frames.NewErrorFrame(fmt.Errorf("cartesia STT error: %s", msg.Error)), frames.Upstream)
		}
	}
}
