// Package session assembles the voice pipeline for one call and binds it to
// a connected room.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/agent"
	"github.com/square-key-labs/strawgo-callagent/src/audio"
	"github.com/square-key-labs/strawgo-callagent/src/audio/vad"
	"github.com/square-key-labs/strawgo-callagent/src/config"
	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/interruptions"
	"github.com/square-key-labs/strawgo-callagent/src/job"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/pipeline"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
	"github.com/square-key-labs/strawgo-callagent/src/processors/aggregators"
	"github.com/square-key-labs/strawgo-callagent/src/services"
	"github.com/square-key-labs/strawgo-callagent/src/services/cartesia"
	"github.com/square-key-labs/strawgo-callagent/src/services/gemini"
	"github.com/square-key-labs/strawgo-callagent/src/transports"
	"github.com/square-key-labs/strawgo-callagent/src/turns"
)

var (
	// ErrClosed is returned when a closed session is asked to speak
	ErrClosed = errors.New("session closed")
	// ErrNoTransport is returned for rooms without an audio transport
	ErrNoTransport = errors.New("room has no audio transport")
	// ErrNoAssistant is returned when Start is called without an assistant
	ErrNoAssistant = errors.New("no assistant")
)

// Config is the fixed service bundle every call runs with
type Config struct {
	STT    cartesia.STTConfig
	LLM    gemini.LLMConfig
	TTS    cartesia.TTSConfig
	VAD    vad.VADParams
	Silero vad.SileroConfig
	Turns  turns.Params

	NoiseFilterEnabled bool
	NoiseFilter        audio.NoiseFilterParams

	AllowInterruptions       bool
	InterruptMinWords        int
	InterruptVolumeThreshold float64

	// SampleRate is the rate of caller audio inside the pipeline
	SampleRate int
	// StartTimeout bounds how long Start waits for the pipeline to run
	StartTimeout time.Duration
	LogFrames    bool
}

// ConfigFromEnv derives the session bundle from process configuration
func ConfigFromEnv(cfg *config.Config) Config {
	noise := audio.DefaultNoiseFilterParams()
	if cfg.NoiseGateThreshold > 0 {
		noise.GateThreshold = cfg.NoiseGateThreshold
	}

	return Config{
		STT: cartesia.STTConfig{
			APIKey:   cfg.CartesiaAPIKey,
			Model:    cfg.CartesiaSTTModel,
			Language: cfg.STTLanguage,
		},
		LLM: gemini.LLMConfig{
			APIKey:      cfg.GoogleAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: cfg.LLMTemperature,
		},
		TTS: cartesia.TTSConfig{
			APIKey:     cfg.CartesiaAPIKey,
			VoiceID:    cfg.CartesiaVoiceID,
			Model:      cfg.CartesiaTTSModel,
			Language:   cfg.STTLanguage,
			SampleRate: cfg.TTSSampleRate,
		},
		VAD: vad.DefaultVADParams(),
		Silero: vad.SileroConfig{
			ModelPath: cfg.SileroModelPath,
			LibPath:   cfg.ONNXRuntimeLibPath,
		},
		Turns: turns.Params{
			MinEndpointDelay: cfg.TurnMinEndpointDelay,
			MaxEndpointDelay: cfg.TurnMaxEndpointDelay,
		},
		NoiseFilterEnabled:       cfg.NoiseFilterEnabled,
		NoiseFilter:              noise,
		AllowInterruptions:       true,
		InterruptMinWords:        cfg.InterruptMinWords,
		InterruptVolumeThreshold: cfg.InterruptVolumeThreshold,
		SampleRate:               16000,
		StartTimeout:             30 * time.Second,
		LogFrames:                cfg.LogFrames,
	}
}

// Services are the AI stages of one session
type Services struct {
	STT services.AIService
	LLM services.AIService
	TTS services.AIService
	VAD vad.VADAnalyzer
}

// Factory builds the AI stages for one session. tools executes the
// functions the language model calls.
type Factory func(cfg Config, tools services.ToolInvoker) (*Services, error)

// DefaultFactory builds Cartesia STT and TTS, Gemini and Silero VAD
func DefaultFactory(cfg Config, tools services.ToolInvoker) (*Services, error) {
	analyzer, err := vad.NewSileroVADAnalyzer(cfg.SampleRate, cfg.VAD, cfg.Silero)
	if err != nil {
		return nil, err
	}

	stt := cfg.STT
	stt.SampleRate = cfg.SampleRate
	llm := cfg.LLM
	llm.Tools = tools

	return &Services{
		STT: cartesia.NewSTTService(stt),
		LLM: gemini.NewLLMService(llm),
		TTS: cartesia.NewTTSService(cfg.TTS),
		VAD: analyzer,
	}, nil
}

// AudioRoom is a room with an audio transport bound to it
type AudioRoom interface {
	job.Room
	Transport() *transports.RoomTransport
	Done() <-chan struct{}
}

// Starter starts sessions
type Starter struct {
	config  Config
	factory Factory
	log     *logger.Logger
}

// NewStarter creates a session starter. A nil factory uses DefaultFactory.
func NewStarter(config Config, factory Factory) *Starter {
	if factory == nil {
		factory = DefaultFactory
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.StartTimeout == 0 {
		config.StartTimeout = 30 * time.Second
	}
	return &Starter{
		config:  config,
		factory: factory,
		log:     logger.WithPrefix("Session"),
	}
}

// Session is one running voice pipeline
type Session struct {
	task *pipeline.PipelineTask
	room AudioRoom
	svcs []services.AIService
	vad  vad.VADAnalyzer
	log  *logger.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// Start builds the pipeline for room, connects the AI services and returns
// once the pipeline is running. Anything started is stopped again on error.
func (s *Starter) Start(ctx context.Context, room job.Room, assistant *agent.Assistant) (job.Session, error) {
	if assistant == nil {
		return nil, ErrNoAssistant
	}
	audioRoom, ok := room.(AudioRoom)
	if !ok || audioRoom.Transport() == nil {
		return nil, ErrNoTransport
	}
	log := s.log.With("room", room.Name())

	var invoker services.ToolInvoker
	var declarations []services.Tool
	if assistant.Tools != nil {
		invoker = assistant.Tools
		declarations = assistant.Tools.Declarations()
	}

	svcs, err := s.factory(s.config, invoker)
	if err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}
	aiServices := []services.AIService{svcs.STT, svcs.LLM, svcs.TTS}

	runCtx, cancel := context.WithCancel(context.Background())
	initCtx, initCancel := context.WithTimeout(ctx, s.config.StartTimeout)
	defer initCancel()
	for _, svc := range aiServices {
		svc.SetLogger(log)
		if err := initialize(initCtx, runCtx, svc); err != nil {
			cancel()
			cleanup(aiServices, log)
			releaseVAD(svcs.VAD, log)
			return nil, fmt.Errorf("initialize %s: %w", svc.Name(), err)
		}
	}

	llmContext := services.NewLLMContext(assistant.Instructions)
	llmContext.SetTools(declarations)

	user := aggregators.NewLLMUserAggregator(llmContext, &aggregators.UserAggregatorParams{
		TurnDetector: turns.NewDetector(s.config.Turns),
	})
	assistantAgg := aggregators.NewLLMAssistantAggregator(llmContext, nil)

	transport := audioRoom.Transport()
	transport.SetLogger(log)

	procs := []processors.FrameProcessor{transport.Input()}
	if s.config.NoiseFilterEnabled {
		procs = append(procs, audio.NewNoiseFilter(s.config.NoiseFilter))
	}
	procs = append(procs,
		vad.NewVADInputProcessor(svcs.VAD),
		svcs.STT,
		user,
		svcs.LLM,
	)
	if s.config.LogFrames {
		procs = append(procs, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix:          "LLM",
			LogDirection:    true,
			LogFrameDetails: true,
			Logger:          log,
		}))
	}
	procs = append(procs, svcs.TTS, transport.Output(), assistantAgg)
	for _, p := range procs {
		if _, ok := p.(*processors.FrameLogger); !ok {
			p.SetLogger(log)
		}
	}

	pipe := pipeline.NewPipeline(procs)
	pipe.SetLogger(log)
	task := pipeline.NewPipelineTaskWithConfig(pipe, &pipeline.PipelineTaskConfig{
		AllowInterruptions:     s.config.AllowInterruptions,
		InterruptionStrategies: s.strategies(),
		AudioInSampleRate:      s.config.SampleRate,
		AudioOutSampleRate:     s.config.TTS.SampleRate,
	})

	started := make(chan struct{})
	var startOnce sync.Once
	task.OnStarted(func() { startOnce.Do(func() { close(started) }) })
	task.OnError(func(err error) { log.Warn("Pipeline error: %v", err) })

	sess := &Session{
		task:   task,
		room:   audioRoom,
		svcs:   aiServices,
		vad:    svcs.VAD,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		if err := task.Run(runCtx); err != nil {
			log.Error("Pipeline stopped: %v", err)
		}
	}()
	go sess.watch()

	select {
	case <-started:
		log.Info("Session started")
		return sess, nil
	case <-task.Done():
		err := task.Err()
		if err == nil {
			err = errors.New("pipeline ended before it started")
		}
		sess.shutdown()
		return nil, err
	case <-initCtx.Done():
		sess.shutdown()
		return nil, fmt.Errorf("wait for pipeline: %w", initCtx.Err())
	}
}

// strategies returns the configured interruption strategies
func (s *Starter) strategies() []interruptions.InterruptionStrategy {
	var out []interruptions.InterruptionStrategy
	if s.config.InterruptMinWords > 0 {
		out = append(out, interruptions.NewMinWordsInterruptionStrategy(s.config.InterruptMinWords))
	}
	if s.config.InterruptVolumeThreshold > 0 {
		params := interruptions.DefaultVolumeInterruptionStrategyParams()
		params.Threshold = s.config.InterruptVolumeThreshold
		out = append(out, interruptions.NewVolumeInterruptionStrategy(params))
	}
	return out
}

// initialize connects svc with a bounded dial context while keeping its
// long-lived state tied to the session context.
func initialize(initCtx, runCtx context.Context, svc services.AIService) error {
	errc := make(chan error, 1)
	go func() { errc <- svc.Initialize(runCtx) }()
	select {
	case err := <-errc:
		return err
	case <-initCtx.Done():
		return initCtx.Err()
	}
}

func cleanup(svcs []services.AIService, log *logger.Logger) {
	for _, svc := range svcs {
		if err := svc.Cleanup(); err != nil {
			log.Warn("Cleanup of %s failed: %v", svc.Name(), err)
		}
	}
}

func releaseVAD(analyzer vad.VADAnalyzer, log *logger.Logger) {
	if analyzer == nil {
		return
	}
	if err := analyzer.Cleanup(); err != nil {
		log.Warn("VAD cleanup failed: %v", err)
	}
}

// watch ends the session when the pipeline finishes or the room goes away.
// The room belongs to the session, so it is left in both cases.
func (s *Session) watch() {
	select {
	case <-s.task.Done():
		s.log.Info("Pipeline finished, ending session")
	case <-s.room.Done():
		s.log.Info("Room closed, ending session")
	}
	s.Close()
}

// shutdown stops the pipeline and services and closes Done
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.task.Cancel()
		s.cancel()
		select {
		case <-s.task.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("Pipeline did not stop in time")
		}
		cleanup(s.svcs, s.log)
		releaseVAD(s.vad, s.log)
		close(s.done)
	})
}

// GenerateReply asks the model for one response guided by instructions
func (s *Session) GenerateReply(instructions string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := []services.LLMMessage{{Role: "system", Content: instructions}}
	if err := s.task.QueueFrame(frames.NewLLMMessagesAppendFrame(msg, true)); err != nil {
		return fmt.Errorf("queue reply: %w", err)
	}
	return nil
}

// Done is closed when the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the session and leaves the room
func (s *Session) Close() {
	s.shutdown()
	s.room.Disconnect()
}
