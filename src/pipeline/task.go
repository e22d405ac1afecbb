package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/interruptions"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

var (
	// ErrNotStarted is returned when frames are queued before Run
	ErrNotStarted = errors.New("pipeline not started")
	// ErrFinished is returned when frames are queued after the pipeline ended
	ErrFinished = errors.New("pipeline already finished")
)

// PipelineTaskConfig holds configuration for pipeline task
type PipelineTaskConfig struct {
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy

	// Sample rates announced to processors in the StartFrame
	AudioInSampleRate  int
	AudioOutSampleRate int
}

// DefaultPipelineTaskConfig returns default configuration
func DefaultPipelineTaskConfig() *PipelineTaskConfig {
	return &PipelineTaskConfig{
		AllowInterruptions:     true,
		InterruptionStrategies: []interruptions.InterruptionStrategy{},
		AudioInSampleRate:      16000,
		AudioOutSampleRate:     24000,
	}
}

// PipelineTask orchestrates the execution of a pipeline
type PipelineTask struct {
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logger.Logger

	config *PipelineTaskConfig

	// Frame queuing
	userFrameQueue chan frames.Frame

	// Lifecycle tracking
	started  bool
	finished bool
	fatalErr error
	done     chan struct{}
	mu       sync.RWMutex

	// Event handlers
	onStarted  func()
	onFinished func()
	onError    func(error)
}

// NewPipelineTask creates a new pipeline task with default configuration
func NewPipelineTask(pipeline *Pipeline) *PipelineTask {
	return NewPipelineTaskWithConfig(pipeline, DefaultPipelineTaskConfig())
}

// NewPipelineTaskWithConfig creates a new pipeline task with custom configuration
func NewPipelineTaskWithConfig(pipeline *Pipeline, config *PipelineTaskConfig) *PipelineTask {
	if config == nil {
		config = DefaultPipelineTaskConfig()
	}
	task := &PipelineTask{
		pipeline:       pipeline,
		config:         config,
		log:            pipeline.log.WithPrefix("PipelineTask"),
		userFrameQueue: make(chan frames.Frame, 100),
		done:           make(chan struct{}),
	}

	pipeline.Initialize(task)
	return task
}

// OnStarted sets a callback for when the StartFrame has crossed the pipeline
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

// OnFinished sets a callback for when the pipeline finishes
func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError sets a callback for errors
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// Done is closed when Run returns
func (t *PipelineTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the fatal error that ended the pipeline, if any
func (t *PipelineTask) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fatalErr
}

// QueueFrame adds a frame to be processed by the pipeline
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	started, finished, ctx := t.started, t.finished, t.ctx
	t.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	if finished {
		return ErrFinished
	}

	// mu must not be held here: Cancel needs it to unblock this send
	select {
	case t.userFrameQueue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the pipeline and blocks until it ends. It returns the fatal
// error that stopped the pipeline, or nil after an EndFrame, CancelFrame or
// context cancellation.
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	defer close(t.done)

	t.log.Debug("Starting pipeline")

	if err := t.pipeline.Start(t.ctx); err != nil {
		t.cancel()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	t.wg.Add(1)
	go t.processUserFrames()

	// Send StartFrame to initialize the pipeline with interruption configuration
	startFrame := frames.NewStartFrameWithConfig(
		t.config.AllowInterruptions,
		t.config.InterruptionStrategies,
	)
	startFrame.AudioInSampleRate = t.config.AudioInSampleRate
	startFrame.AudioOutSampleRate = t.config.AudioOutSampleRate
	if err := t.pipeline.QueueFrame(startFrame); err != nil {
		t.cancel()
		t.wg.Wait()
		return fmt.Errorf("failed to queue start frame: %w", err)
	}

	t.wg.Wait()
	t.markFinished()

	if err := t.pipeline.Stop(); err != nil {
		t.log.Error("Error stopping pipeline: %v", err)
	}

	t.log.Info("Pipeline finished")
	return t.Err()
}

// Cancel stops the pipeline immediately
func (t *PipelineTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.log.Debug("Cancelling pipeline")
		t.cancel()
	}
}

// processUserFrames processes frames queued by the user
func (t *PipelineTask) processUserFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.userFrameQueue:
			if err := t.pipeline.QueueFrame(frame); err != nil {
				t.log.Error("Error queuing user frame: %v", err)
				t.reportError(err)
			}
		}
	}
}

// handleDownstreamFrame handles frames that reach the sink
func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		t.log.Debug("StartFrame reached the sink")
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		t.log.Info("End frame reached, finishing pipeline")
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		t.log.Info("Cancel frame reached, stopping immediately")
		t.markFinished()
		t.Cancel()

	case *frames.ErrorFrame:
		t.handleError(f)
	}

	return nil
}

// handleUpstreamFrame handles frames going back up the pipeline
func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.InterruptionTaskFrame:
		t.log.Debug("InterruptionTaskFrame received, sending InterruptionFrame downstream")
		if err := t.pipeline.QueueFrame(frames.NewInterruptionFrame()); err != nil {
			t.log.Error("Error queuing interruption frame: %v", err)
			return err
		}

	case *frames.ErrorFrame:
		t.handleError(f)
	}

	return nil
}

func (t *PipelineTask) handleError(f *frames.ErrorFrame) {
	if !f.Fatal {
		t.log.Warn("Error frame received: %v", f.Error)
		t.reportError(f.Error)
		return
	}

	t.log.Error("Fatal error, stopping pipeline: %v", f.Error)
	t.mu.Lock()
	if t.fatalErr == nil {
		t.fatalErr = f.Error
	}
	t.mu.Unlock()
	t.reportError(f.Error)
	t.markFinished()
	t.Cancel()
}

func (t *PipelineTask) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	cb := t.onFinished
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
