package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/interruptions"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

// ErrNotStarted is returned when a frame is queued on a processor that was never started
var ErrNotStarted = errors.New("processor not started")

// FrameProcessor is the interface that all processors must implement
type FrameProcessor interface {
	// ProcessFrame processes a single frame
	ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error

	// QueueFrame adds a frame to this processor's queue
	QueueFrame(frame frames.Frame, direction frames.FrameDirection) error

	// PushFrame sends a frame to the next/previous processor
	PushFrame(frame frames.Frame, direction frames.FrameDirection) error

	// Link connects this processor to the next one in the chain
	Link(next FrameProcessor)

	// SetPrev sets the previous processor in the chain
	SetPrev(prev FrameProcessor)

	// Start begins processing frames
	Start(ctx context.Context) error

	// Stop gracefully stops the processor
	Stop() error

	// Name returns the processor name
	Name() string

	// SetLogger scopes the processor's log lines
	SetLogger(l *logger.Logger)
}

// BaseProcessor provides the common functionality for all processors
type BaseProcessor struct {
	name string
	next FrameProcessor
	prev FrameProcessor
	log  *logger.Logger

	// Separate channels for system (high priority) and other frames
	systemChan chan frameWithDirection
	dataChan   chan frameWithDirection

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	// Interruption configuration received with the StartFrame
	allowInterruptions     bool
	interruptionStrategies []interruptions.InterruptionStrategy

	// Handler for subclasses
	handler ProcessHandler
}

type frameWithDirection struct {
	frame     frames.Frame
	direction frames.FrameDirection
}

// ProcessHandler is the interface that subclasses implement for custom processing
type ProcessHandler interface {
	HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error
}

// NewBaseProcessor creates a new BaseProcessor
func NewBaseProcessor(name string, handler ProcessHandler) *BaseProcessor {
	return &BaseProcessor{
		name:       name,
		log:        logger.WithPrefix(name),
		systemChan: make(chan frameWithDirection, 100),
		dataChan:   make(chan frameWithDirection, 1000),
		handler:    handler,
	}
}

func (p *BaseProcessor) Name() string {
	return p.name
}

// Logger returns the processor's component logger
func (p *BaseProcessor) Logger() *logger.Logger {
	return p.log
}

// SetLogger replaces the component logger, e.g. with a job-scoped one
func (p *BaseProcessor) SetLogger(l *logger.Logger) {
	if l != nil {
		p.log = l.WithPrefix(p.name)
	}
}

func (p *BaseProcessor) Link(next FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = next
	if next != nil {
		next.SetPrev(p)
	}
}

func (p *BaseProcessor) SetPrev(prev FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = prev
}

func (p *BaseProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("processor %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	// Start system frame handler (high priority)
	p.wg.Add(1)
	go p.systemFrameHandler()

	// Start data frame handler (normal priority)
	p.wg.Add(1)
	go p.dataFrameHandler()

	p.log.Debug("Started")
	return nil
}

func (p *BaseProcessor) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.log.Debug("Stopped")
	return nil
}

func (p *BaseProcessor) context() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ctx
}

func (p *BaseProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	ctx := p.context()
	if ctx == nil {
		return fmt.Errorf("%s: %w", p.name, ErrNotStarted)
	}

	fwd := frameWithDirection{frame: frame, direction: direction}

	// Check if frame is categorizable
	if categorizable, ok := frame.(frames.Categorizable); ok {
		if categorizable.Category() == frames.SystemCategory {
			select {
			case p.systemChan <- fwd:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// All other frames go to data channel
	select {
	case p.dataChan <- fwd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BaseProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.RLock()
	var target FrameProcessor
	if direction == frames.Downstream {
		target = p.next
	} else {
		target = p.prev
	}
	p.mu.RUnlock()

	if target == nil {
		// End of chain
		return nil
	}

	return target.QueueFrame(frame, direction)
}

func (p *BaseProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.handler != nil {
		return p.handler.HandleFrame(ctx, frame, direction)
	}
	// Default: pass through
	return p.PushFrame(frame, direction)
}

// HandleStartFrame records the interruption configuration carried by the StartFrame
func (p *BaseProcessor) HandleStartFrame(frame *frames.StartFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowInterruptions = frame.AllowInterruptions
	p.interruptionStrategies = frame.InterruptionStrategies
}

// InterruptionsAllowed reports whether the user may interrupt the bot
func (p *BaseProcessor) InterruptionsAllowed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowInterruptions
}

// InterruptionStrategies returns the strategies configured for this pipeline
func (p *BaseProcessor) InterruptionStrategies() []interruptions.InterruptionStrategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interruptionStrategies
}

// PushInterruptionTaskFrame asks the pipeline task to interrupt the bot
func (p *BaseProcessor) PushInterruptionTaskFrame() error {
	return p.PushFrame(frames.NewInterruptionTaskFrame(), frames.Upstream)
}

// HandleInterruptionFrame drops pending data frames queued before an interruption.
// Lifecycle frames are kept.
func (p *BaseProcessor) HandleInterruptionFrame() {
	var kept []frameWithDirection
	dropped := 0
	for {
		select {
		case fwd := <-p.dataChan:
			if keepOnInterruption(fwd.frame) {
				kept = append(kept, fwd)
			} else {
				dropped++
			}
			continue
		default:
		}
		break
	}
	for _, fwd := range kept {
		select {
		case p.dataChan <- fwd:
		default:
			p.log.Warn("Queue full while restoring %s after interruption", fwd.frame.Name())
		}
	}
	if dropped > 0 {
		p.log.Debug("Interruption dropped %d queued frames", dropped)
	}
}

func keepOnInterruption(frame frames.Frame) bool {
	switch frame.(type) {
	case *frames.EndFrame, *frames.LLMContextFrame, *frames.LLMMessagesAppendFrame,
		*frames.LLMMessagesUpdateFrame, *frames.FunctionCallResultFrame:
		return true
	}
	return false
}

// systemFrameHandler processes high-priority system frames immediately
func (p *BaseProcessor) systemFrameHandler() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fwd := <-p.systemChan:
			if err := p.ProcessFrame(p.ctx, fwd.frame, fwd.direction); err != nil {
				p.log.Error("Error processing system frame %s: %v", fwd.frame.Name(), err)
			}
		}
	}
}

// dataFrameHandler processes normal priority data/control frames
func (p *BaseProcessor) dataFrameHandler() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fwd := <-p.dataChan:
			if err := p.ProcessFrame(p.ctx, fwd.frame, fwd.direction); err != nil {
				p.log.Error("Error processing data frame %s: %v", fwd.frame.Name(), err)
			}
		}
	}
}
