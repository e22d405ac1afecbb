package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/square-key-labs/strawgo-callagent/src/frames"
	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/processors"
)

// PipelineSource is the entry point for frames into the pipeline
type PipelineSource struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSource(task *PipelineTask) *PipelineSource {
	ps := &PipelineSource{
		task: task,
	}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSource", ps)
	return ps
}

func (p *PipelineSource) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		// Frames going upstream from the pipeline go to the task
		if p.task != nil {
			return p.task.handleUpstreamFrame(frame)
		}
		return nil
	}

	// Downstream frames just pass through
	return p.PushFrame(frame, direction)
}

// PipelineSink is the exit point for frames from the pipeline
type PipelineSink struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSink(task *PipelineTask) *PipelineSink {
	ps := &PipelineSink{
		task: task,
	}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSink", ps)
	return ps
}

func (p *PipelineSink) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Downstream {
		// Frames reaching the end of the pipeline are handled by the task
		if p.task != nil {
			return p.task.handleDownstreamFrame(frame)
		}
		return nil
	}

	// Upstream frames pass back through
	return p.PushFrame(frame, direction)
}

// Pipeline connects multiple processors in a linear chain
type Pipeline struct {
	processors []processors.FrameProcessor
	source     *PipelineSource
	sink       *PipelineSink
	log        *logger.Logger
}

// NewPipeline creates a new pipeline with the given processors
func NewPipeline(procs []processors.FrameProcessor) *Pipeline {
	return &Pipeline{
		processors: procs,
		log:        logger.WithPrefix("Pipeline"),
	}
}

// SetLogger scopes the pipeline's log lines, e.g. to a job
func (p *Pipeline) SetLogger(l *logger.Logger) {
	if l != nil {
		p.log = l.WithPrefix("Pipeline")
	}
}

// Processors returns the user processors in order
func (p *Pipeline) Processors() []processors.FrameProcessor {
	return p.processors
}

// Initialize sets up the pipeline with source and sink
func (p *Pipeline) Initialize(task *PipelineTask) error {
	p.source = newPipelineSource(task)
	p.sink = newPipelineSink(task)

	// Build the chain: source -> processors -> sink
	chain := []processors.FrameProcessor{p.source}
	chain = append(chain, p.processors...)
	chain = append(chain, p.sink)

	// Link all processors
	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
	}

	if p.log.IsLevelEnabled(logger.DEBUG) {
		names := make([]string, 0, len(chain))
		for _, proc := range chain {
			names = append(names, proc.Name())
		}
		p.log.Debug("Processor chain: %s", strings.Join(names, " -> "))
	}
	return nil
}

// Start begins processing in all processors
func (p *Pipeline) Start(ctx context.Context) error {
	// Start source
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	// Start all user processors
	for _, proc := range p.processors {
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processor %s: %w", proc.Name(), err)
		}
	}

	// Start sink
	if err := p.sink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	p.log.Info("Started %d processors", len(p.processors))
	return nil
}

// Stop gracefully stops all processors
func (p *Pipeline) Stop() error {

	// Stop in reverse order
	if err := p.sink.Stop(); err != nil {
		p.log.Error("Error stopping sink: %v", err)
	}

	for i := len(p.processors) - 1; i >= 0; i-- {
		if err := p.processors[i].Stop(); err != nil {
			p.log.Error("Error stopping processor %s: %v", p.processors[i].Name(), err)
		}
	}

	if err := p.source.Stop(); err != nil {
		p.log.Error("Error stopping source: %v", err)
	}

	p.log.Debug("Stopped all processors")
	return nil
}

// QueueFrame queues a frame at the source of the pipeline
func (p *Pipeline) QueueFrame(frame frames.Frame) error {
	return p.source.QueueFrame(frame, frames.Downstream)
}
