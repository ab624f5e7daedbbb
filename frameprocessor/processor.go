package frameprocessor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/executor"
	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// DefaultReleaseTimeout bounds the wait for the executor in Release.
const DefaultReleaseTimeout = 500 * time.Millisecond

var (
	// ErrUnsupportedEffect is returned for effects that are neither matrix
	// transformations nor stage effects.
	ErrUnsupportedEffect = errors.New("unsupported effect")
	// ErrWrongInputMode is returned when calling an input method of the
	// other input mode.
	ErrWrongInputMode = errors.New("operation not supported in this input mode")
)

// InputMode selects how frames enter the processor.
type InputMode int

const (
	// InputModeSurface accepts frames rendered to InputSurface, each
	// announced with RegisterInputFrame.
	InputModeSurface InputMode = iota
	// InputModeImage accepts images passed to QueueInputImage.
	InputModeImage
)

// Listener receives processor events. Callbacks run on the executor
// goroutine and must not block.
type Listener interface {
	// OnOutputSizeChanged reports the size of rendered frames. The output
	// surface should be (re)configured to match.
	OnOutputSizeChanged(width, height int)
	// OnOutputFrameAvailableForRendering reports a frame rendered to the
	// output surface.
	OnOutputFrameAvailableForRendering(ptsUs int64)
	// OnError reports the first processing failure.
	OnError(err *media.ExportError)
	// OnEnded reports that every input frame has been rendered.
	OnEnded()
}

// Config holds processor construction options.
type Config struct {
	InputMode          InputMode
	InputColorTransfer media.ColorTransfer
	// ContextFactory creates the rendering context. Defaults to
	// gpu.NewContext.
	ContextFactory gpu.ContextFactory
	// ReleaseTimeout defaults to DefaultReleaseTimeout.
	ReleaseTimeout time.Duration
}

type nopListener struct{}

func (nopListener) OnOutputSizeChanged(int, int)             {}
func (nopListener) OnOutputFrameAvailableForRendering(int64) {}
func (nopListener) OnError(*media.ExportError)               {}
func (nopListener) OnEnded()                                 {}

type inputManager interface {
	effect.InputListener
	SignalEndOfInput()
	PendingFrameCount() int
	Release() error
}

// Processor applies an effect list to a stream of frames. All rendering
// happens on its own executor goroutine.
type Processor struct {
	cfg      Config
	listener Listener
	exec     *executor.TaskExecutor

	// Set during setup, read-only afterwards.
	ctx           *gpu.Context
	stages        []effect.Stage
	finalStage    *FinalStage
	input         inputManager
	externalInput *ExternalInputManager
	imageInput    *ImageInputManager

	offsets    *offsetQueue
	inputEnded atomic.Bool

	releaseOnce sync.Once
	releaseErr  error
}

// New builds the stage chain for effects and returns once the rendering
// context and every stage exist.
//
// Consecutive matrix transformations are composed: a run before the first
// stage effect is folded into the input stage, a run between two stage
// effects becomes one matrix stage and a trailing run is applied by the
// final stage. Each stage effect gets its own stage.
func New(cfg Config, effects []effect.Effect, listener Listener) (*Processor, error) {
	if cfg.ContextFactory == nil {
		cfg.ContextFactory = gpu.NewContext
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	if listener == nil {
		listener = nopListener{}
	}

	p := &Processor{
		cfg:      cfg,
		listener: listener,
		offsets:  &offsetQueue{},
	}
	p.exec = executor.New(p.onExecutorError)

	setupErr := make(chan error, 1)
	p.exec.Submit(func() error {
		setupErr <- p.setup(effects)
		return nil
	})
	if err := <-setupErr; err != nil {
		releaseErr := p.Release()
		if releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
		return nil, media.NewExportError(media.ErrorCodeVideoFrameProcessingFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "frameprocessor.New",
		"effects":    len(effects),
		"stages":     p.StageCount(),
		"input_mode": cfg.InputMode,
	}).Info("Frame processor created")
	return p, nil
}

func (p *Processor) onExecutorError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Processor.onExecutorError",
		"error":    err.Error(),
	}).Error("Frame processing failed")
	p.listener.OnError(media.AsExportError(err, media.ErrorCodeVideoFrameProcessingFailed))
}

// setup runs on the executor goroutine.
func (p *Processor) setup(effects []effect.Effect) error {
	ctx, err := p.cfg.ContextFactory()
	if err != nil {
		return fmt.Errorf("create gpu context: %w", err)
	}
	p.ctx = ctx

	stages, trailing, err := buildStages(ctx, effects)
	if err != nil {
		return err
	}
	p.stages = stages
	p.finalStage = newFinalStage(ctx, trailing, p.cfg.InputColorTransfer, p.listener, p.offsets, p.inputEnded.Load)

	switch p.cfg.InputMode {
	case InputModeImage:
		p.imageInput = NewImageInputManager(ctx, p.exec, stages[0])
		p.input = p.imageInput
	default:
		ext, err := NewExternalInputManager(ctx, p.exec, stages[0])
		if err != nil {
			return err
		}
		p.externalInput = ext
		p.input = ext
	}

	chain := append(append([]effect.Stage{}, stages...), p.finalStage)
	for i := 0; i < len(chain)-1; i++ {
		l := NewChainingListener(chain[i], chain[i+1], p.exec)
		chain[i].SetOutputListener(l)
		chain[i+1].SetInputListener(l)
	}
	chain[0].SetInputListener(p.input)
	return nil
}

// buildStages partitions effects into stages and returns the trailing
// matrix transformations for the final stage.
func buildStages(ctx *gpu.Context, effects []effect.Effect) ([]effect.Stage, []effect.MatrixTransformation, error) {
	var stages []effect.Stage
	var run []effect.MatrixTransformation
	first := true

	for _, e := range effects {
		switch fx := e.(type) {
		case effect.MatrixTransformation:
			run = append(run, fx)
		case effect.StageEffect:
			if first || len(run) > 0 {
				stages = append(stages, effect.NewMatrixStage(ctx, run))
			}
			first = false
			run = nil
			stage, err := fx.NewStage(ctx)
			if err != nil {
				releaseStages(stages)
				return nil, nil, fmt.Errorf("create stage %s: %w", fx.Name(), err)
			}
			stages = append(stages, stage)
		default:
			releaseStages(stages)
			return nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedEffect, e)
		}
	}
	if first {
		stages = append(stages, effect.NewMatrixStage(ctx, nil))
	}
	return stages, run, nil
}

func releaseStages(stages []effect.Stage) {
	for _, s := range stages {
		_ = s.Release()
	}
}

// InputSurface returns the surface producers render frames into. It is nil
// in image input mode.
func (p *Processor) InputSurface() gpu.Surface {
	if p.externalInput == nil {
		return nil
	}
	return p.externalInput.Surface()
}

// RegisterInputFrame announces the next frame rendered to InputSurface.
// Non-square pixels are corrected by stretching the frame.
func (p *Processor) RegisterInputFrame(info FrameInfo) error {
	if p.externalInput == nil {
		return ErrWrongInputMode
	}
	if p.inputEnded.Load() {
		return ErrInputEnded
	}
	info = adjustForPixelAspectRatio(info)
	p.offsets.register(info.OffsetUs)
	p.externalInput.RegisterInputFrame(info)
	return nil
}

func adjustForPixelAspectRatio(info FrameInfo) FrameInfo {
	par := info.PixelWidthHeightRatio
	switch {
	case par > 1:
		info.Width = limits.EvenDimension(int(math.Round(float64(info.Width) * par)))
	case par > 0 && par < 1:
		info.Height = limits.EvenDimension(int(math.Round(float64(info.Height) / par)))
	}
	info.PixelWidthHeightRatio = 1
	return info
}

// QueueInputImage queues one image in image input mode.
func (p *Processor) QueueInputImage(img *gpu.Image, ptsUs int64) error {
	if p.imageInput == nil {
		return ErrWrongInputMode
	}
	p.offsets.register(0)
	return p.imageInput.QueueInputImage(img, ptsUs)
}

// SignalEndOfInput declares that no more frames will be registered or
// queued. OnEnded follows once every frame has been rendered.
func (p *Processor) SignalEndOfInput() {
	if p.inputEnded.Swap(true) {
		return
	}
	p.input.SignalEndOfInput()
}

// SetOutputSurfaceInfo sets the surface frames are rendered to. It runs
// ahead of queued input work so that held frames are released first.
func (p *Processor) SetOutputSurfaceInfo(info *gpu.SurfaceInfo) {
	p.exec.SubmitWithHighPriority(func() error {
		return p.finalStage.SetOutputSurfaceInfo(info)
	})
}

// PendingInputFrameCount returns the number of frames registered or queued
// but not yet delivered to the first stage.
func (p *Processor) PendingInputFrameCount() int {
	return p.input.PendingFrameCount()
}

// StageCount returns the number of stages including the final one.
func (p *Processor) StageCount() int {
	return len(p.stages) + 1
}

// Context returns the rendering context, for leak checks after Release.
func (p *Processor) Context() *gpu.Context {
	return p.ctx
}

// Release tears down every stage and the rendering context on the executor.
// A timeout is returned but the teardown still completes in the background.
// Subsequent calls return the first result.
func (p *Processor) Release() error {
	p.releaseOnce.Do(func() {
		p.releaseErr = p.exec.Release(p.releaseResources, p.cfg.ReleaseTimeout)
		logrus.WithFields(logrus.Fields{
			"function": "Processor.Release",
			"error":    p.releaseErr,
		}).Debug("Frame processor released")
	})
	return p.releaseErr
}

func (p *Processor) releaseResources() error {
	var result *multierror.Error
	if p.input != nil {
		result = multierror.Append(result, p.input.Release())
	}
	for _, s := range p.stages {
		result = multierror.Append(result, s.Release())
	}
	if p.finalStage != nil {
		result = multierror.Append(result, p.finalStage.Release())
	}
	if p.ctx != nil {
		result = multierror.Append(result, p.ctx.Destroy())
	}
	return result.ErrorOrNil()
}
