package effect

import (
	"fmt"

	"github.com/opd-ai/transformer/gpu"
	"github.com/sirupsen/logrus"
)

// Renderer draws one input texture into one output texture.
type Renderer interface {
	// Configure returns the output size for frames of the given input size.
	Configure(inputWidth, inputHeight int) (outputWidth, outputHeight int, err error)
	Draw(ctx *gpu.Context, input, output gpu.TextureInfo, ptsUs int64) error
}

// BaseStage is a Stage that renders each input frame into a texture taken
// from a fixed size pool. Capacity is announced once per free texture when
// the input listener is set and again whenever an output frame is released.
type BaseStage struct {
	name     string
	ctx      *gpu.Context
	renderer Renderer
	pool     *TexturePool

	inputListener  InputListener
	outputListener OutputListener

	inputWidth  int
	inputHeight int
}

// NewBaseStage creates a stage rendering with renderer and holding capacity
// output textures.
func NewBaseStage(name string, ctx *gpu.Context, renderer Renderer, capacity int) *BaseStage {
	return &BaseStage{
		name:           name,
		ctx:            ctx,
		renderer:       renderer,
		pool:           NewTexturePool(capacity),
		inputListener:  nopInputListener{},
		outputListener: nopOutputListener{},
	}
}

// Name identifies the stage in logs.
func (s *BaseStage) Name() string { return s.name }

// SetInputListener sets the listener and grants one token per free texture.
func (s *BaseStage) SetInputListener(listener InputListener) {
	s.inputListener = listener
	for i := 0; i < s.pool.FreeCount(); i++ {
		listener.OnReadyToAcceptInputFrame()
	}
}

// SetOutputListener sets the listener receiving rendered frames.
func (s *BaseStage) SetOutputListener(listener OutputListener) {
	s.outputListener = listener
}

// QueueInputFrame renders tex into a pooled texture, returns tex to the
// producer and hands the output downstream.
func (s *BaseStage) QueueInputFrame(tex gpu.TextureInfo, ptsUs int64) error {
	if s.pool.FreeCount() == 0 {
		return fmt.Errorf("%s: %w", s.name, ErrNoCapacity)
	}
	if tex.Width != s.inputWidth || tex.Height != s.inputHeight {
		if err := s.configure(tex.Width, tex.Height); err != nil {
			return err
		}
	}

	out, err := s.pool.Use()
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if err := s.renderer.Draw(s.ctx, tex, out, ptsUs); err != nil {
		return fmt.Errorf("%s: draw at %dus: %w", s.name, ptsUs, err)
	}

	s.inputListener.OnInputFrameProcessed(tex)
	s.outputListener.OnOutputFrameAvailable(out, ptsUs)
	return nil
}

func (s *BaseStage) configure(width, height int) error {
	outWidth, outHeight, err := s.renderer.Configure(width, height)
	if err != nil {
		return fmt.Errorf("%s: configure %dx%d: %w", s.name, width, height, err)
	}
	if err := s.pool.EnsureConfigured(s.ctx, outWidth, outHeight); err != nil {
		return fmt.Errorf("%s: allocate %dx%d: %w", s.name, outWidth, outHeight, err)
	}
	s.inputWidth, s.inputHeight = width, height

	logrus.WithFields(logrus.Fields{
		"function":      "BaseStage.configure",
		"stage":         s.name,
		"input_width":   width,
		"input_height":  height,
		"output_width":  outWidth,
		"output_height": outHeight,
	}).Debug("Configured stage output size")
	return nil
}

// ReleaseOutputFrame returns tex to the pool and grants a new token.
func (s *BaseStage) ReleaseOutputFrame(tex gpu.TextureInfo) error {
	if err := s.pool.Release(s.ctx, tex); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.inputListener.OnReadyToAcceptInputFrame()
	return nil
}

// SignalEndOfCurrentInputStream forwards the end of segment downstream.
// Every input frame has already been rendered when this is called.
func (s *BaseStage) SignalEndOfCurrentInputStream() error {
	s.outputListener.OnCurrentOutputStreamEnded()
	return nil
}

// Release frees the texture pool.
func (s *BaseStage) Release() error {
	if err := s.pool.DeleteAll(s.ctx); err != nil {
		return fmt.Errorf("%s: release: %w", s.name, err)
	}
	return nil
}
