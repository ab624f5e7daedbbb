package frameprocessor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// ErrTerminalStage is returned when releasing output of the terminal stage,
// which hands frames to a surface rather than to another stage.
var ErrTerminalStage = errors.New("terminal stage has no releasable output")

// offsetQueue holds the stream offsets of segments still in flight.
type offsetQueue struct {
	mu             sync.Mutex
	offsets        []int64
	lastRegistered int64
	hasRegistered  bool
}

// register appends offsetUs if it starts a new segment.
func (q *offsetQueue) register(offsetUs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hasRegistered && q.lastRegistered == offsetUs {
		return
	}
	q.hasRegistered = true
	q.lastRegistered = offsetUs
	q.offsets = append(q.offsets, offsetUs)
}

// pop removes the oldest offset and reports whether the queue is now empty.
func (q *offsetQueue) pop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.offsets) > 0 {
		q.offsets = q.offsets[1:]
	}
	return len(q.offsets) == 0
}

func (q *offsetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.offsets)
}

type heldItem struct {
	frame       timedFrame
	endOfStream bool
}

// FinalStage renders frames to the output surface. It accepts one frame at
// a time and holds it until an output surface is available.
type FinalStage struct {
	ctx           *gpu.Context
	renderer      *effect.MatrixRenderer
	inputTransfer media.ColorTransfer
	listener      Listener
	offsets       *offsetQueue
	inputEnded    func() bool

	inputListener effect.InputListener

	surfaceInfo  *gpu.SurfaceInfo
	outputTex    gpu.TextureInfo
	inputWidth   int
	inputHeight  int
	outputWidth  int
	outputHeight int
	held         []heldItem
	ended        bool
	framesOut    int
}

func newFinalStage(ctx *gpu.Context, trailing []effect.MatrixTransformation, inputTransfer media.ColorTransfer,
	listener Listener, offsets *offsetQueue, inputEnded func() bool) *FinalStage {
	return &FinalStage{
		ctx:           ctx,
		renderer:      effect.NewMatrixRenderer(trailing),
		inputTransfer: inputTransfer,
		listener:      listener,
		offsets:       offsets,
		inputEnded:    inputEnded,
		outputTex:     gpu.UnsetTexture,
	}
}

// SetInputListener grants the single input token.
func (s *FinalStage) SetInputListener(listener effect.InputListener) {
	s.inputListener = listener
	listener.OnReadyToAcceptInputFrame()
}

// SetOutputListener is a no-op; output goes to the surface.
func (s *FinalStage) SetOutputListener(effect.OutputListener) {}

// QueueInputFrame renders tex, or holds it while no surface is set.
func (s *FinalStage) QueueInputFrame(tex gpu.TextureInfo, ptsUs int64) error {
	if tex.Width != s.inputWidth || tex.Height != s.inputHeight {
		if err := s.configure(tex.Width, tex.Height); err != nil {
			return err
		}
	}
	if s.surfaceInfo == nil || len(s.held) > 0 {
		s.held = append(s.held, heldItem{frame: timedFrame{tex: tex, ptsUs: ptsUs}})
		return nil
	}
	return s.renderFrame(tex, ptsUs)
}

func (s *FinalStage) configure(width, height int) error {
	outWidth, outHeight, err := s.renderer.Configure(width, height)
	if err != nil {
		return fmt.Errorf("final stage: configure %dx%d: %w", width, height, err)
	}
	s.inputWidth, s.inputHeight = width, height
	if outWidth == s.outputWidth && outHeight == s.outputHeight {
		return nil
	}

	if err := s.ctx.FreeTexture(s.outputTex); err != nil {
		return err
	}
	s.outputTex = gpu.UnsetTexture
	tex, err := s.ctx.AllocateTexture(outWidth, outHeight)
	if err != nil {
		return fmt.Errorf("final stage: allocate %dx%d: %w", outWidth, outHeight, err)
	}
	s.outputTex = tex
	s.outputWidth, s.outputHeight = outWidth, outHeight

	logrus.WithFields(logrus.Fields{
		"function": "FinalStage.configure",
		"width":    outWidth,
		"height":   outHeight,
	}).Debug("Output size changed")
	s.listener.OnOutputSizeChanged(outWidth, outHeight)
	return nil
}

func (s *FinalStage) renderFrame(tex gpu.TextureInfo, ptsUs int64) error {
	if err := s.renderer.Draw(s.ctx, tex, s.outputTex, ptsUs); err != nil {
		return fmt.Errorf("final stage: draw at %dus: %w", ptsUs, err)
	}
	img, err := s.ctx.Image(s.outputTex.TexID)
	if err != nil {
		return err
	}
	if s.inputTransfer == media.ColorTransferLinear {
		gpu.EncodeGamma(img)
	}

	info := s.surfaceInfo
	if info.Width != img.Width || info.Height != img.Height || info.OrientationDegrees != 0 {
		target := gpu.NewImage(info.Width, info.Height)
		if err := gpu.Render(target, img, gpu.RotateMatrix(float64(info.OrientationDegrees))); err != nil {
			return err
		}
		img = target
	}
	if err := info.Surface.RenderFrame(img, ptsUs); err != nil {
		return fmt.Errorf("final stage: render to surface: %w", err)
	}
	s.framesOut++

	s.inputListener.OnInputFrameProcessed(tex)
	s.inputListener.OnReadyToAcceptInputFrame()
	s.listener.OnOutputFrameAvailableForRendering(ptsUs)
	return nil
}

// ReleaseOutputFrame implements effect.Stage.
func (s *FinalStage) ReleaseOutputFrame(gpu.TextureInfo) error {
	return ErrTerminalStage
}

// SignalEndOfCurrentInputStream closes the oldest segment. The processor
// ends once every segment is closed and input has ended.
func (s *FinalStage) SignalEndOfCurrentInputStream() error {
	if len(s.held) > 0 {
		s.held = append(s.held, heldItem{endOfStream: true})
		return nil
	}
	s.handleEndOfStream()
	return nil
}

func (s *FinalStage) handleEndOfStream() {
	empty := s.offsets.pop()
	if !empty || !s.inputEnded() || s.ended {
		return
	}
	s.ended = true
	logrus.WithFields(logrus.Fields{
		"function":   "FinalStage.handleEndOfStream",
		"frames_out": s.framesOut,
	}).Debug("Frame processing ended")
	s.listener.OnEnded()
}

// SetOutputSurfaceInfo replaces the output surface and renders any held
// frames. A nil info holds subsequent frames.
func (s *FinalStage) SetOutputSurfaceInfo(info *gpu.SurfaceInfo) error {
	s.surfaceInfo = info
	if info == nil {
		return nil
	}
	for len(s.held) > 0 {
		item := s.held[0]
		s.held = s.held[1:]
		if item.endOfStream {
			s.handleEndOfStream()
			continue
		}
		if err := s.renderFrame(item.frame.tex, item.frame.ptsUs); err != nil {
			return err
		}
	}
	return nil
}

// Release frees the output texture.
func (s *FinalStage) Release() error {
	err := s.ctx.FreeTexture(s.outputTex)
	s.outputTex = gpu.UnsetTexture
	s.held = nil
	return err
}
