package frameprocessor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/gpu"
)

// ErrInputEnded is returned when queueing input after SignalEndOfInput.
var ErrInputEnded = errors.New("input already ended")

// ImageInputManager feeds caller supplied images into the first stage.
// Each image is uploaded into a texture owned by the manager and deleted
// once the first stage has consumed it.
type ImageInputManager struct {
	ctx       *gpu.Context
	submitter TaskSubmitter
	consumer  effect.Stage

	pendingCount atomic.Int64
	ended        atomic.Bool

	// Executor goroutine only.
	queue       []timedFrame
	inFlight    map[int]gpu.TextureInfo
	capacity    int
	inputEnded  bool
	endSignaled bool
}

// NewImageInputManager creates a manager feeding consumer.
func NewImageInputManager(ctx *gpu.Context, submitter TaskSubmitter, consumer effect.Stage) *ImageInputManager {
	return &ImageInputManager{
		ctx:       ctx,
		submitter: submitter,
		consumer:  consumer,
		inFlight:  make(map[int]gpu.TextureInfo),
	}
}

// QueueInputImage uploads a copy of img and delivers it with ptsUs. Safe to
// call from any goroutine.
func (m *ImageInputManager) QueueInputImage(img *gpu.Image, ptsUs int64) error {
	if m.ended.Load() {
		return ErrInputEnded
	}
	frame := img.Clone()
	m.pendingCount.Add(1)
	m.submitter.Submit(func() error {
		tex, err := m.ctx.AllocateTexture(frame.Width, frame.Height)
		if err != nil {
			return fmt.Errorf("upload input image: %w", err)
		}
		if err := m.ctx.Upload(tex.TexID, frame); err != nil {
			_ = m.ctx.FreeTexture(tex)
			return err
		}
		m.queue = append(m.queue, timedFrame{tex: tex, ptsUs: ptsUs})
		return m.maybeDeliverFrame()
	})
	return nil
}

// PendingFrameCount returns the number of images not yet delivered.
func (m *ImageInputManager) PendingFrameCount() int {
	return int(m.pendingCount.Load())
}

// SignalEndOfInput delivers end of stream after the queued images.
func (m *ImageInputManager) SignalEndOfInput() {
	m.ended.Store(true)
	m.submitter.Submit(func() error {
		m.inputEnded = true
		return m.maybeSignalEnd()
	})
}

// OnReadyToAcceptInputFrame implements effect.InputListener.
func (m *ImageInputManager) OnReadyToAcceptInputFrame() {
	m.submitter.Submit(func() error {
		m.capacity++
		return m.maybeDeliverFrame()
	})
}

// OnInputFrameProcessed implements effect.InputListener.
func (m *ImageInputManager) OnInputFrameProcessed(tex gpu.TextureInfo) {
	m.submitter.Submit(func() error {
		owned, ok := m.inFlight[tex.TexID]
		if !ok {
			return fmt.Errorf("%w: %d", gpu.ErrUnknownTexture, tex.TexID)
		}
		delete(m.inFlight, tex.TexID)
		if err := m.ctx.FreeTexture(owned); err != nil {
			return err
		}
		return m.maybeSignalEnd()
	})
}

func (m *ImageInputManager) maybeDeliverFrame() error {
	for m.capacity > 0 && len(m.queue) > 0 {
		frame := m.queue[0]
		m.queue = m.queue[1:]
		m.capacity--
		m.pendingCount.Add(-1)
		m.inFlight[frame.tex.TexID] = frame.tex
		if err := m.consumer.QueueInputFrame(frame.tex, frame.ptsUs); err != nil {
			return err
		}
	}
	return nil
}

func (m *ImageInputManager) maybeSignalEnd() error {
	if !m.inputEnded || m.endSignaled || len(m.queue) > 0 || len(m.inFlight) > 0 {
		return nil
	}
	m.endSignaled = true
	return m.consumer.SignalEndOfCurrentInputStream()
}

// Release frees every texture the manager still owns. Must run on the
// executor goroutine.
func (m *ImageInputManager) Release() error {
	var firstErr error
	for _, frame := range m.queue {
		if err := m.ctx.FreeTexture(frame.tex); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, tex := range m.inFlight {
		if err := m.ctx.FreeTexture(tex); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.queue = nil
	m.inFlight = make(map[int]gpu.TextureInfo)
	return firstErr
}
