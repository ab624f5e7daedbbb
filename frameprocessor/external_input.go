package frameprocessor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/gpu"
	"github.com/sirupsen/logrus"
)

// ErrFrameNotRegistered is raised when a frame arrives on the input surface
// without a registered FrameInfo.
var ErrFrameNotRegistered = errors.New("frame arrived without registered frame info")

// FrameInfo describes the next frame to arrive on the input.
type FrameInfo struct {
	Width                 int
	Height                int
	PixelWidthHeightRatio float64
	// OffsetUs is added to the frame presentation time. A change of offset
	// starts a new input segment.
	OffsetUs int64
}

// ExternalInputManager feeds frames rendered to a SurfaceTexture into the
// first stage. Frame registration and frame arrival may happen on any
// goroutine; delivery always runs as an executor task.
type ExternalInputManager struct {
	ctx           *gpu.Context
	submitter     TaskSubmitter
	consumer      effect.Stage
	surface       *gpu.SurfaceTexture
	externalTexID int

	mu      sync.Mutex
	pending []FrameInfo

	availableFrames atomic.Int64

	// Executor goroutine only.
	capacity      int
	current       *FrameInfo
	hasLastOffset bool
	lastOffsetUs  int64
	inputEnded    bool
	endSignaled   bool
}

// NewExternalInputManager creates the external texture and its surface.
// Must run on the executor goroutine.
func NewExternalInputManager(ctx *gpu.Context, submitter TaskSubmitter, consumer effect.Stage) (*ExternalInputManager, error) {
	texID, err := ctx.CreateTexture(2, 2)
	if err != nil {
		return nil, fmt.Errorf("create external texture: %w", err)
	}
	m := &ExternalInputManager{
		ctx:           ctx,
		submitter:     submitter,
		consumer:      consumer,
		surface:       gpu.NewSurfaceTexture(),
		externalTexID: texID,
	}
	m.surface.SetOnFrameAvailableListener(m.onFrameAvailable)
	return m, nil
}

// Surface returns the surface producers render into.
func (m *ExternalInputManager) Surface() *gpu.SurfaceTexture {
	return m.surface
}

// RegisterInputFrame declares the next frame to arrive. Frames must be
// registered in arrival order, before they are rendered.
func (m *ExternalInputManager) RegisterInputFrame(info FrameInfo) {
	m.mu.Lock()
	m.pending = append(m.pending, info)
	m.mu.Unlock()
}

// PendingFrameCount returns the number of registered frames not yet
// forwarded to the first stage.
func (m *ExternalInputManager) PendingFrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SignalEndOfInput requests the final end of stream once every registered
// frame has been processed.
func (m *ExternalInputManager) SignalEndOfInput() {
	m.submitter.Submit(func() error {
		m.inputEnded = true
		return m.maybeSignalEnd()
	})
}

// onFrameAvailable runs on the producer goroutine.
func (m *ExternalInputManager) onFrameAvailable() {
	m.availableFrames.Add(1)
	m.submitter.Submit(m.maybeDeliverFrame)
}

// OnReadyToAcceptInputFrame implements effect.InputListener.
func (m *ExternalInputManager) OnReadyToAcceptInputFrame() {
	m.submitter.Submit(func() error {
		m.capacity++
		return m.maybeDeliverFrame()
	})
}

// OnInputFrameProcessed implements effect.InputListener. The external
// texture can be overwritten once the first stage has consumed it.
func (m *ExternalInputManager) OnInputFrameProcessed(gpu.TextureInfo) {
	m.submitter.Submit(func() error {
		m.current = nil
		if err := m.maybeSignalEnd(); err != nil {
			return err
		}
		return m.maybeDeliverFrame()
	})
}

// maybeDeliverFrame forwards one frame if the first stage has capacity, a
// frame has arrived and no earlier frame is still in flight.
func (m *ExternalInputManager) maybeDeliverFrame() error {
	if m.capacity == 0 || m.availableFrames.Load() == 0 || m.current != nil {
		return nil
	}

	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return ErrFrameNotRegistered
	}
	info := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()

	ptsUs, err := m.surface.UpdateTexImage(m.ctx, m.externalTexID)
	if err != nil {
		return fmt.Errorf("latch external frame: %w", err)
	}
	m.availableFrames.Add(-1)

	if m.hasLastOffset && info.OffsetUs != m.lastOffsetUs {
		logrus.WithFields(logrus.Fields{
			"function":        "ExternalInputManager.maybeDeliverFrame",
			"previous_offset": m.lastOffsetUs,
			"offset":          info.OffsetUs,
		}).Debug("Input segment changed")
		if err := m.consumer.SignalEndOfCurrentInputStream(); err != nil {
			return err
		}
	}
	m.hasLastOffset = true
	m.lastOffsetUs = info.OffsetUs

	m.current = &info
	m.capacity--
	tex := gpu.TextureInfo{TexID: m.externalTexID, FboID: -1, Width: info.Width, Height: info.Height}
	return m.consumer.QueueInputFrame(tex, ptsUs+info.OffsetUs)
}

func (m *ExternalInputManager) maybeSignalEnd() error {
	if !m.inputEnded || m.endSignaled || m.current != nil || m.PendingFrameCount() > 0 {
		return nil
	}
	m.endSignaled = true
	return m.consumer.SignalEndOfCurrentInputStream()
}

// Release deletes the external texture and stops accepting frames. Must run
// on the executor goroutine.
func (m *ExternalInputManager) Release() error {
	m.surface.Release()
	return m.ctx.DeleteTexture(m.externalTexID)
}
