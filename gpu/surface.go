package gpu

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrSurfaceReleased is returned when rendering to a released surface.
var ErrSurfaceReleased = errors.New("surface released")

// ErrNoFrameAvailable is returned by UpdateTexImage when nothing was rendered.
var ErrNoFrameAvailable = errors.New("no frame available")

// Surface is a render target consumed by something outside the pipeline,
// typically an encoder's input.
type Surface interface {
	RenderFrame(img *Image, ptsUs int64) error
}

// SurfaceInfo describes the output surface of a processor.
type SurfaceInfo struct {
	Surface            Surface
	Width              int
	Height             int
	OrientationDegrees int
}

type queuedFrame struct {
	img   *Image
	ptsUs int64
}

// SurfaceTexture is a Surface whose frames are consumed as an external
// texture. Producers render into it from any goroutine; each frame raises
// the frame-available callback. The consumer latches frames one at a time
// with UpdateTexImage from its render goroutine.
type SurfaceTexture struct {
	mu               sync.Mutex
	queue            []queuedFrame
	onFrameAvailable func()
	released         bool
}

// NewSurfaceTexture creates an empty surface texture.
func NewSurfaceTexture() *SurfaceTexture {
	return &SurfaceTexture{}
}

// SetOnFrameAvailableListener sets the callback raised for every rendered
// frame. The callback runs on the producer's goroutine.
func (s *SurfaceTexture) SetOnFrameAvailableListener(listener func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrameAvailable = listener
}

// RenderFrame queues a copy of img.
func (s *SurfaceTexture) RenderFrame(img *Image, ptsUs int64) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSurfaceReleased
	}
	s.queue = append(s.queue, queuedFrame{img: img.Clone(), ptsUs: ptsUs})
	listener := s.onFrameAvailable
	s.mu.Unlock()

	if listener != nil {
		listener()
	}
	return nil
}

// UpdateTexImage latches the oldest queued frame into texID and returns
// its presentation time.
func (s *SurfaceTexture) UpdateTexImage(ctx *Context, texID int) (int64, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return 0, ErrNoFrameAvailable
	}
	frame := s.queue[0]
	s.queue[0] = queuedFrame{}
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if err := ctx.Upload(texID, frame.img); err != nil {
		return 0, err
	}
	return frame.ptsUs, nil
}

// PendingFrames returns the number of rendered frames not yet latched.
func (s *SurfaceTexture) PendingFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Release drops queued frames and rejects further rendering.
func (s *SurfaceTexture) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":       "SurfaceTexture.Release",
		"dropped_frames": len(s.queue),
	}).Debug("Releasing surface texture")
	s.released = true
	s.queue = nil
	s.onFrameAvailable = nil
}
