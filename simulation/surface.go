package simulation

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/transformer/gpu"
)

// ErrSurfaceFailure is returned by a CapturingSurface configured to fail.
var ErrSurfaceFailure = errors.New("simulated surface failure")

// CapturingSurface is a gpu.Surface that keeps a copy of every rendered
// frame.
type CapturingSurface struct {
	mu      sync.Mutex
	frames  []*gpu.Image
	times   []int64
	failing bool
	notify  chan struct{}
}

// NewCapturingSurface creates an empty capturing surface.
func NewCapturingSurface() *CapturingSurface {
	return &CapturingSurface{notify: make(chan struct{}, 1)}
}

// RenderFrame records a copy of img.
func (s *CapturingSurface) RenderFrame(img *gpu.Image, ptsUs int64) error {
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return ErrSurfaceFailure
	}
	s.frames = append(s.frames, img.Clone())
	s.times = append(s.times, ptsUs)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// SetFailing makes subsequent renders fail.
func (s *CapturingSurface) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Times returns the presentation times of rendered frames in order.
func (s *CapturingSurface) Times() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.times...)
}

// Frames returns copies of the rendered frames in order.
func (s *CapturingSurface) Frames() []*gpu.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gpu.Image(nil), s.frames...)
}

// WaitForFrames blocks until at least n frames were rendered or timeout
// elapses. It reports whether n frames arrived.
func (s *CapturingSurface) WaitForFrames(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		count := len(s.frames)
		s.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return false
		}
	}
}
