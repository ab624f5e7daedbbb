package simulation

import (
	"fmt"
	"sync"

	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/gpu"
)

// ScriptedStage is an effect.Stage driven explicitly by a test. It records
// every frame it receives and tracks which textures it currently owns on
// either side, so tests can check ownership hand-offs.
type ScriptedStage struct {
	Name string

	mu             sync.Mutex
	inputListener  effect.InputListener
	outputListener effect.OutputListener

	received    []int64
	inputsHeld  map[int]bool
	outputsOut  map[int]bool
	endOfStream int
	nextTexID   int
	released    bool
}

// NewScriptedStage creates a stage. Output texture ids start at texBase.
func NewScriptedStage(name string, texBase int) *ScriptedStage {
	return &ScriptedStage{
		Name:       name,
		inputsHeld: make(map[int]bool),
		outputsOut: make(map[int]bool),
		nextTexID:  texBase,
	}
}

// SetInputListener implements effect.Stage.
func (s *ScriptedStage) SetInputListener(l effect.InputListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputListener = l
}

// SetOutputListener implements effect.Stage.
func (s *ScriptedStage) SetOutputListener(l effect.OutputListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputListener = l
}

// QueueInputFrame records the frame and keeps ownership of tex until
// ProcessInput is called.
func (s *ScriptedStage) QueueInputFrame(tex gpu.TextureInfo, ptsUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputsHeld[tex.TexID] {
		return fmt.Errorf("%s: texture %d queued twice", s.Name, tex.TexID)
	}
	s.inputsHeld[tex.TexID] = true
	s.received = append(s.received, ptsUs)
	return nil
}

// ReleaseOutputFrame implements effect.Stage.
func (s *ScriptedStage) ReleaseOutputFrame(tex gpu.TextureInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.outputsOut[tex.TexID] {
		return fmt.Errorf("%s: texture %d released but not handed out", s.Name, tex.TexID)
	}
	delete(s.outputsOut, tex.TexID)
	return nil
}

// SignalEndOfCurrentInputStream implements effect.Stage.
func (s *ScriptedStage) SignalEndOfCurrentInputStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfStream++
	s.received = append(s.received, -1)
	return nil
}

// Release implements effect.Stage.
func (s *ScriptedStage) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

// GrantCapacity announces one input token.
func (s *ScriptedStage) GrantCapacity() {
	s.mu.Lock()
	l := s.inputListener
	s.mu.Unlock()
	l.OnReadyToAcceptInputFrame()
}

// ProduceFrame hands a new output texture downstream.
func (s *ScriptedStage) ProduceFrame(ptsUs int64) gpu.TextureInfo {
	s.mu.Lock()
	tex := gpu.TextureInfo{TexID: s.nextTexID, FboID: -1, Width: 2, Height: 2}
	s.nextTexID++
	s.outputsOut[tex.TexID] = true
	l := s.outputListener
	s.mu.Unlock()
	l.OnOutputFrameAvailable(tex, ptsUs)
	return tex
}

// EndOutputStream signals the end of the current output segment.
func (s *ScriptedStage) EndOutputStream() {
	s.mu.Lock()
	l := s.outputListener
	s.mu.Unlock()
	l.OnCurrentOutputStreamEnded()
}

// ProcessInput reports tex as consumed to the producer.
func (s *ScriptedStage) ProcessInput(tex gpu.TextureInfo) error {
	s.mu.Lock()
	if !s.inputsHeld[tex.TexID] {
		s.mu.Unlock()
		return fmt.Errorf("%s: texture %d not held", s.Name, tex.TexID)
	}
	delete(s.inputsHeld, tex.TexID)
	l := s.inputListener
	s.mu.Unlock()
	l.OnInputFrameProcessed(tex)
	return nil
}

// Received returns the presentation times received, with -1 for each end
// of stream.
func (s *ScriptedStage) Received() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.received...)
}

// HeldInputs returns the texture ids queued but not yet processed.
func (s *ScriptedStage) HeldInputs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.inputsHeld))
	for id := range s.inputsHeld {
		ids = append(ids, id)
	}
	return ids
}

// OwnsOutput reports whether texID was handed out and not yet released.
func (s *ScriptedStage) OwnsOutput(texID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputsOut[texID]
}

// EndOfStreamCount returns how many end of stream signals were received.
func (s *ScriptedStage) EndOfStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOfStream
}

// IsReleased reports whether Release was called.
func (s *ScriptedStage) IsReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
