package effect

import (
	"errors"

	"github.com/opd-ai/transformer/gpu"
)

var (
	// ErrNoCapacity is returned when a frame is queued to a stage that has not
	// announced capacity for it.
	ErrNoCapacity = errors.New("stage has no free output texture")

	// ErrUnknownOutputFrame is returned when releasing a texture the stage
	// did not hand out.
	ErrUnknownOutputFrame = errors.New("texture not owned by stage")
)

// InputListener receives the input side events of a stage: capacity
// announcements and the return of consumed input textures.
type InputListener interface {
	// OnReadyToAcceptInputFrame grants one capacity token.
	OnReadyToAcceptInputFrame()
	// OnInputFrameProcessed returns ownership of tex to the producer.
	OnInputFrameProcessed(tex gpu.TextureInfo)
}

// OutputListener receives the frames a stage produces.
type OutputListener interface {
	// OnOutputFrameAvailable hands ownership of tex to the consumer until it
	// calls ReleaseOutputFrame.
	OnOutputFrameAvailable(tex gpu.TextureInfo, ptsUs int64)
	// OnCurrentOutputStreamEnded signals the end of the current segment.
	OnCurrentOutputStreamEnded()
}

// Stage consumes one input frame and produces at most one output frame.
// Every method must be called on the executor goroutine that owns the
// stage's rendering context.
type Stage interface {
	SetInputListener(listener InputListener)
	SetOutputListener(listener OutputListener)
	// QueueInputFrame renders tex. The stage owns tex until it reports it
	// processed through the input listener.
	QueueInputFrame(tex gpu.TextureInfo, ptsUs int64) error
	// ReleaseOutputFrame returns an output texture previously handed out.
	ReleaseOutputFrame(tex gpu.TextureInfo) error
	SignalEndOfCurrentInputStream() error
	// Release frees every resource the stage allocated.
	Release() error
}

// Effect is an entry of a processor's effect list.
type Effect interface {
	Name() string
}

// StageEffect is an effect rendered by a dedicated stage.
type StageEffect interface {
	Effect
	NewStage(ctx *gpu.Context) (Stage, error)
}

// MatrixTransformation is a purely geometric effect. Consecutive matrix
// transformations are composed and rendered in a single pass.
type MatrixTransformation interface {
	Effect
	// Configure is called with the input size whenever it changes and
	// returns the output size.
	Configure(inputWidth, inputHeight int) (outputWidth, outputHeight int, err error)
	// Matrix maps input normalized device coordinates to output ones for
	// the frame at ptsUs.
	Matrix(ptsUs int64) gpu.Matrix
}

type nopInputListener struct{}

func (nopInputListener) OnReadyToAcceptInputFrame()            {}
func (nopInputListener) OnInputFrameProcessed(gpu.TextureInfo) {}

type nopOutputListener struct{}

func (nopOutputListener) OnOutputFrameAvailable(gpu.TextureInfo, int64) {}
func (nopOutputListener) OnCurrentOutputStreamEnded()                   {}
