package pipeline

import (
	"errors"
	"fmt"

	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoInputBuffer is returned by QueueInputBuffer without a
	// preceding successful DequeueInputBuffer.
	ErrNoInputBuffer = errors.New("no input buffer dequeued")
	// ErrInputEnded is returned when input arrives after end of stream.
	ErrInputEnded = errors.New("input already ended")
	// ErrNoVideoFrames is returned when a transcoded video track ends
	// without producing a single frame.
	ErrNoVideoFrames = errors.New("video track produced no frames")
)

// State is the position of a pipeline in its track lifecycle.
type State int

const (
	// StateAwaitingInput means the pipeline made no progress and is waiting
	// for more input.
	StateAwaitingInput State = iota
	// StateTransforming means data is moving through decode, effects or
	// encode.
	StateTransforming
	// StateAwaitingMuxer means a sample is ready but the muxer refused it.
	StateAwaitingMuxer
	// StateEnded means the muxer accepted the last sample and the track
	// was ended.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting-input"
	case StateTransforming:
		return "transforming"
	case StateAwaitingMuxer:
		return "awaiting-muxer"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SamplePipeline moves the samples of one track from the asset to the
// muxer. All methods are called from the job's driver goroutine.
type SamplePipeline interface {
	// DequeueInputBuffer returns a buffer to fill with the next input
	// sample, or nil if the pipeline cannot take input yet.
	DequeueInputBuffer() (*media.Buffer, error)
	// QueueInputBuffer hands over the buffer returned by the last
	// DequeueInputBuffer. An end-of-stream buffer ends the input.
	QueueInputBuffer() error
	// ProcessData makes one step of progress and reports whether calling
	// it again right away could make more.
	ProcessData() (bool, error)
	// IsEnded reports whether the track was ended in the muxer.
	IsEnded() bool
	// State returns the current lifecycle state.
	State() State
	// Release frees codecs and processors. It is safe to call more than
	// once.
	Release() error
}

// muxerInput is the track-specific half of a pipeline: everything up to
// and including the buffer handed to the muxer.
type muxerInput interface {
	muxerInputFormat() (media.Format, bool)
	muxerInputBuffer() (*media.Buffer, error)
	releaseMuxerInputBuffer() error
	isMuxerInputEnded() bool
	processDataUpToMuxer() (bool, error)
}

// base feeds the muxer from a muxerInput and tracks the pipeline state.
type base struct {
	trackType     media.TrackType
	muxer         *muxer.Wrapper
	streamStartUs int64
	input         muxerInput

	trackAdded bool
	trackEnded bool
	state      State
	written    int
}

func newBase(trackType media.TrackType, mux *muxer.Wrapper, streamStartUs int64, input muxerInput) base {
	return base{
		trackType:     trackType,
		muxer:         mux,
		streamStartUs: streamStartUs,
		input:         input,
		state:         StateAwaitingInput,
	}
}

// ProcessData implements SamplePipeline.
func (b *base) ProcessData() (bool, error) {
	if b.trackEnded {
		return false, nil
	}
	fed, refused, err := b.feedMuxer()
	if err != nil {
		return false, err
	}
	if fed {
		b.state = StateTransforming
		return true, nil
	}
	if b.trackEnded {
		b.state = StateEnded
		return false, nil
	}

	progressed, err := b.input.processDataUpToMuxer()
	if err != nil {
		return false, err
	}
	switch {
	case progressed:
		b.state = StateTransforming
	case refused:
		b.state = StateAwaitingMuxer
	default:
		b.state = StateAwaitingInput
	}
	return progressed, nil
}

// feedMuxer writes at most one sample. It reports whether a sample was
// written and whether one was available but refused.
func (b *base) feedMuxer() (fed, refused bool, err error) {
	if !b.trackAdded {
		format, ok := b.input.muxerInputFormat()
		if !ok {
			return false, false, nil
		}
		if err := b.muxer.AddTrackFormat(format); err != nil {
			return false, false, media.AsExportError(err, media.ErrorCodeMuxingFailed)
		}
		b.trackAdded = true
	}

	if b.input.isMuxerInputEnded() {
		// A track cannot end before every track format is known.
		if !b.muxer.IsReady() {
			return false, true, nil
		}
		b.muxer.EndTrack(b.trackType)
		b.trackEnded = true
		logrus.WithFields(logrus.Fields{
			"function":   "SamplePipeline.feedMuxer",
			"track_type": b.trackType.String(),
			"samples":    b.written,
		}).Info("Track ended")
		return false, false, nil
	}

	buf, err := b.input.muxerInputBuffer()
	if err != nil || buf == nil {
		return false, false, err
	}
	ok, err := b.muxer.WriteSample(b.trackType, buf.Data, buf.IsKeyFrame(), buf.TimeUs-b.streamStartUs)
	if err != nil {
		return false, false, media.AsExportError(err, media.ErrorCodeMuxingFailed)
	}
	if !ok {
		return false, true, nil
	}
	b.written++
	return true, false, b.input.releaseMuxerInputBuffer()
}

// IsEnded implements SamplePipeline.
func (b *base) IsEnded() bool {
	return b.trackEnded
}

// State implements SamplePipeline.
func (b *base) State() State {
	return b.state
}

// SamplesWritten returns the number of samples the muxer accepted.
func (b *base) SamplesWritten() int {
	return b.written
}
