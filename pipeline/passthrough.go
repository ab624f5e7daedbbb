package pipeline

import (
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

// Passthrough hands input samples to the muxer unchanged.
type Passthrough struct {
	base

	format     media.Format
	buffer     media.Buffer
	dequeued   bool
	pending    bool
	inputEnded bool
}

// NewPassthrough creates a pipeline that copies samples of format to mux.
func NewPassthrough(format media.Format, mux *muxer.Wrapper, streamStartUs int64) *Passthrough {
	p := &Passthrough{format: format}
	p.base = newBase(format.TrackType(), mux, streamStartUs, p)
	logrus.WithFields(logrus.Fields{
		"function": "pipeline.NewPassthrough",
		"format":   format.String(),
	}).Info("Created passthrough pipeline")
	return p
}

// DequeueInputBuffer implements SamplePipeline.
func (p *Passthrough) DequeueInputBuffer() (*media.Buffer, error) {
	if p.inputEnded || p.pending {
		return nil, nil
	}
	p.buffer.Clear()
	p.dequeued = true
	return &p.buffer, nil
}

// QueueInputBuffer implements SamplePipeline.
func (p *Passthrough) QueueInputBuffer() error {
	if p.inputEnded {
		return ErrInputEnded
	}
	if !p.dequeued {
		return ErrNoInputBuffer
	}
	p.dequeued = false
	if p.buffer.IsEndOfStream() {
		p.inputEnded = true
		return nil
	}
	p.pending = true
	return nil
}

func (p *Passthrough) muxerInputFormat() (media.Format, bool) {
	return p.format, true
}

func (p *Passthrough) muxerInputBuffer() (*media.Buffer, error) {
	if !p.pending {
		return nil, nil
	}
	return &p.buffer, nil
}

func (p *Passthrough) releaseMuxerInputBuffer() error {
	p.pending = false
	return nil
}

func (p *Passthrough) isMuxerInputEnded() bool {
	return p.inputEnded && !p.pending
}

func (p *Passthrough) processDataUpToMuxer() (bool, error) {
	return false, nil
}

// Release implements SamplePipeline.
func (p *Passthrough) Release() error {
	p.pending = false
	return nil
}
