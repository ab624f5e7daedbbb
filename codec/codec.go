package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// Unlimited is returned by MaxPendingFrameCount when a codec does not bound
// the number of frames it may hold.
const Unlimited = -1

// maxQueuedOutputs bounds decoded or encoded buffers waiting for the caller.
// Input buffers are not handed out while the output queue is full.
const maxQueuedOutputs = 4

var (
	// ErrCodecReleased is returned by every operation after Release.
	ErrCodecReleased = errors.New("codec released")
	// ErrNoInputBuffer is returned when queueing a buffer that was not
	// obtained from MaybeDequeueInputBuffer.
	ErrNoInputBuffer = errors.New("no input buffer dequeued")
	// ErrInputEnded is returned when queueing input after end of stream.
	ErrInputEnded = errors.New("codec input already ended")
	// ErrNoOutputBuffer is returned by ReleaseOutputBuffer when the output
	// queue is empty.
	ErrNoOutputBuffer = errors.New("no output buffer available")
	// ErrFormatChanged is returned when a stream changes its geometry or
	// channel layout mid-track.
	ErrFormatChanged = errors.New("format changed mid-stream")
)

// Codec is a decoder or encoder driven through buffer queues. Callers poll
// MaybeDequeueInputBuffer and OutputBuffer and never block.
type Codec interface {
	// Name identifies the implementation in errors and logs.
	Name() string
	// ConfigurationFormat returns the format the codec was configured
	// with. Encoder factories may substitute a supported format.
	ConfigurationFormat() media.Format
	// InputSurface returns the surface frames are rendered to, for video
	// encoders. It is nil for other codecs.
	InputSurface() gpu.Surface
	// MaxPendingFrameCount returns how many rendered frames may be in
	// flight downstream of a video decoder, or Unlimited.
	MaxPendingFrameCount() int
	// MaybeDequeueInputBuffer returns an empty buffer to fill, or nil if
	// the codec cannot accept input right now.
	MaybeDequeueInputBuffer() (*media.Buffer, error)
	// QueueInputBuffer hands back the buffer returned by
	// MaybeDequeueInputBuffer. A buffer flagged end of stream ends input.
	QueueInputBuffer(buf *media.Buffer) error
	// SignalEndOfInputStream ends input for codecs fed through
	// InputSurface.
	SignalEndOfInputStream() error
	// OutputFormat returns the format of output buffers once known.
	OutputFormat() (media.Format, bool)
	// OutputBuffer returns the oldest output buffer without removing it,
	// or nil if none is ready.
	OutputBuffer() (*media.Buffer, error)
	// ReleaseOutputBuffer removes the oldest output buffer. Video decoders
	// render it to their output surface when render is true.
	ReleaseOutputBuffer(render bool) error
	// IsEnded reports whether the end of stream has been output.
	IsEnded() bool
	// Release frees the codec. It is safe to call more than once.
	Release() error
}

// processFunc converts one filled input buffer into output data. A nil
// result produces no output buffer.
type processFunc func(in *media.Buffer) ([]byte, error)

// queueCodec implements the buffer bookkeeping shared by the reference
// codecs. Inputs are converted synchronously on QueueInputBuffer.
type queueCodec struct {
	info         media.CodecInfo
	configFormat media.Format
	maxPending   int
	process      processFunc
	onRender     func(buf *media.Buffer) error
	errorCode    media.ErrorCode

	mu              sync.Mutex
	input           media.Buffer
	inputDequeued   bool
	inputEnded      bool
	outputs         []*media.Buffer
	outputFormat    media.Format
	hasOutputFormat bool
	ended           bool
	released        bool
}

func newQueueCodec(info media.CodecInfo, format media.Format, process processFunc) *queueCodec {
	code := media.ErrorCodeEncodingFailed
	if info.IsDecoder {
		code = media.ErrorCodeDecodingFailed
	}
	return &queueCodec{
		info:         info,
		configFormat: format,
		maxPending:   Unlimited,
		process:      process,
		errorCode:    code,
	}
}

func (c *queueCodec) Name() string {
	return c.info.Name
}

func (c *queueCodec) ConfigurationFormat() media.Format {
	return c.configFormat
}

func (c *queueCodec) InputSurface() gpu.Surface {
	return nil
}

func (c *queueCodec) MaxPendingFrameCount() int {
	return c.maxPending
}

func (c *queueCodec) codecError(err error) error {
	return media.NewCodecError(c.errorCode, c.info, err)
}

func (c *queueCodec) MaybeDequeueInputBuffer() (*media.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrCodecReleased
	}
	if c.inputEnded || c.inputDequeued || len(c.outputs) >= maxQueuedOutputs {
		return nil, nil
	}
	c.inputDequeued = true
	c.input.Clear()
	return &c.input, nil
}

func (c *queueCodec) QueueInputBuffer(buf *media.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrCodecReleased
	}
	if c.inputEnded {
		return ErrInputEnded
	}
	if !c.inputDequeued || buf != &c.input {
		return ErrNoInputBuffer
	}
	c.inputDequeued = false

	if buf.IsEndOfStream() {
		c.inputEnded = true
		c.queueEndOfStreamLocked()
		return nil
	}

	data, err := c.process(buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Codec.QueueInputBuffer",
			"codec":    c.info.Name,
			"time_us":  buf.TimeUs,
			"error":    err.Error(),
		}).Error("Failed to process input buffer")
		return c.codecError(err)
	}
	if data != nil {
		c.queueOutputLocked(data, buf.TimeUs, buf.Flags&media.FlagKeyFrame)
	}
	return nil
}

func (c *queueCodec) queueOutputLocked(data []byte, timeUs int64, flags media.BufferFlags) {
	c.outputs = append(c.outputs, &media.Buffer{Data: data, TimeUs: timeUs, Flags: flags})
}

func (c *queueCodec) queueEndOfStreamLocked() {
	eos := &media.Buffer{}
	eos.SetEndOfStream()
	c.outputs = append(c.outputs, eos)
}

func (c *queueCodec) setOutputFormatLocked(format media.Format) error {
	if !c.hasOutputFormat {
		c.outputFormat = format
		c.hasOutputFormat = true
		logrus.WithFields(logrus.Fields{
			"function": "Codec.setOutputFormat",
			"codec":    c.info.Name,
			"format":   format.String(),
		}).Debug("Output format known")
		return nil
	}
	if format != c.outputFormat {
		return fmt.Errorf("%w: %s -> %s", ErrFormatChanged, c.outputFormat, format)
	}
	return nil
}

func (c *queueCodec) SignalEndOfInputStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrCodecReleased
	}
	if c.inputEnded {
		return nil
	}
	c.inputEnded = true
	c.queueEndOfStreamLocked()
	return nil
}

func (c *queueCodec) OutputFormat() (media.Format, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputFormat, c.hasOutputFormat
}

func (c *queueCodec) OutputBuffer() (*media.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrCodecReleased
	}
	if len(c.outputs) == 0 {
		return nil, nil
	}
	head := c.outputs[0]
	if head.IsEndOfStream() {
		c.outputs = c.outputs[1:]
		c.ended = true
		logrus.WithFields(logrus.Fields{
			"function": "Codec.OutputBuffer",
			"codec":    c.info.Name,
		}).Debug("Output stream ended")
		return nil, nil
	}
	return head, nil
}

func (c *queueCodec) ReleaseOutputBuffer(render bool) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrCodecReleased
	}
	if len(c.outputs) == 0 || c.outputs[0].IsEndOfStream() {
		c.mu.Unlock()
		return ErrNoOutputBuffer
	}
	head := c.outputs[0]
	c.outputs[0] = nil
	c.outputs = c.outputs[1:]
	onRender := c.onRender
	c.mu.Unlock()

	// Rendering may call back into the frame processor, so it runs
	// without the lock.
	if render && onRender != nil {
		if err := onRender(head); err != nil {
			return c.codecError(err)
		}
	}
	return nil
}

func (c *queueCodec) IsEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *queueCodec) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *queueCodec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":        "Codec.Release",
		"codec":           c.info.Name,
		"dropped_outputs": len(c.outputs),
	}).Debug("Releasing codec")
	c.released = true
	c.outputs = nil
	return nil
}

// PendingOutputCount returns the number of output buffers not yet
// released, including a queued end of stream.
func (c *queueCodec) PendingOutputCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs)
}
