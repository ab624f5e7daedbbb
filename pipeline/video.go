package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/transformer/codec"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/frameprocessor"
	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

// maxFramesInFlight bounds frames rendered by the decoder whose encoded
// output has not yet been written to the muxer.
const maxFramesInFlight = 5

// ErrOutputSizeChanged is returned when the processor output size changes
// after the encoder was configured.
var ErrOutputSizeChanged = errors.New("output size changed mid-stream")

// FallbackFunc is called when an encoder was configured with a format
// other than the one requested.
type FallbackFunc func(requested, actual media.Format)

// VideoConfig holds the collaborators of a VideoTranscode.
type VideoConfig struct {
	InputFormat media.Format
	// OutputMimeType is the requested encoder mime type. Empty keeps the
	// input mime type.
	OutputMimeType string
	// Effects are applied after the input rotation is undone.
	Effects         []effect.Effect
	StreamStartUs   int64
	ProcessorConfig frameprocessor.Config
	DecoderFactory  codec.DecoderFactory
	EncoderFactory  codec.EncoderFactory
	Muxer           *muxer.Wrapper
	OnFallback      FallbackFunc
	// Wake is called from processor callbacks when the driver should run
	// ProcessData again. It must not block.
	Wake func()
}

// videoEvents collects frame processor callbacks, which arrive on the
// processor's executor goroutine, for the driver goroutine.
type videoEvents struct {
	mu          sync.Mutex
	width       int
	height      int
	sizeChanged bool
	ended       bool
	err         *media.ExportError
	wake        func()
}

func (e *videoEvents) OnOutputSizeChanged(width, height int) {
	e.mu.Lock()
	e.width, e.height = width, height
	e.sizeChanged = true
	e.mu.Unlock()
	e.notify()
}

func (e *videoEvents) OnOutputFrameAvailableForRendering(int64) {
	e.notify()
}

func (e *videoEvents) OnError(err *media.ExportError) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.notify()
}

func (e *videoEvents) OnEnded() {
	e.mu.Lock()
	e.ended = true
	e.mu.Unlock()
	e.notify()
}

func (e *videoEvents) notify() {
	if e.wake != nil {
		e.wake()
	}
}

func (e *videoEvents) takeSize() (int, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.sizeChanged
	e.sizeChanged = false
	return e.width, e.height, changed
}

func (e *videoEvents) state() (bool, *media.ExportError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended, e.err
}

// VideoTranscode decodes video, renders each frame through a frame
// processor and encodes the result. The encoder is created once the
// processor reports its output size.
type VideoTranscode struct {
	base

	cfg       VideoConfig
	decoder   codec.Codec
	processor *frameprocessor.Processor
	encoder   codec.Codec
	events    *videoEvents

	inputBuffer    *media.Buffer
	requested      media.Format
	decoderEnded   bool
	encoderEnded   bool
	framesRendered int
	framesEncoded  int
	releaseOnce    sync.Once
	releaseErr     error
}

// NewVideoTranscode builds the processor and decoder. A non-zero input
// rotation is undone by a leading ScaleAndRotate effect.
func NewVideoTranscode(cfg VideoConfig) (*VideoTranscode, error) {
	if cfg.OutputMimeType == "" {
		cfg.OutputMimeType = cfg.InputFormat.SampleMimeType
	}
	effects := cfg.Effects
	if cfg.InputFormat.RotationDegrees != 0 {
		rotate := effect.NewScaleAndRotate(1, 1, float64(cfg.InputFormat.RotationDegrees))
		effects = append([]effect.Effect{rotate}, effects...)
	}

	v := &VideoTranscode{cfg: cfg, events: &videoEvents{wake: cfg.Wake}}
	v.base = newBase(media.TrackTypeVideo, cfg.Muxer, cfg.StreamStartUs, v)

	procCfg := cfg.ProcessorConfig
	procCfg.InputMode = frameprocessor.InputModeSurface
	procCfg.InputColorTransfer = cfg.InputFormat.ColorTransfer
	processor, err := frameprocessor.New(procCfg, effects, v.events)
	if err != nil {
		return nil, err
	}
	v.processor = processor

	decoder, err := cfg.DecoderFactory.CreateForVideoDecoding(cfg.InputFormat, processor.InputSurface())
	if err != nil {
		if releaseErr := processor.Release(); releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
		return nil, media.AsExportError(err, media.ErrorCodeDecoderInit)
	}
	v.decoder = decoder

	logrus.WithFields(logrus.Fields{
		"function":    "pipeline.NewVideoTranscode",
		"input":       cfg.InputFormat.String(),
		"output_mime": cfg.OutputMimeType,
		"effects":     len(effects),
		"stages":      processor.StageCount(),
		"decoder":     decoder.Name(),
	}).Info("Created video transcode pipeline")
	return v, nil
}

// DequeueInputBuffer implements SamplePipeline.
func (v *VideoTranscode) DequeueInputBuffer() (*media.Buffer, error) {
	if v.inputBuffer != nil {
		return v.inputBuffer, nil
	}
	buf, err := v.decoder.MaybeDequeueInputBuffer()
	if err != nil {
		return nil, media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	v.inputBuffer = buf
	return buf, nil
}

// QueueInputBuffer implements SamplePipeline.
func (v *VideoTranscode) QueueInputBuffer() error {
	if v.inputBuffer == nil {
		return ErrNoInputBuffer
	}
	buf := v.inputBuffer
	v.inputBuffer = nil
	if err := v.decoder.QueueInputBuffer(buf); err != nil {
		return media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	return nil
}

// Processor returns the frame processor, for leak checks.
func (v *VideoTranscode) Processor() *frameprocessor.Processor {
	return v.processor
}

// EncoderFormat returns the format the encoder was configured with.
func (v *VideoTranscode) EncoderFormat() (media.Format, bool) {
	if v.encoder == nil {
		return media.Format{}, false
	}
	return v.encoder.ConfigurationFormat(), true
}

// FramesEncoded returns the number of encoded frames written to the muxer.
func (v *VideoTranscode) FramesEncoded() int {
	return v.framesEncoded
}

func (v *VideoTranscode) processDataUpToMuxer() (bool, error) {
	ended, procErr := v.events.state()
	if procErr != nil {
		return false, procErr
	}
	if err := v.maybeCreateEncoder(); err != nil {
		return false, err
	}
	progressed, err := v.feedProcessor()
	if err != nil {
		return false, err
	}
	if ended && !v.encoderEnded {
		if v.encoder == nil {
			return false, media.NewExportError(media.ErrorCodeVideoFrameProcessingFailed, ErrNoVideoFrames)
		}
		if err := v.encoder.SignalEndOfInputStream(); err != nil {
			return false, media.AsExportError(err, media.ErrorCodeEncodingFailed)
		}
		v.encoderEnded = true
		progressed = true
	}
	return progressed, nil
}

func (v *VideoTranscode) maybeCreateEncoder() error {
	width, height, changed := v.events.takeSize()
	if !changed {
		return nil
	}
	if v.encoder != nil {
		if width == v.requested.Width && height == v.requested.Height {
			return nil
		}
		return media.NewExportError(media.ErrorCodeVideoFrameProcessingFailed,
			fmt.Errorf("%w: %dx%d to %dx%d", ErrOutputSizeChanged, v.requested.Width, v.requested.Height, width, height))
	}

	v.requested = media.NewVideoFormat(v.cfg.OutputMimeType, width, height, v.cfg.InputFormat.FrameRate).
		WithColorTransfer(media.ColorTransferSDR)
	encoder, err := v.cfg.EncoderFactory.CreateForVideoEncoding(v.requested)
	if err != nil {
		return media.AsExportError(err, media.ErrorCodeEncoderInit)
	}
	v.encoder = encoder

	actual := encoder.ConfigurationFormat()
	if actual.SampleMimeType != v.requested.SampleMimeType || actual.Width != width || actual.Height != height {
		logrus.WithFields(logrus.Fields{
			"function":  "VideoTranscode.maybeCreateEncoder",
			"requested": v.requested.String(),
			"actual":    actual.String(),
		}).Warn("Video encoder fallback applied")
		if v.cfg.OnFallback != nil {
			v.cfg.OnFallback(v.requested, actual)
		}
	}
	v.processor.SetOutputSurfaceInfo(&gpu.SurfaceInfo{
		Surface: encoder.InputSurface(),
		Width:   actual.Width,
		Height:  actual.Height,
	})
	return nil
}

// canRenderFrame reports whether another decoded frame may enter the
// processor without exceeding the decoder or pipeline limits.
func (v *VideoTranscode) canRenderFrame() bool {
	if maxPending := v.decoder.MaxPendingFrameCount(); maxPending != codec.Unlimited &&
		v.processor.PendingInputFrameCount() >= maxPending {
		return false
	}
	return v.framesRendered-v.framesEncoded < maxFramesInFlight
}

func (v *VideoTranscode) feedProcessor() (bool, error) {
	if v.decoderEnded || !v.canRenderFrame() {
		return false, nil
	}
	buf, err := v.decoder.OutputBuffer()
	if err != nil {
		return false, media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	if buf == nil {
		if !v.decoder.IsEnded() {
			return false, nil
		}
		v.processor.SignalEndOfInput()
		v.decoderEnded = true
		logrus.WithFields(logrus.Fields{
			"function": "VideoTranscode.feedProcessor",
			"frames":   v.framesRendered,
		}).Debug("Decoder ended")
		return true, nil
	}

	format, _ := v.decoder.OutputFormat()
	err = v.processor.RegisterInputFrame(frameprocessor.FrameInfo{
		Width:                 format.Width,
		Height:                format.Height,
		PixelWidthHeightRatio: format.PixelWidthHeightRatio,
	})
	if err != nil {
		return false, media.AsExportError(err, media.ErrorCodeVideoFrameProcessingFailed)
	}
	if err := v.decoder.ReleaseOutputBuffer(true); err != nil {
		return false, media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	v.framesRendered++
	return true, nil
}

func (v *VideoTranscode) muxerInputFormat() (media.Format, bool) {
	if v.encoder == nil {
		return media.Format{}, false
	}
	return v.encoder.OutputFormat()
}

func (v *VideoTranscode) muxerInputBuffer() (*media.Buffer, error) {
	if v.encoder == nil {
		return nil, nil
	}
	buf, err := v.encoder.OutputBuffer()
	if err != nil {
		return nil, media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	return buf, nil
}

func (v *VideoTranscode) releaseMuxerInputBuffer() error {
	if err := v.encoder.ReleaseOutputBuffer(false); err != nil {
		return media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	v.framesEncoded++
	return nil
}

func (v *VideoTranscode) isMuxerInputEnded() bool {
	return v.encoder != nil && v.encoder.IsEnded()
}

// Release implements SamplePipeline. The processor goes first so that no
// frame is rendered to a released encoder.
func (v *VideoTranscode) Release() error {
	v.releaseOnce.Do(func() {
		var result *multierror.Error
		result = multierror.Append(result, v.processor.Release())
		result = multierror.Append(result, v.decoder.Release())
		if v.encoder != nil {
			result = multierror.Append(result, v.encoder.Release())
		}
		v.releaseErr = result.ErrorOrNil()
		logrus.WithFields(logrus.Fields{
			"function":       "VideoTranscode.Release",
			"frames_encoded": v.framesEncoded,
			"error":          v.releaseErr,
		}).Debug("Video pipeline released")
	})
	return v.releaseErr
}
