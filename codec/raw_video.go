package codec

import (
	"errors"
	"fmt"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// ErrNoOutputSurface is returned when a video decoder renders without an
// output surface.
var ErrNoOutputSurface = errors.New("decoder has no output surface")

// RawVideoDecoder decodes packed YUV420 samples (see gpu.Image.Pack) and
// renders them to an output surface.
type RawVideoDecoder struct {
	*queueCodec
	surface gpu.Surface
}

// NewRawVideoDecoder creates a decoder rendering to surface.
// maxPendingFrames bounds the frames in flight after rendering; pass
// Unlimited for no bound.
func NewRawVideoDecoder(format media.Format, surface gpu.Surface, maxPendingFrames int) (*RawVideoDecoder, error) {
	if format.SampleMimeType != media.MimeVideoRaw {
		return nil, media.NewCodecError(media.ErrorCodeDecodingFormatUnsupported,
			media.CodecInfo{Name: "RawVideoDecoder", IsVideo: true, IsDecoder: true},
			fmt.Errorf("unsupported mime type %q", format.SampleMimeType))
	}
	if surface == nil {
		return nil, ErrNoOutputSurface
	}

	d := &RawVideoDecoder{surface: surface}
	d.queueCodec = newQueueCodec(media.CodecInfo{Name: "RawVideoDecoder", IsVideo: true, IsDecoder: true},
		format, d.decode)
	d.maxPending = maxPendingFrames
	d.onRender = d.render

	logrus.WithFields(logrus.Fields{
		"function":    "NewRawVideoDecoder",
		"format":      format.String(),
		"max_pending": maxPendingFrames,
	}).Info("Created raw video decoder")
	return d, nil
}

// decode runs with the codec lock held.
func (d *RawVideoDecoder) decode(in *media.Buffer) ([]byte, error) {
	img, err := gpu.UnpackImage(in.Data)
	if err != nil {
		return nil, err
	}
	format := media.NewVideoFormat(media.MimeVideoRaw, img.Width, img.Height, d.configFormat.FrameRate).
		WithColorTransfer(d.configFormat.ColorTransfer)
	if d.configFormat.PixelWidthHeightRatio > 0 {
		format.PixelWidthHeightRatio = d.configFormat.PixelWidthHeightRatio
	}
	if err := d.setOutputFormatLocked(format); err != nil {
		return nil, err
	}
	return append([]byte(nil), in.Data...), nil
}

func (d *RawVideoDecoder) render(buf *media.Buffer) error {
	img, err := gpu.UnpackImage(buf.Data)
	if err != nil {
		return err
	}
	return d.surface.RenderFrame(img, buf.TimeUs)
}

// RawVideoEncoder encodes frames rendered to its input surface into packed
// YUV420 samples. Every sample is a key frame.
type RawVideoEncoder struct {
	*queueCodec
	surface *encoderSurface
}

// encoderSurface is the input surface of a RawVideoEncoder. The frame
// processor renders to it from its executor goroutine.
type encoderSurface struct {
	encoder *RawVideoEncoder
}

// RenderFrame packs img into an output buffer.
func (s *encoderSurface) RenderFrame(img *gpu.Image, ptsUs int64) error {
	return s.encoder.encodeFrame(img, ptsUs)
}

// NewRawVideoEncoder creates an encoder for frames of the configured size.
func NewRawVideoEncoder(format media.Format) (*RawVideoEncoder, error) {
	info := media.CodecInfo{Name: "RawVideoEncoder", IsVideo: true}
	if format.SampleMimeType != media.MimeVideoRaw {
		return nil, media.NewCodecError(media.ErrorCodeEncodingFormatUnsupported, info,
			fmt.Errorf("unsupported mime type %q", format.SampleMimeType))
	}
	if err := limits.ValidateFrameSize(format.Width, format.Height); err != nil {
		return nil, media.NewCodecError(media.ErrorCodeEncoderInit, info, err)
	}

	e := &RawVideoEncoder{}
	e.queueCodec = newQueueCodec(info, format, e.rejectBuffer)
	e.surface = &encoderSurface{encoder: e}

	logrus.WithFields(logrus.Fields{
		"function": "NewRawVideoEncoder",
		"format":   format.String(),
	}).Info("Created raw video encoder")
	return e, nil
}

// InputSurface returns the surface frames are rendered to.
func (e *RawVideoEncoder) InputSurface() gpu.Surface {
	return e.surface
}

// MaybeDequeueInputBuffer always returns nil: input arrives through the
// surface.
func (e *RawVideoEncoder) MaybeDequeueInputBuffer() (*media.Buffer, error) {
	if e.isReleased() {
		return nil, ErrCodecReleased
	}
	return nil, nil
}

func (e *RawVideoEncoder) rejectBuffer(*media.Buffer) ([]byte, error) {
	return nil, ErrNoInputBuffer
}

func (e *RawVideoEncoder) encodeFrame(img *gpu.Image, ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrCodecReleased
	}
	if e.inputEnded {
		return ErrInputEnded
	}
	if img.Width != e.configFormat.Width || img.Height != e.configFormat.Height {
		return e.codecError(fmt.Errorf("frame is %dx%d, encoder configured for %dx%d",
			img.Width, img.Height, e.configFormat.Width, e.configFormat.Height))
	}
	if !e.hasOutputFormat {
		_ = e.setOutputFormatLocked(e.configFormat.WithColorTransfer(media.ColorTransferSDR))
	}
	e.queueOutputLocked(img.Pack(), ptsUs, media.FlagKeyFrame)

	logrus.WithFields(logrus.Fields{
		"function": "RawVideoEncoder.encodeFrame",
		"time_us":  ptsUs,
	}).Debug("Encoded frame")
	return nil
}
