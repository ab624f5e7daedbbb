package pipeline

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/transformer/codec"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

// AudioConfig holds the collaborators of an AudioTranscode.
type AudioConfig struct {
	InputFormat media.Format
	// OutputMimeType is the requested encoder mime type. Empty selects
	// raw PCM.
	OutputMimeType string
	StreamStartUs  int64
	DecoderFactory codec.DecoderFactory
	EncoderFactory codec.EncoderFactory
	Muxer          *muxer.Wrapper
	OnFallback     FallbackFunc
}

// AudioTranscode decodes audio and re-encodes the PCM output. The encoder
// is created once the decoder output format is known.
type AudioTranscode struct {
	base

	cfg     AudioConfig
	decoder codec.Codec
	encoder codec.Codec

	inputBuffer  *media.Buffer
	encoderEnded bool
	releaseOnce  sync.Once
	releaseErr   error
}

// NewAudioTranscode creates the decoder. Decoder formats the factory does
// not support fail here.
func NewAudioTranscode(cfg AudioConfig) (*AudioTranscode, error) {
	if cfg.OutputMimeType == "" {
		cfg.OutputMimeType = media.MimeAudioRaw
	}
	decoder, err := cfg.DecoderFactory.CreateForAudioDecoding(cfg.InputFormat)
	if err != nil {
		return nil, media.AsExportError(err, media.ErrorCodeDecoderInit)
	}
	a := &AudioTranscode{cfg: cfg, decoder: decoder}
	a.base = newBase(media.TrackTypeAudio, cfg.Muxer, cfg.StreamStartUs, a)

	logrus.WithFields(logrus.Fields{
		"function":    "pipeline.NewAudioTranscode",
		"input":       cfg.InputFormat.String(),
		"output_mime": cfg.OutputMimeType,
		"decoder":     decoder.Name(),
	}).Info("Created audio transcode pipeline")
	return a, nil
}

// DequeueInputBuffer implements SamplePipeline.
func (a *AudioTranscode) DequeueInputBuffer() (*media.Buffer, error) {
	if a.inputBuffer != nil {
		return a.inputBuffer, nil
	}
	buf, err := a.decoder.MaybeDequeueInputBuffer()
	if err != nil {
		return nil, media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	a.inputBuffer = buf
	return buf, nil
}

// QueueInputBuffer implements SamplePipeline.
func (a *AudioTranscode) QueueInputBuffer() error {
	if a.inputBuffer == nil {
		return ErrNoInputBuffer
	}
	buf := a.inputBuffer
	a.inputBuffer = nil
	if err := a.decoder.QueueInputBuffer(buf); err != nil {
		return media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	return nil
}

// EncoderFormat returns the format the encoder was configured with.
func (a *AudioTranscode) EncoderFormat() (media.Format, bool) {
	if a.encoder == nil {
		return media.Format{}, false
	}
	return a.encoder.ConfigurationFormat(), true
}

func (a *AudioTranscode) processDataUpToMuxer() (bool, error) {
	if a.encoder == nil {
		if err := a.maybeCreateEncoder(); err != nil || a.encoder == nil {
			return false, err
		}
	}
	if a.encoderEnded {
		return false, nil
	}

	decoded, err := a.decoder.OutputBuffer()
	if err != nil {
		return false, media.AsExportError(err, media.ErrorCodeDecodingFailed)
	}
	if decoded == nil && !a.decoder.IsEnded() {
		return false, nil
	}
	in, err := a.encoder.MaybeDequeueInputBuffer()
	if err != nil {
		return false, media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	if in == nil {
		return false, nil
	}

	if decoded == nil {
		in.SetEndOfStream()
		a.encoderEnded = true
	} else {
		in.CopyFrom(decoded)
		if err := a.decoder.ReleaseOutputBuffer(false); err != nil {
			return false, media.AsExportError(err, media.ErrorCodeDecodingFailed)
		}
	}
	if err := a.encoder.QueueInputBuffer(in); err != nil {
		return false, media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	return true, nil
}

// maybeCreateEncoder creates the encoder from the decoder output format.
// A decoder that ended without output falls back to the input format so
// that the track is still added and ended.
func (a *AudioTranscode) maybeCreateEncoder() error {
	decoded, ok := a.decoder.OutputFormat()
	if !ok {
		if !a.decoderDrained() {
			return nil
		}
		decoded = media.NewAudioFormat(media.MimeAudioRaw, a.cfg.InputFormat.SampleRate, a.cfg.InputFormat.ChannelCount)
	}

	requested := decoded.WithSampleMimeType(a.cfg.OutputMimeType)
	encoder, err := a.cfg.EncoderFactory.CreateForAudioEncoding(requested)
	if err != nil {
		return media.AsExportError(err, media.ErrorCodeEncoderInit)
	}
	a.encoder = encoder

	actual := encoder.ConfigurationFormat()
	if actual.SampleMimeType != requested.SampleMimeType {
		logrus.WithFields(logrus.Fields{
			"function":  "AudioTranscode.maybeCreateEncoder",
			"requested": requested.String(),
			"actual":    actual.String(),
		}).Warn("Audio encoder fallback applied")
		if a.cfg.OnFallback != nil {
			a.cfg.OnFallback(requested, actual)
		}
	}
	return nil
}

// decoderDrained pops a pending end of stream and reports whether the
// decoder has ended.
func (a *AudioTranscode) decoderDrained() bool {
	if buf, err := a.decoder.OutputBuffer(); err != nil || buf != nil {
		return false
	}
	return a.decoder.IsEnded()
}

func (a *AudioTranscode) muxerInputFormat() (media.Format, bool) {
	if a.encoder == nil {
		return media.Format{}, false
	}
	if format, ok := a.encoder.OutputFormat(); ok {
		return format, true
	}
	// An encoder that never saw a sample has no output format.
	if a.encoderEnded {
		return a.encoder.ConfigurationFormat(), true
	}
	return media.Format{}, false
}

func (a *AudioTranscode) muxerInputBuffer() (*media.Buffer, error) {
	if a.encoder == nil {
		return nil, nil
	}
	buf, err := a.encoder.OutputBuffer()
	if err != nil {
		return nil, media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	return buf, nil
}

func (a *AudioTranscode) releaseMuxerInputBuffer() error {
	if err := a.encoder.ReleaseOutputBuffer(false); err != nil {
		return media.AsExportError(err, media.ErrorCodeEncodingFailed)
	}
	return nil
}

func (a *AudioTranscode) isMuxerInputEnded() bool {
	return a.encoder != nil && a.encoder.IsEnded()
}

// Release implements SamplePipeline.
func (a *AudioTranscode) Release() error {
	a.releaseOnce.Do(func() {
		var result *multierror.Error
		result = multierror.Append(result, a.decoder.Release())
		if a.encoder != nil {
			result = multierror.Append(result, a.encoder.Release())
		}
		a.releaseErr = result.ErrorOrNil()
	})
	return a.releaseErr
}
