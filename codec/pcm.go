package codec

import (
	"fmt"

	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// bytesPerSample is the size of one s16le sample.
const bytesPerSample = 2

// PCMCodec passes interleaved s16le audio through unchanged. It serves as
// both decoder and encoder for media.MimeAudioRaw.
type PCMCodec struct {
	*queueCodec
}

// NewPCMCodec creates a PCM decoder or encoder for format.
func NewPCMCodec(format media.Format, isDecoder bool) (*PCMCodec, error) {
	info := media.CodecInfo{Name: "PCMCodec", IsDecoder: isDecoder}
	if format.SampleMimeType != media.MimeAudioRaw {
		code := media.ErrorCodeEncodingFormatUnsupported
		if isDecoder {
			code = media.ErrorCodeDecodingFormatUnsupported
		}
		return nil, media.NewCodecError(code, info, fmt.Errorf("unsupported mime type %q", format.SampleMimeType))
	}
	if format.SampleRate <= 0 || format.ChannelCount <= 0 {
		code := media.ErrorCodeEncoderInit
		if isDecoder {
			code = media.ErrorCodeDecoderInit
		}
		return nil, media.NewCodecError(code, info,
			fmt.Errorf("invalid audio format %d Hz, %d channels", format.SampleRate, format.ChannelCount))
	}

	c := &PCMCodec{}
	c.queueCodec = newQueueCodec(info, format, c.passThrough)

	logrus.WithFields(logrus.Fields{
		"function":   "NewPCMCodec",
		"format":     format.String(),
		"is_decoder": isDecoder,
	}).Info("Created PCM codec")
	return c, nil
}

// passThrough runs with the codec lock held.
func (c *PCMCodec) passThrough(in *media.Buffer) ([]byte, error) {
	frameSize := bytesPerSample * c.configFormat.ChannelCount
	if len(in.Data)%frameSize != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %d byte frames", len(in.Data), frameSize)
	}
	if err := c.setOutputFormatLocked(c.configFormat); err != nil {
		return nil, err
	}
	return append([]byte(nil), in.Data...), nil
}

// PCMDurationUs returns the playback duration of size bytes of s16le audio.
func PCMDurationUs(size, sampleRate, channelCount int) int64 {
	if sampleRate <= 0 || channelCount <= 0 {
		return 0
	}
	frames := int64(size / (bytesPerSample * channelCount))
	return frames * 1_000_000 / int64(sampleRate)
}
