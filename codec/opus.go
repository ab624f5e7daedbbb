package codec

import (
	"errors"
	"fmt"

	"github.com/opd-ai/transformer/media"
	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEmptyPacket is returned when an Opus sample carries no data.
	ErrEmptyPacket = errors.New("empty opus packet")
	// ErrUnsupportedSampleRate is returned for a sample rate Opus cannot
	// represent.
	ErrUnsupportedSampleRate = errors.New("unsupported opus sample rate")
)

// maxOpusFrameSamples is the largest frame pion/opus produces per channel:
// 60 ms at 48 kHz.
const maxOpusFrameSamples = 2880

// OpusDecoder decodes audio/opus samples to s16le audio/raw.
type OpusDecoder struct {
	*queueCodec
	decoder opus.Decoder
	scratch []byte
}

// NewOpusDecoder creates a decoder for format. A format without a sample
// rate is accepted and takes the rate of the first decoded packet.
func NewOpusDecoder(format media.Format) (*OpusDecoder, error) {
	info := media.CodecInfo{Name: "OpusDecoder", IsDecoder: true}
	if format.SampleMimeType != media.MimeAudioOpus {
		return nil, media.NewCodecError(media.ErrorCodeDecodingFormatUnsupported, info,
			fmt.Errorf("unsupported mime type %q", format.SampleMimeType))
	}
	bandwidth := opus.BandwidthFullband
	if format.SampleRate != media.NoValue {
		var err error
		if bandwidth, err = bandwidthForSampleRate(format.SampleRate); err != nil {
			return nil, media.NewCodecError(media.ErrorCodeDecodingFormatUnsupported, info, err)
		}
	}

	d := &OpusDecoder{
		decoder: opus.NewDecoder(),
		scratch: make([]byte, maxOpusFrameSamples*2*bytesPerSample),
	}
	d.queueCodec = newQueueCodec(info, format, d.decode)

	logrus.WithFields(logrus.Fields{
		"function":  "NewOpusDecoder",
		"format":    format.String(),
		"bandwidth": bandwidth.String(),
		"decoder":   "opus.Decoder",
	}).Info("Created Opus decoder")
	return d, nil
}

// decode runs with the codec lock held.
func (d *OpusDecoder) decode(in *media.Buffer) ([]byte, error) {
	if len(in.Data) == 0 {
		return nil, ErrEmptyPacket
	}
	bandwidth, isStereo, err := d.decoder.Decode(in.Data, d.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	channels := 1
	if isStereo {
		channels = 2
	}
	sampleRate := int(bandwidth.SampleRate())
	size := int(opusFrameDurationUs(in.Data[0])) * sampleRate / 1_000_000 * channels * bytesPerSample
	if size > len(d.scratch) {
		size = len(d.scratch)
	}

	if err := d.setOutputFormatLocked(media.NewAudioFormat(media.MimeAudioRaw, sampleRate, channels)); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpusDecoder.decode",
		"bandwidth": bandwidth.String(),
		"is_stereo": isStereo,
		"size":      size,
	}).Debug("Decoded opus packet")
	return append([]byte(nil), d.scratch[:size]...), nil
}

// opusFrameDurationUs returns the duration of all frames in a packet, from
// its table-of-contents byte (RFC 6716 section 3.1).
func opusFrameDurationUs(toc byte) int64 {
	config := toc >> 3
	var frameUs int64
	switch {
	case config < 12:
		frameUs = []int64{10_000, 20_000, 40_000, 60_000}[config%4]
	case config < 16:
		frameUs = []int64{10_000, 20_000}[config%2]
	default:
		frameUs = []int64{2_500, 5_000, 10_000, 20_000}[config%4]
	}
	switch toc & 0x3 {
	case 1, 2:
		return 2 * frameUs
	default:
		// Code 3 packets carry their count in a second byte; pion/opus
		// decodes only the first frame.
		return frameUs
	}
}

// bandwidthForSampleRate maps a sample rate to the matching Opus bandwidth.
func bandwidthForSampleRate(sampleRate int) (opus.Bandwidth, error) {
	switch sampleRate {
	case 8000:
		return opus.BandwidthNarrowband, nil
	case 12000:
		return opus.BandwidthMediumband, nil
	case 16000:
		return opus.BandwidthWideband, nil
	case 24000:
		return opus.BandwidthSuperwideband, nil
	case 48000:
		return opus.BandwidthFullband, nil
	default:
		return 0, fmt.Errorf("%w: %d Hz", ErrUnsupportedSampleRate, sampleRate)
	}
}
