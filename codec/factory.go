package codec

import (
	"fmt"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// DecoderFactory creates decoders.
type DecoderFactory interface {
	CreateForAudioDecoding(format media.Format) (Codec, error)
	// CreateForVideoDecoding creates a decoder rendering to output.
	CreateForVideoDecoding(format media.Format, output gpu.Surface) (Codec, error)
}

// EncoderFactory creates encoders. The returned codec's
// ConfigurationFormat may differ from the requested format when the
// factory substitutes a supported one.
type EncoderFactory interface {
	CreateForAudioEncoding(format media.Format) (Codec, error)
	CreateForVideoEncoding(format media.Format) (Codec, error)
	// AudioNeedsEncoding forces audio to be re-encoded even when it could
	// be passed through.
	AudioNeedsEncoding() bool
	// VideoNeedsEncoding forces video to be re-encoded even when it could
	// be passed through.
	VideoNeedsEncoding() bool
}

// TuningTier holds per-device codec settings.
type TuningTier struct {
	// MaxPendingFrames bounds the frames a video decoder may have in
	// flight. Zero or less means Unlimited.
	MaxPendingFrames int `yaml:"max_pending_frames"`
	// BitrateMultiplier scales estimated encoder bitrates. Zero means 1.
	BitrateMultiplier float64 `yaml:"bitrate_multiplier"`
}

// TuningTable maps a hardware vendor identifier to its tier.
type TuningTable map[string]TuningTier

// Lookup returns the tier for vendor, or the zero tier.
func (t TuningTable) Lookup(vendor string) TuningTier {
	tier, ok := t[vendor]
	if !ok {
		return TuningTier{}
	}
	return tier
}

func (t TuningTier) maxPendingFrames() int {
	if t.MaxPendingFrames <= 0 {
		return Unlimited
	}
	return t.MaxPendingFrames
}

func (t TuningTier) bitrateMultiplier() float64 {
	if t.BitrateMultiplier <= 0 {
		return 1
	}
	return t.BitrateMultiplier
}

// DefaultDecoderFactory creates the reference decoders.
type DefaultDecoderFactory struct {
	Vendor string
	Tuning TuningTable
}

// CreateForAudioDecoding returns a PCM or Opus decoder.
func (f *DefaultDecoderFactory) CreateForAudioDecoding(format media.Format) (Codec, error) {
	switch format.SampleMimeType {
	case media.MimeAudioRaw:
		return NewPCMCodec(format, true)
	case media.MimeAudioOpus:
		return NewOpusDecoder(format)
	default:
		return nil, media.NewCodecError(media.ErrorCodeDecodingFormatUnsupported,
			media.CodecInfo{Name: "DefaultDecoderFactory", IsDecoder: true},
			fmt.Errorf("no audio decoder for %q", format.SampleMimeType))
	}
}

// CreateForVideoDecoding returns a raw video decoder bounded by the
// vendor's tuning tier.
func (f *DefaultDecoderFactory) CreateForVideoDecoding(format media.Format, output gpu.Surface) (Codec, error) {
	tier := f.Tuning.Lookup(f.Vendor)
	return NewRawVideoDecoder(format, output, tier.maxPendingFrames())
}

// Capabilities lists what an encoder factory can produce.
type Capabilities struct {
	AudioMimeTypes []string
	VideoMimeTypes []string
	MaxWidth       int
	MaxHeight      int
}

// DefaultCapabilities returns the capabilities of the reference encoders.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		AudioMimeTypes: []string{media.MimeAudioRaw},
		VideoMimeTypes: []string{media.MimeVideoRaw},
		MaxWidth:       limits.MaxFrameDimension,
		MaxHeight:      limits.MaxFrameDimension,
	}
}

// SupportedMimeTypes returns the encodable mime types for a track type.
func (c Capabilities) SupportedMimeTypes(trackType media.TrackType) []string {
	switch trackType {
	case media.TrackTypeAudio:
		return c.AudioMimeTypes
	case media.TrackTypeVideo:
		return c.VideoMimeTypes
	default:
		return nil
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// DefaultEncoderFactory creates the reference encoders. With
// EnableFallback set, requests it cannot honor are replaced by the closest
// supported format instead of failing.
type DefaultEncoderFactory struct {
	Capabilities   Capabilities
	EnableFallback bool
	Vendor         string
	Tuning         TuningTable
	// ForceAudioEncoding and ForceVideoEncoding disable passthrough.
	ForceAudioEncoding bool
	ForceVideoEncoding bool
}

// NewDefaultEncoderFactory returns a factory with the reference
// capabilities and fallback enabled.
func NewDefaultEncoderFactory() *DefaultEncoderFactory {
	return &DefaultEncoderFactory{
		Capabilities:   DefaultCapabilities(),
		EnableFallback: true,
	}
}

// AudioNeedsEncoding implements EncoderFactory.
func (f *DefaultEncoderFactory) AudioNeedsEncoding() bool {
	return f.ForceAudioEncoding
}

// VideoNeedsEncoding implements EncoderFactory.
func (f *DefaultEncoderFactory) VideoNeedsEncoding() bool {
	return f.ForceVideoEncoding
}

func (f *DefaultEncoderFactory) resolveMimeType(requested string, trackType media.TrackType, isVideo bool) (string, error) {
	supported := f.Capabilities.SupportedMimeTypes(trackType)
	if contains(supported, requested) {
		return requested, nil
	}
	if !f.EnableFallback || len(supported) == 0 {
		return "", media.NewCodecError(media.ErrorCodeEncodingFormatUnsupported,
			media.CodecInfo{Name: "DefaultEncoderFactory", IsVideo: isVideo},
			fmt.Errorf("no encoder for %q", requested))
	}
	logrus.WithFields(logrus.Fields{
		"function":  "DefaultEncoderFactory.resolveMimeType",
		"requested": requested,
		"fallback":  supported[0],
	}).Warn("Requested mime type not supported, falling back")
	return supported[0], nil
}

// CreateForAudioEncoding returns a PCM encoder.
func (f *DefaultEncoderFactory) CreateForAudioEncoding(format media.Format) (Codec, error) {
	mimeType, err := f.resolveMimeType(format.SampleMimeType, media.TrackTypeAudio, false)
	if err != nil {
		return nil, err
	}
	format = format.WithSampleMimeType(mimeType)
	if format.Bitrate == media.NoValue {
		bitrate := float64(format.SampleRate*format.ChannelCount*bytesPerSample*8) * f.tier().bitrateMultiplier()
		format = format.WithBitrate(int(bitrate))
	}
	return NewPCMCodec(format, false)
}

// CreateForVideoEncoding returns a raw video encoder, scaling the requested
// size down to the supported maximum when fallback is enabled.
func (f *DefaultEncoderFactory) CreateForVideoEncoding(format media.Format) (Codec, error) {
	mimeType, err := f.resolveMimeType(format.SampleMimeType, media.TrackTypeVideo, true)
	if err != nil {
		return nil, err
	}
	format = format.WithSampleMimeType(mimeType)

	width, height, err := f.resolveSize(format.Width, format.Height)
	if err != nil {
		return nil, err
	}
	format = format.WithSize(width, height)

	if format.Bitrate == media.NoValue {
		format = format.WithBitrate(estimateVideoBitrate(width, height, format.FrameRate, f.tier().bitrateMultiplier()))
	}
	return NewRawVideoEncoder(format)
}

func (f *DefaultEncoderFactory) tier() TuningTier {
	return f.Tuning.Lookup(f.Vendor)
}

func (f *DefaultEncoderFactory) resolveSize(width, height int) (int, int, error) {
	maxW, maxH := f.Capabilities.MaxWidth, f.Capabilities.MaxHeight
	if (maxW <= 0 || width <= maxW) && (maxH <= 0 || height <= maxH) {
		return width, height, nil
	}
	if !f.EnableFallback {
		return 0, 0, media.NewCodecError(media.ErrorCodeEncodingFormatUnsupported,
			media.CodecInfo{Name: "DefaultEncoderFactory", IsVideo: true},
			fmt.Errorf("%dx%d exceeds supported %dx%d", width, height, maxW, maxH))
	}

	num, den := 1, 1
	if maxW > 0 && width > maxW {
		num, den = maxW, width
	}
	if maxH > 0 && height*num > maxH*den {
		num, den = maxH, height
	}
	newW := evenFloor(width * num / den)
	newH := evenFloor(height * num / den)

	logrus.WithFields(logrus.Fields{
		"function":  "DefaultEncoderFactory.resolveSize",
		"requested": fmt.Sprintf("%dx%d", width, height),
		"fallback":  fmt.Sprintf("%dx%d", newW, newH),
	}).Warn("Requested size not supported, scaling down")
	return newW, newH, nil
}

// evenFloor rounds down to an even value of at least the minimum frame
// dimension.
func evenFloor(v int) int {
	v &^= 1
	if v < limits.MinFrameDimension {
		return limits.MinFrameDimension
	}
	return v
}

// estimateVideoBitrate uses 0.1 bits per pixel per frame.
func estimateVideoBitrate(width, height int, frameRate, multiplier float64) int {
	if frameRate <= 0 {
		frameRate = 30
	}
	return int(float64(width*height) * frameRate * 0.1 * multiplier)
}
