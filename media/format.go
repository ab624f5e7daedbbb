package media

import (
	"fmt"
	"strings"
)

// TrackType identifies the kind of samples carried by a track.
type TrackType int

const (
	// TrackTypeUnknown is used for formats whose mime type is not recognised.
	TrackTypeUnknown TrackType = iota
	// TrackTypeAudio identifies audio tracks.
	TrackTypeAudio
	// TrackTypeVideo identifies video tracks.
	TrackTypeVideo
)

// String returns a human readable track type.
func (t TrackType) String() string {
	switch t {
	case TrackTypeAudio:
		return "audio"
	case TrackTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Sample mime types understood by the reference codecs and sinks.
const (
	MimeVideoRaw  = "video/x-raw-yuv"
	MimeAudioRaw  = "audio/raw"
	MimeAudioOpus = "audio/opus"
)

// TrackTypeOf returns the track type implied by a sample mime type.
func TrackTypeOf(mimeType string) TrackType {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return TrackTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return TrackTypeAudio
	default:
		return TrackTypeUnknown
	}
}

// ColorTransfer describes the transfer function applied to pixel values.
type ColorTransfer int

const (
	// ColorTransferSDR is the BT.709 gamma-encoded transfer used by default.
	ColorTransferSDR ColorTransfer = iota
	// ColorTransferLinear marks linear-light pixel values.
	ColorTransferLinear
)

// Unset marker for integer format fields.
const NoValue = -1

// Format describes the samples of one track. Formats are immutable values;
// the With* helpers return modified copies.
type Format struct {
	SampleMimeType        string
	Width                 int
	Height                int
	FrameRate             float64
	RotationDegrees       int
	PixelWidthHeightRatio float64
	SampleRate            int
	ChannelCount          int
	Bitrate               int
	ColorTransfer         ColorTransfer
}

// NewVideoFormat returns a video format with square pixels.
func NewVideoFormat(mimeType string, width, height int, frameRate float64) Format {
	return Format{
		SampleMimeType:        mimeType,
		Width:                 width,
		Height:                height,
		FrameRate:             frameRate,
		PixelWidthHeightRatio: 1,
		SampleRate:            NoValue,
		ChannelCount:          NoValue,
		Bitrate:               NoValue,
	}
}

// NewAudioFormat returns an audio format.
func NewAudioFormat(mimeType string, sampleRate, channelCount int) Format {
	return Format{
		SampleMimeType:        mimeType,
		Width:                 NoValue,
		Height:                NoValue,
		PixelWidthHeightRatio: 1,
		SampleRate:            sampleRate,
		ChannelCount:          channelCount,
		Bitrate:               NoValue,
	}
}

// TrackType returns the track type implied by the sample mime type.
func (f Format) TrackType() TrackType {
	return TrackTypeOf(f.SampleMimeType)
}

// WithSampleMimeType returns a copy with the given mime type.
func (f Format) WithSampleMimeType(mimeType string) Format {
	f.SampleMimeType = mimeType
	return f
}

// WithSize returns a copy with the given dimensions.
func (f Format) WithSize(width, height int) Format {
	f.Width = width
	f.Height = height
	return f
}

// WithRotation returns a copy with the given rotation.
func (f Format) WithRotation(degrees int) Format {
	f.RotationDegrees = degrees
	return f
}

// WithBitrate returns a copy with the given average bitrate.
func (f Format) WithBitrate(bitrate int) Format {
	f.Bitrate = bitrate
	return f
}

// WithColorTransfer returns a copy with the given transfer function.
func (f Format) WithColorTransfer(transfer ColorTransfer) Format {
	f.ColorTransfer = transfer
	return f
}

// DecodedHeight returns the height of frames once the decoder has applied
// the container rotation.
func (f Format) DecodedHeight() int {
	if f.RotationDegrees%180 == 0 {
		return f.Height
	}
	return f.Width
}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f.TrackType() {
	case TrackTypeVideo:
		return fmt.Sprintf("%s %dx%d@%.2f rot=%d par=%.3f", f.SampleMimeType, f.Width, f.Height,
			f.FrameRate, f.RotationDegrees, f.PixelWidthHeightRatio)
	case TrackTypeAudio:
		return fmt.Sprintf("%s %dHz ch=%d", f.SampleMimeType, f.SampleRate, f.ChannelCount)
	default:
		return f.SampleMimeType
	}
}
