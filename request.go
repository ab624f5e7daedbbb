package transformer

import (
	"github.com/opd-ai/transformer/asset"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/media"
)

// Request describes the requested output. The zero value keeps the input
// formats and geometry. Requests are values; the With* helpers return
// modified copies.
type Request struct {
	// AudioMimeType and VideoMimeType select the output sample formats.
	// Empty keeps the input format.
	AudioMimeType string
	VideoMimeType string
	// OutputHeight scales video to this height, keeping the aspect ratio.
	// Zero keeps the input height.
	OutputHeight int
	// RotationDegrees rotates video counter-clockwise.
	RotationDegrees float64
	// ScaleX and ScaleY stretch video. Zero is treated as 1.
	ScaleX float64
	ScaleY float64
}

// WithAudioMimeType returns a copy with the given audio mime type.
func (r Request) WithAudioMimeType(mimeType string) Request {
	r.AudioMimeType = mimeType
	return r
}

// WithVideoMimeType returns a copy with the given video mime type.
func (r Request) WithVideoMimeType(mimeType string) Request {
	r.VideoMimeType = mimeType
	return r
}

// WithOutputHeight returns a copy with the given output height.
func (r Request) WithOutputHeight(height int) Request {
	r.OutputHeight = height
	return r
}

// WithRotation returns a copy with the given rotation.
func (r Request) WithRotation(degrees float64) Request {
	r.RotationDegrees = degrees
	return r
}

// WithScale returns a copy with the given scale factors.
func (r Request) WithScale(scaleX, scaleY float64) Request {
	r.ScaleX, r.ScaleY = scaleX, scaleY
	return r
}

func scaleOrOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// Diff returns the names of the fields that differ between r and other.
func (r Request) Diff(other Request) []string {
	var fields []string
	if r.AudioMimeType != other.AudioMimeType {
		fields = append(fields, "AudioMimeType")
	}
	if r.VideoMimeType != other.VideoMimeType {
		fields = append(fields, "VideoMimeType")
	}
	if r.OutputHeight != other.OutputHeight {
		fields = append(fields, "OutputHeight")
	}
	if r.RotationDegrees != other.RotationDegrees {
		fields = append(fields, "RotationDegrees")
	}
	if scaleOrOne(r.ScaleX) != scaleOrOne(other.ScaleX) {
		fields = append(fields, "ScaleX")
	}
	if scaleOrOne(r.ScaleY) != scaleOrOne(other.ScaleY) {
		fields = append(fields, "ScaleY")
	}
	return fields
}

// geometryEffects returns the matrix transformations the request implies
// for input, applied after the item's own effects. An output height equal
// to the input height needs none.
func (r Request) geometryEffects(input media.Format) []effect.Effect {
	var effects []effect.Effect
	if r.RotationDegrees != 0 || scaleOrOne(r.ScaleX) != 1 || scaleOrOne(r.ScaleY) != 1 {
		effects = append(effects, effect.NewScaleAndRotate(scaleOrOne(r.ScaleX), scaleOrOne(r.ScaleY), r.RotationDegrees))
	}
	if r.OutputHeight > 0 && r.OutputHeight != input.DecodedHeight() {
		effects = append(effects, effect.NewPresentation(r.OutputHeight))
	}
	return effects
}

// withFallback returns r updated to describe what an encoder actually
// produces for a track.
func (r Request) withFallback(trackType media.TrackType, requested, actual media.Format) Request {
	switch trackType {
	case media.TrackTypeAudio:
		if actual.SampleMimeType != requested.SampleMimeType {
			r.AudioMimeType = actual.SampleMimeType
		}
	case media.TrackTypeVideo:
		if actual.SampleMimeType != requested.SampleMimeType {
			r.VideoMimeType = actual.SampleMimeType
		}
		if actual.Height != requested.Height {
			r.OutputHeight = actual.Height
		}
	}
	return r
}

// EditedItem is the input of a job: an asset plus the edits applied to it.
type EditedItem struct {
	Source      asset.Source
	RemoveAudio bool
	RemoveVideo bool
	// Effects are applied to video frames in order.
	Effects []effect.Effect
}
