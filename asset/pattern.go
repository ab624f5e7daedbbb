package asset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
)

// audioChunkUs is the duration of one generated audio sample.
const audioChunkUs = 20_000

// PatternConfig describes a synthetic test asset.
type PatternConfig struct {
	Frames     int
	Width      int
	Height     int
	FrameRate  float64
	Rotation   int
	Audio      bool
	SampleRate int
	Channels   int
	// ToneHz is the frequency of the generated sine tone.
	ToneHz float64
}

// DefaultPatternConfig returns a one second 320x240 clip with stereo audio.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Frames:     30,
		Width:      320,
		Height:     240,
		FrameRate:  30,
		Audio:      true,
		SampleRate: 48000,
		Channels:   2,
		ToneHz:     440,
	}
}

// NewTestPattern generates a packed YUV420 video track of moving vertical
// bars and, optionally, a PCM sine tone of the same duration.
func NewTestPattern(cfg PatternConfig) (*MemorySource, error) {
	if err := limits.ValidateFrameSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if cfg.Frames <= 0 || cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("pattern needs frames and a frame rate, got %d at %.2f", cfg.Frames, cfg.FrameRate)
	}

	frameUs := int64(math.Round(1_000_000 / cfg.FrameRate))
	video := MemoryTrack{
		Format: media.NewVideoFormat(media.MimeVideoRaw, cfg.Width, cfg.Height, cfg.FrameRate).
			WithRotation(cfg.Rotation),
	}
	for i := 0; i < cfg.Frames; i++ {
		video.Samples = append(video.Samples, media.Buffer{
			Data:   patternFrame(cfg.Width, cfg.Height, i).Pack(),
			TimeUs: int64(i) * frameUs,
			Flags:  media.FlagKeyFrame,
		})
	}
	tracks := []MemoryTrack{video}

	if cfg.Audio {
		if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
			return nil, fmt.Errorf("pattern audio needs a sample rate and channels, got %d Hz, %d channels",
				cfg.SampleRate, cfg.Channels)
		}
		tracks = append(tracks, toneTrack(cfg, int64(cfg.Frames)*frameUs))
	}
	return NewMemorySource(tracks...), nil
}

// patternFrame draws bars that shift by two pixels per frame.
func patternFrame(width, height, index int) *gpu.Image {
	img := gpu.NewImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bar := (x + 2*index) / 8 % 2
			img.Y[y*width+x] = byte(40 + bar*160)
		}
	}
	cw, ch := img.ChromaWidth(), img.ChromaHeight()
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			img.U[y*cw+x] = byte(128 + (x*64)/cw - 32)
			img.V[y*cw+x] = byte(128 + (y*64)/ch - 32)
		}
	}
	return img
}

func toneTrack(cfg PatternConfig, durationUs int64) MemoryTrack {
	track := MemoryTrack{Format: media.NewAudioFormat(media.MimeAudioRaw, cfg.SampleRate, cfg.Channels)}
	framesPerChunk := cfg.SampleRate * audioChunkUs / 1_000_000
	sampleIndex := 0
	for t := int64(0); t < durationUs; t += audioChunkUs {
		data := make([]byte, framesPerChunk*cfg.Channels*2)
		for f := 0; f < framesPerChunk; f++ {
			v := int16(8000 * math.Sin(2*math.Pi*cfg.ToneHz*float64(sampleIndex)/float64(cfg.SampleRate)))
			for c := 0; c < cfg.Channels; c++ {
				binary.LittleEndian.PutUint16(data[(f*cfg.Channels+c)*2:], uint16(v))
			}
			sampleIndex++
		}
		track.Samples = append(track.Samples, media.Buffer{Data: data, TimeUs: t, Flags: media.FlagKeyFrame})
	}
	return track
}
