package muxer

import (
	"errors"
	"sync"

	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// DefaultMaxDelayBetweenSamplesMs is the stall timeout of the bundled
// sinks.
const DefaultMaxDelayBetweenSamplesMs int64 = 10_000

// ErrSinkReleased is returned by sinks after Release.
var ErrSinkReleased = errors.New("sink released")

// Sink is a container writer. Implementations need not be safe for
// concurrent use; the Wrapper serializes calls.
type Sink interface {
	// AddTrack adds a track and returns its index.
	AddTrack(format media.Format) (int, error)
	// WriteSampleData writes one sample of a track.
	WriteSampleData(trackIndex int, data []byte, isKeyFrame bool, timeUs int64) error
	// Release finishes the container. When forCancellation is true the
	// output is being abandoned.
	Release(forCancellation bool) error
	// MaxDelayBetweenSamplesMs is the longest the sink tolerates between
	// samples before the job is considered stalled, or media.TimeUnset.
	MaxDelayBetweenSamplesMs() int64
	// SupportedSampleMimeTypes lists the mime types the sink can store.
	SupportedSampleMimeTypes(trackType media.TrackType) []string
}

// allMimeTypes returns the mime types understood by the bundled sinks.
func allMimeTypes(trackType media.TrackType) []string {
	switch trackType {
	case media.TrackTypeVideo:
		return []string{media.MimeVideoRaw}
	case media.TrackTypeAudio:
		return []string{media.MimeAudioRaw, media.MimeAudioOpus}
	default:
		return nil
	}
}

// WrittenSample is a sample captured by MemorySink.
type WrittenSample struct {
	TrackIndex int
	Data       []byte
	IsKeyFrame bool
	TimeUs     int64
}

// MemorySink keeps everything written to it. It is safe for concurrent use
// so tests can inspect it while a job runs.
type MemorySink struct {
	mu       sync.Mutex
	formats  []media.Format
	samples  []WrittenSample
	released bool
	canceled bool

	// MaxDelayMs is returned by MaxDelayBetweenSamplesMs.
	MaxDelayMs int64
	// MimeTypes overrides the supported mime types when set.
	MimeTypes map[media.TrackType][]string
	// WriteErr and ReleaseErr are returned by the matching calls when set.
	WriteErr   error
	ReleaseErr error
}

// NewMemorySink creates a sink that accepts every bundled mime type.
func NewMemorySink() *MemorySink {
	return &MemorySink{MaxDelayMs: DefaultMaxDelayBetweenSamplesMs}
}

// AddTrack implements Sink.
func (s *MemorySink) AddTrack(format media.Format) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrSinkReleased
	}
	s.formats = append(s.formats, format)
	return len(s.formats) - 1, nil
}

// WriteSampleData implements Sink.
func (s *MemorySink) WriteSampleData(trackIndex int, data []byte, isKeyFrame bool, timeUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSinkReleased
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.samples = append(s.samples, WrittenSample{
		TrackIndex: trackIndex,
		Data:       append([]byte(nil), data...),
		IsKeyFrame: isKeyFrame,
		TimeUs:     timeUs,
	})
	return nil
}

// Release implements Sink.
func (s *MemorySink) Release(forCancellation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.canceled = forCancellation
	logrus.WithFields(logrus.Fields{
		"function":         "MemorySink.Release",
		"samples":          len(s.samples),
		"for_cancellation": forCancellation,
	}).Debug("Memory sink released")
	return s.ReleaseErr
}

// MaxDelayBetweenSamplesMs implements Sink.
func (s *MemorySink) MaxDelayBetweenSamplesMs() int64 {
	return s.MaxDelayMs
}

// SupportedSampleMimeTypes implements Sink.
func (s *MemorySink) SupportedSampleMimeTypes(trackType media.TrackType) []string {
	if s.MimeTypes != nil {
		return s.MimeTypes[trackType]
	}
	return allMimeTypes(trackType)
}

// Formats returns the added track formats.
func (s *MemorySink) Formats() []media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Format(nil), s.formats...)
}

// Samples returns the written samples in write order.
func (s *MemorySink) Samples() []WrittenSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WrittenSample(nil), s.samples...)
}

// SamplesForTrack returns the samples of one track.
func (s *MemorySink) SamplesForTrack(trackIndex int) []WrittenSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WrittenSample
	for _, sample := range s.samples {
		if sample.TrackIndex == trackIndex {
			out = append(out, sample)
		}
	}
	return out
}

// IsReleased reports whether Release was called, and whether it was for
// cancellation.
func (s *MemorySink) IsReleased() (released, forCancellation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released, s.canceled
}
