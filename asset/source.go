package asset

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownTrack is returned for a track index the source does not
	// have.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrSourceClosed is returned after Close.
	ErrSourceClosed = errors.New("source closed")
)

// Source supplies the samples of an input asset, one track at a time.
type Source interface {
	// Tracks returns the format of every track, indexed by track.
	Tracks() []media.Format
	// DurationUs returns the presentation time of the last sample, or
	// media.TimeUnset if unknown.
	DurationUs() int64
	// ReadSample returns the next sample of track in decode order, or
	// io.EOF after the last one.
	ReadSample(track int) (*media.Buffer, error)
	// Close releases the source.
	Close() error
}

// MemoryTrack is one track of a MemorySource.
type MemoryTrack struct {
	Format  media.Format
	Samples []media.Buffer
}

// MemorySource serves samples held in memory. It is safe for concurrent
// use.
type MemorySource struct {
	mu       sync.Mutex
	tracks   []MemoryTrack
	next     []int
	duration int64
	closed   bool
}

// NewMemorySource creates a source over tracks. Sample slices are not
// copied.
func NewMemorySource(tracks ...MemoryTrack) *MemorySource {
	duration := media.TimeUnset
	for _, t := range tracks {
		for _, s := range t.Samples {
			if s.TimeUs > duration {
				duration = s.TimeUs
			}
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "NewMemorySource",
		"tracks":      len(tracks),
		"duration_us": duration,
	}).Debug("Created memory source")
	return &MemorySource{tracks: tracks, next: make([]int, len(tracks)), duration: duration}
}

// Tracks implements Source.
func (s *MemorySource) Tracks() []media.Format {
	formats := make([]media.Format, len(s.tracks))
	for i, t := range s.tracks {
		formats[i] = t.Format
	}
	return formats
}

// DurationUs implements Source.
func (s *MemorySource) DurationUs() int64 {
	return s.duration
}

// ReadSample implements Source.
func (s *MemorySource) ReadSample(track int) (*media.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if track < 0 || track >= len(s.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	samples := s.tracks[track].Samples
	if s.next[track] >= len(samples) {
		return nil, io.EOF
	}
	sample := &samples[s.next[track]]
	s.next[track]++
	return sample, nil
}

// Close implements Source.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
