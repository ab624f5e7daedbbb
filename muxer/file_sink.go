package muxer

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/transformer/container"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// FileSink writes a TXF1 container.
type FileSink struct {
	out      io.WriteCloser
	writer   *container.Writer
	released bool
}

// NewFileSink creates (or truncates) path and writes the container header.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	sink, err := NewWriterSink(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewFileSink",
		"path":     path,
	}).Info("Created file sink")
	return sink, nil
}

// NewWriterSink writes a container to out, closing it on Release.
func NewWriterSink(out io.WriteCloser) (*FileSink, error) {
	w, err := container.NewWriter(out)
	if err != nil {
		return nil, err
	}
	return &FileSink{out: out, writer: w}, nil
}

// AddTrack implements Sink.
func (s *FileSink) AddTrack(format media.Format) (int, error) {
	if s.released {
		return 0, ErrSinkReleased
	}
	return s.writer.AddTrack(format)
}

// WriteSampleData implements Sink.
func (s *FileSink) WriteSampleData(trackIndex int, data []byte, isKeyFrame bool, timeUs int64) error {
	if s.released {
		return ErrSinkReleased
	}
	var flags media.BufferFlags
	if isKeyFrame {
		flags = media.FlagKeyFrame
	}
	return s.writer.WriteSample(trackIndex, data, flags, timeUs)
}

// Release writes the trailer and closes the output. A cancelled container
// is closed without a trailer so readers reject it as truncated.
func (s *FileSink) Release(forCancellation bool) error {
	if s.released {
		return nil
	}
	s.released = true

	var result *multierror.Error
	if !forCancellation {
		result = multierror.Append(result, s.writer.Close())
	}
	result = multierror.Append(result, s.out.Close())

	logrus.WithFields(logrus.Fields{
		"function":         "FileSink.Release",
		"samples":          s.writer.SampleCount(),
		"for_cancellation": forCancellation,
	}).Info("File sink released")
	return result.ErrorOrNil()
}

// MaxDelayBetweenSamplesMs implements Sink.
func (s *FileSink) MaxDelayBetweenSamplesMs() int64 {
	return DefaultMaxDelayBetweenSamplesMs
}

// SupportedSampleMimeTypes implements Sink.
func (s *FileSink) SupportedSampleMimeTypes(trackType media.TrackType) []string {
	return allMimeTypes(trackType)
}
