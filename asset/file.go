package asset

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/transformer/container"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// FileSource reads a TXF1 container. The file is verified in full when
// opened, then demultiplexed lazily: samples of other tracks read while
// looking for the requested one are queued until asked for.
type FileSource struct {
	file     *os.File
	reader   *container.Reader
	tracks   []media.Format
	duration int64
	queued   [][]*media.Buffer
	eof      bool
	closed   bool
}

// OpenFile opens and verifies a container file.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, media.NewExportError(media.ErrorCodeIO, err)
	}

	duration, err := scanDuration(f)
	if err != nil {
		_ = f.Close()
		return nil, media.NewExportError(media.ErrorCodeIO, fmt.Errorf("verify %s: %w", path, err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, media.NewExportError(media.ErrorCodeIO, err)
	}
	reader, err := container.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, media.NewExportError(media.ErrorCodeIO, err)
	}

	tracks := reader.Tracks()
	logrus.WithFields(logrus.Fields{
		"function":    "asset.OpenFile",
		"path":        path,
		"tracks":      len(tracks),
		"duration_us": duration,
	}).Info("Opened file source")
	return &FileSource{
		file:     f,
		reader:   reader,
		tracks:   tracks,
		duration: duration,
		queued:   make([][]*media.Buffer, len(tracks)),
	}, nil
}

// scanDuration reads every sample, verifying the trailer, and returns the
// largest presentation time.
func scanDuration(r io.Reader) (int64, error) {
	reader, err := container.NewReader(r)
	if err != nil {
		return 0, err
	}
	duration := media.TimeUnset
	for {
		s, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return duration, nil
		}
		if err != nil {
			return 0, err
		}
		if s.TimeUs > duration {
			duration = s.TimeUs
		}
	}
}

// Tracks implements Source.
func (s *FileSource) Tracks() []media.Format {
	return append([]media.Format(nil), s.tracks...)
}

// DurationUs implements Source.
func (s *FileSource) DurationUs() int64 {
	return s.duration
}

// ReadSample implements Source. It is not safe for concurrent use.
func (s *FileSource) ReadSample(track int) (*media.Buffer, error) {
	if s.closed {
		return nil, ErrSourceClosed
	}
	if track < 0 || track >= len(s.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	for {
		if q := s.queued[track]; len(q) > 0 {
			s.queued[track] = q[1:]
			return q[0], nil
		}
		if s.eof {
			return nil, io.EOF
		}
		sample, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			s.eof = true
			continue
		}
		if err != nil {
			return nil, media.NewExportError(media.ErrorCodeIO, err)
		}
		s.queued[sample.Track] = append(s.queued[sample.Track], &media.Buffer{
			Data:   sample.Data,
			TimeUs: sample.TimeUs,
			Flags:  sample.Flags,
		})
	}
}

// Close implements Source.
func (s *FileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.queued = nil
	return s.file.Close()
}
