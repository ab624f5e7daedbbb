package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"

	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Magic opens every container.
var Magic = [4]byte{'T', 'X', 'F', '1'}

// Record types.
const (
	recordTrack   byte = 1
	recordSample  byte = 2
	recordTrailer byte = 3
)

// sampleHeaderSize is track (1) + flags (1) + time (8).
const sampleHeaderSize = 10

var (
	// ErrBadMagic is returned for input that is not a container.
	ErrBadMagic = errors.New("not a TXF1 container")
	// ErrChecksumMismatch is returned when the trailer digest does not
	// match the samples read.
	ErrChecksumMismatch = errors.New("container checksum mismatch")
	// ErrMissingTrailer is returned when the input ends before the trailer.
	ErrMissingTrailer = errors.New("container truncated before trailer")
	// ErrUnknownTrack is returned for samples of an undeclared track.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrTracksSealed is returned when adding a track after the first sample.
	ErrTracksSealed = errors.New("tracks must be added before samples")
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("container writer closed")
	// ErrMalformedRecord is returned for records that cannot be parsed.
	ErrMalformedRecord = errors.New("malformed container record")
)

// trackHeader is the fixed part of a track record. The mime type follows.
type trackHeader struct {
	Index                 uint8
	Width                 int32
	Height                int32
	FrameRate             float64
	RotationDegrees       int32
	PixelWidthHeightRatio float64
	SampleRate            int32
	ChannelCount          int32
	Bitrate               int32
	ColorTransfer         uint8
	MimeLength            uint16
}

// Sample is one sample read from a container.
type Sample struct {
	Track  int
	Data   []byte
	TimeUs int64
	Flags  media.BufferFlags
}

// newDigest returns the blake2b-256 hash used for trailers.
func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for oversized keys.
		panic(err)
	}
	return h
}

func encodeTrack(index int, format media.Format) []byte {
	hdr := trackHeader{
		Index:                 uint8(index),
		Width:                 int32(format.Width),
		Height:                int32(format.Height),
		FrameRate:             format.FrameRate,
		RotationDegrees:       int32(format.RotationDegrees),
		PixelWidthHeightRatio: format.PixelWidthHeightRatio,
		SampleRate:            int32(format.SampleRate),
		ChannelCount:          int32(format.ChannelCount),
		Bitrate:               int32(format.Bitrate),
		ColorTransfer:         uint8(format.ColorTransfer),
		MimeLength:            uint16(len(format.SampleMimeType)),
	}
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.BigEndian, &hdr)
	buf.WriteString(format.SampleMimeType)
	return buf.Bytes()
}

func decodeTrack(payload []byte) (int, media.Format, error) {
	var hdr trackHeader
	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return 0, media.Format{}, fmt.Errorf("%w: track header: %v", ErrMalformedRecord, err)
	}
	if r.Len() != int(hdr.MimeLength) {
		return 0, media.Format{}, fmt.Errorf("%w: mime length %d, %d bytes left", ErrMalformedRecord,
			hdr.MimeLength, r.Len())
	}
	mime := make([]byte, hdr.MimeLength)
	_, _ = io.ReadFull(r, mime)

	format := media.Format{
		SampleMimeType:        string(mime),
		Width:                 int(hdr.Width),
		Height:                int(hdr.Height),
		FrameRate:             hdr.FrameRate,
		RotationDegrees:       int(hdr.RotationDegrees),
		PixelWidthHeightRatio: hdr.PixelWidthHeightRatio,
		SampleRate:            int(hdr.SampleRate),
		ChannelCount:          int(hdr.ChannelCount),
		Bitrate:               int(hdr.Bitrate),
		ColorTransfer:         media.ColorTransfer(hdr.ColorTransfer),
	}
	if math.IsNaN(format.FrameRate) || math.IsNaN(format.PixelWidthHeightRatio) {
		return 0, media.Format{}, fmt.Errorf("%w: NaN in track %d", ErrMalformedRecord, hdr.Index)
	}
	return int(hdr.Index), format, nil
}

func writeRecord(w io.Writer, kind byte, payload ...[]byte) error {
	length := 0
	for _, p := range payload {
		length += len(p)
	}
	var hdr [limits.RecordHeaderSize]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(length))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, p := range payload {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// Writer writes a container to an io.Writer. It is not safe for
// concurrent use.
type Writer struct {
	w           io.Writer
	digest      hash.Hash
	tracks      []media.Format
	sampleCount uint64
	sealed      bool
	closed      bool
}

// NewWriter writes the container magic and returns a writer.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := w.Write(Magic[:]); err != nil {
		return nil, fmt.Errorf("write magic: %w", err)
	}
	return &Writer{w: w, digest: newDigest()}, nil
}

// AddTrack declares a track and returns its index.
func (w *Writer) AddTrack(format media.Format) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.sealed {
		return 0, ErrTracksSealed
	}
	if len(w.tracks) >= limits.MaxTracks {
		return 0, fmt.Errorf("container holds at most %d tracks", limits.MaxTracks)
	}
	index := len(w.tracks)
	if err := writeRecord(w.w, recordTrack, encodeTrack(index, format)); err != nil {
		return 0, fmt.Errorf("write track %d: %w", index, err)
	}
	w.tracks = append(w.tracks, format)

	logrus.WithFields(logrus.Fields{
		"function": "Writer.AddTrack",
		"index":    index,
		"format":   format.String(),
	}).Debug("Added container track")
	return index, nil
}

// WriteSample appends one sample of track.
func (w *Writer) WriteSample(track int, data []byte, flags media.BufferFlags, timeUs int64) error {
	if w.closed {
		return ErrWriterClosed
	}
	if track < 0 || track >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	if err := limits.ValidateSampleSize(data); err != nil {
		return err
	}
	w.sealed = true

	var hdr [sampleHeaderSize]byte
	hdr[0] = uint8(track)
	hdr[1] = uint8(flags &^ media.FlagEndOfStream)
	binary.BigEndian.PutUint64(hdr[2:], uint64(timeUs))
	if err := writeRecord(w.w, recordSample, hdr[:], data); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	w.digest.Write(hdr[:])
	w.digest.Write(data)
	w.sampleCount++
	return nil
}

// SampleCount returns the number of samples written.
func (w *Writer) SampleCount() uint64 {
	return w.sampleCount
}

// Close writes the trailer. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], w.sampleCount)
	if err := writeRecord(w.w, recordTrailer, count[:], w.digest.Sum(nil)); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Writer.Close",
		"tracks":   len(w.tracks),
		"samples":  w.sampleCount,
	}).Debug("Container trailer written")
	return nil
}

// Reader reads a container written by Writer, verifying the trailer once
// the last sample has been read.
type Reader struct {
	r           io.Reader
	digest      hash.Hash
	tracks      []media.Format
	sampleCount uint64
	peeked      *Sample
	done        bool
}

// NewReader checks the magic and reads every track record.
func NewReader(r io.Reader) (*Reader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}

	rd := &Reader{r: r, digest: newDigest()}
	for {
		kind, payload, err := rd.readRecord()
		if err != nil {
			return nil, err
		}
		if kind != recordTrack {
			sample, err := rd.handleRecord(kind, payload)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			rd.peeked = sample
			break
		}
		index, format, err := decodeTrack(payload)
		if err != nil {
			return nil, err
		}
		if index != len(rd.tracks) {
			return nil, fmt.Errorf("%w: track %d out of order", ErrMalformedRecord, index)
		}
		rd.tracks = append(rd.tracks, format)
	}

	logrus.WithFields(logrus.Fields{
		"function": "container.NewReader",
		"tracks":   len(rd.tracks),
	}).Debug("Opened container")
	return rd, nil
}

// Tracks returns the declared track formats, indexed by track.
func (r *Reader) Tracks() []media.Format {
	return append([]media.Format(nil), r.tracks...)
}

// Next returns the next sample. It returns io.EOF after the trailer has
// been verified.
func (r *Reader) Next() (*Sample, error) {
	if r.peeked != nil {
		s := r.peeked
		r.peeked = nil
		return s, nil
	}
	if r.done {
		return nil, io.EOF
	}
	kind, payload, err := r.readRecord()
	if err != nil {
		return nil, err
	}
	return r.handleRecord(kind, payload)
}

func (r *Reader) readRecord() (byte, []byte, error) {
	var hdr [limits.RecordHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrMissingTrailer
		}
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if err := limits.ValidateRecordLength(length); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrMissingTrailer
		}
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

func (r *Reader) handleRecord(kind byte, payload []byte) (*Sample, error) {
	switch kind {
	case recordSample:
		if len(payload) < sampleHeaderSize {
			return nil, fmt.Errorf("%w: short sample", ErrMalformedRecord)
		}
		track := int(payload[0])
		if track >= len(r.tracks) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, track)
		}
		r.digest.Write(payload)
		r.sampleCount++
		return &Sample{
			Track:  track,
			Flags:  media.BufferFlags(payload[1]),
			TimeUs: int64(binary.BigEndian.Uint64(payload[2:sampleHeaderSize])),
			Data:   payload[sampleHeaderSize:],
		}, nil
	case recordTrailer:
		return nil, r.verifyTrailer(payload)
	case recordTrack:
		return nil, ErrTracksSealed
	default:
		return nil, fmt.Errorf("%w: record type %d", ErrMalformedRecord, kind)
	}
}

func (r *Reader) verifyTrailer(payload []byte) error {
	if len(payload) != 8+limits.DigestSize {
		return fmt.Errorf("%w: trailer of %d bytes", ErrMalformedRecord, len(payload))
	}
	count := binary.BigEndian.Uint64(payload[:8])
	if count != r.sampleCount || !bytes.Equal(payload[8:], r.digest.Sum(nil)) {
		logrus.WithFields(logrus.Fields{
			"function":       "Reader.verifyTrailer",
			"expected_count": count,
			"read_count":     r.sampleCount,
		}).Error("Container integrity check failed")
		return ErrChecksumMismatch
	}
	r.done = true
	return io.EOF
}
