package muxer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMTU bounds the payload of one RTP packet.
	DefaultMTU = 1200
	// videoClockRate is the RTP clock for video payloads (RFC 3551).
	videoClockRate = 90000
	// Dynamic payload types (RFC 3551 section 6).
	videoPayloadType uint8 = 96
	audioPayloadType uint8 = 97
	// maxFramedPacket is the largest packet a 16-bit RFC 4571 length
	// prefix can describe.
	maxFramedPacket = 0xffff
)

// ErrPacketTooLarge is returned when an RTP packet does not fit RFC 4571
// framing.
var ErrPacketTooLarge = errors.New("rtp packet exceeds framing limit")

type rtpTrack struct {
	ssrc          uint32
	payloadType   uint8
	clockRate     uint32
	baseTimestamp uint32
	sequence      uint16
}

// RTPSink packetizes samples as RTP and writes them with RFC 4571 framing
// (a 16-bit big endian length before every packet), as used for RTP over
// TCP. Samples larger than the MTU are split across packets that share a
// timestamp; the marker bit is set on the last one.
type RTPSink struct {
	out      io.Writer
	mtu      int
	tracks   []*rtpTrack
	packets  uint64
	released bool
}

// NewRTPSink creates a sink writing to out. A non-positive mtu selects
// DefaultMTU.
func NewRTPSink(out io.Writer, mtu int) *RTPSink {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewRTPSink",
		"mtu":      mtu,
	}).Info("Created RTP sink")
	return &RTPSink{out: out, mtu: mtu}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// AddTrack implements Sink. Each track gets a random SSRC and initial
// timestamp.
func (s *RTPSink) AddTrack(format media.Format) (int, error) {
	if s.released {
		return 0, ErrSinkReleased
	}
	track := &rtpTrack{}
	switch format.TrackType() {
	case media.TrackTypeVideo:
		track.payloadType = videoPayloadType
		track.clockRate = videoClockRate
	case media.TrackTypeAudio:
		if format.SampleRate <= 0 {
			return 0, fmt.Errorf("audio track needs a sample rate: %s", format)
		}
		track.payloadType = audioPayloadType
		track.clockRate = uint32(format.SampleRate)
	default:
		return 0, fmt.Errorf("unsupported track %q", format.SampleMimeType)
	}

	ssrc, err := randomUint32()
	if err != nil {
		return 0, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	base, err := randomUint32()
	if err != nil {
		return 0, fmt.Errorf("failed to generate timestamp: %w", err)
	}
	track.ssrc = ssrc
	track.baseTimestamp = base
	s.tracks = append(s.tracks, track)

	logrus.WithFields(logrus.Fields{
		"function":     "RTPSink.AddTrack",
		"index":        len(s.tracks) - 1,
		"ssrc":         ssrc,
		"payload_type": track.payloadType,
		"clock_rate":   track.clockRate,
	}).Debug("Added RTP track")
	return len(s.tracks) - 1, nil
}

// WriteSampleData implements Sink.
func (s *RTPSink) WriteSampleData(trackIndex int, data []byte, isKeyFrame bool, timeUs int64) error {
	if s.released {
		return ErrSinkReleased
	}
	if trackIndex < 0 || trackIndex >= len(s.tracks) {
		return fmt.Errorf("unknown track %d", trackIndex)
	}
	if err := limits.ValidateSampleSize(data); err != nil {
		return err
	}
	track := s.tracks[trackIndex]
	timestamp := track.baseTimestamp + uint32(timeUs*int64(track.clockRate)/1_000_000)

	for offset := 0; offset < len(data); offset += s.mtu {
		end := offset + s.mtu
		if end > len(data) {
			end = len(data)
		}
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(data),
				PayloadType:    track.payloadType,
				SequenceNumber: track.sequence,
				Timestamp:      timestamp,
				SSRC:           track.ssrc,
			},
			Payload: data[offset:end],
		}
		if err := s.writePacket(packet); err != nil {
			return err
		}
		track.sequence++
	}
	return nil
}

func (s *RTPSink) writePacket(packet *rtp.Packet) error {
	raw, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if len(raw) > maxFramedPacket {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(raw))
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(raw)))
	if _, err := s.out.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := s.out.Write(raw); err != nil {
		return err
	}
	s.packets++
	return nil
}

// Release implements Sink. The output is closed if it is an io.Closer.
func (s *RTPSink) Release(forCancellation bool) error {
	if s.released {
		return nil
	}
	s.released = true
	logrus.WithFields(logrus.Fields{
		"function":         "RTPSink.Release",
		"packets":          s.packets,
		"for_cancellation": forCancellation,
	}).Info("RTP sink released")
	if closer, ok := s.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// MaxDelayBetweenSamplesMs implements Sink.
func (s *RTPSink) MaxDelayBetweenSamplesMs() int64 {
	return DefaultMaxDelayBetweenSamplesMs
}

// SupportedSampleMimeTypes implements Sink.
func (s *RTPSink) SupportedSampleMimeTypes(trackType media.TrackType) []string {
	return allMimeTypes(trackType)
}

// ReadFramedPacket reads one RFC 4571 framed RTP packet from r.
func ReadFramedPacket(r io.Reader) (*rtp.Packet, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	raw := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}
	return packet, nil
}
