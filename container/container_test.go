package container

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestContainer(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	video := media.NewVideoFormat(media.MimeVideoRaw, 64, 48, 30).WithRotation(90)
	audio := media.NewAudioFormat(media.MimeAudioOpus, 48000, 2)
	vi, err := w.AddTrack(video)
	require.NoError(t, err)
	ai, err := w.AddTrack(audio)
	require.NoError(t, err)
	assert.Equal(t, 0, vi)
	assert.Equal(t, 1, ai)

	require.NoError(t, w.WriteSample(vi, []byte{1, 2, 3}, media.FlagKeyFrame, 0))
	require.NoError(t, w.WriteSample(ai, []byte{4, 5}, 0, 10_000))
	require.NoError(t, w.WriteSample(vi, []byte{6}, 0, 33_333))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(3), w.SampleCount())
	return buf.Bytes()
}

func readAll(r *Reader) ([]*Sample, error) {
	var samples []*Sample
	for {
		s, err := r.Next()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return samples, err
		}
		samples = append(samples, s)
	}
}

func TestContainer_RoundTrip(t *testing.T) {
	data := writeTestContainer(t)

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	tracks := r.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, media.NewVideoFormat(media.MimeVideoRaw, 64, 48, 30).WithRotation(90), tracks[0])
	assert.Equal(t, media.NewAudioFormat(media.MimeAudioOpus, 48000, 2), tracks[1])

	samples, err := readAll(r)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 0, samples[0].Track)
	assert.True(t, samples[0].Flags&media.FlagKeyFrame != 0)
	assert.Equal(t, []byte{1, 2, 3}, samples[0].Data)
	assert.Equal(t, 1, samples[1].Track)
	assert.Equal(t, int64(10_000), samples[1].TimeUs)
	assert.Equal(t, int64(33_333), samples[2].TimeUs)

	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestContainer_EmptyContainer(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Len(t, r.Tracks(), 1)
	samples, err := readAll(r)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestContainer_DetectsCorruption(t *testing.T) {
	data := writeTestContainer(t)
	// The last sample's payload byte sits just before the trailer record.
	trailerSize := limits.RecordHeaderSize + 8 + limits.DigestSize
	data[len(data)-trailerSize-1] ^= 0xff

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = readAll(r)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestContainer_DetectsTruncation(t *testing.T) {
	data := writeTestContainer(t)
	r, err := NewReader(bytes.NewReader(data[:len(data)-10]))
	require.NoError(t, err)
	_, err = readAll(r)
	assert.True(t, errors.Is(err, ErrMissingTrailer))
}

func TestContainer_BadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("RIFF....")))
	assert.True(t, errors.Is(err, ErrBadMagic))

	_, err = NewReader(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrBadMagic))
}

func TestWriter_Errors(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	err = w.WriteSample(0, []byte{1}, 0, 0)
	assert.True(t, errors.Is(err, ErrUnknownTrack))

	idx, err := w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
	require.NoError(t, err)
	assert.True(t, errors.Is(w.WriteSample(idx, nil, 0, 0), limits.ErrSampleEmpty))
	require.NoError(t, w.WriteSample(idx, []byte{1}, 0, 0))

	_, err = w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
	assert.True(t, errors.Is(err, ErrTracksSealed))

	require.NoError(t, w.Close())
	assert.True(t, errors.Is(w.WriteSample(idx, []byte{1}, 0, 0), ErrWriterClosed))
	_, err = w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
	assert.True(t, errors.Is(err, ErrWriterClosed))
}

func TestWriter_TrackLimit(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for i := 0; i < limits.MaxTracks; i++ {
		_, err = w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
		require.NoError(t, err)
	}
	_, err = w.AddTrack(media.NewAudioFormat(media.MimeAudioRaw, 8000, 1))
	assert.Error(t, err)
}

func TestReader_RejectsOversizedRecord(t *testing.T) {
	data := append([]byte(nil), Magic[:]...)
	data = append(data, recordSample, 0xff, 0xff, 0xff, 0xff)
	_, err := NewReader(bytes.NewReader(data))
	assert.True(t, errors.Is(err, limits.ErrSampleTooLarge))
}
