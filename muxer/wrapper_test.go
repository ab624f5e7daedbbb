package muxer

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/simulation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorRecorder struct {
	mu     sync.Mutex
	errors []*media.ExportError
}

func (r *errorRecorder) record(err *media.ExportError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *errorRecorder) all() []*media.ExportError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*media.ExportError(nil), r.errors...)
}

var (
	videoFormat = media.NewVideoFormat(media.MimeVideoRaw, 64, 48, 30)
	audioFormat = media.NewAudioFormat(media.MimeAudioRaw, 48000, 2)
)

func newTestWrapper(t *testing.T, sink Sink, opts ...Option) (*Wrapper, *simulation.MockTimeProvider, *errorRecorder) {
	t.Helper()
	clock := simulation.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	recorder := &errorRecorder{}
	opts = append([]Option{WithTimeProvider(clock)}, opts...)
	return NewWrapper(sink, recorder.record, opts...), clock, recorder
}

func newTwoTrackWrapper(t *testing.T, sink Sink, opts ...Option) (*Wrapper, *simulation.MockTimeProvider, *errorRecorder) {
	t.Helper()
	w, clock, recorder := newTestWrapper(t, sink, opts...)
	require.NoError(t, w.RegisterTrack())
	require.NoError(t, w.RegisterTrack())
	require.NoError(t, w.AddTrackFormat(audioFormat))
	require.NoError(t, w.AddTrackFormat(videoFormat))
	return w, clock, recorder
}

// TestWrapper_ReadyOnlyWhenAllFormatsAdded covers an audio format that is
// known 200 ms before the video format.
func TestWrapper_ReadyOnlyWhenAllFormatsAdded(t *testing.T) {
	sink := NewMemorySink()
	w, clock, _ := newTestWrapper(t, sink)
	require.NoError(t, w.RegisterTrack())
	require.NoError(t, w.RegisterTrack())

	require.NoError(t, w.AddTrackFormat(audioFormat))
	assert.False(t, w.IsReady())

	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Millisecond)
		ok, err := w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, int64(i)*10_000)
		require.NoError(t, err)
		assert.False(t, ok, "audio must wait for the video format")
	}
	assert.Empty(t, sink.Samples())

	require.NoError(t, w.AddTrackFormat(videoFormat))
	assert.True(t, w.IsReady())

	ok, err := w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, sink.Samples(), 1)

	assert.True(t, errors.Is(w.RegisterTrack(), ErrAlreadyReady))
}

func TestWrapper_WriteAheadBound(t *testing.T) {
	sink := NewMemorySink()
	w, _, _ := newTwoTrackWrapper(t, sink)

	ok, err := w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 500_000)
	require.NoError(t, err)
	assert.True(t, ok, "exactly the bound is allowed")

	ok, err = w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 500_001)
	require.NoError(t, err)
	assert.False(t, ok, "video may not run further ahead of audio")

	ok, err = w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 100_000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 600_000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWrapper_WriteAheadBoundRandomized(t *testing.T) {
	const maxAheadUs = 500_000
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		sink := NewMemorySink()
		w, _, _ := newTwoTrackWrapper(t, sink)

		next := map[media.TrackType]int64{media.TrackTypeAudio: 0, media.TrackTypeVideo: 0}
		written := map[media.TrackType]int64{}
		for step := 0; step < 400; step++ {
			trackType := media.TrackTypeAudio
			if rng.Intn(2) == 0 {
				trackType = media.TrackTypeVideo
			}
			ok, err := w.WriteSample(trackType, []byte{0, 0, 0, 0}, true, next[trackType])
			require.NoError(t, err)
			if !ok {
				continue
			}
			written[trackType] = next[trackType]
			next[trackType] += int64(rng.Intn(60_000))

			a, v := written[media.TrackTypeAudio], written[media.TrackTypeVideo]
			if trackType == media.TrackTypeAudio {
				require.LessOrEqual(t, a-min64(a, v), int64(maxAheadUs), "seed %d", seed)
			} else {
				require.LessOrEqual(t, v-min64(a, v), int64(maxAheadUs), "seed %d", seed)
			}
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func TestWrapper_CustomWriteAhead(t *testing.T) {
	w, _, _ := newTwoTrackWrapper(t, NewMemorySink(), WithMaxWriteAhead(100*time.Millisecond))

	ok, err := w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 150_000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrapper_SingleTrackIsNeverHeldBack(t *testing.T) {
	sink := NewMemorySink()
	w, _, _ := newTwoTrackWrapper(t, sink)
	w.EndTrack(media.TrackTypeAudio)

	ok, err := w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 10_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWrapper_StallReportedOnce(t *testing.T) {
	sink := NewMemorySink()
	sink.MaxDelayMs = 1000
	w, clock, recorder := newTwoTrackWrapper(t, sink)
	assert.Equal(t, 1, clock.ActiveTimers())

	clock.Advance(900 * time.Millisecond)
	ok, err := w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 0)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(900 * time.Millisecond)
	assert.Empty(t, recorder.all(), "a write resets the timer")

	clock.Advance(200 * time.Millisecond)
	errs := recorder.all()
	require.Len(t, errs, 1)
	assert.Equal(t, media.ErrorCodeMuxingTimeout, errs[0].Code)
	assert.True(t, errors.Is(errs[0], ErrStalled))

	ok, err = w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 10)
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(5 * time.Second)
	assert.Len(t, recorder.all(), 1, "stall is reported at most once")
}

func TestWrapper_StallTimerStopsWhenTracksEnd(t *testing.T) {
	sink := NewMemorySink()
	sink.MaxDelayMs = 1000
	w, clock, recorder := newTwoTrackWrapper(t, sink)

	w.EndTrack(media.TrackTypeAudio)
	assert.Equal(t, 1, clock.ActiveTimers())
	w.EndTrack(media.TrackTypeVideo)
	assert.Zero(t, clock.ActiveTimers())

	clock.Advance(10 * time.Second)
	assert.Empty(t, recorder.all())
}

func TestWrapper_StallDisabled(t *testing.T) {
	sink := NewMemorySink()
	sink.MaxDelayMs = media.TimeUnset
	_, clock, recorder := newTwoTrackWrapper(t, sink)
	assert.Zero(t, clock.ActiveTimers())

	_, clock, recorder = newTwoTrackWrapper(t, NewMemorySink(), WithMaxDelayBetweenSamples(media.TimeUnset))
	clock.Advance(time.Hour)
	assert.Empty(t, recorder.all())
}

func TestWrapper_TrackStatistics(t *testing.T) {
	sink := NewMemorySink()
	w, _, _ := newTwoTrackWrapper(t, sink)
	w.EndTrack(media.TrackTypeVideo)

	for i := int64(0); i <= 10; i++ {
		ok, err := w.WriteSample(media.TrackTypeAudio, make([]byte, 100), true, i*100_000)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 11, w.TrackSampleCount(media.TrackTypeAudio))
	assert.Equal(t, int64(1_000_000), w.TrackTimeUs(media.TrackTypeAudio))
	assert.Equal(t, 8800, w.TrackAverageBitrate(media.TrackTypeAudio))

	w.EndTrack(media.TrackTypeAudio)
	assert.Equal(t, 11, w.TrackSampleCount(media.TrackTypeAudio))
	assert.Equal(t, 8800, w.TrackAverageBitrate(media.TrackTypeAudio))
	assert.Equal(t, media.NoValue, w.TrackAverageBitrate(media.TrackTypeVideo))
	assert.Zero(t, w.TrackSampleCount(media.TrackTypeUnknown))
}

func TestWrapper_TrackErrors(t *testing.T) {
	w, _, _ := newTestWrapper(t, NewMemorySink())

	assert.True(t, errors.Is(w.AddTrackFormat(videoFormat), ErrTrackNotRegistered))

	require.NoError(t, w.RegisterTrack())
	require.NoError(t, w.RegisterTrack())
	assert.True(t, errors.Is(w.RegisterTrack(), ErrTooManyTracks))

	require.NoError(t, w.AddTrackFormat(videoFormat))
	assert.True(t, errors.Is(w.AddTrackFormat(videoFormat), ErrDuplicateTrack))

	err := w.AddTrackFormat(media.NewAudioFormat("audio/flac", 48000, 2))
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeMuxingFailed, exportErr.Code)

	_, err = w.WriteSample(media.TrackTypeAudio, []byte{1}, true, 0)
	assert.True(t, errors.Is(err, ErrTrackNotAdded))
}

func TestWrapper_SinkWriteFailure(t *testing.T) {
	sink := NewMemorySink()
	w, _, _ := newTwoTrackWrapper(t, sink)
	sink.WriteErr = errors.New("disk full")

	ok, err := w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 0)
	assert.False(t, ok)
	var exportErr *media.ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, media.ErrorCodeMuxingFailed, exportErr.Code)
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapper_Release(t *testing.T) {
	tests := []struct {
		name            string
		forCancellation bool
		wantErr         bool
	}{
		{"completion surfaces failure", false, true},
		{"cancellation swallows failure", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewMemorySink()
			sink.ReleaseErr = errors.New("close failed")
			w, clock, _ := newTwoTrackWrapper(t, sink)

			err := w.Release(tt.forCancellation)
			if tt.wantErr {
				var exportErr *media.ExportError
				require.True(t, errors.As(err, &exportErr))
				assert.Equal(t, media.ErrorCodeMuxingFailed, exportErr.Code)
			} else {
				assert.NoError(t, err)
			}
			released, canceled := sink.IsReleased()
			assert.True(t, released)
			assert.Equal(t, tt.forCancellation, canceled)
			assert.Zero(t, clock.ActiveTimers())

			assert.NoError(t, w.Release(tt.forCancellation), "second release is a no-op")
			ok, err := w.WriteSample(media.TrackTypeAudio, []byte{1, 2, 3, 4}, true, 0)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestWrapper_SupportsSampleMimeType(t *testing.T) {
	sink := NewMemorySink()
	sink.MimeTypes = map[media.TrackType][]string{media.TrackTypeAudio: {media.MimeAudioRaw}}
	w, _, _ := newTestWrapper(t, sink)

	assert.True(t, w.SupportsSampleMimeType(media.MimeAudioRaw))
	assert.False(t, w.SupportsSampleMimeType(media.MimeAudioOpus))
	assert.False(t, w.SupportsSampleMimeType(media.MimeVideoRaw))
}
