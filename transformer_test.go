package transformer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/transformer/asset"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/opd-ai/transformer/simulation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type errorEvent struct {
	result Result
	err    *media.ExportError
}

type fallbackEvent struct {
	original Request
	fallback Request
}

// recordingListener collects job events on buffered channels.
type recordingListener struct {
	completed chan Result
	errs      chan errorEvent
	mu        sync.Mutex
	fallbacks []fallbackEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		completed: make(chan Result, 1),
		errs:      make(chan errorEvent, 1),
	}
}

func (l *recordingListener) OnCompleted(result Result) {
	l.completed <- result
}

func (l *recordingListener) OnError(result Result, err *media.ExportError) {
	l.errs <- errorEvent{result: result, err: err}
}

func (l *recordingListener) OnFallbackApplied(original, fallback Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallbacks = append(l.fallbacks, fallbackEvent{original: original, fallback: fallback})
}

func (l *recordingListener) fallbackEvents() []fallbackEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fallbackEvent(nil), l.fallbacks...)
}

func (l *recordingListener) awaitCompleted(t *testing.T) Result {
	t.Helper()
	select {
	case result := <-l.completed:
		return result
	case ev := <-l.errs:
		t.Fatalf("unexpected export error: %v", ev.err)
	case <-time.After(testTimeout):
		t.Fatal("export did not complete")
	}
	return Result{}
}

func (l *recordingListener) awaitError(t *testing.T) errorEvent {
	t.Helper()
	select {
	case ev := <-l.errs:
		return ev
	case result := <-l.completed:
		t.Fatalf("export completed unexpectedly: %+v", result)
	case <-time.After(testTimeout):
		t.Fatal("export did not fail")
	}
	return errorEvent{}
}

func (l *recordingListener) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case result := <-l.completed:
		t.Fatalf("unexpected completion: %+v", result)
	case ev := <-l.errs:
		t.Fatalf("unexpected error: %v", ev.err)
	default:
	}
}

var pcmFormat = media.NewAudioFormat(media.MimeAudioRaw, 8000, 1)

func videoTrack(frames, width, height int, y byte) asset.MemoryTrack {
	track := asset.MemoryTrack{Format: media.NewVideoFormat(media.MimeVideoRaw, width, height, 30)}
	for i := 0; i < frames; i++ {
		img := gpu.NewImage(width, height)
		img.Fill(y, 128, 128)
		track.Samples = append(track.Samples, media.Buffer{
			Data:   img.Pack(),
			TimeUs: int64(i) * 33_333,
			Flags:  media.FlagKeyFrame,
		})
	}
	return track
}

// audioTrack returns 10 ms chunks of 8 kHz mono PCM starting at startUs.
func audioTrack(chunks int, startUs int64) asset.MemoryTrack {
	track := asset.MemoryTrack{Format: pcmFormat}
	for i := 0; i < chunks; i++ {
		track.Samples = append(track.Samples, media.Buffer{
			Data:   make([]byte, 160),
			TimeUs: startUs + int64(i)*10_000,
			Flags:  media.FlagKeyFrame,
		})
	}
	return track
}

// contextRecorder captures the rendering contexts created by processors.
type contextRecorder struct {
	mu       sync.Mutex
	contexts []*gpu.Context
}

func (r *contextRecorder) factory() (*gpu.Context, error) {
	ctx, err := gpu.NewContext()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = append(r.contexts, ctx)
	return ctx, nil
}

func (r *contextRecorder) assertReleased(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.contexts)
	for _, ctx := range r.contexts {
		assert.True(t, ctx.IsDestroyed())
		assert.Zero(t, ctx.OutstandingTextures())
		assert.Zero(t, ctx.OutstandingFramebuffers())
	}
}

func newTestOptions() (*Options, *simulation.MockTimeProvider) {
	clock := simulation.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	options := NewOptions()
	options.TimeProvider = clock
	return options, clock
}

func newTestTransformer(t *testing.T, options *Options) (*Transformer, *recordingListener) {
	t.Helper()
	tr := New(options)
	listener := newRecordingListener()
	tr.AddListener(listener)
	return tr, listener
}

func waitIdle(t *testing.T, tr *Transformer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
}

func TestTransformer_PassthroughToMemorySink(t *testing.T) {
	options, _ := newTestOptions()
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(10, 16, 8, 90), audioTrack(40, 0))
	sink := muxer.NewMemorySink()

	jobID, err := tr.Start(EditedItem{Source: source}, sink)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	result := listener.awaitCompleted(t)
	waitIdle(t, tr)

	assert.Equal(t, jobID, result.JobID)
	assert.Equal(t, 10, result.VideoFrameCount)
	assert.Equal(t, 40, result.AudioSampleCount)
	assert.Equal(t, 16, result.Width)
	assert.Equal(t, 8, result.Height)
	assert.Equal(t, int64(390), result.DurationMs)
	assert.Nil(t, result.Fallback)

	require.Len(t, sink.Formats(), 2)
	assert.Len(t, sink.Samples(), 50)
	released, forCancellation := sink.IsReleased()
	assert.True(t, released)
	assert.False(t, forCancellation)

	_, err = source.ReadSample(0)
	assert.ErrorIs(t, err, asset.ErrSourceClosed)

	state, _ := tr.Progress()
	assert.Equal(t, ProgressStateNoTransformation, state)
}

func TestTransformer_EffectsForceTranscode(t *testing.T) {
	options, _ := newTestOptions()
	recorder := &contextRecorder{}
	options.ProcessorConfig.ContextFactory = recorder.factory
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(6, 16, 8, 100))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{
		Source:  source,
		Effects: []effect.Effect{effect.NewBrightness(10)},
	}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	waitIdle(t, tr)

	assert.Equal(t, 6, result.VideoFrameCount)
	samples := sink.Samples()
	require.Len(t, samples, 6)
	for i, s := range samples {
		img, err := gpu.UnpackImage(s.Data)
		require.NoError(t, err)
		assert.Equal(t, byte(110), img.Y[0], "frame %d", i)
		assert.Equal(t, int64(i)*33_333, s.TimeUs)
	}
	recorder.assertReleased(t)
}

// slowReleaseEffect is a brightness effect whose stage takes delay to
// release.
type slowReleaseEffect struct {
	*effect.Brightness
	delay time.Duration
}

func (e slowReleaseEffect) NewStage(ctx *gpu.Context) (effect.Stage, error) {
	stage, err := e.Brightness.NewStage(ctx)
	if err != nil {
		return nil, err
	}
	return slowReleaseStage{Stage: stage, delay: e.delay}, nil
}

type slowReleaseStage struct {
	effect.Stage
	delay time.Duration
}

func (s slowReleaseStage) Release() error {
	time.Sleep(s.delay)
	return s.Stage.Release()
}

func TestTransformer_ReleaseTimeoutDoesNotFailExport(t *testing.T) {
	options, _ := newTestOptions()
	options.ProcessorConfig.ReleaseTimeout = 20 * time.Millisecond
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(3, 16, 8, 100))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{
		Source: source,
		Effects: []effect.Effect{
			slowReleaseEffect{Brightness: effect.NewBrightness(5), delay: 200 * time.Millisecond},
		},
	}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	waitIdle(t, tr)
	assert.Equal(t, 3, result.VideoFrameCount)
	assert.Len(t, sink.Samples(), 3)
	listener.assertSilent(t)
}

func TestTransformer_OutputHeightScalesVideo(t *testing.T) {
	options, _ := newTestOptions()
	options.Request = Request{}.WithOutputHeight(4)
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(3, 16, 8, 60))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{Source: source}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	assert.Equal(t, 8, result.Width)
	assert.Equal(t, 4, result.Height)
	require.Len(t, sink.Formats(), 1)
	assert.Equal(t, 8, sink.Formats()[0].Width)
	assert.Equal(t, 4, sink.Formats()[0].Height)
}

func TestTransformer_FallbackReported(t *testing.T) {
	options, _ := newTestOptions()
	options.Request = Request{}.WithVideoMimeType("video/avc")
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(3, 16, 8, 60))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{Source: source}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	require.NotNil(t, result.Fallback)
	assert.Equal(t, media.MimeVideoRaw, result.Fallback.VideoMimeType)

	events := listener.fallbackEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "video/avc", events[0].original.VideoMimeType)
	assert.Equal(t, []string{"VideoMimeType"}, events[0].original.Diff(events[0].fallback))
}

func TestTransformer_RemovedTracks(t *testing.T) {
	options, _ := newTestOptions()
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(3, 16, 8, 60), audioTrack(5, 0))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{Source: source, RemoveVideo: true}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	assert.Zero(t, result.VideoFrameCount)
	assert.Equal(t, 5, result.AudioSampleCount)
	assert.Equal(t, media.NoValue, result.Width)
	require.Len(t, sink.Formats(), 1)
	assert.Equal(t, media.TrackTypeAudio, sink.Formats()[0].TrackType())
}

func TestTransformer_NoTracksFails(t *testing.T) {
	options, _ := newTestOptions()
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(1, 16, 8, 60), audioTrack(1, 0))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{Source: source, RemoveAudio: true, RemoveVideo: true}, sink)
	require.NoError(t, err)

	ev := listener.awaitError(t)
	assert.Equal(t, media.ErrorCodeUnspecified, ev.err.Code)
	assert.ErrorIs(t, ev.err, ErrNoTracks)
	waitIdle(t, tr)
	released, forCancellation := sink.IsReleased()
	assert.True(t, released)
	assert.True(t, forCancellation)
}

func TestTransformer_StartValidation(t *testing.T) {
	tr := New(nil)

	_, err := tr.Start(EditedItem{}, muxer.NewMemorySink())
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = tr.Start(EditedItem{Source: asset.NewMemorySource()}, nil)
	assert.ErrorIs(t, err, ErrNoSink)
}

// startWedgedJob starts a job whose audio begins two seconds after its
// video. Video stops once it is the write-ahead bound ahead of the audio
// track, which has written nothing, so the muxer stalls. The mock clock
// keeps the stall from being reported until the test advances it.
func startWedgedJob(t *testing.T, options *Options) (*Transformer, *recordingListener, *muxer.MemorySink) {
	t.Helper()
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(60, 16, 8, 80), audioTrack(50, 2_000_000))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{
		Source:  source,
		Effects: []effect.Effect{effect.NewBrightness(5)},
	}, sink)
	require.NoError(t, err)

	// Frames up to 500 ms fit within the default write-ahead.
	require.Eventually(t, func() bool {
		return len(sink.Samples()) == 16
	}, testTimeout, time.Millisecond)
	return tr, listener, sink
}

func TestTransformer_CancelReleasesResources(t *testing.T) {
	options, _ := newTestOptions()
	recorder := &contextRecorder{}
	options.ProcessorConfig.ContextFactory = recorder.factory
	tr, listener, sink := startWedgedJob(t, options)

	state, percent := tr.Progress()
	assert.Equal(t, ProgressStateAvailable, state)
	assert.GreaterOrEqual(t, percent, 0)
	assert.LessOrEqual(t, percent, 99)

	_, err := tr.Start(EditedItem{Source: asset.NewMemorySource()}, muxer.NewMemorySink())
	assert.ErrorIs(t, err, ErrJobInProgress)

	require.NoError(t, tr.Cancel())
	waitIdle(t, tr)

	recorder.assertReleased(t)
	released, forCancellation := sink.IsReleased()
	assert.True(t, released)
	assert.True(t, forCancellation)
	assert.Len(t, sink.Samples(), 16)
	listener.assertSilent(t)

	state, _ = tr.Progress()
	assert.Equal(t, ProgressStateNoTransformation, state)
	assert.NoError(t, tr.Cancel())
}

func TestTransformer_StallReportsMuxingTimeout(t *testing.T) {
	options, clock := newTestOptions()
	tr, listener, sink := startWedgedJob(t, options)

	clock.Advance(time.Duration(muxer.DefaultMaxDelayBetweenSamplesMs)*time.Millisecond + time.Second)

	ev := listener.awaitError(t)
	assert.Equal(t, media.ErrorCodeMuxingTimeout, ev.err.Code)
	assert.ErrorIs(t, ev.err, muxer.ErrStalled)
	assert.Equal(t, 16, ev.result.VideoFrameCount)
	waitIdle(t, tr)

	released, forCancellation := sink.IsReleased()
	assert.True(t, released)
	assert.True(t, forCancellation)
}

func TestTransformer_LargerWriteAheadAvoidsStall(t *testing.T) {
	options, _ := newTestOptions()
	options.MaxWriteAhead = 3 * time.Second
	tr, listener := newTestTransformer(t, options)
	source := asset.NewMemorySource(videoTrack(60, 16, 8, 80), audioTrack(50, 2_000_000))
	sink := muxer.NewMemorySink()

	_, err := tr.Start(EditedItem{Source: source}, sink)
	require.NoError(t, err)

	result := listener.awaitCompleted(t)
	assert.Equal(t, 60, result.VideoFrameCount)
	assert.Equal(t, 50, result.AudioSampleCount)
}

func TestTransformer_FileSinkRoundTrip(t *testing.T) {
	options, _ := newTestOptions()
	tr, listener := newTestTransformer(t, options)
	cfg := asset.DefaultPatternConfig()
	cfg.Frames = 5
	cfg.Width, cfg.Height = 32, 16
	source, err := asset.NewTestPattern(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.txf")
	sink, err := muxer.NewFileSink(path)
	require.NoError(t, err)

	_, err = tr.Start(EditedItem{Source: source}, sink)
	require.NoError(t, err)
	result := listener.awaitCompleted(t)
	waitIdle(t, tr)

	out, err := asset.OpenFile(path)
	require.NoError(t, err)
	defer out.Close()

	require.Len(t, out.Tracks(), 2)
	videoIndex := -1
	for i, format := range out.Tracks() {
		if format.TrackType() == media.TrackTypeVideo {
			videoIndex = i
		}
	}
	require.GreaterOrEqual(t, videoIndex, 0)
	frames := 0
	for {
		_, err := out.ReadSample(videoIndex)
		if err != nil {
			break
		}
		frames++
	}
	assert.Equal(t, result.VideoFrameCount, frames)
	assert.Equal(t, 5, frames)
}

func TestTransformer_WaitHonorsContext(t *testing.T) {
	options, _ := newTestOptions()
	tr, _, _ := startWedgedJob(t, options)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(tr.Wait(ctx), context.DeadlineExceeded))

	require.NoError(t, tr.Cancel())
}

func TestRequest_Diff(t *testing.T) {
	base := Request{}
	assert.Empty(t, base.Diff(base.WithScale(1, 1)))
	assert.Equal(t, []string{"AudioMimeType", "OutputHeight"},
		base.Diff(base.WithAudioMimeType(media.MimeAudioOpus).WithOutputHeight(480)))
	assert.Equal(t, []string{"RotationDegrees", "ScaleY"},
		base.Diff(base.WithRotation(90).WithScale(1, 2)))
}

func TestRequest_GeometryEffects(t *testing.T) {
	input := media.NewVideoFormat(media.MimeVideoRaw, 16, 8, 30)

	assert.Empty(t, Request{}.geometryEffects(input))
	assert.Empty(t, Request{}.WithOutputHeight(8).geometryEffects(input))
	assert.Len(t, Request{}.WithOutputHeight(4).geometryEffects(input), 1)
	assert.Len(t, Request{}.WithRotation(90).WithOutputHeight(4).geometryEffects(input), 2)

	rotated := input.WithRotation(90)
	assert.Empty(t, Request{}.WithOutputHeight(16).geometryEffects(rotated))
}

func TestProgressState_String(t *testing.T) {
	assert.Equal(t, "available", ProgressStateAvailable.String())
	assert.Equal(t, "unknown", ProgressState(42).String())
}
