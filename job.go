package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/executor"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/opd-ai/transformer/pipeline"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// driverTick bounds how long the driver sleeps without a wake-up.
	driverTick = 10 * time.Millisecond
	// maxStepsPerTrack bounds ProcessData calls for one track per driver
	// step so that no track starves the others.
	maxStepsPerTrack = 64
	// progressUnknown marks a job whose input duration is unknown.
	progressUnknown = -1
)

// ErrNoTracks is reported for an item with no usable track.
var ErrNoTracks = errors.New("no audio or video track to export")

type jobTrack struct {
	index      int
	format     media.Format
	pipeline   pipeline.SamplePipeline
	inputEnded bool
	positionUs int64
}

// job runs one export. The driver goroutine owns the pipelines; the error
// watcher turns asynchronous failures into cancellation of the driver.
type job struct {
	id        string
	item      EditedItem
	request   Request
	options   Options
	sink      muxer.Sink
	listeners []Listener
	onDone    func(*job)

	// Owned by the driver goroutine until it returns.
	muxer    *muxer.Wrapper
	tracks   []*jobTrack
	fallback *Request

	wake      chan struct{}
	errCh     chan *media.ExportError
	errOnce   sync.Once
	errMu     sync.Mutex
	firstErr  *media.ExportError
	cancelFn  context.CancelFunc
	cancelled atomic.Bool
	ready     atomic.Bool
	progress  atomic.Int32

	done       chan struct{}
	releaseErr error
}

func newJob(id string, item EditedItem, sink muxer.Sink, options Options, listeners []Listener, onDone func(*job)) *job {
	return &job{
		id:        id,
		item:      item,
		request:   options.Request,
		options:   options,
		sink:      sink,
		listeners: listeners,
		onDone:    onDone,
		wake:      make(chan struct{}, 1),
		errCh:     make(chan *media.ExportError, 1),
		done:      make(chan struct{}),
	}
}

func (j *job) start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancelFn = cancel
	go j.run(ctx)
}

func (j *job) run(ctx context.Context) {
	defer close(j.done)
	defer j.cancelFn()

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
		return j.drive(gctx)
	})
	g.Go(func() error {
		select {
		case err := <-j.errCh:
			return err
		case <-finished:
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	waitErr := g.Wait()

	cancelled := j.cancelled.Load()
	firstErr := j.terminalError()
	releaseErr := j.release(cancelled || firstErr != nil)

	logrus.WithFields(logrus.Fields{
		"function":    "job.run",
		"job_id":      j.id,
		"cancelled":   cancelled,
		"wait_error":  waitErr,
		"release_err": releaseErr,
	}).Debug("Job driver finished")

	if cancelled {
		j.releaseErr = releaseErr
		j.onDone(j)
		return
	}

	result := j.result()
	switch {
	case firstErr != nil:
		if releaseErr != nil {
			firstErr.Cause = multierror.Append(firstErr.Cause, releaseErr)
		}
		j.notifyError(result, firstErr)
	case releaseErr != nil:
		j.notifyError(result, media.AsExportError(releaseErr, media.ErrorCodeReleaseFailed))
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "job.run",
			"job_id":      j.id,
			"duration_ms": result.DurationMs,
			"frames":      result.VideoFrameCount,
		}).Info("Export completed")
		for _, l := range j.listeners {
			l.OnCompleted(result)
		}
	}
	j.onDone(j)
}

func (j *job) notifyError(result Result, err *media.ExportError) {
	logrus.WithFields(logrus.Fields{
		"function": "job.notifyError",
		"job_id":   j.id,
		"code":     err.Code.String(),
		"error":    err.Error(),
	}).Error("Export failed")
	for _, l := range j.listeners {
		l.OnError(result, err)
	}
}

// fail latches the first fatal error. Later errors are dropped.
func (j *job) fail(err error) {
	j.errOnce.Do(func() {
		exportErr := media.AsExportError(err, media.ErrorCodeUnspecified)
		j.errMu.Lock()
		j.firstErr = exportErr
		j.errMu.Unlock()
		j.errCh <- exportErr
	})
}

func (j *job) terminalError() *media.ExportError {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.firstErr
}

// signal wakes the driver without blocking.
func (j *job) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *job) onMuxerError(err *media.ExportError) {
	j.fail(err)
	j.signal()
}

// cancel stops the job and waits for its resources to be released. It
// must not be called from a listener callback.
func (j *job) cancel() error {
	j.cancelled.Store(true)
	j.cancelFn()
	<-j.done
	return j.releaseErr
}

func (j *job) drive(ctx context.Context) error {
	if err := j.buildPipelines(); err != nil {
		j.fail(err)
		return err
	}
	j.ready.Store(true)

	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := j.step()
		if err != nil {
			j.fail(err)
			return err
		}
		if j.allEnded() {
			return nil
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.wake:
		case <-ticker.C:
		}
	}
}

func (j *job) muxerOptions() []muxer.Option {
	var opts []muxer.Option
	if j.options.TimeProvider != nil {
		opts = append(opts, muxer.WithTimeProvider(j.options.TimeProvider))
	}
	if j.options.MaxWriteAhead > 0 {
		opts = append(opts, muxer.WithMaxWriteAhead(j.options.MaxWriteAhead))
	}
	if j.options.MaxDelayBetweenSamplesMs != 0 {
		opts = append(opts, muxer.WithMaxDelayBetweenSamples(j.options.MaxDelayBetweenSamplesMs))
	}
	return opts
}

// selectTracks keeps the first audio and the first video track not
// removed by the item.
func (j *job) selectTracks() []*jobTrack {
	seen := make(map[media.TrackType]bool)
	var tracks []*jobTrack
	for i, format := range j.item.Source.Tracks() {
		trackType := format.TrackType()
		switch {
		case trackType == media.TrackTypeAudio && j.item.RemoveAudio,
			trackType == media.TrackTypeVideo && j.item.RemoveVideo:
			continue
		case trackType == media.TrackTypeUnknown || seen[trackType]:
			logrus.WithFields(logrus.Fields{
				"function": "job.selectTracks",
				"job_id":   j.id,
				"track":    i,
				"format":   format.String(),
			}).Warn("Skipping track")
			continue
		}
		seen[trackType] = true
		tracks = append(tracks, &jobTrack{index: i, format: format})
	}
	return tracks
}

func (j *job) buildPipelines() error {
	j.muxer = muxer.NewWrapper(j.sink, j.onMuxerError, j.muxerOptions()...)
	j.tracks = j.selectTracks()
	if len(j.tracks) == 0 {
		return media.NewExportError(media.ErrorCodeUnspecified, ErrNoTracks)
	}
	for range j.tracks {
		if err := j.muxer.RegisterTrack(); err != nil {
			return media.AsExportError(err, media.ErrorCodeMuxingFailed)
		}
	}
	for _, t := range j.tracks {
		p, err := j.newPipeline(t.format)
		if err != nil {
			return err
		}
		t.pipeline = p
	}
	return nil
}

func (j *job) newPipeline(format media.Format) (pipeline.SamplePipeline, error) {
	switch format.TrackType() {
	case media.TrackTypeVideo:
		effects := append(append([]effect.Effect{}, j.item.Effects...), j.request.geometryEffects(format)...)
		if !j.shouldTranscodeVideo(format, effects) {
			return j.newPassthrough(format), nil
		}
		video, err := pipeline.NewVideoTranscode(pipeline.VideoConfig{
			InputFormat:     format,
			OutputMimeType:  j.request.VideoMimeType,
			Effects:         effects,
			ProcessorConfig: j.options.ProcessorConfig,
			DecoderFactory:  j.options.DecoderFactory,
			EncoderFactory:  j.options.EncoderFactory,
			Muxer:           j.muxer,
			OnFallback:      j.fallbackHandler(media.TrackTypeVideo),
			Wake:            j.signal,
		})
		if err != nil {
			return nil, err
		}
		return video, nil
	default:
		if !j.shouldTranscodeAudio(format) {
			return j.newPassthrough(format), nil
		}
		audio, err := pipeline.NewAudioTranscode(pipeline.AudioConfig{
			InputFormat:    format,
			OutputMimeType: j.request.AudioMimeType,
			DecoderFactory: j.options.DecoderFactory,
			EncoderFactory: j.options.EncoderFactory,
			Muxer:          j.muxer,
			OnFallback:     j.fallbackHandler(media.TrackTypeAudio),
		})
		if err != nil {
			return nil, err
		}
		return audio, nil
	}
}

func (j *job) newPassthrough(format media.Format) pipeline.SamplePipeline {
	return pipeline.NewPassthrough(format, j.muxer, 0)
}

func (j *job) shouldTranscodeAudio(format media.Format) bool {
	reason := ""
	switch {
	case j.options.EncoderFactory.AudioNeedsEncoding():
		reason = "encoder requires encoding"
	case j.request.AudioMimeType != "" && j.request.AudioMimeType != format.SampleMimeType:
		reason = "mime type change requested"
	case !j.muxer.SupportsSampleMimeType(format.SampleMimeType):
		reason = "sink does not support input mime type"
	}
	j.logDecision(format, reason)
	return reason != ""
}

func (j *job) shouldTranscodeVideo(format media.Format, effects []effect.Effect) bool {
	reason := ""
	switch {
	case j.options.EncoderFactory.VideoNeedsEncoding():
		reason = "encoder requires encoding"
	case j.request.VideoMimeType != "" && j.request.VideoMimeType != format.SampleMimeType:
		reason = "mime type change requested"
	case !j.muxer.SupportsSampleMimeType(format.SampleMimeType):
		reason = "sink does not support input mime type"
	case len(effects) > 0:
		reason = fmt.Sprintf("%d effects", len(effects))
	case format.PixelWidthHeightRatio > 0 && format.PixelWidthHeightRatio != 1:
		reason = "non-square pixels"
	}
	j.logDecision(format, reason)
	return reason != ""
}

func (j *job) logDecision(format media.Format, reason string) {
	entry := logrus.WithFields(logrus.Fields{
		"function": "job.newPipeline",
		"job_id":   j.id,
		"format":   format.String(),
	})
	if reason == "" {
		entry.Info("Passing track through")
		return
	}
	entry.WithField("reason", reason).Info("Transcoding track")
}

func (j *job) fallbackHandler(trackType media.TrackType) pipeline.FallbackFunc {
	return func(requested, actual media.Format) {
		current := j.request
		if j.fallback != nil {
			current = *j.fallback
		}
		updated := current.withFallback(trackType, requested, actual)
		j.fallback = &updated
		for _, l := range j.listeners {
			l.OnFallbackApplied(j.request, updated)
		}
	}
}

// step feeds at most one sample into each track and advances every
// pipeline.
func (j *job) step() (bool, error) {
	progressed := false
	for _, t := range j.tracks {
		fed, err := j.feedInput(t)
		if err != nil {
			return false, err
		}
		progressed = progressed || fed
		for i := 0; i < maxStepsPerTrack; i++ {
			ok, err := t.pipeline.ProcessData()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			progressed = true
		}
	}
	j.updateProgress()
	return progressed, nil
}

func (j *job) feedInput(t *jobTrack) (bool, error) {
	if t.inputEnded {
		return false, nil
	}
	buf, err := t.pipeline.DequeueInputBuffer()
	if err != nil || buf == nil {
		return false, err
	}
	sample, err := j.item.Source.ReadSample(t.index)
	switch {
	case errors.Is(err, io.EOF):
		buf.SetEndOfStream()
		t.inputEnded = true
	case err != nil:
		return false, media.AsExportError(err, media.ErrorCodeIO)
	default:
		buf.CopyFrom(sample)
		t.positionUs = sample.TimeUs
	}
	return true, t.pipeline.QueueInputBuffer()
}

func (j *job) allEnded() bool {
	for _, t := range j.tracks {
		if !t.pipeline.IsEnded() {
			return false
		}
	}
	return true
}

func (j *job) updateProgress() {
	duration := j.item.Source.DurationUs()
	if duration <= 0 {
		j.progress.Store(progressUnknown)
		return
	}
	minPosition := duration
	for _, t := range j.tracks {
		if !t.inputEnded && t.positionUs < minPosition {
			minPosition = t.positionUs
		}
	}
	percent := minPosition * 100 / duration
	if percent > 99 {
		percent = 99
	}
	j.progress.Store(int32(percent))
}

func (j *job) progressState() (ProgressState, int) {
	if !j.ready.Load() {
		return ProgressStateWaitingForAvailability, 0
	}
	percent := j.progress.Load()
	if percent == progressUnknown {
		return ProgressStateUnavailable, 0
	}
	return ProgressStateAvailable, int(percent)
}

// release frees every pipeline, the muxer and the source. Errors are
// merged so that one failure does not skip the rest.
func (j *job) release(forCancellation bool) error {
	var result *multierror.Error
	for _, t := range j.tracks {
		if t.pipeline != nil {
			result = multierror.Append(result, t.pipeline.Release())
		}
	}
	if j.muxer != nil {
		result = multierror.Append(result, j.muxer.Release(forCancellation))
	}
	result = multierror.Append(result, j.item.Source.Close())
	return j.withoutReleaseTimeouts(result)
}

// withoutReleaseTimeouts drops executor release timeouts from result. The
// teardown keeps running in the background, so a timeout is logged but does
// not fail the job.
func (j *job) withoutReleaseTimeouts(result *multierror.Error) error {
	if result == nil {
		return nil
	}
	var kept *multierror.Error
	for _, err := range result.Errors {
		if errors.Is(err, executor.ErrReleaseTimeout) {
			logrus.WithFields(logrus.Fields{
				"function": "job.release",
				"job_id":   j.id,
				"error":    err,
			}).Warn("Frame processor release timed out")
			continue
		}
		kept = multierror.Append(kept, err)
	}
	return kept.ErrorOrNil()
}

func (j *job) result() Result {
	result := Result{
		JobID:               j.id,
		AverageAudioBitrate: media.NoValue,
		AverageVideoBitrate: media.NoValue,
		Width:               media.NoValue,
		Height:              media.NoValue,
		Fallback:            j.fallback,
	}
	if j.muxer == nil {
		return result
	}
	audioUs := j.muxer.TrackTimeUs(media.TrackTypeAudio)
	videoUs := j.muxer.TrackTimeUs(media.TrackTypeVideo)
	if videoUs > audioUs {
		audioUs = videoUs
	}
	result.DurationMs = media.UsToMs(audioUs)
	result.AverageAudioBitrate = j.muxer.TrackAverageBitrate(media.TrackTypeAudio)
	result.AverageVideoBitrate = j.muxer.TrackAverageBitrate(media.TrackTypeVideo)
	result.AudioSampleCount = j.muxer.TrackSampleCount(media.TrackTypeAudio)
	result.VideoFrameCount = j.muxer.TrackSampleCount(media.TrackTypeVideo)

	for _, t := range j.tracks {
		if t.format.TrackType() != media.TrackTypeVideo {
			continue
		}
		format := t.format
		if vt, ok := t.pipeline.(*pipeline.VideoTranscode); ok {
			if encoded, ok := vt.EncoderFormat(); ok {
				format = encoded
			}
		}
		result.Width, result.Height = format.Width, format.Height
	}
	return result
}
