package muxer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/transformer/limits"
	"github.com/opd-ai/transformer/media"
	"github.com/sirupsen/logrus"
)

// DefaultMaxWriteAhead is how far one track may run ahead of the slowest
// active track.
const DefaultMaxWriteAhead = 500 * time.Millisecond

var (
	// ErrTooManyTracks is returned when registering more than
	// limits.MaxTracks tracks.
	ErrTooManyTracks = errors.New("too many tracks")
	// ErrAlreadyReady is returned when registering a track after every
	// registered track has a format.
	ErrAlreadyReady = errors.New("tracks already finalized")
	// ErrTrackNotRegistered is returned when adding a format with no
	// registered track left for it.
	ErrTrackNotRegistered = errors.New("no registered track for format")
	// ErrDuplicateTrack is returned when a track type is added twice.
	ErrDuplicateTrack = errors.New("track type already added")
	// ErrTrackNotAdded is returned when writing to a track without a
	// format.
	ErrTrackNotAdded = errors.New("track format not added")
	// ErrStalled is the cause of the error reported when no sample is
	// written within the sink's maximum delay.
	ErrStalled = errors.New("no sample written within the maximum delay")
)

// trackInfo is the bookkeeping of one active track.
type trackInfo struct {
	index        int
	format       media.Format
	sampleCount  int
	timeUs       int64
	bytesWritten int64
}

// averageBitrate returns bits per second over the written duration, or
// media.NoValue before any time has elapsed.
func (t *trackInfo) averageBitrate() int {
	if t.timeUs <= 0 || t.bytesWritten <= 0 {
		return media.NoValue
	}
	return int(t.bytesWritten * 8 * 1_000_000 / t.timeUs)
}

// Wrapper interleaves the samples of several tracks into a Sink. It holds
// back tracks that run too far ahead and reports a stall when nothing is
// written for the sink's maximum delay. All methods are safe for
// concurrent use.
type Wrapper struct {
	sink            Sink
	onError         func(*media.ExportError)
	timeProvider    media.TimeProvider
	maxWriteAheadUs int64
	maxDelayMs      int64

	mu            sync.Mutex
	trackCount    int
	tracks        map[media.TrackType]*trackInfo
	endedTracks   map[media.TrackType]trackInfo
	ready         bool
	released      bool
	stallTimer    media.Timer
	stallGen      uint64
	stallReported bool
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithTimeProvider injects the clock used for stall detection.
func WithTimeProvider(tp media.TimeProvider) Option {
	return func(w *Wrapper) {
		w.timeProvider = tp
	}
}

// WithMaxWriteAhead sets the write-ahead bound.
func WithMaxWriteAhead(d time.Duration) Option {
	return func(w *Wrapper) {
		if d > 0 {
			w.maxWriteAheadUs = d.Microseconds()
		}
	}
}

// WithMaxDelayBetweenSamples overrides the sink's stall timeout.
// media.TimeUnset disables stall detection.
func WithMaxDelayBetweenSamples(ms int64) Option {
	return func(w *Wrapper) {
		w.maxDelayMs = ms
	}
}

// NewWrapper wraps sink. onError receives the stall error; it is called
// at most once, on a timer goroutine.
func NewWrapper(sink Sink, onError func(*media.ExportError), opts ...Option) *Wrapper {
	w := &Wrapper{
		sink:            sink,
		onError:         onError,
		maxWriteAheadUs: DefaultMaxWriteAhead.Microseconds(),
		maxDelayMs:      sink.MaxDelayBetweenSamplesMs(),
		tracks:          make(map[media.TrackType]*trackInfo),
		endedTracks:     make(map[media.TrackType]trackInfo),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.timeProvider = media.GetTimeProvider(w.timeProvider)
	if w.onError == nil {
		w.onError = func(*media.ExportError) {}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "muxer.NewWrapper",
		"max_write_ahead": time.Duration(w.maxWriteAheadUs) * time.Microsecond,
		"max_delay_ms":    w.maxDelayMs,
	}).Debug("Created muxer wrapper")
	return w
}

// RegisterTrack announces a track whose format will be added later. Every
// track must be registered before the first AddTrackFormat completes the
// set.
func (w *Wrapper) RegisterTrack() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return ErrAlreadyReady
	}
	if w.trackCount >= limits.MaxTracks {
		return fmt.Errorf("%w: limit %d", ErrTooManyTracks, limits.MaxTracks)
	}
	w.trackCount++
	return nil
}

// SupportsSampleMimeType reports whether the sink can store mimeType.
func (w *Wrapper) SupportsSampleMimeType(mimeType string) bool {
	for _, m := range w.sink.SupportedSampleMimeTypes(media.TrackTypeOf(mimeType)) {
		if m == mimeType {
			return true
		}
	}
	return false
}

// AddTrackFormat adds a registered track to the sink. Once every
// registered track has a format the wrapper is ready and stall detection
// starts.
func (w *Wrapper) AddTrackFormat(format media.Format) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	trackType := format.TrackType()
	if w.trackCount == 0 || len(w.tracks)+len(w.endedTracks) >= w.trackCount {
		return ErrTrackNotRegistered
	}
	if _, ok := w.tracks[trackType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrack, trackType)
	}
	if !w.SupportsSampleMimeType(format.SampleMimeType) {
		return media.NewExportError(media.ErrorCodeMuxingFailed,
			fmt.Errorf("sink does not support %q", format.SampleMimeType))
	}

	index, err := w.sink.AddTrack(format)
	if err != nil {
		return media.NewExportError(media.ErrorCodeMuxingFailed, fmt.Errorf("add track: %w", err))
	}
	w.tracks[trackType] = &trackInfo{index: index, format: format}

	logrus.WithFields(logrus.Fields{
		"function":   "Wrapper.AddTrackFormat",
		"track_type": trackType.String(),
		"index":      index,
		"format":     format.String(),
	}).Info("Added track format")

	if len(w.tracks) == w.trackCount {
		w.ready = true
		w.resetStallTimerLocked()
		logrus.WithFields(logrus.Fields{
			"function": "Wrapper.AddTrackFormat",
			"tracks":   w.trackCount,
		}).Info("Muxer ready")
	}
	return nil
}

// IsReady reports whether every registered track has a format.
func (w *Wrapper) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// WriteSample writes one sample. It returns false without error when the
// sample must be retried later: the wrapper is not ready yet, or the track
// would get more than the write-ahead bound ahead of the slowest track.
func (w *Wrapper) WriteSample(trackType media.TrackType, data []byte, isKeyFrame bool, timeUs int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	track, ok := w.tracks[trackType]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTrackNotAdded, trackType)
	}
	if !w.canWriteSampleLocked(timeUs) {
		return false, nil
	}

	if err := w.sink.WriteSampleData(track.index, data, isKeyFrame, timeUs); err != nil {
		return false, media.NewExportError(media.ErrorCodeMuxingFailed,
			fmt.Errorf("write %s sample at %dus: %w", trackType, timeUs, err))
	}
	track.sampleCount++
	track.bytesWritten += int64(len(data))
	if timeUs > track.timeUs {
		track.timeUs = timeUs
	}
	w.resetStallTimerLocked()
	return true, nil
}

func (w *Wrapper) canWriteSampleLocked(timeUs int64) bool {
	if !w.ready || w.released {
		return false
	}
	if len(w.tracks) == 1 {
		return true
	}
	return timeUs-w.minTrackTimeUsLocked() <= w.maxWriteAheadUs
}

func (w *Wrapper) minTrackTimeUsLocked() int64 {
	first := true
	var minUs int64
	for _, t := range w.tracks {
		if first || t.timeUs < minUs {
			minUs = t.timeUs
			first = false
		}
	}
	return minUs
}

// EndTrack removes a finished track. Once no tracks remain, stall detection
// stops.
func (w *Wrapper) EndTrack(trackType media.TrackType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	track, ok := w.tracks[trackType]
	if !ok {
		return
	}
	w.endedTracks[trackType] = *track
	delete(w.tracks, trackType)

	logrus.WithFields(logrus.Fields{
		"function":      "Wrapper.EndTrack",
		"track_type":    trackType.String(),
		"samples":       track.sampleCount,
		"bytes_written": track.bytesWritten,
	}).Info("Track ended")

	if len(w.tracks) == 0 {
		w.stopStallTimerLocked()
	}
}

// TrackSampleCount returns the samples written for a track, including
// ended tracks.
func (w *Wrapper) TrackSampleCount(trackType media.TrackType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tracks[trackType]; ok {
		return t.sampleCount
	}
	if t, ok := w.endedTracks[trackType]; ok {
		return t.sampleCount
	}
	return 0
}

// TrackAverageBitrate returns the average bitrate of a track in bits per
// second, or media.NoValue if unknown.
func (w *Wrapper) TrackAverageBitrate(trackType media.TrackType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tracks[trackType]; ok {
		return t.averageBitrate()
	}
	if t, ok := w.endedTracks[trackType]; ok {
		return t.averageBitrate()
	}
	return media.NoValue
}

// TrackTimeUs returns the largest time written for a track.
func (w *Wrapper) TrackTimeUs(trackType media.TrackType) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tracks[trackType]; ok {
		return t.timeUs
	}
	if t, ok := w.endedTracks[trackType]; ok {
		return t.timeUs
	}
	return 0
}

func (w *Wrapper) resetStallTimerLocked() {
	w.stopStallTimerLocked()
	if w.maxDelayMs == media.TimeUnset || w.maxDelayMs <= 0 || w.released {
		return
	}
	delay := time.Duration(w.maxDelayMs) * time.Millisecond
	gen := w.stallGen
	w.stallTimer = w.timeProvider.AfterFunc(delay, func() {
		w.onStall(gen)
	})
}

func (w *Wrapper) stopStallTimerLocked() {
	w.stallGen++
	if w.stallTimer != nil {
		w.stallTimer.Stop()
		w.stallTimer = nil
	}
}

// onStall runs on the timer goroutine. A timer that was stopped after it
// fired but before it took the lock is ignored.
func (w *Wrapper) onStall(gen uint64) {
	w.mu.Lock()
	if gen != w.stallGen || w.stallReported || w.released {
		w.mu.Unlock()
		return
	}
	w.stallReported = true
	w.stallTimer = nil
	maxDelay := w.maxDelayMs
	w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Wrapper.onStall",
		"max_delay_ms": maxDelay,
	}).Error("Muxer stalled")
	w.onError(media.NewExportError(media.ErrorCodeMuxingTimeout,
		fmt.Errorf("%w: %d ms", ErrStalled, maxDelay)))
}

// Release finishes the sink. Errors are returned only when not cancelling;
// a cancelled job's sink is released best effort.
func (w *Wrapper) Release(forCancellation bool) error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil
	}
	w.released = true
	w.ready = false
	w.stopStallTimerLocked()
	w.mu.Unlock()

	err := w.sink.Release(forCancellation)
	if err == nil {
		return nil
	}
	if forCancellation {
		logrus.WithFields(logrus.Fields{
			"function": "Wrapper.Release",
			"error":    err.Error(),
		}).Warn("Ignoring sink release failure during cancellation")
		return nil
	}
	return media.NewExportError(media.ErrorCodeMuxingFailed, fmt.Errorf("release sink: %w", err))
}
