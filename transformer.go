package transformer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/transformer/codec"
	"github.com/opd-ai/transformer/frameprocessor"
	"github.com/opd-ai/transformer/media"
	"github.com/opd-ai/transformer/muxer"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSource is returned by Start for an item without a source.
	ErrNoSource = errors.New("edited item has no source")
	// ErrNoSink is returned by Start without an output sink.
	ErrNoSink = errors.New("no output sink")
	// ErrJobInProgress is returned by Start while another job runs.
	ErrJobInProgress = errors.New("a job is already in progress")
)

// Options contains the configuration of a Transformer.
type Options struct {
	Request        Request
	DecoderFactory codec.DecoderFactory
	EncoderFactory codec.EncoderFactory
	// ProcessorConfig is used for every video frame processor. Its
	// InputMode is overridden.
	ProcessorConfig frameprocessor.Config
	// MaxWriteAhead bounds how far one track may run ahead of the others
	// in the output.
	MaxWriteAhead time.Duration
	// MaxDelayBetweenSamplesMs overrides the sink's stall timeout. Zero
	// keeps the sink's value and media.TimeUnset disables stall detection.
	MaxDelayBetweenSamplesMs int64
	// TimeProvider drives stall detection. Defaults to the system clock.
	TimeProvider media.TimeProvider
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		DecoderFactory: &codec.DefaultDecoderFactory{},
		EncoderFactory: codec.NewDefaultEncoderFactory(),
		MaxWriteAhead:  muxer.DefaultMaxWriteAhead,
	}
}

// Transformer exports edited items, one job at a time.
type Transformer struct {
	options   Options
	mu        sync.Mutex
	listeners []Listener
	job       *job
	// idle is closed when no job is running.
	idle chan struct{}
}

// New creates a Transformer. A nil options uses NewOptions.
func New(options *Options) *Transformer {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	defaults := NewOptions()
	if opts.DecoderFactory == nil {
		opts.DecoderFactory = defaults.DecoderFactory
	}
	if opts.EncoderFactory == nil {
		opts.EncoderFactory = defaults.EncoderFactory
	}
	if opts.MaxWriteAhead <= 0 {
		opts.MaxWriteAhead = defaults.MaxWriteAhead
	}

	idle := make(chan struct{})
	close(idle)
	return &Transformer{options: opts, idle: idle}
}

// AddListener registers a listener for jobs started afterwards.
func (t *Transformer) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// SetRequest replaces the request used by jobs started afterwards.
func (t *Transformer) SetRequest(r Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options.Request = r
}

// Start begins exporting item to sink and returns the job identifier.
// Completion is reported to the listeners. The job owns item.Source and
// closes it when done.
func (t *Transformer) Start(item EditedItem, sink muxer.Sink) (string, error) {
	if item.Source == nil {
		return "", ErrNoSource
	}
	if sink == nil {
		return "", ErrNoSink
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job != nil {
		return "", ErrJobInProgress
	}

	id := uuid.New().String()
	listeners := append([]Listener(nil), t.listeners...)
	j := newJob(id, item, sink, t.options, listeners, t.onJobDone)
	t.job = j
	t.idle = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":     "Transformer.Start",
		"job_id":       id,
		"tracks":       len(item.Source.Tracks()),
		"remove_audio": item.RemoveAudio,
		"remove_video": item.RemoveVideo,
		"effects":      len(item.Effects),
	}).Info("Starting export")
	j.start()
	return id, nil
}

// onJobDone runs on the job goroutine after listeners were notified.
func (t *Transformer) onJobDone(j *job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == j {
		t.job = nil
		close(t.idle)
	}
}

// Cancel stops the running job without notifying listeners and returns
// once its resources are released. It returns the release error, if any.
// Cancel must not be called from a listener callback.
func (t *Transformer) Cancel() error {
	t.mu.Lock()
	j := t.job
	t.mu.Unlock()
	if j == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Transformer.Cancel",
		"job_id":   j.id,
	}).Info("Cancelling export")
	err := j.cancel()
	if err != nil {
		return media.AsExportError(err, media.ErrorCodeReleaseFailed)
	}
	return nil
}

// Progress returns the progress state of the running job and, when the
// state is ProgressStateAvailable, a percentage in [0, 99].
func (t *Transformer) Progress() (ProgressState, int) {
	t.mu.Lock()
	j := t.job
	t.mu.Unlock()
	if j == nil {
		return ProgressStateNoTransformation, 0
	}
	return j.progressState()
}

// Wait blocks until no job is running or ctx is done.
func (t *Transformer) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
