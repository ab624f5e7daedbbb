package frameprocessor

import (
	"sync"

	"github.com/opd-ai/transformer/effect"
	"github.com/opd-ai/transformer/executor"
	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/media"
)

// TaskSubmitter queues work on the goroutine that owns the stages.
type TaskSubmitter interface {
	Submit(task executor.Task)
}

type timedFrame struct {
	tex   gpu.TextureInfo
	ptsUs int64
}

func (f timedFrame) isEndOfStream() bool {
	return f.ptsUs == media.TimeEndOfSource
}

var endOfStreamFrame = timedFrame{tex: gpu.UnsetTexture, ptsUs: media.TimeEndOfSource}

// ChainingListener connects a producing stage to a consuming stage. It
// buffers output frames the consumer has no capacity for and forwards the
// consumer's releases back to the producer. Every hand-off runs as a task
// on the submitter, so callbacks may arrive from within other tasks
// without re-entering a stage.
type ChainingListener struct {
	producer  effect.Stage
	consumer  effect.Stage
	submitter TaskSubmitter

	mu              sync.Mutex
	availableFrames []timedFrame
	capacity        int
}

// NewChainingListener creates the listener between producer and consumer.
// The caller registers it as the producer's output listener and the
// consumer's input listener.
func NewChainingListener(producer, consumer effect.Stage, submitter TaskSubmitter) *ChainingListener {
	return &ChainingListener{
		producer:  producer,
		consumer:  consumer,
		submitter: submitter,
	}
}

// OnReadyToAcceptInputFrame hands the oldest buffered frame to the consumer,
// or stores the token if nothing is buffered. End of stream markers at the
// head of the queue are delivered without using the token.
func (l *ChainingListener) OnReadyToAcceptInputFrame() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.availableFrames) > 0 && l.availableFrames[0].isEndOfStream() {
		l.availableFrames = l.availableFrames[1:]
		l.submitter.Submit(l.consumer.SignalEndOfCurrentInputStream)
	}
	if len(l.availableFrames) == 0 {
		l.capacity++
		return
	}
	frame := l.availableFrames[0]
	l.availableFrames = l.availableFrames[1:]
	l.submitQueue(frame)
	l.flushEndOfStream()
}

// OnInputFrameProcessed returns tex to the producer that rendered it.
func (l *ChainingListener) OnInputFrameProcessed(tex gpu.TextureInfo) {
	l.submitter.Submit(func() error {
		return l.producer.ReleaseOutputFrame(tex)
	})
}

// OnOutputFrameAvailable forwards the frame if the consumer has a token and
// buffers it otherwise.
func (l *ChainingListener) OnOutputFrameAvailable(tex gpu.TextureInfo, ptsUs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame := timedFrame{tex: tex, ptsUs: ptsUs}
	if l.capacity > 0 && len(l.availableFrames) == 0 {
		l.capacity--
		l.submitQueue(frame)
		return
	}
	l.availableFrames = append(l.availableFrames, frame)
}

// OnCurrentOutputStreamEnded delivers the end of stream after every frame
// still buffered.
func (l *ChainingListener) OnCurrentOutputStreamEnded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.availableFrames) > 0 {
		l.availableFrames = append(l.availableFrames, endOfStreamFrame)
		return
	}
	l.submitter.Submit(l.consumer.SignalEndOfCurrentInputStream)
}

// Pending returns the number of buffered entries, end of stream markers
// included.
func (l *ChainingListener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.availableFrames)
}

// Capacity returns the number of unused consumer tokens.
func (l *ChainingListener) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// flushEndOfStream delivers markers that became the head of the queue
// after a frame was handed over. Called with mu held.
func (l *ChainingListener) flushEndOfStream() {
	for len(l.availableFrames) > 0 && l.availableFrames[0].isEndOfStream() {
		l.availableFrames = l.availableFrames[1:]
		l.submitter.Submit(l.consumer.SignalEndOfCurrentInputStream)
	}
}

func (l *ChainingListener) submitQueue(frame timedFrame) {
	l.submitter.Submit(func() error {
		return l.consumer.QueueInputFrame(frame.tex, frame.ptsUs)
	})
}
