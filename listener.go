package transformer

import "github.com/opd-ai/transformer/media"

// ProgressState describes whether progress can be reported.
type ProgressState int

const (
	// ProgressStateNoTransformation means no job is running.
	ProgressStateNoTransformation ProgressState = iota
	// ProgressStateWaitingForAvailability means the job is still setting
	// up its pipelines.
	ProgressStateWaitingForAvailability
	// ProgressStateAvailable means the returned percentage is valid.
	ProgressStateAvailable
	// ProgressStateUnavailable means the input duration is unknown.
	ProgressStateUnavailable
)

func (s ProgressState) String() string {
	switch s {
	case ProgressStateNoTransformation:
		return "no-transformation"
	case ProgressStateWaitingForAvailability:
		return "waiting-for-availability"
	case ProgressStateAvailable:
		return "available"
	case ProgressStateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result summarizes a finished job.
type Result struct {
	JobID string
	// DurationMs is the largest sample time written, in milliseconds.
	DurationMs          int64
	AverageAudioBitrate int
	AverageVideoBitrate int
	VideoFrameCount     int
	AudioSampleCount    int
	Width               int
	Height              int
	// Fallback is set when an encoder substituted a supported format.
	Fallback *Request
}

// Listener receives job events. Callbacks run on job goroutines and must
// not block.
type Listener interface {
	// OnCompleted reports a job that wrote every track.
	OnCompleted(result Result)
	// OnError reports the first fatal error of a job. Release failures
	// are merged into err.
	OnError(result Result, err *media.ExportError)
	// OnFallbackApplied reports that an encoder could not honor original
	// and fallback describes what is produced instead.
	OnFallbackApplied(original, fallback Request)
}
