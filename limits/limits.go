package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxSampleSize is the largest encoded or decoded sample accepted anywhere
	// in the pipeline (64 MiB). A raw 8K YUV420 frame fits comfortably.
	MaxSampleSize = 64 * 1024 * 1024

	// MaxFrameDimension is the largest texture width or height the GPU
	// context allocates.
	MaxFrameDimension = 8192

	// MinFrameDimension is the smallest texture width or height.
	MinFrameDimension = 2

	// MaxTracks is the number of tracks a single job may carry.
	MaxTracks = 2

	// DigestSize is the size of the integrity digest appended to containers
	// (blake2b-256).
	DigestSize = 32

	// RecordHeaderSize is the size of a container record header:
	// type (1 byte) + payload length (4 bytes).
	RecordHeaderSize = 5
)

var (
	// ErrSampleEmpty indicates an empty sample was provided
	ErrSampleEmpty = errors.New("empty sample")

	// ErrSampleTooLarge indicates a sample exceeds MaxSampleSize
	ErrSampleTooLarge = errors.New("sample too large")

	// ErrInvalidFrameSize indicates frame dimensions outside the supported range
	ErrInvalidFrameSize = errors.New("invalid frame size")
)

// ValidateSampleSize validates a sample against MaxSampleSize.
// Returns an error with context including the actual and maximum sizes.
func ValidateSampleSize(data []byte) error {
	if len(data) == 0 {
		return ErrSampleEmpty
	}
	if len(data) > MaxSampleSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrSampleTooLarge, len(data), MaxSampleSize)
	}
	return nil
}

// ValidateRecordLength validates a container record payload length read from
// untrusted input. Zero-length payloads are allowed for control records.
func ValidateRecordLength(length uint32) error {
	if length > MaxSampleSize+64 {
		return fmt.Errorf("%w: record length %d exceeds limit %d", ErrSampleTooLarge, length, MaxSampleSize+64)
	}
	return nil
}

// ValidateFrameSize checks that a frame can be held in a YUV420 texture:
// both dimensions within [MinFrameDimension, MaxFrameDimension] and even.
func ValidateFrameSize(width, height int) error {
	if width < MinFrameDimension || height < MinFrameDimension ||
		width > MaxFrameDimension || height > MaxFrameDimension {
		return fmt.Errorf("%w: %dx%d outside [%d, %d]", ErrInvalidFrameSize, width, height,
			MinFrameDimension, MaxFrameDimension)
	}
	if width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("%w: %dx%d must be even for YUV420", ErrInvalidFrameSize, width, height)
	}
	return nil
}

// EvenDimension rounds v to the nearest even value not below MinFrameDimension.
func EvenDimension(v int) int {
	if v < MinFrameDimension {
		return MinFrameDimension
	}
	if v%2 != 0 {
		v++
	}
	if v > MaxFrameDimension {
		v = MaxFrameDimension
	}
	return v
}
