package media

import (
	"errors"
	"fmt"
)

// ErrorCode classifies export failures.
type ErrorCode int

// Error codes, grouped by origin.
const (
	ErrorCodeUnspecified ErrorCode = 1000

	ErrorCodeIO ErrorCode = 2000

	ErrorCodeDecoderInit               ErrorCode = 3001
	ErrorCodeDecodingFailed            ErrorCode = 3002
	ErrorCodeDecodingFormatUnsupported ErrorCode = 3003

	ErrorCodeEncoderInit               ErrorCode = 4001
	ErrorCodeEncodingFailed            ErrorCode = 4002
	ErrorCodeEncodingFormatUnsupported ErrorCode = 4003

	ErrorCodeVideoFrameProcessingFailed ErrorCode = 5001

	ErrorCodeMuxingFailed  ErrorCode = 7001
	ErrorCodeMuxingTimeout ErrorCode = 7002

	ErrorCodeReleaseFailed ErrorCode = 8001
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeUnspecified:                "ERROR_CODE_UNSPECIFIED",
	ErrorCodeIO:                         "ERROR_CODE_IO",
	ErrorCodeDecoderInit:                "ERROR_CODE_DECODER_INIT_FAILED",
	ErrorCodeDecodingFailed:             "ERROR_CODE_DECODING_FAILED",
	ErrorCodeDecodingFormatUnsupported:  "ERROR_CODE_DECODING_FORMAT_UNSUPPORTED",
	ErrorCodeEncoderInit:                "ERROR_CODE_ENCODER_INIT_FAILED",
	ErrorCodeEncodingFailed:             "ERROR_CODE_ENCODING_FAILED",
	ErrorCodeEncodingFormatUnsupported:  "ERROR_CODE_ENCODING_FORMAT_UNSUPPORTED",
	ErrorCodeVideoFrameProcessingFailed: "ERROR_CODE_VIDEO_FRAME_PROCESSING_FAILED",
	ErrorCodeMuxingFailed:               "ERROR_CODE_MUXING_FAILED",
	ErrorCodeMuxingTimeout:              "ERROR_CODE_MUXING_TIMEOUT",
	ErrorCodeReleaseFailed:              "ERROR_CODE_RELEASE_FAILED",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE_%d", int(c))
}

// CodecInfo identifies the codec an ExportError originated in.
type CodecInfo struct {
	Name      string
	IsVideo   bool
	IsDecoder bool
}

// ExportError is the typed failure surfaced to job listeners.
type ExportError struct {
	Code  ErrorCode
	Codec *CodecInfo
	Cause error
}

// NewExportError wraps cause with a code.
func NewExportError(code ErrorCode, cause error) *ExportError {
	return &ExportError{Code: code, Cause: cause}
}

// NewCodecError wraps a codec failure, tagging its origin.
func NewCodecError(code ErrorCode, info CodecInfo, cause error) *ExportError {
	return &ExportError{Code: code, Codec: &info, Cause: cause}
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	msg := e.Code.String()
	if e.Codec != nil {
		side := "encoder"
		if e.Codec.IsDecoder {
			side = "decoder"
		}
		kind := "audio"
		if e.Codec.IsVideo {
			kind = "video"
		}
		msg = fmt.Sprintf("%s (%s %s %q)", msg, kind, side, e.Codec.Name)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// IsFallbackEligible reports whether the failure is a capability mismatch
// that a caller could retry with a different request.
func (e *ExportError) IsFallbackEligible() bool {
	return e.Code == ErrorCodeDecodingFormatUnsupported || e.Code == ErrorCodeEncodingFormatUnsupported
}

// AsExportError converts any error into an ExportError. Errors that already
// carry an ExportError in their chain keep it; anything else gets fallback.
func AsExportError(err error, fallback ErrorCode) *ExportError {
	if err == nil {
		return nil
	}
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr
	}
	return NewExportError(fallback, err)
}
