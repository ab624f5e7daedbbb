// Package media defines the data model shared by the transformation pipeline.
//
// # Formats
//
// A [Format] is an immutable value describing one track. Modifications go
// through copy helpers so a format handed to another component never changes
// underneath it:
//
//	f := media.NewVideoFormat(media.MimeVideoRaw, 640, 480, 30)
//	rotated := f.WithRotation(90)
//
// # Buffers
//
// A [Buffer] carries one sample between the asset, codecs and the muxer. The
// end of a track is signalled by a buffer with [FlagEndOfStream] set and
// [TimeEndOfSource] as its timestamp.
//
// # Errors
//
// Failures that end a job are reported as [ExportError] values with an
// [ErrorCode]. Codec failures record whether they came from a decoder or an
// encoder, and capability mismatches are flagged as fallback eligible.
//
// # Deterministic Testing
//
// Components that schedule timeouts accept a [TimeProvider]:
//
//	wrapper := muxer.NewWrapper(sink, onError, muxer.WithTimeProvider(fakeClock))
package media
