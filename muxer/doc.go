// Package muxer interleaves encoded tracks into a container [Sink].
//
// A [Wrapper] is created per job. Every track is registered up front, then
// its format is added once known; samples are accepted only after all
// formats are in:
//
//	w := muxer.NewWrapper(sink, onError)
//	w.RegisterTrack() // video
//	w.RegisterTrack() // audio
//	w.AddTrackFormat(videoFormat)
//	w.AddTrackFormat(audioFormat) // ready
//	ok, err := w.WriteSample(media.TrackTypeVideo, data, true, ptsUs)
//
// WriteSample returning false means "retry later": with two active tracks a
// sample is held back while it would put its track more than the write-ahead
// bound (500 ms by default) ahead of the slowest track. If no sample is
// written for the sink's MaxDelayBetweenSamplesMs the wrapper reports a
// single media.ErrorCodeMuxingTimeout error.
//
// Bundled sinks: [MemorySink] for tests, [FileSink] for TXF1 containers and
// [RTPSink], which packetizes samples with pion/rtp and frames them as RTP
// over a byte stream (RFC 4571).
package muxer
