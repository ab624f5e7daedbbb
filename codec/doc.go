// Package codec defines the buffer-queue interface the sample pipelines use
// to drive decoders and encoders, and ships reference implementations.
//
// A [Codec] never blocks. Callers poll for an input buffer, fill it and
// queue it back, then drain output buffers:
//
//	buf, err := dec.MaybeDequeueInputBuffer()
//	if buf != nil {
//	    buf.CopyFrom(sample)
//	    err = dec.QueueInputBuffer(buf)
//	}
//	for out, _ := dec.OutputBuffer(); out != nil; out, _ = dec.OutputBuffer() {
//	    // use out
//	    dec.ReleaseOutputBuffer(false)
//	}
//
// End of stream is never returned as an output buffer; [Codec.IsEnded]
// turns true once it has been reached.
//
// The reference codecs cover packed YUV420 video ([RawVideoDecoder],
// [RawVideoEncoder]), s16le PCM ([PCMCodec]) and Opus decoding
// ([OpusDecoder], backed by pion/opus).
//
// [DefaultEncoderFactory] substitutes a supported mime type or a smaller
// frame size when a request exceeds its [Capabilities]. Per-vendor settings
// come from an injected [TuningTable].
package codec
