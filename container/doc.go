// Package container implements the TXF1 framed media container used by the
// file sink and the file asset.
//
// A container is the 4-byte magic "TXF1" followed by records, each a type
// byte and a big endian 32-bit payload length:
//
//	track   (1): fixed track header then the mime type
//	sample  (2): track, flags, presentation time (µs), data
//	trailer (3): sample count, blake2b-256 over every sample payload
//
// Every track record precedes the first sample. [Reader] verifies the
// trailer when it reaches it and reports [ErrChecksumMismatch] for damaged
// files and [ErrMissingTrailer] for truncated ones.
package container
