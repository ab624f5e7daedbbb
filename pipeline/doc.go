// Package pipeline implements the per-track sample pipelines that move
// samples from an asset to the muxer.
//
// Every pipeline follows the same cooperative protocol, driven from a
// single goroutine: fill the buffer returned by DequeueInputBuffer, hand it
// over with QueueInputBuffer, then call ProcessData until it reports no
// further progress. A pipeline moves through the states AwaitingInput,
// Transforming and AwaitingMuxer, and reaches Ended once the muxer accepted
// its last sample and the track was ended.
//
// Passthrough forwards samples untouched. VideoTranscode decodes into a
// frame processor whose output feeds an encoder created once the output
// size is known. AudioTranscode decodes to PCM and re-encodes. Encoders
// that cannot honor the requested format are replaced by the factory and
// reported through a FallbackFunc.
package pipeline
