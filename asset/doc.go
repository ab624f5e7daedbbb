// Package asset provides the inputs of an export: a Source yields the
// track formats and per-track samples of a media asset.
//
// Three sources are available. MemorySource serves samples already in
// memory, FileSource demultiplexes a TXF1 container written by the muxer
// package, and NewTestPattern synthesizes a clip of moving bars with an
// optional sine tone, which the command-line tool and tests use when no
// input file is at hand.
package asset
