// Package transformer exports media: it reads an edited item, applies
// format changes and video effects, and writes the result to a muxer sink.
//
// # Getting Started
//
// Create a Transformer with options, register a listener and start a job:
//
//	options := transformer.NewOptions()
//	options.Request = transformer.Request{}.WithOutputHeight(480)
//
//	t := transformer.New(options)
//	t.AddListener(myListener)
//
//	source, err := asset.OpenFile("input.txf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sink, err := muxer.NewFileSink("output.txf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	jobID, err := t.Start(transformer.EditedItem{Source: source}, sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    state, percent := t.Progress()
//	    if state == transformer.ProgressStateNoTransformation {
//	        break
//	    }
//	    fmt.Printf("%s: %s %d%%\n", jobID, state, percent)
//	    time.Sleep(100 * time.Millisecond)
//	}
//
// # Core Types
//
//   - [Transformer]: runs one export job at a time
//   - [Options]: codec factories, muxer timing and the default [Request]
//   - [EditedItem]: the source asset plus removed tracks and effects
//   - [Listener]: receives completion, error and fallback events
//
// # Track Pipelines
//
// Each track selected from the source gets its own pipeline. Audio and
// video that need no change are passed through sample by sample. Video
// with effects, a geometry change, non-square pixels or a different
// output format is decoded, processed by a frameprocessor.Processor and
// re-encoded. Audio is re-encoded when the output mime type differs or
// the sink cannot store it.
//
// The muxer interleaves tracks: a sample is written only while its time
// stays within Options.MaxWriteAhead of the slowest track. A sink that
// receives no sample for its maximum delay fails the job with
// media.ErrorCodeMuxingTimeout.
//
// # Errors
//
// Listeners receive a *media.ExportError whose Code classifies the failure.
// Only the first error of a job is reported; resource release failures are
// merged into it. Cancel releases everything without notifying listeners.
//
// # Deterministic Testing
//
// Options.TimeProvider replaces the clock that drives stall detection. Tests
// use simulation.MockTimeProvider so that timeouts fire only when the test
// advances the clock.
package transformer
