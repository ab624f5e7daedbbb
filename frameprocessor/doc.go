// Package frameprocessor assembles effect stages into a chain and drives
// frames through it on a dedicated executor goroutine.
//
// # Chain layout
//
// New partitions the effect list. Consecutive matrix transformations are
// composed: a leading run is drawn by the input stage, a run between two
// stage effects becomes one matrix stage and a trailing run is drawn by the
// final stage, which renders to the output surface. Every stage effect gets
// its own stage. An empty list therefore yields two stages, and
// [scale, brightness, rotate] yields three.
//
// Adjacent stages are connected by a [ChainingListener], which buffers
// frames the consumer cannot take yet and routes texture releases back to
// the producer.
//
// # Input
//
// In surface mode a producer renders into InputSurface after announcing
// each frame with RegisterInputFrame. Announcements and renders may come
// from any goroutine; frames are matched to announcements in order on the
// executor. A change of FrameInfo.OffsetUs closes the current segment.
//
// In image mode, QueueInputImage uploads caller images directly.
//
// # Lifecycle
//
//	p, err := frameprocessor.New(frameprocessor.Config{}, effects, listener)
//	if err != nil {
//	    return err
//	}
//	defer p.Release()
//
//	p.SetOutputSurfaceInfo(&gpu.SurfaceInfo{Surface: encoderInput, Width: w, Height: h})
//	p.RegisterInputFrame(frameprocessor.FrameInfo{Width: w, Height: h, PixelWidthHeightRatio: 1})
//	decoder.Render(p.InputSurface())
//	p.SignalEndOfInput()
//
// Release frees every texture and destroys the context even when frames are
// still in flight; Context reports outstanding allocations afterwards.
package frameprocessor
