// Package gpu is a software rendering context for the frame processing
// pipeline.
//
// A [Context] owns every texture and framebuffer allocated while processing
// a video track. Allocation and release calls are counted atomically so a
// leak check can run from any goroutine after a processor is released:
//
//	if ctx.OutstandingTextures() != 0 || ctx.OutstandingFramebuffers() != 0 {
//	    // a stage did not free its pool
//	}
//
// Frames are planar YUV420 [Image] values. [Render] draws one image into
// another through an affine [Matrix] in normalized device coordinates using
// bilinear sampling.
//
// External producers such as decoders render into a [SurfaceTexture]. Its
// frame-available callback fires on the producer goroutine; the consuming
// stage latches frames into a texture with UpdateTexImage from the render
// goroutine only.
package gpu
