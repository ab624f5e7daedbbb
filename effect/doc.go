// Package effect defines processing stages and the effects that configure
// them.
//
// A [Stage] renders one input texture into at most one output texture. It
// announces capacity to its producer through [InputListener] and hands
// frames to its consumer through [OutputListener]. Ownership of a texture
// moves only through QueueInputFrame, OnInputFrameProcessed,
// OnOutputFrameAvailable and ReleaseOutputFrame.
//
// Effects come in two kinds:
//
//   - [MatrixTransformation] values such as [ScaleAndRotate] and
//     [Presentation] are geometric. Consecutive ones are composed into one
//     matrix and drawn by a single [MatrixRenderer] pass.
//   - [StageEffect] values such as [Brightness] or [Blur] create their own
//     stage.
//
// Example:
//
//	effects := []effect.Effect{
//	    effect.NewScaleAndRotate(0.5, 0.5, 0),
//	    effect.NewBrightness(20),
//	    effect.NewScaleAndRotate(1, 1, 90),
//	}
package effect
