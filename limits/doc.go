// Package limits provides centralized size constants and validation functions
// for the transformation pipeline.
//
// # Limits
//
//   - MaxSampleSize (64 MiB): the largest sample any component accepts. Asset
//     readers validate untrusted container records against it before
//     allocating.
//
//   - MaxFrameDimension / MinFrameDimension: texture bounds enforced by the GPU
//     context. Frames are YUV420 so both dimensions must also be even.
//
//   - DigestSize (32 bytes): the blake2b-256 integrity trailer written by the
//     container package.
//
// # Validation Functions
//
//	if err := limits.ValidateFrameSize(width, height); err != nil {
//	    return fmt.Errorf("cannot allocate texture: %w", err)
//	}
//
// Errors wrap ErrSampleEmpty, ErrSampleTooLarge or ErrInvalidFrameSize and can
// be matched with errors.Is.
package limits
