package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/transformer/limits"
)

// Neutral plane values used for pixels outside the sampled area.
const (
	BlackLuma     byte = 0
	NeutralChroma byte = 128
)

// ErrInvalidPackedImage indicates a packed YUV420 payload that does not
// match its declared dimensions.
var ErrInvalidPackedImage = errors.New("invalid packed image")

// Image is a frame in planar YUV420 format. Chroma planes are subsampled by
// two in both directions and have no row padding.
type Image struct {
	Width  int
	Height int
	Y      []byte // Luminance plane
	U      []byte // Chrominance U plane
	V      []byte // Chrominance V plane
}

// NewImage allocates a black image of the given size.
func NewImage(width, height int) *Image {
	img := &Image{
		Width:  width,
		Height: height,
		Y:      make([]byte, width*height),
		U:      make([]byte, (width/2)*(height/2)),
		V:      make([]byte, (width/2)*(height/2)),
	}
	img.Fill(BlackLuma, NeutralChroma, NeutralChroma)
	return img
}

// ChromaWidth returns the width of the U and V planes.
func (img *Image) ChromaWidth() int { return img.Width / 2 }

// ChromaHeight returns the height of the U and V planes.
func (img *Image) ChromaHeight() int { return img.Height / 2 }

// Fill sets every pixel to the given plane values.
func (img *Image) Fill(y, u, v byte) {
	for i := range img.Y {
		img.Y[i] = y
	}
	for i := range img.U {
		img.U[i] = u
	}
	for i := range img.V {
		img.V[i] = v
	}
}

// Clone returns a deep copy of img.
func (img *Image) Clone() *Image {
	return &Image{
		Width:  img.Width,
		Height: img.Height,
		Y:      append([]byte(nil), img.Y...),
		U:      append([]byte(nil), img.U...),
		V:      append([]byte(nil), img.V...),
	}
}

// CopyFrom replaces the pixels of img with those of src. Both images must
// have the same dimensions.
func (img *Image) CopyFrom(src *Image) error {
	if img.Width != src.Width || img.Height != src.Height {
		return fmt.Errorf("size mismatch: %dx%d vs %dx%d", img.Width, img.Height, src.Width, src.Height)
	}
	copy(img.Y, src.Y)
	copy(img.U, src.U)
	copy(img.V, src.V)
	return nil
}

// PackedSize returns the length of a packed image of the given size.
func PackedSize(width, height int) int {
	return 4 + width*height + 2*(width/2)*(height/2)
}

// Pack serializes the image as [width:2][height:2][Y][U][V], little endian.
func (img *Image) Pack() []byte {
	data := make([]byte, PackedSize(img.Width, img.Height))
	binary.LittleEndian.PutUint16(data[0:2], uint16(img.Width))
	binary.LittleEndian.PutUint16(data[2:4], uint16(img.Height))
	offset := 4
	offset += copy(data[offset:], img.Y)
	offset += copy(data[offset:], img.U)
	copy(data[offset:], img.V)
	return data
}

// UnpackImage parses the format written by Pack.
func UnpackImage(data []byte) (*Image, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte header", ErrInvalidPackedImage, len(data))
	}
	width := int(binary.LittleEndian.Uint16(data[0:2]))
	height := int(binary.LittleEndian.Uint16(data[2:4]))
	if err := limits.ValidateFrameSize(width, height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackedImage, err)
	}
	if len(data) != PackedSize(width, height) {
		return nil, fmt.Errorf("%w: %dx%d needs %d bytes, got %d", ErrInvalidPackedImage,
			width, height, PackedSize(width, height), len(data))
	}
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	img := &Image{Width: width, Height: height}
	img.Y = append([]byte(nil), data[4:4+ySize]...)
	img.U = append([]byte(nil), data[4+ySize:4+ySize+uvSize]...)
	img.V = append([]byte(nil), data[4+ySize+uvSize:]...)
	return img, nil
}
