package gpu

import "fmt"

// Render draws src into dst through the transform m, which maps source
// coordinates to destination coordinates. Each destination pixel is sampled
// from the source with bilinear interpolation; pixels that fall outside the
// source are black.
func Render(dst, src *Image, m Matrix) error {
	if dst == nil || src == nil {
		return fmt.Errorf("render: nil image")
	}
	if m.IsIdentity() && dst.Width == src.Width && dst.Height == src.Height {
		return dst.CopyFrom(src)
	}
	inv, ok := m.Invert()
	if !ok {
		return fmt.Errorf("render: transform is not invertible")
	}

	samplePlane(src.Y, src.Width, src.Height, dst.Y, dst.Width, dst.Height, inv, BlackLuma)
	samplePlane(src.U, src.ChromaWidth(), src.ChromaHeight(), dst.U, dst.ChromaWidth(), dst.ChromaHeight(), inv, NeutralChroma)
	samplePlane(src.V, src.ChromaWidth(), src.ChromaHeight(), dst.V, dst.ChromaWidth(), dst.ChromaHeight(), inv, NeutralChroma)
	return nil
}

// samplePlane fills one destination plane by mapping each pixel centre back
// into the source plane through inv.
func samplePlane(src []byte, srcWidth, srcHeight int, dst []byte, dstWidth, dstHeight int,
	inv Matrix, background byte) {

	for y := 0; y < dstHeight; y++ {
		ndcY := 2*(float64(y)+0.5)/float64(dstHeight) - 1
		for x := 0; x < dstWidth; x++ {
			ndcX := 2*(float64(x)+0.5)/float64(dstWidth) - 1
			sx, sy := inv.Apply(ndcX, ndcY)

			// Back to source pixel space, centred on pixel centres.
			srcX := (sx+1)/2*float64(srcWidth) - 0.5
			srcY := (sy+1)/2*float64(srcHeight) - 0.5
			if srcX < -0.5 || srcY < -0.5 || srcX > float64(srcWidth)-0.5 || srcY > float64(srcHeight)-0.5 {
				dst[y*dstWidth+x] = background
				continue
			}
			dst[y*dstWidth+x] = bilinear(src, srcWidth, srcHeight, srcX, srcY)
		}
	}
}

func bilinear(src []byte, width, height int, srcX, srcY float64) byte {
	if srcX < 0 {
		srcX = 0
	}
	if srcY < 0 {
		srcY = 0
	}
	x1 := int(srcX)
	y1 := int(srcY)
	x2 := x1 + 1
	y2 := y1 + 1

	// Clamp to bounds
	if x1 >= width {
		x1 = width - 1
	}
	if y1 >= height {
		y1 = height - 1
	}
	if x2 >= width {
		x2 = width - 1
	}
	if y2 >= height {
		y2 = height - 1
	}

	fx := srcX - float64(x1)
	fy := srcY - float64(y1)
	if fx < 0 {
		fx = 0
	}
	if fy < 0 {
		fy = 0
	}

	p11 := float64(src[y1*width+x1])
	p12 := float64(src[y1*width+x2])
	p21 := float64(src[y2*width+x1])
	p22 := float64(src[y2*width+x2])

	top := p11*(1-fx) + p12*fx
	bottom := p21*(1-fx) + p22*fx
	pixel := top*(1-fy) + bottom*fy
	if pixel > 255 {
		pixel = 255
	}
	return byte(pixel + 0.5)
}
