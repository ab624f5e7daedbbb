package gpu

import "math"

const sdrGamma = 2.2

var gammaEncodeTable = func() [256]byte {
	var table [256]byte
	for i := range table {
		v := math.Pow(float64(i)/255, 1/sdrGamma)*255 + 0.5
		if v > 255 {
			v = 255
		}
		table[i] = byte(v)
	}
	return table
}()

// EncodeGamma converts the luma plane of a linear-light image to the
// gamma-encoded SDR transfer in place. Chroma is left untouched.
func EncodeGamma(img *Image) {
	for i, v := range img.Y {
		img.Y[i] = gammaEncodeTable[v]
	}
}
