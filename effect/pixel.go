package effect

import (
	"fmt"

	"github.com/opd-ai/transformer/gpu"
)

// pixelRenderer copies the input into the output and then adjusts the
// output pixels in place. Frame size is preserved.
type pixelRenderer struct {
	apply func(img *gpu.Image)
}

func (r pixelRenderer) Configure(width, height int) (int, int, error) {
	return width, height, nil
}

func (r pixelRenderer) Draw(ctx *gpu.Context, input, output gpu.TextureInfo, _ int64) error {
	src, err := ctx.Image(input.TexID)
	if err != nil {
		return err
	}
	dst, err := ctx.Image(output.TexID)
	if err != nil {
		return err
	}
	if err := gpu.Render(dst, src, gpu.Identity()); err != nil {
		return err
	}
	r.apply(dst)
	return nil
}

func newPixelStage(name string, ctx *gpu.Context, apply func(img *gpu.Image)) (Stage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%s: nil context", name)
	}
	return NewBaseStage(name, ctx, pixelRenderer{apply: apply}, 1), nil
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v + 0.5)
}

// Brightness adjusts the luminance of frames.
type Brightness struct {
	adjustment int // -255 to +255
}

// NewBrightness creates a brightness adjustment effect.
// adjustment: -255 (darkest) to +255 (brightest), 0 = no change
func NewBrightness(adjustment int) *Brightness {
	if adjustment < -255 {
		adjustment = -255
	}
	if adjustment > 255 {
		adjustment = 255
	}
	return &Brightness{adjustment: adjustment}
}

// Name implements Effect.
func (b *Brightness) Name() string {
	return fmt.Sprintf("Brightness(%+d)", b.adjustment)
}

// Apply adjusts the Y plane in place.
func (b *Brightness) Apply(img *gpu.Image) {
	for i, pixel := range img.Y {
		img.Y[i] = clampByte(float64(int(pixel) + b.adjustment))
	}
}

// NewStage implements StageEffect.
func (b *Brightness) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(b.Name(), ctx, b.Apply)
}

// Contrast scales luminance around the midpoint.
type Contrast struct {
	factor float64 // 0.0 = gray, 1.0 = normal, 3.0 = high contrast
}

// NewContrast creates a contrast adjustment effect.
func NewContrast(factor float64) *Contrast {
	if factor < 0.0 {
		factor = 0.0
	}
	if factor > 3.0 {
		factor = 3.0
	}
	return &Contrast{factor: factor}
}

// Name implements Effect.
func (c *Contrast) Name() string {
	return fmt.Sprintf("Contrast(%.2f)", c.factor)
}

// Apply adjusts the Y plane in place.
func (c *Contrast) Apply(img *gpu.Image) {
	const midpoint = 128.0
	for i, pixel := range img.Y {
		img.Y[i] = clampByte(midpoint + (float64(pixel)-midpoint)*c.factor)
	}
}

// NewStage implements StageEffect.
func (c *Contrast) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(c.Name(), ctx, c.Apply)
}

// Grayscale removes chroma.
type Grayscale struct{}

// NewGrayscale creates a grayscale conversion effect.
func NewGrayscale() *Grayscale {
	return &Grayscale{}
}

// Name implements Effect.
func (g *Grayscale) Name() string { return "Grayscale" }

// Apply sets both chroma planes to neutral.
func (g *Grayscale) Apply(img *gpu.Image) {
	for i := range img.U {
		img.U[i] = gpu.NeutralChroma
	}
	for i := range img.V {
		img.V[i] = gpu.NeutralChroma
	}
}

// NewStage implements StageEffect.
func (g *Grayscale) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(g.Name(), ctx, g.Apply)
}

// Blur applies a box blur to luminance.
type Blur struct {
	radius int // 1-5
}

// NewBlur creates a blur effect with the given radius, clamped to 1-5.
func NewBlur(radius int) *Blur {
	if radius < 1 {
		radius = 1
	}
	if radius > 5 {
		radius = 5
	}
	return &Blur{radius: radius}
}

// Name implements Effect.
func (b *Blur) Name() string {
	return fmt.Sprintf("Blur(%d)", b.radius)
}

// Apply blurs the Y plane in place.
func (b *Blur) Apply(img *gpu.Image) {
	width, height := img.Width, img.Height
	temp := append([]byte(nil), img.Y...)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sum := 0
			count := 0
			for dy := -b.radius; dy <= b.radius; dy++ {
				for dx := -b.radius; dx <= b.radius; dx++ {
					nx := x + dx
					ny := y + dy
					if nx >= 0 && nx < width && ny >= 0 && ny < height {
						sum += int(temp[ny*width+nx])
						count++
					}
				}
			}
			if count > 0 {
				img.Y[y*width+x] = byte(sum / count)
			}
		}
	}
}

// NewStage implements StageEffect.
func (b *Blur) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(b.Name(), ctx, b.Apply)
}

// Sharpen applies a 3x3 sharpening kernel to luminance.
type Sharpen struct {
	strength float64 // 0.0 to 2.0
}

// NewSharpen creates a sharpening effect.
func NewSharpen(strength float64) *Sharpen {
	if strength < 0.0 {
		strength = 0.0
	}
	if strength > 2.0 {
		strength = 2.0
	}
	return &Sharpen{strength: strength}
}

// Name implements Effect.
func (s *Sharpen) Name() string {
	return fmt.Sprintf("Sharpen(%.2f)", s.strength)
}

// Apply sharpens the Y plane in place. Border pixels are unchanged.
func (s *Sharpen) Apply(img *gpu.Image) {
	width, height := img.Width, img.Height
	temp := append([]byte(nil), img.Y...)

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			idx := y*width + x
			sum := float64(temp[idx]) * (1.0 + 4.0*s.strength)
			sum -= float64(temp[(y-1)*width+x]) * s.strength
			sum -= float64(temp[(y+1)*width+x]) * s.strength
			sum -= float64(temp[y*width+(x-1)]) * s.strength
			sum -= float64(temp[y*width+(x+1)]) * s.strength
			img.Y[idx] = clampByte(sum)
		}
	}
}

// NewStage implements StageEffect.
func (s *Sharpen) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(s.Name(), ctx, s.Apply)
}

// ColorTemperature shifts chroma towards warm (positive) or cool
// (negative) tones.
type ColorTemperature struct {
	temperature int // -100 to +100
}

// NewColorTemperature creates a color temperature effect.
func NewColorTemperature(temperature int) *ColorTemperature {
	if temperature < -100 {
		temperature = -100
	}
	if temperature > 100 {
		temperature = 100
	}
	return &ColorTemperature{temperature: temperature}
}

// Name implements Effect.
func (c *ColorTemperature) Name() string {
	switch {
	case c.temperature > 0:
		return fmt.Sprintf("ColorTemperature(Warm%+d)", c.temperature)
	case c.temperature < 0:
		return fmt.Sprintf("ColorTemperature(Cool%+d)", c.temperature)
	default:
		return "ColorTemperature(Neutral)"
	}
}

// Apply moves U (blue difference) against and V (red difference) with the
// temperature. Luminance is unchanged.
func (c *ColorTemperature) Apply(img *gpu.Image) {
	if c.temperature == 0 {
		return
	}
	shift := float64(c.temperature) * 0.3
	for i, u := range img.U {
		img.U[i] = clampByte(float64(u) - shift)
	}
	for i, v := range img.V {
		img.V[i] = clampByte(float64(v) + shift)
	}
}

// NewStage implements StageEffect.
func (c *ColorTemperature) NewStage(ctx *gpu.Context) (Stage, error) {
	return newPixelStage(c.Name(), ctx, c.Apply)
}
