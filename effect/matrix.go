package effect

import (
	"fmt"
	"math"

	"github.com/opd-ai/transformer/gpu"
	"github.com/opd-ai/transformer/limits"
)

// ScaleAndRotate scales and then rotates frames clockwise. The output is
// resized to the bounding box of the transformed frame, so no pixels are
// cropped.
type ScaleAndRotate struct {
	ScaleX          float64
	ScaleY          float64
	RotationDegrees float64

	adjusted gpu.Matrix
}

// NewScaleAndRotate returns a transformation with the given parameters.
func NewScaleAndRotate(scaleX, scaleY, rotationDegrees float64) *ScaleAndRotate {
	return &ScaleAndRotate{ScaleX: scaleX, ScaleY: scaleY, RotationDegrees: rotationDegrees}
}

// Name implements Effect.
func (t *ScaleAndRotate) Name() string {
	return fmt.Sprintf("ScaleAndRotate(%.2fx%.2f, %.0f)", t.ScaleX, t.ScaleY, t.RotationDegrees)
}

func (t *ScaleAndRotate) transformation() gpu.Matrix {
	return gpu.RotateMatrix(t.RotationDegrees).Multiply(gpu.ScaleMatrix(t.ScaleX, t.ScaleY))
}

// IsNoOp reports whether the transformation leaves frames unchanged.
func (t *ScaleAndRotate) IsNoOp() bool {
	return t.transformation().IsIdentity()
}

// Configure computes the output bounding box for the input size.
func (t *ScaleAndRotate) Configure(inputWidth, inputHeight int) (int, int, error) {
	if inputWidth <= 0 || inputHeight <= 0 {
		return 0, 0, fmt.Errorf("invalid input size %dx%d", inputWidth, inputHeight)
	}
	m := t.transformation()
	if m.IsIdentity() {
		t.adjusted = m
		return inputWidth, inputHeight, nil
	}
	if _, ok := m.Invert(); !ok {
		return 0, 0, fmt.Errorf("%s: degenerate transformation", t.Name())
	}

	// Normalized device coordinates are square, so undo the frame aspect
	// ratio around the transformation to keep pixels rectangular.
	aspect := float64(inputWidth) / float64(inputHeight)
	adjusted := gpu.ScaleMatrix(1/aspect, 1).Multiply(m).Multiply(gpu.ScaleMatrix(aspect, 1))

	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, corner := range [][2]float64{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}} {
		x, y := adjusted.Apply(corner[0], corner[1])
		xMin, xMax = math.Min(xMin, x), math.Max(xMax, x)
		yMin, yMax = math.Min(yMin, y), math.Max(yMax, y)
	}
	scaleX := (xMax - xMin) / 2
	scaleY := (yMax - yMin) / 2
	t.adjusted = gpu.ScaleMatrix(1/scaleX, 1/scaleY).Multiply(adjusted)

	outWidth := limits.EvenDimension(int(math.Round(float64(inputWidth) * scaleX)))
	outHeight := limits.EvenDimension(int(math.Round(float64(inputHeight) * scaleY)))
	return outWidth, outHeight, nil
}

// Matrix implements MatrixTransformation.
func (t *ScaleAndRotate) Matrix(int64) gpu.Matrix {
	return t.adjusted
}

// Presentation resizes frames to a fixed output height, keeping the aspect
// ratio.
type Presentation struct {
	Height int
}

// NewPresentation returns a transformation producing frames height pixels
// tall. A height of media.NoValue keeps the input size.
func NewPresentation(height int) *Presentation {
	return &Presentation{Height: height}
}

// Name implements Effect.
func (p *Presentation) Name() string {
	return fmt.Sprintf("Presentation(%d)", p.Height)
}

// Configure implements MatrixTransformation.
func (p *Presentation) Configure(inputWidth, inputHeight int) (int, int, error) {
	if inputWidth <= 0 || inputHeight <= 0 {
		return 0, 0, fmt.Errorf("invalid input size %dx%d", inputWidth, inputHeight)
	}
	if p.Height <= 0 {
		return inputWidth, inputHeight, nil
	}
	aspect := float64(inputWidth) / float64(inputHeight)
	width := limits.EvenDimension(int(math.Round(float64(p.Height) * aspect)))
	return width, limits.EvenDimension(p.Height), nil
}

// Matrix implements MatrixTransformation. Stretching between frame sizes
// is implied by normalized coordinates.
func (p *Presentation) Matrix(int64) gpu.Matrix {
	return gpu.Identity()
}

// MatrixRenderer composes a list of matrix transformations into one draw.
type MatrixRenderer struct {
	transformations []MatrixTransformation
}

// NewMatrixRenderer returns a renderer applying transformations in order.
// An empty list copies frames unchanged.
func NewMatrixRenderer(transformations []MatrixTransformation) *MatrixRenderer {
	return &MatrixRenderer{transformations: transformations}
}

// Configure runs every transformation's Configure in order.
func (r *MatrixRenderer) Configure(inputWidth, inputHeight int) (int, int, error) {
	width, height := inputWidth, inputHeight
	for _, t := range r.transformations {
		var err error
		width, height, err = t.Configure(width, height)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return width, height, nil
}

// Matrix returns the composed transform for ptsUs.
func (r *MatrixRenderer) Matrix(ptsUs int64) gpu.Matrix {
	m := gpu.Identity()
	for _, t := range r.transformations {
		m = t.Matrix(ptsUs).Multiply(m)
	}
	return m
}

// Draw renders input into output through the composed matrix.
func (r *MatrixRenderer) Draw(ctx *gpu.Context, input, output gpu.TextureInfo, ptsUs int64) error {
	src, err := ctx.Image(input.TexID)
	if err != nil {
		return err
	}
	dst, err := ctx.Image(output.TexID)
	if err != nil {
		return err
	}
	return gpu.Render(dst, src, r.Matrix(ptsUs))
}

// NewMatrixStage returns a stage applying transformations in one pass.
func NewMatrixStage(ctx *gpu.Context, transformations []MatrixTransformation) *BaseStage {
	name := "MatrixStage"
	if len(transformations) == 0 {
		name = "InputAdapter"
	}
	return NewBaseStage(name, ctx, NewMatrixRenderer(transformations), 1)
}
