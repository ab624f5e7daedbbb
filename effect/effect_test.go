package effect

import (
	"testing"

	"github.com/opd-ai/transformer/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenerLog records stage callbacks.
type listenerLog struct {
	ready     int
	processed []gpu.TextureInfo
	outputs   []gpu.TextureInfo
	times     []int64
	ended     int
}

func (l *listenerLog) OnReadyToAcceptInputFrame() { l.ready++ }

func (l *listenerLog) OnInputFrameProcessed(tex gpu.TextureInfo) {
	l.processed = append(l.processed, tex)
}

func (l *listenerLog) OnOutputFrameAvailable(tex gpu.TextureInfo, ptsUs int64) {
	l.outputs = append(l.outputs, tex)
	l.times = append(l.times, ptsUs)
}

func (l *listenerLog) OnCurrentOutputStreamEnded() { l.ended++ }

func newTestContext(t *testing.T) *gpu.Context {
	t.Helper()
	ctx, err := gpu.NewContext()
	require.NoError(t, err)
	return ctx
}

func newInputTexture(t *testing.T, ctx *gpu.Context, width, height int, luma byte) gpu.TextureInfo {
	t.Helper()
	tex, err := ctx.AllocateTexture(width, height)
	require.NoError(t, err)
	img, err := ctx.Image(tex.TexID)
	require.NoError(t, err)
	img.Fill(luma, 128, 128)
	return tex
}

func TestBaseStage_CapacityAndOwnership(t *testing.T) {
	ctx := newTestContext(t)
	stage := NewMatrixStage(ctx, nil)
	log := &listenerLog{}
	stage.SetInputListener(log)
	stage.SetOutputListener(log)
	assert.Equal(t, 1, log.ready)

	in := newInputTexture(t, ctx, 16, 8, 90)
	require.NoError(t, stage.QueueInputFrame(in, 1000))
	require.Len(t, log.outputs, 1)
	assert.Equal(t, []gpu.TextureInfo{in}, log.processed)
	assert.Equal(t, int64(1000), log.times[0])
	assert.Equal(t, 16, log.outputs[0].Width)

	out, err := ctx.Image(log.outputs[0].TexID)
	require.NoError(t, err)
	assert.Equal(t, byte(90), out.Y[0])

	// No token left until the output comes back.
	assert.ErrorIs(t, stage.QueueInputFrame(in, 2000), ErrNoCapacity)

	require.NoError(t, stage.ReleaseOutputFrame(log.outputs[0]))
	assert.Equal(t, 2, log.ready)
	assert.ErrorIs(t, stage.ReleaseOutputFrame(log.outputs[0]), ErrUnknownOutputFrame)

	require.NoError(t, stage.SignalEndOfCurrentInputStream())
	assert.Equal(t, 1, log.ended)

	require.NoError(t, stage.Release())
	require.NoError(t, ctx.FreeTexture(in))
	assert.Zero(t, ctx.OutstandingTextures())
	assert.Zero(t, ctx.OutstandingFramebuffers())
}

func TestBaseStage_ReconfiguresOnSizeChange(t *testing.T) {
	ctx := newTestContext(t)
	stage := NewMatrixStage(ctx, nil)
	log := &listenerLog{}
	stage.SetInputListener(log)
	stage.SetOutputListener(log)

	small := newInputTexture(t, ctx, 8, 8, 10)
	large := newInputTexture(t, ctx, 32, 16, 20)

	require.NoError(t, stage.QueueInputFrame(small, 0))
	require.NoError(t, stage.ReleaseOutputFrame(log.outputs[0]))
	require.NoError(t, stage.QueueInputFrame(large, 1))
	assert.Equal(t, 32, log.outputs[1].Width)
	assert.Equal(t, 16, log.outputs[1].Height)

	// Input textures plus one pooled output.
	assert.Equal(t, int64(3), ctx.OutstandingTextures())

	require.NoError(t, stage.Release())
	assert.Equal(t, int64(2), ctx.OutstandingTextures())
	assert.Equal(t, int64(2), ctx.OutstandingFramebuffers())
}

func TestTexturePool_ResizeWhileInUse(t *testing.T) {
	ctx := newTestContext(t)
	pool := NewTexturePool(2)
	require.NoError(t, pool.EnsureConfigured(ctx, 8, 8))
	held, err := pool.Use()
	require.NoError(t, err)

	require.NoError(t, pool.EnsureConfigured(ctx, 16, 16))
	assert.Equal(t, 1, pool.FreeCount())
	require.NoError(t, pool.Release(ctx, held))
	assert.Equal(t, 2, pool.FreeCount())

	tex, err := pool.Use()
	require.NoError(t, err)
	assert.Equal(t, 16, tex.Width)
	tex, err = pool.Use()
	require.NoError(t, err)
	assert.Equal(t, 16, tex.Width)

	require.NoError(t, pool.DeleteAll(ctx))
	assert.Zero(t, ctx.OutstandingTextures())
}

func TestScaleAndRotate_Configure(t *testing.T) {
	tests := []struct {
		name              string
		transformation    *ScaleAndRotate
		inWidth, inHeight int
		outWidth          int
		outHeight         int
	}{
		{"identity", NewScaleAndRotate(1, 1, 0), 640, 480, 640, 480},
		{"half", NewScaleAndRotate(0.5, 0.5, 0), 640, 480, 320, 240},
		{"rotate 90", NewScaleAndRotate(1, 1, 90), 640, 480, 480, 640},
		{"rotate 180", NewScaleAndRotate(1, 1, 180), 640, 480, 640, 480},
		{"stretch", NewScaleAndRotate(2, 1, 0), 320, 240, 640, 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := tt.transformation.Configure(tt.inWidth, tt.inHeight)
			require.NoError(t, err)
			assert.Equal(t, tt.outWidth, w)
			assert.Equal(t, tt.outHeight, h)
		})
	}
}

func TestScaleAndRotate_Degenerate(t *testing.T) {
	_, _, err := NewScaleAndRotate(0, 1, 0).Configure(64, 64)
	assert.Error(t, err)
	assert.True(t, NewScaleAndRotate(1, 1, 0).IsNoOp())
	assert.False(t, NewScaleAndRotate(1, 1, 90).IsNoOp())
}

func TestPresentation_Configure(t *testing.T) {
	w, h, err := NewPresentation(240).Configure(640, 480)
	require.NoError(t, err)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	w, h, err = NewPresentation(-1).Configure(640, 480)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestMatrixRenderer_ComposesInOrder(t *testing.T) {
	r := NewMatrixRenderer([]MatrixTransformation{
		NewScaleAndRotate(0.5, 0.5, 0),
		NewScaleAndRotate(1, 1, 90),
	})
	w, h, err := r.Configure(64, 32)
	require.NoError(t, err)
	assert.Equal(t, 16, w)
	assert.Equal(t, 32, h)

	ctx := newTestContext(t)
	in := newInputTexture(t, ctx, 64, 32, 200)
	out, err := ctx.AllocateTexture(w, h)
	require.NoError(t, err)
	require.NoError(t, r.Draw(ctx, in, out, 0))

	img, err := ctx.Image(out.TexID)
	require.NoError(t, err)
	assert.Equal(t, byte(200), img.Y[16*w+w/2])
}

func TestPixelEffects(t *testing.T) {
	base := func() *gpu.Image {
		img := gpu.NewImage(16, 16)
		img.Fill(100, 128, 128)
		img.Y[8*16+8] = 200
		return img
	}

	t.Run("brightness clamps", func(t *testing.T) {
		img := base()
		NewBrightness(300).Apply(img)
		assert.Equal(t, byte(255), img.Y[0])
		assert.Equal(t, "Brightness(+255)", NewBrightness(300).Name())
	})

	t.Run("contrast zero is flat gray", func(t *testing.T) {
		img := base()
		NewContrast(0).Apply(img)
		assert.Equal(t, byte(128), img.Y[0])
		assert.Equal(t, byte(128), img.Y[8*16+8])
	})

	t.Run("grayscale neutral chroma", func(t *testing.T) {
		img := base()
		img.U[0] = 10
		NewGrayscale().Apply(img)
		assert.Equal(t, gpu.NeutralChroma, img.U[0])
	})

	t.Run("blur spreads peak", func(t *testing.T) {
		img := base()
		NewBlur(1).Apply(img)
		assert.Less(t, img.Y[8*16+8], byte(200))
		assert.Greater(t, img.Y[8*16+9], byte(100))
	})

	t.Run("sharpen raises peak", func(t *testing.T) {
		img := base()
		img.Y[8*16+8] = 150
		NewSharpen(1).Apply(img)
		assert.Greater(t, img.Y[8*16+8], byte(150))
		assert.Equal(t, byte(100), img.Y[0])
	})

	t.Run("warm temperature", func(t *testing.T) {
		img := base()
		effect := NewColorTemperature(50)
		effect.Apply(img)
		assert.Less(t, img.U[0], byte(128))
		assert.Greater(t, img.V[0], byte(128))
		assert.Equal(t, "ColorTemperature(Warm+50)", effect.Name())
		assert.Equal(t, "ColorTemperature(Cool-100)", NewColorTemperature(-150).Name())
		assert.Equal(t, "ColorTemperature(Neutral)", NewColorTemperature(0).Name())
	})
}

func TestStageEffect_NewStage(t *testing.T) {
	ctx := newTestContext(t)
	effects := []StageEffect{
		NewBrightness(10), NewContrast(1.5), NewGrayscale(),
		NewBlur(2), NewSharpen(0.5), NewColorTemperature(-20),
	}
	for _, e := range effects {
		t.Run(e.Name(), func(t *testing.T) {
			stage, err := e.NewStage(ctx)
			require.NoError(t, err)
			log := &listenerLog{}
			stage.SetInputListener(log)
			stage.SetOutputListener(log)

			in := newInputTexture(t, ctx, 8, 8, 64)
			require.NoError(t, stage.QueueInputFrame(in, 5))
			require.Len(t, log.outputs, 1)
			require.NoError(t, stage.ReleaseOutputFrame(log.outputs[0]))
			require.NoError(t, stage.Release())
			require.NoError(t, ctx.FreeTexture(in))
		})
	}
	assert.Zero(t, ctx.OutstandingTextures())

	_, err := NewBrightness(1).NewStage(nil)
	assert.Error(t, err)
}
