package effect

import (
	"github.com/opd-ai/transformer/gpu"
)

// TexturePool owns a fixed number of output textures of one size.
type TexturePool struct {
	capacity int
	width    int
	height   int
	free     []gpu.TextureInfo
	inUse    []gpu.TextureInfo
}

// NewTexturePool creates an unconfigured pool.
func NewTexturePool(capacity int) *TexturePool {
	if capacity < 1 {
		capacity = 1
	}
	return &TexturePool{capacity: capacity}
}

// Capacity returns the number of textures the pool holds once configured.
func (p *TexturePool) Capacity() int { return p.capacity }

// FreeCount returns the number of textures available for rendering. An
// unconfigured pool reports its full capacity.
func (p *TexturePool) FreeCount() int {
	return p.capacity - len(p.inUse)
}

// InUseCount returns the number of textures handed out.
func (p *TexturePool) InUseCount() int { return len(p.inUse) }

// IsConfigured reports whether the pool holds textures of width x height.
func (p *TexturePool) IsConfigured(width, height int) bool {
	return p.width == width && p.height == height && len(p.free)+len(p.inUse) > 0
}

// EnsureConfigured reallocates the free textures when the size changes.
// Textures still in use keep their old size and are replaced when returned.
func (p *TexturePool) EnsureConfigured(ctx *gpu.Context, width, height int) error {
	if p.IsConfigured(width, height) {
		return nil
	}
	for _, tex := range p.free {
		if err := ctx.FreeTexture(tex); err != nil {
			return err
		}
	}
	p.free = p.free[:0]
	p.width, p.height = width, height
	for len(p.free)+len(p.inUse) < p.capacity {
		tex, err := ctx.AllocateTexture(width, height)
		if err != nil {
			return err
		}
		p.free = append(p.free, tex)
	}
	return nil
}

// Use takes a free texture.
func (p *TexturePool) Use() (gpu.TextureInfo, error) {
	if len(p.free) == 0 {
		return gpu.UnsetTexture, ErrNoCapacity
	}
	tex := p.free[0]
	p.free = p.free[1:]
	p.inUse = append(p.inUse, tex)
	return tex, nil
}

// Release returns tex to the pool.
func (p *TexturePool) Release(ctx *gpu.Context, tex gpu.TextureInfo) error {
	idx := -1
	for i, t := range p.inUse {
		if t.TexID == tex.TexID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrUnknownOutputFrame
	}
	tex = p.inUse[idx]
	p.inUse = append(p.inUse[:idx], p.inUse[idx+1:]...)

	if tex.Width == p.width && tex.Height == p.height {
		p.free = append(p.free, tex)
		return nil
	}
	if err := ctx.FreeTexture(tex); err != nil {
		return err
	}
	fresh, err := ctx.AllocateTexture(p.width, p.height)
	if err != nil {
		return err
	}
	p.free = append(p.free, fresh)
	return nil
}

// DeleteAll frees every texture, including those in use.
func (p *TexturePool) DeleteAll(ctx *gpu.Context) error {
	var firstErr error
	for _, tex := range append(p.free, p.inUse...) {
		if err := ctx.FreeTexture(tex); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	p.inUse = nil
	p.width, p.height = 0, 0
	return firstErr
}
