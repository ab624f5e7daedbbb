package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/transformer/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrContextDestroyed is returned by allocation calls after Destroy.
	ErrContextDestroyed = errors.New("gpu context destroyed")
	// ErrUnknownTexture is returned for texture ids not owned by the context.
	ErrUnknownTexture = errors.New("unknown texture")
	// ErrUnknownFramebuffer is returned for framebuffer ids not owned by the context.
	ErrUnknownFramebuffer = errors.New("unknown framebuffer")
)

// TextureInfo is a handle to a texture and, optionally, the framebuffer
// rendering into it.
type TextureInfo struct {
	TexID  int
	FboID  int
	Width  int
	Height int
}

// UnsetTexture is the handle carried by control messages without pixel data.
var UnsetTexture = TextureInfo{TexID: -1, FboID: -1, Width: -1, Height: -1}

// IsUnset reports whether t is UnsetTexture.
func (t TextureInfo) IsUnset() bool {
	return t == UnsetTexture
}

// ContextFactory creates the context a processor renders with.
type ContextFactory func() (*Context, error)

// Context is a software rendering context. It owns a registry of textures
// and framebuffers and counts outstanding allocations so leaks can be
// observed from any goroutine.
//
// Rendering calls are expected to come from a single executor goroutine; the
// registry is still lock-protected so that diagnostics and tests may inspect
// it concurrently.
type Context struct {
	mu           sync.Mutex
	textures     map[int]*Image
	framebuffers map[int]int
	nextID       int
	destroyed    bool

	outstandingTextures     atomic.Int64
	outstandingFramebuffers atomic.Int64
}

// NewContext creates an empty rendering context. It matches ContextFactory.
func NewContext() (*Context, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewContext",
	}).Debug("Creating gpu context")

	return &Context{
		textures:     make(map[int]*Image),
		framebuffers: make(map[int]int),
		nextID:       1,
	}, nil
}

// CreateTexture allocates a black texture and returns its id.
func (c *Context) CreateTexture(width, height int) (int, error) {
	if err := limits.ValidateFrameSize(width, height); err != nil {
		return 0, fmt.Errorf("create texture: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, ErrContextDestroyed
	}
	id := c.nextID
	c.nextID++
	c.textures[id] = NewImage(width, height)
	c.outstandingTextures.Add(1)
	return id, nil
}

// CreateFramebuffer attaches a new framebuffer to texID.
func (c *Context) CreateFramebuffer(texID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, ErrContextDestroyed
	}
	if _, ok := c.textures[texID]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTexture, texID)
	}
	id := c.nextID
	c.nextID++
	c.framebuffers[id] = texID
	c.outstandingFramebuffers.Add(1)
	return id, nil
}

// AllocateTexture creates a texture with an attached framebuffer.
func (c *Context) AllocateTexture(width, height int) (TextureInfo, error) {
	texID, err := c.CreateTexture(width, height)
	if err != nil {
		return UnsetTexture, err
	}
	fboID, err := c.CreateFramebuffer(texID)
	if err != nil {
		_ = c.DeleteTexture(texID)
		return UnsetTexture, err
	}
	return TextureInfo{TexID: texID, FboID: fboID, Width: width, Height: height}, nil
}

// DeleteTexture frees a texture.
func (c *Context) DeleteTexture(texID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.textures[texID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTexture, texID)
	}
	delete(c.textures, texID)
	c.outstandingTextures.Add(-1)
	return nil
}

// DeleteFramebuffer frees a framebuffer. The attached texture is kept.
func (c *Context) DeleteFramebuffer(fboID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.framebuffers[fboID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFramebuffer, fboID)
	}
	delete(c.framebuffers, fboID)
	c.outstandingFramebuffers.Add(-1)
	return nil
}

// FreeTexture deletes the framebuffer (if any) and texture of info.
func (c *Context) FreeTexture(info TextureInfo) error {
	if info.IsUnset() {
		return nil
	}
	if info.FboID >= 0 {
		if err := c.DeleteFramebuffer(info.FboID); err != nil {
			return err
		}
	}
	return c.DeleteTexture(info.TexID)
}

// Image returns the pixels backing texID. The returned image is owned by the
// context and stays valid until the texture is deleted.
func (c *Context) Image(texID int) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.textures[texID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTexture, texID)
	}
	return img, nil
}

// Upload replaces the contents of texID with a copy of img, resizing the
// texture if needed.
func (c *Context) Upload(texID int, img *Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst, ok := c.textures[texID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTexture, texID)
	}
	if dst.Width != img.Width || dst.Height != img.Height {
		c.textures[texID] = img.Clone()
		return nil
	}
	return dst.CopyFrom(img)
}

// Destroy invalidates the context. Allocations still registered are not
// freed, so a leak remains visible through the outstanding counters.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true

	fields := logrus.Fields{
		"function":                 "Context.Destroy",
		"outstanding_textures":     c.outstandingTextures.Load(),
		"outstanding_framebuffers": c.outstandingFramebuffers.Load(),
	}
	if len(c.textures) > 0 || len(c.framebuffers) > 0 {
		logrus.WithFields(fields).Warn("Destroying gpu context with live allocations")
	} else {
		logrus.WithFields(fields).Debug("Gpu context destroyed")
	}
	return nil
}

// IsDestroyed reports whether Destroy has been called.
func (c *Context) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// OutstandingTextures returns the number of live textures.
func (c *Context) OutstandingTextures() int64 {
	return c.outstandingTextures.Load()
}

// OutstandingFramebuffers returns the number of live framebuffers.
func (c *Context) OutstandingFramebuffers() int64 {
	return c.outstandingFramebuffers.Load()
}
