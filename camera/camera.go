// Package camera provides the frame source used by the streaming pipeline.
//
// The shipped Synthetic camera renders a moving test pattern so the server
// can run without capture hardware.
package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// ErrNoFrame is returned by Capture when no frame is ready.
var ErrNoFrame = errors.New("camera: no frame available")

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("camera: closed")

// Options configures a Synthetic camera.
type Options struct {
	Width  int
	Height int
	// JPEGQuality is 1..100 (default 80).
	JPEGQuality int
}

// Synthetic renders a test pattern: colour bars with a bar sweeping across
// the frame once per second.
type Synthetic struct {
	defaults Options

	mu     sync.Mutex
	width  int
	height int
	closed bool
	start  time.Time
}

// NewSynthetic creates a synthetic camera. Zero sizes default to 640x480.
func NewSynthetic(opts Options) *Synthetic {
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	return &Synthetic{
		defaults: opts,
		width:    opts.Width,
		height:   opts.Height,
		start:    time.Now(),
	}
}

// Capture renders one frame at the current resolution.
func (c *Synthetic) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	w, h, closed := c.width, c.height, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bars := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {16, 16, 16, 255},
	}
	barWidth := max(w/len(bars), 1)
	phase := time.Since(c.start) % time.Second
	sweep := int(int64(w) * int64(phase) / int64(time.Second))

	for x := 0; x < w; x++ {
		col := bars[min(x/barWidth, len(bars)-1)]
		if x >= sweep && x < sweep+max(w/40, 2) {
			col = color.RGBA{0, 0, 0, 255}
		}
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, col)
		}
	}
	return img, nil
}

// Encode compresses img as JPEG and returns it base64-encoded.
func (c *Synthetic) Encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.defaults.JPEGQuality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SetQuality changes the capture resolution for subsequent frames.
func (c *Synthetic) SetQuality(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", width, height)
	}
	c.mu.Lock()
	c.width, c.height = width, height
	c.mu.Unlock()
	return nil
}

// Quality returns the current capture resolution.
func (c *Synthetic) Quality() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// Reset restores the configured resolution.
func (c *Synthetic) Reset() {
	c.mu.Lock()
	c.width, c.height = c.defaults.Width, c.defaults.Height
	c.mu.Unlock()
}

// Close stops the camera; later captures fail with ErrClosed.
func (c *Synthetic) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
