package x11

import (
	"image"
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addTestWindow registers a window without an X server behind it
func addTestWindow(t *testing.T, b *Backend, id xproto.Window, gc xproto.Gcontext) *window {
	t.Helper()
	out, err := output.New(output.Config{
		Name:      "X11-1",
		Mode:      output.Mode{Size: image.Pt(64, 48), RefreshMHz: 60000},
		Allocator: swapchain.ImageAllocator{},
	}, b.loop)
	require.NoError(t, err)
	w := &window{id: id, gc: gc, out: out}
	b.windows[id] = w
	b.byOutput[out] = w
	b.order = append(b.order, out)
	return w
}

func newTestBackend() *Backend {
	b := New(Config{})
	b.loop = eventloop.New()
	return b
}

func TestFailedUploadDropsFrameInFlight(t *testing.T) {
	tests := []struct {
		name  string
		badID uint32
	}{
		{name: "window", badID: 0x400001},
		{name: "graphics context", badID: 0x400002},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := newTestBackend()
			w := addTestWindow(t, b, 0x400001, 0x400002)
			rl := w.out.RenderLoop()
			rl.Arm()
			w.vsync.Schedule(b.loop, rl)

			b.requestFailed(xproto.DrawableError{BadValue: test.badID})
			assert.False(t, w.vsync.Pending(), "no completion for a frame that didn't make it")
			assert.Equal(t, renderloop.StateIdle, rl.State())
			assert.Equal(t, uint64(1), rl.Stats().Failed)
			assert.True(t, w.exposed, "the next frame uploads everything")
		})
	}
}

func TestUnrelatedErrorKeepsFrame(t *testing.T) {
	b := newTestBackend()
	w := addTestWindow(t, b, 0x400001, 0x400002)
	rl := w.out.RenderLoop()
	rl.Arm()
	w.vsync.Schedule(b.loop, rl)
	defer w.vsync.Stop()

	b.requestFailed(xproto.DrawableError{BadValue: 0x500000})
	assert.True(t, w.vsync.Pending())
	assert.Equal(t, renderloop.StateArmed, rl.State())
	assert.False(t, w.exposed)
}

func TestErrorWithoutFrameInFlight(t *testing.T) {
	b := newTestBackend()
	w := addTestWindow(t, b, 0x400001, 0x400002)
	b.requestFailed(xproto.DrawableError{BadValue: 0x400001})
	assert.Equal(t, uint64(0), w.out.RenderLoop().Stats().Failed)
	assert.False(t, w.exposed)
}
