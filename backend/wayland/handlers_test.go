//go:build linux

package wayland

import (
	"image"
	"testing"
	"time"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	added   []string
	removed []string
}

func (l *recordingListener) OutputAdded(out *output.Output) {
	l.added = append(l.added, out.Name())
}

func (l *recordingListener) OutputRemoved(out *output.Output) {
	l.removed = append(l.removed, out.Name())
}

// fakeShellSurface records what the backend asks of an xdg_surface
type fakeShellSurface struct {
	acked     []uint32
	destroyed int
}

func (s *fakeShellSurface) AckConfigure(serial uint32) error {
	s.acked = append(s.acked, serial)
	return nil
}

func (s *fakeShellSurface) Destroy() error {
	s.destroyed++
	return nil
}

type fakeObject struct{ destroyed int }

func (o *fakeObject) Destroy() error {
	o.destroyed++
	return nil
}

// hostAllocator keeps slots busy until released, like buffers shared with a host compositor
type hostAllocator struct {
	swapchain.ImageAllocator
}

func (hostAllocator) Capabilities() swapchain.Capabilities {
	return swapchain.Capabilities{BufferAge: true, ExplicitRelease: true}
}

func newTestBackend(t *testing.T) (*Backend, *recordingListener) {
	t.Helper()
	b := New(Config{Size: image.Pt(320, 240), SwapchainDepth: 3, BufferAge: true})
	b.loop = eventloop.New()
	l := &recordingListener{}
	b.listener = l
	return b, l
}

func addTestToplevel(t *testing.T, b *Backend, index int) (*toplevel, *fakeShellSurface, *fakeObject) {
	t.Helper()
	out, err := b.newOutput(index, hostAllocator{})
	require.NoError(t, err)
	shell := &fakeShellSurface{}
	obj := &fakeObject{}
	tl := &toplevel{out: out, xdgSurface: shell, toplevel: obj, fresh: true}
	b.track(tl)
	return tl, shell, obj
}

func TestOutputWaitsForFirstConfigure(t *testing.T) {
	b, l := newTestBackend(t)
	tl, shell, _ := addTestToplevel(t, b, 0)
	out := tl.out
	assert.Equal(t, []string{"WL-1"}, l.added)
	assert.False(t, out.Enabled(), "disabled until the host configured the surface")
	assert.False(t, out.Presentable())

	slot, err := out.PrimaryLayer().Swapchain().Acquire()
	require.NoError(t, err)
	assert.Equal(t, backend.PresentRetry, b.Present(out, slot, region.Region{}))

	b.configure(tl, 7)
	assert.Equal(t, []uint32{7}, shell.acked)
	assert.True(t, tl.configured)
	assert.True(t, out.Enabled())

	b.configure(tl, 8)
	assert.Equal(t, []uint32{7, 8}, shell.acked, "every configure gets acked")
	assert.True(t, out.Enabled())
}

func TestConfigureAfterDestroyIgnored(t *testing.T) {
	b, _ := newTestBackend(t)
	tl, shell, _ := addTestToplevel(t, b, 0)
	tl.out.Destroy()
	b.configure(tl, 3)
	assert.Empty(t, shell.acked)
	assert.False(t, tl.configured)
}

func TestToplevelResize(t *testing.T) {
	b, _ := newTestBackend(t)
	tl, _, _ := addTestToplevel(t, b, 0)

	b.resize(tl, image.Pt(0, 0))
	assert.Equal(t, image.Pt(320, 240), tl.out.Mode().Size, "zero means the client picks")

	b.resize(tl, image.Pt(800, 600))
	assert.Equal(t, image.Pt(800, 600), tl.out.Mode().Size)
	assert.Equal(t, renderloop.DefaultRefreshMHz, tl.out.Mode().RefreshMHz)
}

func TestToplevelsSideBySide(t *testing.T) {
	b, _ := newTestBackend(t)
	addTestToplevel(t, b, 0)
	second, _, _ := addTestToplevel(t, b, 1)
	assert.Equal(t, "WL-2", second.out.Name())
	assert.Equal(t, image.Pt(320, 0), second.out.Position())
	assert.Len(t, b.Outputs(), 2)
}

func TestCloseRemovesOnlyThatToplevel(t *testing.T) {
	b, l := newTestBackend(t)
	first, shell, obj := addTestToplevel(t, b, 0)
	second, _, _ := addTestToplevel(t, b, 1)

	b.remove(first)
	assert.Equal(t, []string{"WL-1"}, l.removed)
	assert.True(t, first.out.Destroyed())
	assert.Equal(t, 1, shell.destroyed)
	assert.Equal(t, 1, obj.destroyed)
	assert.Equal(t, []*output.Output{second.out}, b.Outputs())
	assert.False(t, second.out.Destroyed())

	b.remove(first)
	assert.Equal(t, []string{"WL-1"}, l.removed, "removing twice is a no-op")
	assert.Equal(t, 1, shell.destroyed)
}

func TestFrameDoneCompletesFrame(t *testing.T) {
	b, _ := newTestBackend(t)
	tl, _, _ := addTestToplevel(t, b, 0)
	rl := tl.out.RenderLoop()
	rl.Arm()

	cb := &fakeObject{}
	before := b.loop.Now()
	b.frameDone(tl.out, cb)
	assert.Equal(t, 1, cb.destroyed)
	assert.Equal(t, renderloop.StateIdle, rl.State())
	assert.Equal(t, uint64(1), rl.Stats().Completed)
	assert.GreaterOrEqual(t, rl.LastPresentation(), before)
}

func TestFrameDoneAfterDestroyIgnored(t *testing.T) {
	b, _ := newTestBackend(t)
	tl, _, _ := addTestToplevel(t, b, 0)
	tl.out.RenderLoop().Arm()
	tl.out.Destroy()

	cb := &fakeObject{}
	assert.NotPanics(t, func() { b.frameDone(tl.out, cb) })
	assert.Equal(t, 1, cb.destroyed, "the callback is freed regardless")
	assert.Equal(t, uint64(0), tl.out.RenderLoop().Stats().Completed)
}

func TestReleaseHandsSlotBack(t *testing.T) {
	b, _ := newTestBackend(t)
	tl, _, _ := addTestToplevel(t, b, 0)
	b.configure(tl, 1)
	layer := tl.out.PrimaryLayer()

	frame, err := layer.BeginFrame()
	require.NoError(t, err)
	ok, err := layer.EndFrame(frame.Repaint, frame.Repaint)
	require.NoError(t, err)
	require.True(t, ok)
	slot := layer.Presented()
	require.NotNil(t, slot)
	assert.Equal(t, swapchain.SlotBusy, slot.State(), "the host still reads it")

	wb := &wlBuffer{backend: b, layer: layer, slot: slot}
	b.released(wb)
	assert.Equal(t, swapchain.SlotFree, slot.State())
	assert.Equal(t, 0, layer.Swapchain().Busy())
	assert.Nil(t, wb.layer)

	assert.NotPanics(t, func() { b.released(wb) }, "a second release is ignored")
	assert.Equal(t, 0, layer.Swapchain().Busy())
}

func TestReleaseOfUnpresentedBufferIgnored(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.NotPanics(t, func() { b.released(&wlBuffer{backend: b}) })
}

func TestStopWatcherTwice(t *testing.T) {
	b, _ := newTestBackend(t)
	done := make(chan struct{})
	go func() {
		b.stopWatcher()
		b.stopWatcher()
		b.watcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopping the watcher twice blocked")
	}
}
