package output

import (
	"image"
	"testing"
	"time"

	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/mstarongithub/vblank/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTimer struct{ stopped bool }

func (t *nopTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// manualScheduler never fires on its own, timers run through fire
type manualScheduler struct {
	pending []func()
	timers  []*nopTimer
}

func (s *manualScheduler) Now() time.Duration {
	return time.Second
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) eventloop.Timer {
	t := &nopTimer{}
	s.timers = append(s.timers, t)
	s.pending = append(s.pending, func() {
		if !t.stopped {
			t.stopped = true
			fn()
		}
	})
	return t
}

func (s *manualScheduler) fire() {
	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn()
	}
}

// scanoutAllocator behaves like a display that keeps reading the front buffer until the next flip
type scanoutAllocator struct {
	swapchain.ImageAllocator
}

func (scanoutAllocator) Capabilities() swapchain.Capabilities {
	return swapchain.Capabilities{BufferAge: true, ExplicitRelease: true}
}

var hd = image.Pt(1920, 1080)

func newOutput(t *testing.T, alloc swapchain.Allocator, cursor bool) (*Output, *manualScheduler) {
	t.Helper()
	sched := &manualScheduler{}
	out, err := New(Config{
		Name:           "TEST-1",
		Mode:           Mode{Size: hd, RefreshMHz: 60000},
		Allocator:      alloc,
		SwapchainDepth: 3,
		CursorLayer:    cursor,
	}, sched)
	require.NoError(t, err)
	return out, sched
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Name: "bad", Allocator: swapchain.ImageAllocator{}}, &manualScheduler{})
	assert.Error(t, err)
	_, err = New(Config{Name: "bad", Mode: Mode{Size: hd}}, &manualScheduler{})
	assert.Error(t, err)

	out, err := New(Config{Name: "ok", Mode: Mode{Size: hd}, Allocator: swapchain.ImageAllocator{}}, &manualScheduler{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Scale())
	assert.Equal(t, renderloop.DefaultRefreshMHz, out.RenderLoop().RefreshMHz())
	assert.Equal(t, DefaultSwapchainDepth, out.PrimaryLayer().Swapchain().MaxSlots())
	assert.Nil(t, out.CursorLayer())
	assert.Len(t, out.Layers(), 1)
}

func TestEndToEndBufferAge(t *testing.T) {
	out, _ := newOutput(t, scanoutAllocator{}, false)
	layer := out.PrimaryLayer()
	full := region.Rect(image.Rectangle{Max: hd})
	rectA := region.Rect(image.Rect(100, 100, 300, 200))
	rectB := region.Rect(image.Rect(1000, 500, 1100, 900))

	// Frame 1: fresh buffer, full repaint
	f1, err := layer.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, 0, f1.Age)
	assert.True(t, f1.Repaint.Equal(full))
	assert.Equal(t, hd, f1.Target.Bounds().Size())
	ok, err := layer.EndFrame(full, rectA)
	require.NoError(t, err)
	require.True(t, ok)
	s1 := layer.Presented()
	require.Same(t, f1.Slot, s1)
	assert.Equal(t, 1, s1.Age())
	assert.True(t, layer.Journal().Accumulate(1, full).Equal(rectA))

	// Frame 2: s1 is still on screen, so a second buffer is needed
	f2, err := layer.BeginFrame()
	require.NoError(t, err)
	assert.NotSame(t, s1, f2.Slot)
	assert.True(t, f2.Repaint.Equal(full))
	ok, err = layer.EndFrame(f2.Repaint, rectB)
	require.NoError(t, err)
	require.True(t, ok)
	layer.Presented()
	// The flip to s2 completed, s1 is no longer scanned out
	layer.Release(s1)
	assert.Equal(t, 2, s1.Age())

	// Frame 3 reuses the frame 1 buffer
	f3, err := layer.BeginFrame()
	require.NoError(t, err)
	assert.Same(t, s1, f3.Slot)
	assert.Equal(t, 2, f3.Age)
	assert.True(t, f3.Repaint.Equal(rectA.Union(rectB)), "got %v", f3.Repaint)
}

func TestResizeInvalidatesHistory(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	layer := out.PrimaryLayer()
	for i := 0; i < 3; i++ {
		_, err := layer.BeginFrame()
		require.NoError(t, err)
		_, err = layer.EndFrame(region.Region{}, region.Rect(image.Rect(0, 0, 10, 10)))
		require.NoError(t, err)
		layer.Presented()
	}
	f, err := layer.BeginFrame()
	require.NoError(t, err)
	require.Greater(t, f.Age, 0)
	require.Equal(t, 10*10, f.Repaint.Area())
	_, err = layer.EndFrame(region.Region{}, region.Region{})
	require.NoError(t, err)
	layer.Presented()

	small := image.Pt(1280, 720)
	require.NoError(t, out.SetMode(Mode{Size: small, RefreshMHz: 60000}))
	f, err = layer.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, small, f.Target.Bounds().Size())
	assert.Equal(t, 0, f.Age)
	assert.True(t, f.Repaint.Equal(region.Rect(image.Rectangle{Max: small})))
	for age := 1; age < 5; age++ {
		assert.True(t, layer.Journal().Accumulate(age, region.Rect(image.Rectangle{Max: small})).Equal(region.Rect(image.Rectangle{Max: small})))
	}
	assert.Len(t, out.Modes(), 2)
}

func TestBeginFrameTwiceIsRejected(t *testing.T) {
	if util.StrictContracts {
		t.Skip("built with debugcontracts")
	}
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	layer := out.PrimaryLayer()
	_, err := layer.BeginFrame()
	require.NoError(t, err)
	_, err = layer.BeginFrame()
	assert.ErrorIs(t, err, ErrFrameInProgress)
	assert.Equal(t, LayerOpen, layer.State())
	assert.Equal(t, 1, layer.Swapchain().Busy())
}

func TestEndFrameWithoutBegin(t *testing.T) {
	if util.StrictContracts {
		t.Skip("built with debugcontracts")
	}
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	ok, err := out.PrimaryLayer().EndFrame(region.Region{}, region.Region{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoFrameInProgress)
}

func TestAllocationFailureSkipsFrame(t *testing.T) {
	out, _ := newOutput(t, scanoutAllocator{}, false)
	layer := out.PrimaryLayer()
	for i := 0; i < 3; i++ {
		_, err := layer.BeginFrame()
		require.NoError(t, err)
		_, err = layer.EndFrame(region.Region{}, region.Region{})
		require.NoError(t, err)
		layer.Presented()
	}
	// All three buffers are held by the sink
	_, err := layer.BeginFrame()
	assert.ErrorIs(t, err, swapchain.ErrNoBuffer)
	assert.Equal(t, LayerIdle, layer.State())
}

func TestTeardownWithOpenFrame(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, true)
	layer := out.PrimaryLayer()
	destroyed := 0
	out.OnDestroy(func(*Output) { destroyed++ })

	_, err := layer.BeginFrame()
	require.NoError(t, err)
	_, err = out.CursorLayer().BeginFrame()
	require.NoError(t, err)
	require.Equal(t, 1, layer.Swapchain().Busy())

	out.Destroy()
	out.Destroy()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, layer.Swapchain().Busy())
	assert.Equal(t, 0, layer.Swapchain().Orphans())
	assert.Equal(t, 0, out.CursorLayer().Swapchain().Busy())
	assert.True(t, out.RenderLoop().Detached())

	// The scene finishes its frame late
	damaged := region.Rect(image.Rect(0, 0, 5, 5))
	ok, err := layer.EndFrame(damaged, damaged)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, layer.Journal().Len(), "damage is recorded anyways")
	assert.Nil(t, layer.PendingSlot())

	_, err = layer.BeginFrame()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestTeardownDefersBuffersHeldBySink(t *testing.T) {
	out, _ := newOutput(t, scanoutAllocator{}, false)
	layer := out.PrimaryLayer()
	_, err := layer.BeginFrame()
	require.NoError(t, err)
	_, err = layer.EndFrame(region.Region{}, region.Region{})
	require.NoError(t, err)
	front := layer.Presented()

	out.Destroy()
	assert.Equal(t, 0, layer.Swapchain().Busy())
	assert.Equal(t, 1, layer.Swapchain().Orphans())
	// Late release event from the sink frees it
	layer.Release(front)
	assert.Equal(t, 0, layer.Swapchain().Orphans())
}

func TestDisabledOutputSkipsPresent(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	layer := out.PrimaryLayer()
	_, err := layer.BeginFrame()
	require.NoError(t, err)
	out.SetEnabled(false)

	ok, err := layer.EndFrame(region.Region{}, region.Rect(image.Rect(0, 0, 1, 1)))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, layer.Journal().Len())
	assert.Equal(t, 0, layer.Swapchain().Busy())
	assert.True(t, out.RenderLoop().Inhibited())

	out.SetEnabled(true)
	assert.Equal(t, 0, layer.Journal().Len(), "re-enabling forgets stale damage")
	assert.False(t, out.RenderLoop().Inhibited())
}

func TestDiscardPendingCarriesDamage(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	layer := out.PrimaryLayer()
	a := region.Rect(image.Rect(0, 0, 10, 10))
	b := region.Rect(image.Rect(50, 50, 60, 60))

	_, err := layer.BeginFrame()
	require.NoError(t, err)
	_, err = layer.EndFrame(region.Region{}, a)
	require.NoError(t, err)
	layer.Presented()

	// Frame with damage b fails to present
	_, err = layer.BeginFrame()
	require.NoError(t, err)
	_, err = layer.EndFrame(region.Region{}, b)
	require.NoError(t, err)
	layer.DiscardPending()
	assert.Equal(t, 1, layer.Journal().Len())

	f, err := layer.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, 1, f.Age)
	assert.True(t, f.Repaint.Equal(a.Union(b)), "got %v", f.Repaint)
	_, err = layer.EndFrame(region.Region{}, region.Region{})
	require.NoError(t, err)
	assert.True(t, layer.PendingDamage().Equal(b))
}

func TestCursorAlwaysFullRepaint(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, true)
	cursor := out.CursorLayer()
	require.NotNil(t, cursor)
	assert.Nil(t, cursor.Journal())
	assert.Equal(t, DefaultCursorSize, cursor.Size())

	for i := 0; i < 3; i++ {
		f, err := cursor.BeginFrame()
		require.NoError(t, err)
		assert.True(t, f.Repaint.Equal(region.Rect(image.Rectangle{Max: DefaultCursorSize})))
		_, err = cursor.EndFrame(f.Repaint, region.Rect(image.Rect(0, 0, 2, 2)))
		require.NoError(t, err)
		cursor.Presented()
	}

	cursor.SetSize(image.Pt(32, 32))
	f, err := cursor.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 32), f.Target.Bounds().Size())
	assert.Equal(t, swapchain.FormatARGB8888, cursor.Swapchain().Format())
}

func TestSetTransformForgetsDamage(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	layer := out.PrimaryLayer()
	_, err := layer.BeginFrame()
	require.NoError(t, err)
	_, err = layer.EndFrame(region.Region{}, region.Region{})
	require.NoError(t, err)
	layer.Presented()
	require.Equal(t, 1, layer.Journal().Len())

	out.SetTransform(TransformRotate90)
	assert.Equal(t, 0, layer.Journal().Len())
	assert.Equal(t, hd, out.PixelSize())
}

func TestLogicalGeometry(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	out.SetPosition(image.Pt(100, 0))
	assert.Equal(t, image.Rect(100, 0, 2020, 1080), out.LogicalGeometry())

	out.SetScale(2)
	assert.Equal(t, image.Rect(100, 0, 1060, 540), out.LogicalGeometry())

	out.SetTransform(TransformFlipped270)
	assert.Equal(t, image.Rect(100, 0, 640, 960), out.LogicalGeometry())
}

func TestMarkFailed(t *testing.T) {
	out, _ := newOutput(t, swapchain.ImageAllocator{}, false)
	assert.Equal(t, 1, out.RecordDrop())
	assert.Equal(t, 2, out.RecordDrop())
	out.RecordPresent()
	assert.Equal(t, FrameStats{Presented: 1, Dropped: 2}, out.Stats())

	out.MarkFailed(assert.AnError)
	assert.True(t, out.Failed())
	assert.False(t, out.Enabled())
	assert.False(t, out.Presentable())
	assert.ErrorIs(t, out.Failure(), assert.AnError)
}

func TestScheduleRepaintReachesLoop(t *testing.T) {
	out, sched := newOutput(t, swapchain.ImageAllocator{}, false)
	requested := 0
	out.RenderLoop().OnFrameRequested(func() { requested++ })
	out.ScheduleRepaint()
	sched.fire()
	assert.Equal(t, 1, requested)

	out.Destroy()
	out.ScheduleRepaint()
	sched.fire()
	assert.Equal(t, 1, requested)
}

func TestTransformNames(t *testing.T) {
	for tr := TransformNormal; tr <= TransformFlipped270; tr++ {
		parsed, err := ParseTransform(tr.String())
		require.NoError(t, err)
		assert.Equal(t, tr, parsed)
	}
	_, err := ParseTransform("sideways")
	assert.Error(t, err)
	assert.Equal(t, "1920x1080@59.940", Mode{Size: hd, RefreshMHz: 59940}.String())
}
