//go:build linux

package swapchain

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestShmBufferOwnsFD(t *testing.T) {
	buf, err := ShmAllocator{}.Allocate(image.Pt(64, 32), FormatXRGB8888)
	require.NoError(t, err)
	fdBuf, ok := buf.(FDBuffer)
	require.True(t, ok)
	fd := fdBuf.FD()
	assert.Equal(t, 64*4, fdBuf.Stride())

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	assert.EqualValues(t, 64*4*32, st.Size)

	buf.Image().SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})
	readBack := make([]byte, 4)
	_, err = unix.Pread(fd, readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 0xff}, readBack)

	require.NoError(t, buf.Close())
	assert.Error(t, unix.Fstat(fd, &st), "fd must be closed with the buffer")
	assert.NoError(t, buf.Close(), "second close is a no-op")
}

func TestShmSwapchainCloseReleasesFDs(t *testing.T) {
	sc := New(ShmAllocator{Name: "test"}, image.Pt(16, 16), FormatXRGB8888, 2)
	a, err := sc.Acquire()
	require.NoError(t, err)
	b, err := sc.Acquire()
	require.NoError(t, err)
	fds := []int{a.Buffer().(FDBuffer).FD(), b.Buffer().(FDBuffer).FD()}

	sc.Close()
	var st unix.Stat_t
	for _, fd := range fds {
		assert.Error(t, unix.Fstat(fd, &st))
	}
}
