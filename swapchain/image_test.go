package swapchain

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXRGB8888MemoryLayout(t *testing.T) {
	buf, err := ImageAllocator{}.Allocate(image.Pt(4, 2), FormatXRGB8888)
	require.NoError(t, err)
	img := buf.Image()

	img.SetRGBA(1, 1, color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0x00})
	off := 1*img.Stride + 1*4
	assert.Equal(t, []byte{0x33, 0x22, 0x11, 0xff}, img.Pix[off:off+4])
	assert.Equal(t, color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff}, img.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(10, 10))
}

func TestXRGB8888Fill(t *testing.T) {
	buf, err := ImageAllocator{}.Allocate(image.Pt(8, 8), FormatXRGB8888)
	require.NoError(t, err)
	img := buf.Image()
	red := color.RGBA{R: 0xff, A: 0xff}

	img.Fill(image.Rect(2, 2, 4, 4), red)
	img.Fill(image.Rect(6, 6, 20, 20), red)
	count := 0
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if img.RGBAAt(x, y) == red {
				count++
			}
		}
	}
	assert.Equal(t, 4+4, count)
	assert.Len(t, img.Row(0, 0, 8), 32)
}

func TestXRGB8888IsDrawTarget(t *testing.T) {
	buf, err := ImageAllocator{}.Allocate(image.Pt(4, 4), FormatXRGB8888)
	require.NoError(t, err)
	var dst draw.Image = buf.Image()
	blue := color.RGBA{B: 0xff, A: 0xff}
	draw.Draw(dst, image.Rect(0, 0, 2, 2), image.NewUniform(blue), image.Point{}, draw.Src)
	assert.Equal(t, blue, buf.Image().RGBAAt(1, 1))
	assert.NotEqual(t, blue, buf.Image().RGBAAt(3, 3))
}

func TestImageAllocatorRejectsBadInput(t *testing.T) {
	_, err := ImageAllocator{}.Allocate(image.Pt(0, 10), FormatXRGB8888)
	assert.Error(t, err)
	_, err = ImageAllocator{}.Allocate(image.Pt(10, 10), Format(0))
	assert.Error(t, err)
}
