//go:build debugcontracts

package damage

import (
	"image"
	"testing"

	"github.com/mstarongithub/vblank/region"
	"github.com/stretchr/testify/assert"
)

func TestNegativeAgePanics(t *testing.T) {
	j := New(4)
	j.Add(region.Rect(image.Rect(0, 0, 10, 10)))
	assert.Panics(t, func() {
		j.Accumulate(-1, full)
	})
}
