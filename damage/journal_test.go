package damage

import (
	"image"
	"math/rand"
	"testing"

	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var full = region.Rect(image.Rect(0, 0, 1920, 1080))

func TestAccumulateAgeZeroIsFull(t *testing.T) {
	j := New(4)
	j.Add(region.Rect(image.Rect(0, 0, 10, 10)))
	assert.True(t, j.Accumulate(0, full).Equal(full))
}

func TestAccumulateBeyondHistoryIsFull(t *testing.T) {
	j := New(4)
	j.Add(region.Rect(image.Rect(0, 0, 10, 10)))
	assert.True(t, j.Accumulate(2, full).Equal(full))
	assert.True(t, j.Accumulate(100, full).Equal(full))
}

func TestAccumulateEmptyDamageIsLegal(t *testing.T) {
	j := New(4)
	j.Add(region.Region{})
	j.Add(region.Region{})
	assert.True(t, j.Accumulate(2, full).Empty())
}

func TestAccumulateNegativeAgeClamped(t *testing.T) {
	if util.StrictContracts {
		t.Skip("built with debugcontracts")
	}
	j := New(4)
	j.Add(region.Rect(image.Rect(0, 0, 10, 10)))
	assert.True(t, j.Accumulate(-3, full).Equal(full))
}

func TestEviction(t *testing.T) {
	j := New(2)
	a := region.Rect(image.Rect(0, 0, 1, 1))
	b := region.Rect(image.Rect(1, 1, 2, 2))
	c := region.Rect(image.Rect(2, 2, 3, 3))
	j.Add(a)
	j.Add(b)
	j.Add(c)

	assert.Equal(t, 2, j.Len())
	assert.True(t, j.Accumulate(1, full).Equal(c))
	assert.True(t, j.Accumulate(2, full).Equal(b.Union(c)))
	assert.True(t, j.Accumulate(3, full).Equal(full), "a has been evicted")
}

func TestClearAndSetCapacity(t *testing.T) {
	j := New(5)
	for i := 0; i < 5; i++ {
		j.Add(region.Rect(image.Rect(i, 0, i+1, 1)))
	}
	j.SetCapacity(3)
	assert.Equal(t, 3, j.Len())
	assert.Equal(t, 3, j.Capacity())

	j.Clear()
	assert.Equal(t, 0, j.Len())
	assert.True(t, j.Accumulate(1, full).Equal(full))
}

// The union of the last age entries is checked against a naive
// reference journal that keeps everything
func TestAccumulateMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		capacity := 1 + rng.Intn(6)
		j := New(capacity)
		var history []region.Region

		frames := rng.Intn(12)
		for i := 0; i < frames; i++ {
			var damage region.Region
			for n := rng.Intn(3); n > 0; n-- {
				x, y := rng.Intn(1800), rng.Intn(1000)
				damage = damage.UnionRect(image.Rect(x, y, x+1+rng.Intn(120), y+1+rng.Intn(80)))
			}
			j.Add(damage)
			history = append(history, damage)
		}

		age := rng.Intn(capacity + 3)
		got := j.Accumulate(age, full)

		retained := min(len(history), capacity)
		want := full
		if age > 0 && age <= retained {
			want = region.Region{}
			for _, damage := range history[len(history)-age:] {
				want = want.Union(damage)
			}
		}
		require.True(t, want.Equal(got), "round %d: age %d, capacity %d, frames %d: want %v got %v",
			round, age, capacity, frames, want, got)
	}
}

func TestPopRemovesNewest(t *testing.T) {
	j := New(4)
	a := region.Rect(image.Rect(0, 0, 10, 10))
	b := region.Rect(image.Rect(20, 20, 30, 30))
	j.Add(a)
	j.Add(b)

	popped, ok := j.Pop()
	require.True(t, ok)
	assert.True(t, popped.Equal(b))
	assert.Equal(t, 1, j.Len())
	assert.True(t, j.Accumulate(1, full).Equal(a))

	_, ok = j.Pop()
	assert.True(t, ok)
	_, ok = j.Pop()
	assert.False(t, ok)
}
