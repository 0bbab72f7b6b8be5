package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	t.Parallel()

	m := All(4)
	assert.Equal(t, Mask(0b1111), m)
	assert.Equal(t, 4, m.Count())
	assert.True(t, m.Has(3))
	assert.False(t, m.Has(4))
	assert.False(t, m.Has(-1))

	m = m.Without(0).With(7)
	assert.Equal(t, 1, m.First())
	assert.Equal(t, []int{1, 2, 3, 7}, m.CPUs())
	assert.Equal(t, "{1,2,3,7}", m.String())

	assert.Equal(t, -1, Mask(0).First())
	assert.True(t, Mask(0).Empty())
	assert.Equal(t, ^Mask(0), All(MaxCPUs+3))
	assert.Equal(t, Mask(0), All(0))
	assert.Equal(t, Of(0, 5), Mask(0b100001))
	assert.Equal(t, Of(0), Of(0, -2, MaxCPUs))
}

func TestHostMask(t *testing.T) {
	t.Parallel()

	m, err := HostMask()
	if err != nil {
		t.Skipf("host affinity unavailable: %v", err)
	}
	assert.False(t, m.Empty())
}
