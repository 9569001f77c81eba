package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	for _, size := range []int{1, 100, DefaultSmallSize, DefaultSmallSize + 1, DefaultMediumSize, DefaultLargeSize} {
		buf := Get(size)
		assert.Len(t, buf, size)
		Put(buf)
	}
}

func TestGetZero(t *testing.T) {
	buf := Get(0)
	require.NotNil(t, buf)
	assert.Empty(t, buf)
	Put(buf)
}

func TestOversizedNotPooled(t *testing.T) {
	size := DefaultLargeSize + 1
	buf := Get(size)
	assert.Len(t, buf, size)
	assert.Equal(t, size, cap(buf))
	Put(buf) // must not panic
}

func TestPutNil(t *testing.T) {
	Put(nil) // must not panic
}

func TestPoolTiers(t *testing.T) {
	p := NewPool(&Config{SmallSize: 8, MediumSize: 16, LargeSize: 32})

	small := p.Get(4)
	assert.Equal(t, 8, cap(small))
	medium := p.Get(12)
	assert.Equal(t, 16, cap(medium))
	large := p.Get(20)
	assert.Equal(t, 32, cap(large))

	p.Put(small)
	p.Put(medium)
	p.Put(large)

	// A returned buffer is reusable at full tier capacity.
	again := p.Get(8)
	assert.Len(t, again, 8)
	p.Put(again)
}

func TestGetUint32(t *testing.T) {
	buf := GetUint32(64)
	assert.Len(t, buf, 64)
	Put(buf)
}
