package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool(t *testing.T) {
	t.Run("generates values", func(t *testing.T) {
		p := NewPool(func() int { return 7 })
		assert.Equal(t, 7, p.Get())
	})

	t.Run("buffers come back empty", func(t *testing.T) {
		p := NewBufferPool(16, 64)
		b := p.Get()
		assert.Zero(t, len(*b))
		assert.GreaterOrEqual(t, cap(*b), 16)

		*b = append(*b, "payload"...)
		p.Put(b)

		again := p.Get()
		assert.Zero(t, len(*again))
	})

	t.Run("oversized buffers are replaced", func(t *testing.T) {
		p := NewBufferPool(16, 64)
		b := p.Get()
		*b = make([]byte, 0, 1024)
		p.Put(b)
		assert.LessOrEqual(t, cap(*p.Get()), 64)
	})
}
