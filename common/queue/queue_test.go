package queue

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lyzr/imagescale/common/logger"
)

func TestFIFO_OrderAndCapacity(t *testing.T) {
	q := NewFIFO[int]("test", 2, logger.NewWithWriter(io.Discard, "error", "text"))

	assert.True(t, q.Put(1))
	assert.True(t, q.Put(2))
	assert.False(t, q.Put(3), "full lane rejects")
	assert.Equal(t, 2, q.Len())

	v, ok := q.TryGet()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, []int{2}, q.Drain())

	_, ok = q.TryGet()
	assert.False(t, ok)
	assert.Nil(t, q.Drain())
}
