package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendQueueOrdering(t *testing.T) {
	q := newSendQueue()
	q.push(Frame{ID: 1}, QueueBack)
	q.push(Frame{ID: 2}, QueueBack)
	q.push(Frame{ID: 3}, QueueFront)
	q.push(Frame{ID: 4}, QueueFront)
	q.push(Frame{ID: 5}, QueueBack)

	assert.Equal(t, 5, q.len())

	var got []byte
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, f.ID)
	}
	// 队首级先出，同级保持入队顺序
	assert.Equal(t, []byte{3, 4, 1, 2, 5}, got)
}

func TestSendQueueClose(t *testing.T) {
	q := newSendQueue()
	assert.True(t, q.push(Frame{ID: 1}, QueueBack))
	assert.True(t, q.push(Frame{ID: 2}, QueueFront))

	assert.Equal(t, 2, q.close())
	assert.False(t, q.push(Frame{ID: 3}, QueueFront))
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestSendQueueReadySignal(t *testing.T) {
	q := newSendQueue()
	q.push(Frame{ID: 1}, QueueBack)
	q.push(Frame{ID: 2}, QueueBack)

	select {
	case <-q.ready:
	default:
		t.Fatal("入队后应有就绪信号")
	}
	// 信号合并，只保留一个
	select {
	case <-q.ready:
		t.Fatal("就绪信号不应累积")
	default:
	}
}
