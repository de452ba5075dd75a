package hardware

import "sync"

// sendQueue 两级发送队列：队首级总是先于队尾级发出，同级内先进先出
type sendQueue struct {
	mu     sync.Mutex
	front  []Frame
	back   []Frame
	closed bool
	ready  chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{ready: make(chan struct{}, 1)}
}

// push 入队，队列已关闭时返回 false
func (q *sendQueue) push(f Frame, pos QueuePosition) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if pos == QueueFront {
		q.front = append(q.front, f)
	} else {
		q.back = append(q.back, f)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop 取出下一帧，不阻塞
func (q *sendQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.front) > 0 {
		f := q.front[0]
		q.front = q.front[1:]
		return f, true
	}
	if len(q.back) > 0 {
		f := q.back[0]
		q.back = q.back[1:]
		return f, true
	}
	return Frame{}, false
}

// close 关闭队列并丢弃未发出的帧，返回丢弃数量
func (q *sendQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.front) + len(q.back)
	q.front, q.back = nil, nil
	q.closed = true
	return dropped
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.back)
}
