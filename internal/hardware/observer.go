package hardware

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/wfunc/slot-iocard/internal/logger"
)

// EventHandler 事件回调
//
// 回调在产生事件的协程中同步执行：设备事件来自链路读协程，连接事件来自调用
// Connect/Disconnect 的协程。回调中不能同步调用 Connect 或 Disconnect。
type EventHandler func(ev Event)

// Subscription 一次订阅，Unsubscribe 可重复调用
type Subscription struct {
	id       uint64
	registry *observerRegistry
	once     sync.Once
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.registry.remove(s.id) })
}

type observer struct {
	id      uint64
	handler EventHandler
}

// observerRegistry 写时复制的订阅表，通知时不持锁
type observerRegistry struct {
	mu        sync.Mutex
	nextID    uint64
	observers atomic.Pointer[[]observer]
}

func (r *observerRegistry) add(h EventHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cur := r.snapshot()
	next := make([]observer, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, observer{id: r.nextID, handler: h})
	r.observers.Store(&next)
	return &Subscription{id: r.nextID, registry: r}
}

func (r *observerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	next := make([]observer, 0, len(cur))
	for _, o := range cur {
		if o.id != id {
			next = append(next, o)
		}
	}
	r.observers.Store(&next)
}

func (r *observerRegistry) snapshot() []observer {
	if p := r.observers.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *observerRegistry) count() int {
	return len(r.snapshot())
}

// notify 按订阅顺序调用，单个回调 panic 不影响其他订阅者
func (r *observerRegistry) notify(ev Event) {
	for _, o := range r.snapshot() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.LogPanic(rec, debug.Stack())
				}
			}()
			o.handler(ev)
		}()
	}
}
