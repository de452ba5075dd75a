package hardware

import (
	"sync"

	"github.com/wfunc/slot-iocard/internal/errors"
)

// sentFrame 记录一次发送
type sentFrame struct {
	Frame Frame
	Pos   QueuePosition
}

// fakeLink 记录发送的帧，由测试手动注入收到的帧
type fakeLink struct {
	mu       sync.Mutex
	receiver Receiver
	openErr  error
	opened   bool
	closed   bool
	sent     []sentFrame
}

func (l *fakeLink) SetReceiver(r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiver = r
}

func (l *fakeLink) Open(port string, baud int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.opened = true
	return nil
}

func (l *fakeLink) Send(f Frame, pos QueuePosition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New(errors.ErrLinkClosed)
	}
	l.sent = append(l.sent, sentFrame{Frame: f, Pos: pos})
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) deliver(f ReceivedFrame) {
	l.mu.Lock()
	rx := l.receiver
	l.mu.Unlock()
	rx.OnFrame(f)
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	rx := l.receiver
	l.mu.Unlock()
	rx.OnLinkError(err)
}

func (l *fakeLink) frames() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentFrame(nil), l.sent...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeDialer 依次返回预先创建的链路
type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (d *fakeDialer) dial() (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	l := &fakeLink{}
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) last() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

// eventRecorder 收集事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name()
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func frameOf(t interface{ Helper() }, p *Protocol, ev Event) ReceivedFrame {
	t.Helper()
	f, err := p.EncodeEvent(ev)
	if err != nil {
		panic(err)
	}
	return ReceivedFrame{ID: f.ID, Args: f.Args, Timestamp: ev.Meta().Timestamp}
}
