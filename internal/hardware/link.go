package hardware

// Receiver 链路收到帧或出错时的回调，在链路的读协程中按到达顺序调用
type Receiver interface {
	OnFrame(f ReceivedFrame)
	OnLinkError(err error)
}

// Link 到设备的一条传输链路
//
// 每次连接使用一个新的 Link。Send 只入队不阻塞，实际写出在后台进行；
// Close 之后未写出的帧被丢弃。
type Link interface {
	SetReceiver(r Receiver)
	Open(port string, baud int) error
	Send(f Frame, pos QueuePosition) error
	Close() error
}

// LinkFactory 为每次连接创建新链路
type LinkFactory func() (Link, error)
