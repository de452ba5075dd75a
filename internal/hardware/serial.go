package hardware

import (
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/logger"
	"go.uber.org/zap"
)

// readBufferSize 单次读取缓冲区大小
const readBufferSize = 512

// SerialLinkOption SerialLink 选项
type SerialLinkOption func(*SerialLink)

// WithPortOpener 替换打开串口的方式，测试中注入模拟串口
func WithPortOpener(open PortOpener) SerialLinkOption {
	return func(l *SerialLink) { l.openPort = open }
}

// WithReadTimeout 设置串口读超时
func WithReadTimeout(d time.Duration) SerialLinkOption {
	return func(l *SerialLink) { l.readTimeout = d }
}

// SerialLink 基于串口与帧编解码器的链路
//
// 一个写协程按队列优先级写出帧，一个读协程把字节流交给解码器并按顺序回调 Receiver。
type SerialLink struct {
	codec       Codec
	openPort    PortOpener
	readTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	port     SerialPort
	receiver Receiver
	queue    *sendQueue
	stopCh   chan struct{}
	openedAt time.Time
	closed   bool
}

// NewSerialLink 创建串口链路
func NewSerialLink(codec Codec, opts ...SerialLinkOption) *SerialLink {
	l := &SerialLink{
		codec:       codec,
		openPort:    OpenSerialPort,
		readTimeout: 100 * time.Millisecond,
		logger:      logger.WithModule("serial"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewSerialLinkFactory 每次连接创建一个新的 SerialLink
func NewSerialLinkFactory(codec Codec, opts ...SerialLinkOption) LinkFactory {
	return func() (Link, error) {
		if codec == nil {
			return nil, errors.New(errors.ErrUnknownCodec, "未配置帧编解码器")
		}
		return NewSerialLink(codec, opts...), nil
	}
}

// SetReceiver 设置接收回调，需在 Open 之前调用
func (l *SerialLink) SetReceiver(r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiver = r
}

// Open 打开串口并启动读写协程
func (l *SerialLink) Open(name string, baud int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return errors.New(errors.ErrAlreadyConnected, name)
	}
	if l.closed {
		return errors.New(errors.ErrLinkClosed, name)
	}

	port, err := l.openPort(name, baud, l.readTimeout)
	if err != nil {
		return errors.Wrapf(err, errors.ErrSerialPortOpen, "port=%s baud=%d", name, baud)
	}
	if err := port.ClearDTR(); err != nil {
		l.logger.Warn("拉低 DTR 失败", zap.String("port", name), zap.Error(err))
	}
	if err := port.Flush(); err != nil {
		l.logger.Warn("清空串口缓冲区失败", zap.String("port", name), zap.Error(err))
	}

	l.port = port
	l.queue = newSendQueue()
	l.stopCh = make(chan struct{})
	l.openedAt = time.Now()

	go l.writeLoop(port, l.queue, l.stopCh)
	go l.readLoop(port, l.codec.NewDecoder(), l.receiver, l.stopCh, l.openedAt)

	l.logger.Info("串口已打开", zap.String("port", name), zap.Int("baud", baud))
	return nil
}

// Send 帧入队后立即返回
func (l *SerialLink) Send(f Frame, pos QueuePosition) error {
	l.mu.Lock()
	q := l.queue
	l.mu.Unlock()

	if q == nil || !q.push(f, pos) {
		return errors.New(errors.ErrLinkClosed)
	}
	return nil
}

// Close 关闭串口，不等待读协程退出
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	port, q, stopCh := l.port, l.queue, l.stopCh
	l.mu.Unlock()

	if port == nil {
		return nil
	}

	close(stopCh)
	if dropped := q.close(); dropped > 0 {
		l.logger.Warn("关闭链路时丢弃未发送的帧", zap.Int("count", dropped))
	}
	return port.Close()
}

func (l *SerialLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *SerialLink) writeLoop(port SerialPort, q *sendQueue, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-q.ready:
		}

		for {
			f, ok := q.pop()
			if !ok {
				break
			}
			data, err := l.codec.Encode(f)
			if err != nil {
				l.logger.Error("帧编码失败", zap.Uint8("id", f.ID), zap.Error(err))
				continue
			}
			logger.LogFrame("tx", f.ID, f.Payload())
			if _, err := port.Write(data); err != nil {
				if l.isClosed() {
					return
				}
				l.notifyError(errors.Wrap(err, errors.ErrSerialPortWrite))
				return
			}
		}
	}
}

func (l *SerialLink) readLoop(port SerialPort, dec FrameDecoder, rx Receiver, stopCh <-chan struct{}, openedAt time.Time) {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				l.logger.Warn("丢弃无法解析的数据", zap.Error(decErr))
			}
			for _, f := range frames {
				if f.Timestamp == 0 {
					f.Timestamp = uint64(time.Since(openedAt).Milliseconds())
				}
				logger.LogFrame("rx", f.ID, Frame{ID: f.ID, Args: f.Args}.Payload())
				if rx != nil {
					rx.OnFrame(f)
				}
			}
		}

		if err != nil {
			// 读超时在 tarm/serial 上表现为 io.EOF
			if stderrors.Is(err, io.EOF) {
				continue
			}
			if l.isClosed() {
				return
			}
			l.notifyError(errors.Wrap(err, errors.ErrSerialPortRead))
			return
		}
	}
}

func (l *SerialLink) notifyError(err error) {
	l.mu.Lock()
	rx := l.receiver
	l.mu.Unlock()

	l.logger.Error("串口链路错误", zap.Error(err))
	if rx != nil {
		rx.OnLinkError(err)
	}
}
