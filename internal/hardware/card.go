package hardware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/logger"
	"go.uber.org/zap"
)

// SendHook 命令成功入队后的回调，用于事件日志
type SendHook func(cmd Command, pos QueuePosition)

// CardOption Card 选项
type CardOption func(*Card)

// WithSendHook 注册发送回调
func WithSendHook(h SendHook) CardOption {
	return func(c *Card) { c.sendHooks = append(c.sendHooks, h) }
}

// WithLogger 替换日志器
func WithLogger(l *zap.Logger) CardOption {
	return func(c *Card) { c.logger = l }
}

// Card IO卡连接管理器
//
// 一个 Card 同时最多持有一条链路。Connect/Disconnect 由 connMu 串行化，
// 当前链路指针由 mu 保护，发送路径只取读锁。
type Card struct {
	proto     *Protocol
	dial      LinkFactory
	logger    *zap.Logger
	sendHooks []SendHook

	connMu sync.Mutex

	mu          sync.RWMutex
	link        Link
	rx          *linkReceiver
	port        string
	baud        int
	connectedAt time.Time

	observers observerRegistry
}

// NewCard 创建连接管理器
func NewCard(proto *Protocol, dial LinkFactory, opts ...CardOption) *Card {
	if proto == nil {
		proto = ProtocolV1
	}
	c := &Card{
		proto:  proto,
		dial:   dial,
		logger: logger.WithModule("iocard"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Protocol 返回使用的协议版本
func (c *Card) Protocol() *Protocol {
	return c.proto
}

// Subscribe 订阅事件
func (c *Card) Subscribe(h EventHandler) *Subscription {
	return c.observers.add(h)
}

// Connect 打开串口并开始分派事件
//
// 已连接时返回 ErrAlreadyConnected；打开失败返回 ErrSerialPortOpen，且不留下任何状态。
// baud 为0时使用协议版本的默认波特率。
func (c *Card) Connect(port string, baud int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.IsConnected() {
		return errors.New(errors.ErrAlreadyConnected, port)
	}
	if baud <= 0 {
		baud = c.proto.DefaultBaudRate
	}
	if c.dial == nil {
		return errors.New(errors.ErrSerialPortOpen, "未配置链路")
	}

	link, err := c.dial()
	if err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, port)
	}
	rx := &linkReceiver{card: c, link: link}
	link.SetReceiver(rx)
	if err := link.Open(port, baud); err != nil {
		c.logger.Error("IO卡连接失败", zap.String("port", port), zap.Int("baud", baud), zap.Error(err))
		return errors.Wrap(err, errors.ErrSerialPortOpen, port)
	}

	c.mu.Lock()
	c.link = link
	c.rx = rx
	c.port = port
	c.baud = baud
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("IO卡已连接",
		zap.String("port", port),
		zap.Int("baud", baud),
		zap.String("protocol", c.proto.Name))

	c.observers.notify(Connected{Port: port, BaudRate: baud})
	return nil
}

// Disconnect 关闭当前连接，未连接时返回 false
func (c *Card) Disconnect() bool {
	return c.disconnect(nil, nil)
}

// disconnect 断开连接；only 非空时只有当前链路仍是 only 才断开
func (c *Card) disconnect(only *linkReceiver, cause error) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	link, rx := c.link, c.rx
	if link == nil || (only != nil && rx != only) {
		c.mu.Unlock()
		return false
	}
	c.link = nil
	c.rx = nil
	port := c.port
	c.mu.Unlock()

	// 先摘除接收回调，之后旧链路上到达的帧全部丢弃
	rx.detach()
	if err := link.Close(); err != nil {
		c.logger.Warn("关闭链路失败", zap.String("port", port), zap.Error(err))
	}

	if cause != nil {
		c.logger.Error("IO卡连接异常断开", zap.String("port", port), zap.Error(cause))
	} else {
		c.logger.Info("IO卡已断开", zap.String("port", port))
	}

	c.observers.notify(Disconnected{Err: cause})
	return true
}

// IsConnected 是否已连接
func (c *Card) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link != nil
}

// Port 当前连接的串口与波特率
func (c *Card) Port() (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return "", 0
	}
	return c.port, c.baud
}

// DisplayTime 把设备相对时间戳换算为墙上时间，仅用于展示
func (c *Card) DisplayTime(ts uint64) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connectedAt.IsZero() {
		return time.Time{}
	}
	return c.connectedAt.Add(time.Duration(ts) * time.Millisecond)
}

// SendCommand 以指定优先级发送已编码的命令，未连接时返回 false 且不发送
func (c *Card) SendCommand(cmd Command, pos QueuePosition) bool {
	c.mu.RLock()
	link := c.link
	c.mu.RUnlock()

	if link == nil {
		return false
	}
	return c.sendOn(link, cmd, pos)
}

func (c *Card) sendOn(link Link, cmd Command, pos QueuePosition) bool {
	if err := link.Send(cmd.Frame(), pos); err != nil {
		c.logger.Warn("命令入队失败", zap.Stringer("command", cmd.Kind), zap.Error(err))
		return false
	}
	for _, h := range c.sendHooks {
		h(cmd, pos)
	}
	return true
}

// SendAt 编码并以指定优先级发送
//
// 编码失败返回错误；未连接返回 false 和 nil。
func (c *Card) SendAt(req Request, pos QueuePosition) (bool, error) {
	cmd, err := c.proto.Encode(req)
	if err != nil {
		return false, err
	}
	return c.SendCommand(cmd, pos), nil
}

// Send 编码并以命令默认优先级发送
func (c *Card) Send(req Request) (bool, error) {
	if req == nil {
		return false, errors.New(errors.ErrMissingArgument, "request")
	}
	return c.SendAt(req, DefaultPosition(req.Kind()))
}

// send 用于编码不会失败的命令
func (c *Card) send(req Request) bool {
	ok, err := c.Send(req)
	if err != nil {
		c.logger.Error("命令编码失败", zap.Stringer("command", req.Kind()), zap.Error(err))
	}
	return ok
}

// Ack 确认计数上报
func (c *Card) Ack() bool { return c.send(Ack{}) }

// GetInfo 查询设备信息
func (c *Card) GetInfo() bool { return c.send(GetInfo{}) }

// GetKeyMasks 查询按键掩码
func (c *Card) GetKeyMasks() bool { return c.send(GetKeyMasks{}) }

// GetKeys 查询按键状态
func (c *Card) GetKeys() bool { return c.send(GetKeys{}) }

// GetCoinCounter 查询轨道计数
func (c *Card) GetCoinCounter(track byte) bool {
	return c.send(GetCoinCounter{Track: track})
}

// ResetCoinCounter 清零轨道计数
func (c *Card) ResetCoinCounter(track byte) bool {
	return c.send(ResetCoinCounter{Track: track})
}

// TickAuditCounter 推进审计计数器
func (c *Card) TickAuditCounter(counter byte, ticks uint32) bool {
	return c.send(TickAuditCounter{Counter: counter, Ticks: ticks})
}

// EjectCoin 出币
func (c *Card) EjectCoin(track, count byte) bool {
	return c.send(EjectCoin{Track: track, Count: count})
}

// SetTrackLevel 设置轨道有效电平
func (c *Card) SetTrackLevel(track byte, level ActiveLevel) bool {
	return c.send(SetTrackLevel{Track: track, Level: level})
}

// SetEjectTimeout 设置出币超时（毫秒）
func (c *Card) SetEjectTimeout(track byte, timeout uint32) bool {
	return c.send(SetEjectTimeout{Track: track, Timeout: timeout})
}

// ReadStorage 读取存储区
func (c *Card) ReadStorage(address uint16, length byte) bool {
	return c.send(ReadStorage{Address: address, Length: length})
}

// SetOutput 设置输出，超过255字节返回 ErrArgumentOutOfRange
func (c *Card) SetOutput(outputs []byte) (bool, error) {
	return c.Send(SetOutput{Outputs: outputs})
}

// WriteStorage 写入存储区，超过255字节返回 ErrArgumentOutOfRange
func (c *Card) WriteStorage(address uint16, data []byte) (bool, error) {
	return c.Send(WriteStorage{Address: address, Data: data})
}

// Reboot 重启设备，协议版本不支持时返回 ErrUnsupportedCommand
func (c *Card) Reboot() (bool, error) {
	return c.Send(Reboot{})
}

// dispatch 解码并通知订阅者，计数上报先回 ACK 再通知
func (c *Card) dispatch(rx *linkReceiver, f ReceivedFrame) {
	ev := c.proto.Decode(f)

	switch v := ev.(type) {
	case CoinCounterResult:
		c.ack(rx)
	case Unknown:
		if v.Reason != nil {
			c.logger.Warn("帧解析失败", zap.String("id", hexByte(v.ID)), zap.Error(v.Reason))
		} else {
			c.logger.Warn("未知帧", zap.String("id", hexByte(v.ID)), zap.Int("args", len(v.Args)))
		}
	}

	c.observers.notify(ev)
}

// ack 在收到计数的那条链路上以队首优先级回 ACK
func (c *Card) ack(rx *linkReceiver) {
	cmd, err := c.proto.Encode(Ack{})
	if err != nil {
		c.logger.Error("ACK 编码失败", zap.Error(err))
		return
	}
	if !c.sendOn(rx.link, cmd, QueueFront) {
		c.logger.Warn("ACK 发送失败")
	}
}

func (c *Card) onLinkError(rx *linkReceiver, err error) {
	if errors.Is(err, errors.ErrSerialPortRead) ||
		errors.Is(err, errors.ErrSerialPortWrite) ||
		errors.Is(err, errors.ErrLinkClosed) {
		c.disconnect(rx, err)
		return
	}
	c.logger.Warn("链路告警", zap.Error(err))
}

// linkReceiver 绑定到一条链路，摘除后丢弃该链路上的一切回调
type linkReceiver struct {
	card     *Card
	link     Link
	mu       sync.Mutex
	detached atomic.Bool
}

func (r *linkReceiver) OnFrame(f ReceivedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached.Load() {
		return
	}
	r.card.dispatch(r, f)
}

func (r *linkReceiver) OnLinkError(err error) {
	if r.detached.Load() {
		return
	}
	r.card.onLinkError(r, err)
}

// detach 等待正在进行的分派结束后摘除
func (r *linkReceiver) detach() {
	r.mu.Lock()
	r.detached.Store(true)
	r.mu.Unlock()
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return "0x" + string([]byte{digits[b>>4], digits[b&0x0F]})
}
