package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/logger"
	"go.uber.org/zap"
)

// ReconnectConfig 重连参数
type ReconnectConfig struct {
	Port            string        // 首选串口
	BaudRate        int           // 0 使用协议默认值
	DevicePattern   string        // 如 "ttyUSB"，会依次尝试 /dev/ttyUSB0..9
	InitialInterval time.Duration // 首次重试间隔
	MaxInterval     time.Duration // 最大重试间隔

	// WaitForDisconnect 为 true 时启动后不主动连接，直到首次异常断开才开始重试
	WaitForDisconnect bool
}

// Reconnector 串口重连管理器
//
// 连接异常断开后在后台按指数退避重试 Connect，主动 Disconnect 不会触发重连。
// 任何途径建立的连接都会记下端口，重连时优先尝试。
type Reconnector struct {
	card   *Card
	cfg    ReconnectConfig
	logger *zap.Logger
	exists func(path string) bool

	mu         sync.Mutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	sub        *Subscription
	lastDevice string
	attempts   int

	reconnectCh chan struct{}
}

// NewReconnector 创建重连管理器
func NewReconnector(card *Card, cfg ReconnectConfig) *Reconnector {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 5 * time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Reconnector{
		card:        card,
		cfg:         cfg,
		logger:      logger.WithModule("iocard"),
		exists:      SerialPortExists,
		reconnectCh: make(chan struct{}, 1),
	}
}

// Start 启动管理器
//
// 未连接时立即在后台开始尝试；设置了 WaitForDisconnect 则保持空闲，等待异常断开。
func (m *Reconnector) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		return fmt.Errorf("重连管理器已启动")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.sub = m.card.Subscribe(func(ev Event) {
		switch v := ev.(type) {
		case Connected:
			m.mu.Lock()
			m.lastDevice = v.Port
			m.mu.Unlock()
		case Disconnected:
			if v.Err != nil {
				m.TriggerReconnect()
			}
		}
	})

	if m.cfg.WaitForDisconnect {
		m.logger.Info("重连管理器已启动，等待连接异常断开")
	} else if !m.card.IsConnected() {
		m.TriggerReconnect()
	}
	go m.reconnectLoop(m.stopCh, m.doneCh)
	return nil
}

// Stop 停止管理器并等待后台协程退出，不会断开现有连接
func (m *Reconnector) Stop() {
	m.mu.Lock()
	stopCh, doneCh, sub := m.stopCh, m.doneCh, m.sub
	m.stopCh, m.doneCh, m.sub = nil, nil, nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	sub.Unsubscribe()
	close(stopCh)
	<-doneCh
}

// TriggerReconnect 请求一次重连
func (m *Reconnector) TriggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// 已经有重连请求在队列中
	}
}

// Attempts 累计尝试次数
func (m *Reconnector) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// CurrentDevice 最后一次成功连接的设备
func (m *Reconnector) CurrentDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDevice
}

func (m *Reconnector) reconnectLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case <-m.reconnectCh:
		}

		interval := m.cfg.InitialInterval
		for !m.card.IsConnected() {
			err := m.connectOnce()
			if err == nil {
				break
			}
			if !errors.IsRetryable(err) {
				m.logger.Error("重连遇到不可重试的错误，放弃本轮重连", zap.Error(err))
				break
			}
			m.logger.Warn("重连失败，等待重试", zap.Error(err), zap.Duration("interval", interval))

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}

			// 逐渐增加重连间隔
			interval *= 2
			if interval > m.cfg.MaxInterval {
				interval = m.cfg.MaxInterval
			}
		}
	}
}

func (m *Reconnector) connectOnce() error {
	candidates := m.candidates()
	if len(candidates) == 0 {
		return errors.Newf(errors.ErrDeviceOffline, "未找到 %s 设备", m.cfg.DevicePattern)
	}

	var lastErr error
	for _, device := range candidates {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		err := m.card.Connect(device, m.cfg.BaudRate)
		if err == nil || errors.Is(err, errors.ErrAlreadyConnected) {
			m.mu.Lock()
			m.lastDevice = device
			m.mu.Unlock()
			m.logger.Info("重连成功", zap.String("device", device), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// candidates 待尝试的设备：上次成功的设备、配置的端口，再按模式搜索
func (m *Reconnector) candidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	m.mu.Lock()
	last := m.lastDevice
	m.mu.Unlock()
	add(last)
	add(m.cfg.Port)

	if m.cfg.DevicePattern != "" {
		for i := 0; i < 10; i++ {
			device := fmt.Sprintf("/dev/%s%d", m.cfg.DevicePattern, i)
			if m.exists(device) {
				add(device)
			}
		}
	}
	return out
}
