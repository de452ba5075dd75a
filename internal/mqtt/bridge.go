// Package mqtt 把 IO 卡事件发布到 MQTT，并接收远程命令
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/logger"
	"github.com/wfunc/slot-iocard/internal/service"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	outboxSize     = 512
)

// EventMessage 发布到事件主题的消息
type EventMessage struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  int64                  `json:"timestamp"`
	DeviceTime uint64                 `json:"device_time"`
	Data       map[string]interface{} `json:"data"`
}

// ReplyMessage 命令回复
type ReplyMessage struct {
	ID        string                 `json:"id,omitempty"`
	OK        bool                   `json:"ok"`
	Result    *service.CommandResult `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Code      int                    `json:"code,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type outgoing struct {
	topic   string
	payload []byte
}

// Bridge MQTT桥接
//
// 设备事件在读协程里进入发件箱，由单独的协程发布，不阻塞设备。
type Bridge struct {
	client paho.Client
	cfg    config.MQTTConfig
	sender service.CommandSender
	logger *zap.Logger

	outbox   chan outgoing
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewClientOptions 由配置生成 paho 连接参数
func NewClientOptions(cfg config.MQTTConfig) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.PingTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// New 创建连接到配置中 broker 的桥接
func New(cfg config.MQTTConfig, sender service.CommandSender) *Bridge {
	b := newBridge(nil, cfg, sender)
	opts := NewClientOptions(cfg).
		SetOnConnectHandler(func(paho.Client) {
			b.logger.Info("MQTT已连接", zap.String("broker", cfg.Broker))
			// 断线重连后重新订阅
			if err := b.subscribe(); err != nil {
				b.logger.Error("订阅命令主题失败", zap.Error(err))
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.logger.Warn("MQTT连接断开", zap.Error(err))
		})
	b.client = paho.NewClient(opts)
	return b
}

func newBridge(client paho.Client, cfg config.MQTTConfig, sender service.CommandSender) *Bridge {
	return &Bridge{
		client: client,
		cfg:    cfg,
		sender: sender,
		logger: logger.WithModule("mqtt"),
		outbox: make(chan outgoing, outboxSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start 连接 broker、订阅命令主题并启动发布协程
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry 打开时会在后台继续重试，连上后由 OnConnect 订阅
		b.logger.Warn("MQTT连接超时，后台继续重试", zap.String("broker", b.cfg.Broker))
	} else if err := token.Error(); err != nil {
		return errors.Wrap(err, errors.ErrMQTTConnect, b.cfg.Broker)
	} else if err := b.subscribe(); err != nil {
		return err
	}

	b.started = true
	go b.publishLoop()
	return nil
}

// Stop 停止发布并断开连接
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if started {
			<-b.doneCh
		}
		b.client.Disconnect(250)
	})
}

// Attach 订阅设备事件
func (b *Bridge) Attach(card *hardware.Card) *hardware.Subscription {
	return card.Subscribe(b.PublishEvent)
}

// PublishEvent 把事件放入发件箱，满了丢弃
func (b *Bridge) PublishEvent(ev hardware.Event) {
	msg := EventMessage{
		ID:         uuid.NewString(),
		Type:       ev.Name(),
		Timestamp:  time.Now().UnixMilli(),
		DeviceTime: ev.Meta().Timestamp,
		Data:       hardware.EventFields(ev),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("序列化事件失败", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	b.enqueue(b.EventTopic(ev.Name()), body)
}

// EventTopic 事件主题
func (b *Bridge) EventTopic(name string) string {
	return fmt.Sprintf("%s/%s", b.cfg.Topics.Event, name)
}

func (b *Bridge) enqueue(topic string, payload []byte) {
	select {
	case b.outbox <- outgoing{topic: topic, payload: payload}:
	default:
		b.logger.Warn("MQTT发件箱已满，丢弃消息", zap.String("topic", topic))
	}
}

func (b *Bridge) publishLoop() {
	defer close(b.doneCh)
	for {
		select {
		case msg := <-b.outbox:
			b.publish(msg)
		case <-b.stopCh:
			// 尽量发出剩余消息
			for {
				select {
				case msg := <-b.outbox:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(msg outgoing) {
	token := b.client.Publish(msg.topic, b.cfg.QoS, b.cfg.Retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT发布超时", zap.String("topic", msg.topic))
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("MQTT发布失败", zap.String("topic", msg.topic), zap.Error(err))
		return
	}
	logger.LogMQTTMessage(msg.topic, "publish", json.RawMessage(msg.payload))
}

func (b *Bridge) subscribe() error {
	token := b.client.Subscribe(b.cfg.Topics.Command, b.cfg.QoS, b.onCommand)
	if !token.WaitTimeout(connectTimeout) {
		return errors.New(errors.ErrMQTTSubscribe, b.cfg.Topics.Command)
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, errors.ErrMQTTSubscribe, b.cfg.Topics.Command)
	}
	b.logger.Info("已订阅命令主题", zap.String("topic", b.cfg.Topics.Command))
	return nil
}

// onCommand 处理命令消息，结果发布到回复主题
func (b *Bridge) onCommand(_ paho.Client, m paho.Message) {
	logger.LogMQTTMessage(m.Topic(), "receive", string(m.Payload()))

	reply := ReplyMessage{Timestamp: time.Now().UnixMilli()}
	var req service.CommandRequest
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		appErr := errors.Wrap(err, errors.ErrMessageFormat)
		reply.Error = appErr.Error()
		reply.Code = int(appErr.Code)
	} else {
		reply.ID = req.ID
		result, err := service.ExecuteCommand(b.sender, &req)
		if err != nil {
			reply.Error = err.Error()
			reply.Code = int(errors.GetCode(err))
		} else {
			reply.OK = true
			reply.Result = result
		}
	}

	if !reply.OK {
		b.logger.Warn("MQTT命令执行失败", zap.String("id", reply.ID), zap.String("error", reply.Error))
	}

	body, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("序列化回复失败", zap.Error(err))
		return
	}
	b.enqueue(b.cfg.Topics.Reply, body)
}
