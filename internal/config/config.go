package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/slot-iocard/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Card      CardConfig      `mapstructure:"card"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Journal   JournalConfig   `mapstructure:"journal"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CardConfig IO卡串口配置
type CardConfig struct {
	Port        string          `mapstructure:"port"`
	BaudRate    int             `mapstructure:"baud_rate"` // 0 表示使用协议版本的默认波特率
	Protocol    string          `mapstructure:"protocol"`  // v1 或 v2
	Codec       string          `mapstructure:"codec"`     // 已注册的帧编解码器名称
	ReadTimeout time.Duration   `mapstructure:"read_timeout"`
	AutoConnect bool            `mapstructure:"auto_connect"`
	MockMode    bool            `mapstructure:"mock_mode"` // 使用进程内模拟设备
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig 断线重连配置
type ReconnectConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DevicePattern   string        `mapstructure:"device_pattern"` // 如 "ttyUSB"，为空时只尝试配置的端口
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// CacheConfig 状态缓存配置
type CacheConfig struct {
	ErrorCapacity int `mapstructure:"error_capacity"`
}

// JournalConfig 事件日志配置
type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  byte          `mapstructure:"qos"`
	Retained             bool          `mapstructure:"retained"`
	CleanSession         bool          `mapstructure:"clean_session"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	Topics               MQTTTopics    `mapstructure:"topics"`
}

// MQTTTopics MQTT主题配置
type MQTTTopics struct {
	Event   string `mapstructure:"event"`
	Command string `mapstructure:"command"`
	Reply   string `mapstructure:"reply"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置，Secret 为空时不校验操作员令牌
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()
		cfg, err = load(v, configPath)
	})
	return err
}

// Load 读取一份独立的配置，不影响全局实例
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SLOT_IOCARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "读取配置文件失败")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "解析配置失败")
	}
	replaceMQTTTopics(c)

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidate)
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/iocard.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("card.port", "/dev/ttyUSB0")
	v.SetDefault("card.baud_rate", 0)
	v.SetDefault("card.protocol", "v1")
	v.SetDefault("card.codec", "")
	v.SetDefault("card.read_timeout", "100ms")
	v.SetDefault("card.auto_connect", true)
	v.SetDefault("card.mock_mode", false)
	v.SetDefault("card.reconnect.enabled", true)
	v.SetDefault("card.reconnect.device_pattern", "")
	v.SetDefault("card.reconnect.initial_interval", "5s")
	v.SetDefault("card.reconnect.max_interval", "30s")

	v.SetDefault("cache.error_capacity", 3000)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.buffer_size", 1000)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", "5s")
	v.SetDefault("journal.retention_days", 30)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "slot-iocard")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.max_reconnect_interval", "30s")
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.ping_timeout", "10s")
	v.SetDefault("mqtt.topics.event", "iocard/{client_id}/events")
	v.SetDefault("mqtt.topics.command", "iocard/{client_id}/commands")
	v.SetDefault("mqtt.topics.reply", "iocard/{client_id}/replies")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "slot-iocard.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("security.jwt.issuer", "slot-iocard")
	v.SetDefault("security.jwt.expire_hours", 24)
}

// replaceMQTTTopics 替换MQTT主题中的变量
func replaceMQTTTopics(c *Config) {
	clientID := c.MQTT.ClientID
	c.MQTT.Topics.Event = strings.ReplaceAll(c.MQTT.Topics.Event, "{client_id}", clientID)
	c.MQTT.Topics.Command = strings.ReplaceAll(c.MQTT.Topics.Command, "{client_id}", clientID)
	c.MQTT.Topics.Reply = strings.ReplaceAll(c.MQTT.Topics.Reply, "{client_id}", clientID)
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Card.BaudRate < 0 {
		return fmt.Errorf("card.baud_rate 不能为负数: %d", c.Card.BaudRate)
	}
	switch c.Card.Protocol {
	case "v1", "v2":
	default:
		return fmt.Errorf("未知的协议版本 card.protocol=%q", c.Card.Protocol)
	}
	if c.Cache.ErrorCapacity <= 0 {
		return fmt.Errorf("cache.error_capacity 必须大于0: %d", c.Cache.ErrorCapacity)
	}
	if c.Card.Reconnect.Enabled && c.Card.Reconnect.InitialInterval <= 0 {
		return fmt.Errorf("card.reconnect.initial_interval 必须大于0")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化，校验失败的新配置会被丢弃
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		replaceMQTTTopics(newCfg)
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
}
