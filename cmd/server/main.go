package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/slot-iocard/internal/api"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/database"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/logger"
	"github.com/wfunc/slot-iocard/internal/middleware"
	"github.com/wfunc/slot-iocard/internal/mqtt"
	"github.com/wfunc/slot-iocard/internal/repository"
	"github.com/wfunc/slot-iocard/internal/service"
	"github.com/wfunc/slot-iocard/internal/utils"
	"github.com/wfunc/slot-iocard/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *gorm.DB
	journal     *service.EventJournal
	card        *hardware.Card
	cache       *hardware.StateCache
	reconnector *hardware.Reconnector
	hub         *websocket.Hub
	bridge      *mqtt.Bridge
	httpServer  *http.Server

	shutdownCh chan struct{}
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		tokenFor    = flag.String("token", "", "为指定操作员签发令牌后退出")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if *tokenFor != "" {
		if err := printToken(cfg, *tokenFor); err != nil {
			fmt.Printf("签发令牌失败: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动IO卡服务...",
		zap.String("version", Version),
		zap.String("protocol", s.cfg.Card.Protocol),
		zap.Bool("mock_mode", s.cfg.Card.MockMode),
	)

	if err := s.initDatabase(); err != nil {
		return err
	}
	if err := s.initCard(); err != nil {
		return err
	}
	if err := s.initPublishers(); err != nil {
		return err
	}
	s.initHTTP()
	s.startCard()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
	)
	return nil
}

// initDatabase 打开数据库并启动事件日志，日志关闭时跳过
func (s *Server) initDatabase() error {
	if !s.cfg.Journal.Enabled {
		s.logger.Info("事件日志已关闭，跳过数据库初始化")
		return nil
	}

	db, err := database.Open(&s.cfg.Database)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	s.db = db

	s.journal = service.NewEventJournal(repository.NewEventLogRepository(db), s.cfg.Journal)
	s.journal.Start()
	s.logger.Info("事件日志已启动", zap.String("session_id", s.journal.SessionID()))
	return nil
}

// initCard 创建连接管理器与状态缓存
func (s *Server) initCard() error {
	proto, err := hardware.LookupProtocol(s.cfg.Card.Protocol)
	if err != nil {
		return err
	}

	var factory hardware.LinkFactory
	if s.cfg.Card.MockMode {
		factory = hardware.NewSimulatedLinkFactory(proto)
	} else {
		codec, err := hardware.LookupCodec(s.cfg.Card.Codec)
		if err != nil {
			return errors.Wrapf(err, errors.ErrUnknownCodec, "已注册: %v", hardware.Codecs())
		}
		factory = hardware.NewSerialLinkFactory(codec, hardware.WithReadTimeout(s.cfg.Card.ReadTimeout))
	}

	opts := []hardware.CardOption{hardware.WithLogger(logger.WithModule("iocard"))}
	if s.journal != nil {
		opts = append(opts, hardware.WithSendHook(s.journal.SendHook()))
	}
	s.card = hardware.NewCard(proto, factory, opts...)
	if s.journal != nil {
		s.journal.Attach(s.card)
	}

	s.cache = hardware.NewStateCache(hardware.WithErrorCapacity(s.cfg.Cache.ErrorCapacity))
	s.cache.SetCard(s.card)
	return nil
}

// initPublishers 初始化 WebSocket 与 MQTT 推送
func (s *Server) initPublishers() error {
	if s.cfg.WebSocket.Enabled {
		s.hub = websocket.NewHub(websocket.OptionsFromConfig(s.cfg.WebSocket), logger.WithModule("websocket"))
		s.hub.SetSnapshotProvider(func() interface{} { return s.cache.Snapshot() })
		s.hub.Attach(s.card)
		go s.hub.Run()
	}

	if s.cfg.MQTT.Enabled {
		s.bridge = mqtt.New(s.cfg.MQTT, s.card)
		s.bridge.Attach(s.card)
		if err := s.bridge.Start(); err != nil {
			return err
		}
	}
	return nil
}

// initHTTP 启动 HTTP 服务
func (s *Server) initHTTP() {
	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}

	jwtCfg := s.cfg.Security.JWT
	var auth *middleware.AuthMiddleware
	if jwtCfg.Secret != "" {
		manager := utils.NewJWTManager(jwtCfg.Secret, jwtCfg.Issuer, time.Duration(jwtCfg.ExpireHours)*time.Hour)
		auth = middleware.NewAuthMiddleware(manager)
	} else {
		s.logger.Warn("未配置 security.jwt.secret，写操作不校验令牌")
	}

	router := api.NewRouter(api.Dependencies{
		Card:          s.card,
		Cache:         s.cache,
		Journal:       s.journal,
		Hub:           s.hub,
		Auth:          auth,
		CardConfig:    s.cfg.Card,
		WebSocketPath: s.cfg.WebSocket.Path,
	}, logger.WithModule("http"))

	s.httpServer = router.Server(s.cfg.Server)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()
}

// startCard 按配置自动连接，启用重连时交给重连管理器
//
// 未开启自动连接时重连管理器保持空闲，操作员连接后出现异常断开才开始重试。
func (s *Server) startCard() {
	rc := s.cfg.Card.Reconnect
	if rc.Enabled && !s.cfg.Card.MockMode {
		s.reconnector = hardware.NewReconnector(s.card, hardware.ReconnectConfig{
			Port:              s.cfg.Card.Port,
			BaudRate:          s.cfg.Card.BaudRate,
			DevicePattern:     rc.DevicePattern,
			InitialInterval:   rc.InitialInterval,
			MaxInterval:       rc.MaxInterval,
			WaitForDisconnect: !s.cfg.Card.AutoConnect,
		})
		if err := s.reconnector.Start(); err != nil {
			s.logger.Error("启动重连管理器失败", zap.Error(err))
		}
		return
	}

	if !s.cfg.Card.AutoConnect {
		s.logger.Info("未开启自动连接，等待操作员连接IO卡")
		return
	}
	if err := s.card.Connect(s.cfg.Card.Port, s.cfg.Card.BaudRate); err != nil {
		s.logger.Warn("自动连接IO卡失败", zap.String("port", s.cfg.Card.Port), zap.Error(err))
	}
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
//
// 先停止外部入口，再断开设备，最后冲刷事件日志并关闭数据库。
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
			shutdownErr = errors.Wrap(err, errors.ErrTimeout, "HTTP服务关闭超时")
		}
	}
	if s.reconnector != nil {
		s.reconnector.Stop()
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}

	s.card.Disconnect()
	s.cache.SetCard(nil)

	if s.hub != nil {
		s.hub.Stop()
	}
	if s.journal != nil {
		s.journal.Stop()
		s.logger.Info("事件日志已停止",
			zap.Int64("written", s.journal.Written()),
			zap.Int64("dropped", s.journal.Dropped()))
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("关闭数据库失败", zap.Error(err))
		}
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return shutdownErr
}

// reloadConfig 应用可以热更新的配置项
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("日志级别已更新", zap.String("level", newCfg.Log.Level))
	}
	if newCfg.Cache.ErrorCapacity != s.cache.ErrorCapacity() {
		s.cache.SetErrorCapacity(newCfg.Cache.ErrorCapacity)
		s.logger.Info("错误队列容量已更新", zap.Int("capacity", newCfg.Cache.ErrorCapacity))
	}
	if newCfg.Card.Port != s.cfg.Card.Port || newCfg.Card.Protocol != s.cfg.Card.Protocol {
		s.logger.Warn("串口与协议配置需要重启后生效")
	}
	s.cfg = newCfg
}

// printToken 签发操作员令牌
func printToken(cfg *config.Config, operator string) error {
	jwtCfg := cfg.Security.JWT
	manager := utils.NewJWTManager(jwtCfg.Secret, jwtCfg.Issuer, time.Duration(jwtCfg.ExpireHours)*time.Hour)
	token, err := manager.GenerateToken(operator, utils.RoleOperator)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("IO卡服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
