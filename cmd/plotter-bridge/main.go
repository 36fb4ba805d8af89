package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"github.com/wfunc/plotter-bridge/internal/api"
	"github.com/wfunc/plotter-bridge/internal/config"
	"github.com/wfunc/plotter-bridge/internal/database"
	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/hardware"
	"github.com/wfunc/plotter-bridge/internal/logger"
	"github.com/wfunc/plotter-bridge/internal/queue"
	"github.com/wfunc/plotter-bridge/internal/service"
	ws "github.com/wfunc/plotter-bridge/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 过期记录清理间隔
const retentionInterval = 24 * time.Hour

// 进程退出码
const (
	exitOK          = 0
	exitFailure     = 1
	exitDeviceFault = 2 // 串口读写失败或应答超时，需要人工检查控制板
)

// Server 桥接服务实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务组件
	queue      *queue.CommandQueue
	relay      *hardware.CommandRelay
	exchanges  *service.ExchangeLogService
	hub        *ws.Hub
	httpServer *http.Server

	// 关闭控制
	errCh  chan error
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = pflag.String("config", "", "配置文件路径")
		showVersion = pflag.Bool("version", false, "显示版本信息")
		showHelp    = pflag.BoolP("help", "h", false, "显示帮助信息")
	)
	pflag.IntP("port", "p", 7878, "HTTP监听端口")
	pflag.StringP("device", "d", "", "串口设备名，为空时自动探测")

	pflag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 显示帮助信息
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath, pflag.CommandLine); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	gin.SetMode(cfg.Server.Mode)
	printStartInfo(cfg)

	code := run(cfg)
	logger.Cleanup()
	os.Exit(code)
}

// run 启动服务并阻塞到退出，返回进程退出码
func run(cfg *config.Config) int {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg)

	if err := server.Start(sigCtx); err != nil {
		server.Shutdown()
		if errors.Is(err, errors.ErrCanceled) {
			logger.Info("等待设备期间收到退出信号")
			return exitOK
		}
		logger.LogError(err, "服务器启动失败")
		return exitCode(err)
	}

	// 等待退出信号或致命错误
	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("收到退出信号")
	case runErr = <-server.errCh:
		logger.LogError(runErr, "服务异常退出", zap.Bool("critical", errors.IsCritical(runErr)))
	}

	server.Shutdown()

	if runErr != nil {
		return exitCode(runErr)
	}
	logger.Info("服务器已安全关闭")
	return exitOK
}

// exitCode 串口故障与其他错误使用不同的退出码，便于进程管理器区分
func exitCode(err error) int {
	if errors.IsCritical(err) {
		return exitDeviceFault
	}
	return exitFailure
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		errCh:  make(chan error, 2),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 初始化组件并启动服务
//
// 设备未出现时阻塞，waitCtx 结束时返回 ErrCanceled。
func (s *Server) Start(waitCtx context.Context) error {
	s.logger.Info("正在启动绘图仪桥接服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	// 往返记录与实时推送是可选组件
	s.initExchangeLog()
	s.initHub()

	port, desc, err := s.locateDevice(waitCtx)
	if err != nil {
		return err
	}

	s.queue = queue.NewCommandQueue(s.cfg.Queue.MaxDepth)
	s.relay = hardware.NewCommandRelay(port, s.queue, &hardware.RelayConfig{
		Device:          desc.Name,
		MaxReadAttempts: s.cfg.Serial.MaxReadAttempts,
	})
	if s.exchanges != nil {
		s.relay.AddObserver(s.exchanges)
	}
	if s.hub != nil {
		s.relay.AddObserver(s.hub)
	}

	// 启动命令中继
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.relay.Run(s.ctx); err != nil {
			s.errCh <- err
		}
	}()

	s.startHTTPServer()

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，重新应用日志级别", zap.String("level", newCfg.Log.Level))
		logger.SetLevel(newCfg.Log.Level)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.cfg.Server.Addr()),
		zap.String("device", desc.Name),
	)
	return nil
}

// initExchangeLog 初始化数据库与往返记录服务，失败时降级运行
func (s *Server) initExchangeLog() {
	if !s.cfg.Database.Enabled {
		s.logger.Info("往返记录已禁用")
		return
	}

	if err := database.Init(&s.cfg.Database); err != nil {
		s.logger.Error("初始化数据库失败，往返记录不可用", zap.Error(err))
		database.Close()
		return
	}
	if !database.IsConnected() {
		s.logger.Error("数据库连接检查失败，往返记录不可用")
		database.Close()
		return
	}

	s.exchanges = service.NewExchangeLogService(database.GetDB())

	if s.cfg.Database.RetentionDays > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
}

// retentionLoop 定期清理过期记录
func (s *Server) retentionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		count, err := s.exchanges.Cleanup(s.cfg.Database.RetentionDays)
		if err != nil {
			s.logger.Warn("清理过期记录失败", zap.Error(err))
		} else if count > 0 {
			s.logger.Info("已清理过期记录", zap.Int64("count", count))
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// initHub 启动WebSocket推送中心
func (s *Server) initHub() {
	if !s.cfg.WebSocket.Enabled {
		return
	}

	s.hub = ws.NewHub(logger.GetModuleLogger("websocket"))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
}

// locateDevice 探测并打开控制板串口
func (s *Server) locateDevice(ctx context.Context) (hardware.SerialPort, *hardware.PortDescriptor, error) {
	locator := hardware.NewDeviceLocator(&hardware.LocatorConfig{
		Device:        s.cfg.Serial.Device,
		ProductMarker: s.cfg.Serial.ProductMarker,
		BaudRate:      s.cfg.Serial.BaudRate,
		ReadTimeout:   s.cfg.Serial.ReadTimeout,
		ScanInterval:  s.cfg.Serial.ScanInterval,
	})
	return locator.Locate(ctx)
}

// startHTTPServer 启动HTTP服务器
func (s *Server) startHTTPServer() {
	deps := &api.Dependencies{
		Queue:     s.queue,
		Relay:     s.relay,
		Hub:       s.hub,
		WebSocket: s.cfg.WebSocket,
		Version:   Version,
	}
	if s.exchanges != nil {
		deps.Exchanges = s.exchanges
		deps.DB = database.GetDB()
	}

	router := api.NewRouter(deps, logger.GetModuleLogger("http"))
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- errors.Wrapf(err, errors.ErrUnknown, "HTTP服务监听 %s 失败", s.httpServer.Addr)
		}
	}()
}

// Shutdown 优雅关闭
//
// 先停止接收请求，再取消中继与推送，最后落盘往返记录并关闭数据库。
func (s *Server) Shutdown() {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
		}
	}

	// 取消主上下文，触发中继与推送退出
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，串口上仍有未完成的命令")
	}

	if s.exchanges != nil {
		s.exchanges.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("绘图仪串口桥接服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("绘图仪串口桥接服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  plotter-bridge [选项]")
	fmt.Println()
	fmt.Println("选项:")
	pflag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  PLOTTER_BRIDGE_SERVER_PORT     HTTP监听端口")
	fmt.Println("  PLOTTER_BRIDGE_SERIAL_DEVICE   串口设备名")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  plotter-bridge -p 7878")
	fmt.Println("  plotter-bridge -d /dev/ttyACM0")
	fmt.Println("  plotter-bridge --config=/etc/plotter-bridge/config.yaml")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     绘图仪串口桥接服务")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("配置文件: %s\n", config.ConfigFileUsed())
	fmt.Printf("监听地址: %s\n", cfg.Server.Addr())
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
