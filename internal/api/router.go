package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/plotter-bridge/internal/config"
	"github.com/wfunc/plotter-bridge/internal/hardware"
	"github.com/wfunc/plotter-bridge/internal/middleware"
	"github.com/wfunc/plotter-bridge/internal/queue"
	"github.com/wfunc/plotter-bridge/internal/service"
	ws "github.com/wfunc/plotter-bridge/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RelayStatus 中继状态来源
type RelayStatus interface {
	Stats() hardware.RelayStats
}

// Dependencies 路由依赖，可选组件为nil时不注册对应路由
type Dependencies struct {
	Queue     *queue.CommandQueue
	Relay     RelayStatus
	DB        *gorm.DB
	Exchanges *service.ExchangeLogService
	Hub       *ws.Hub
	WebSocket config.WebSocketConfig
	Version   string
}

// Router API路由器
type Router struct {
	engine    *gin.Engine
	deps      *Dependencies
	startedAt time.Time
	log       *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps *Dependencies, log *zap.Logger) *Router {
	// 创建Gin引擎
	engine := gin.New()

	// 全局中间件
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestLogger())

	router := &Router{
		engine:    engine,
		deps:      deps,
		startedAt: time.Now(),
		log:       log,
	}

	// 设置路由
	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// 命令入队
	NewBatchHandler(r.deps.Queue, r.log).RegisterRoutes(r.engine)

	// 往返记录查询
	if r.deps.Exchanges != nil {
		v1 := r.engine.Group("/api/v1")
		NewExchangeAPI(r.deps.Exchanges).RegisterRoutes(v1)
	}

	// WebSocket推送
	if r.deps.Hub != nil {
		path := r.deps.WebSocket.Path
		if path == "" {
			path = "/ws/exchanges"
		}
		r.engine.GET(path, NewWebSocketHandler(r.deps.Hub, r.deps.WebSocket, r.log).Subscribe)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
//
// 中继已停止时返回503，数据库不可用只降级。
func (r *Router) healthCheck(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	body := gin.H{
		"version": r.deps.Version,
		"uptime":  time.Since(r.startedAt).Round(time.Second).String(),
		"queue":   r.deps.Queue.Stats(),
	}

	if r.deps.Relay != nil {
		stats := r.deps.Relay.Stats()
		body["device"] = stats.Device
		body["relay"] = stats
		if stats.State == hardware.StateStopped.String() {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	// 检查数据库连接
	switch {
	case r.deps.DB == nil:
		body["database"] = "disabled"
	case pingDB(r.deps.DB) != nil:
		body["database"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		body["database"] = "connected"
	}

	if r.deps.Hub != nil {
		body["websocket_clients"] = r.deps.Hub.GetOnlineCount()
	}

	body["status"] = status
	c.JSON(code, body)
}

func pingDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Handler 获取HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
