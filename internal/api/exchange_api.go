package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/middleware"
	"github.com/wfunc/plotter-bridge/internal/models"
	"github.com/wfunc/plotter-bridge/internal/service"
	"gorm.io/gorm"
)

// 单次查询与导出的条数上限
const (
	maxQueryLimit  = 1000
	maxExportLimit = 10000
)

// 允许的排序方式
var exchangeOrders = map[string]string{
	"":         "id DESC",
	"desc":     "id DESC",
	"asc":      "id ASC",
	"batch":    "batch_id ASC, seq ASC",
	"duration": "duration DESC",
}

// ExchangeAPI 命令往返记录API
type ExchangeAPI struct {
	service *service.ExchangeLogService
}

// NewExchangeAPI 创建命令往返记录API
func NewExchangeAPI(service *service.ExchangeLogService) *ExchangeAPI {
	return &ExchangeAPI{
		service: service,
	}
}

// RegisterRoutes 注册路由
func (api *ExchangeAPI) RegisterRoutes(router *gin.RouterGroup) {
	exchanges := router.Group("/exchanges")
	{
		exchanges.GET("", api.QueryExchanges)             // 查询记录列表
		exchanges.GET("/latest", api.GetLatest)           // 获取最新记录
		exchanges.GET("/stats", api.GetStats)             // 获取统计信息
		exchanges.GET("/errors", api.GetErrors)           // 获取失败记录
		exchanges.GET("/batches/:batch_id", api.GetBatch) // 获取一个批次
		exchanges.GET("/export", api.ExportExchanges)     // 导出记录
		exchanges.GET("/:id", api.GetExchange)            // 获取单条记录
		exchanges.POST("/cleanup", api.CleanupExchanges)  // 清理旧记录
	}
}

// QueryExchanges 查询记录列表
func (api *ExchangeAPI) QueryExchanges(c *gin.Context) {
	query, err := parseExchangeQuery(c, "20", maxQueryLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	exchanges, total, err := api.service.Query(query)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "查询失败"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   exchanges,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetLatest 获取最新记录
func (api *ExchangeAPI) GetLatest(c *gin.Context) {
	limit, err := limitQuery(c, "20", maxQueryLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	exchanges, err := api.service.GetLatest(limit, c.Query("device"))
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "获取失败"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  exchanges,
		"count": len(exchanges),
	})
}

// GetStats 获取统计信息
func (api *ExchangeAPI) GetStats(c *gin.Context) {
	startTime, err := timeQuery(c, "start_time")
	if err != nil {
		respondError(c, err)
		return
	}
	endTime, err := timeQuery(c, "end_time")
	if err != nil {
		respondError(c, err)
		return
	}

	stats, err := api.service.GetStats(startTime, endTime)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "获取统计失败"))
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetErrors 获取失败记录
func (api *ExchangeAPI) GetErrors(c *gin.Context) {
	limit, err := limitQuery(c, "50", maxQueryLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	exchanges, err := api.service.GetErrors(limit)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "获取失败记录失败"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  exchanges,
		"count": len(exchanges),
	})
}

// GetExchange 获取单条记录
func (api *ExchangeAPI) GetExchange(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "id: %s", c.Param("id")))
		return
	}

	ex, err := api.service.GetByID(uint(id))
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, errors.Newf(errors.ErrNotFound, "记录 %d 不存在", id))
			return
		}
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "获取记录失败"))
		return
	}

	c.JSON(http.StatusOK, ex)
}

// GetBatch 获取一个批次的全部记录
func (api *ExchangeAPI) GetBatch(c *gin.Context) {
	batchID := c.Param("batch_id")

	exchanges, err := api.service.GetBatch(batchID)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "获取批次失败"))
		return
	}
	if len(exchanges) == 0 {
		respondError(c, errors.Newf(errors.ErrNotFound, "批次 %s 不存在", batchID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch_id": batchID,
		"data":     exchanges,
		"count":    len(exchanges),
	})
}

// CleanupExchanges 清理旧记录
func (api *ExchangeAPI) CleanupExchanges(c *gin.Context) {
	retentionDays, err := strconv.Atoi(c.DefaultPostForm("retention_days", "30"))
	if err != nil || retentionDays < 1 {
		respondError(c, errors.New(errors.ErrInvalidParam, "保留天数必须大于0"))
		return
	}

	count, err := api.service.Cleanup(retentionDays)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseDelete, "清理失败"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "清理成功",
		"deleted":        count,
		"retention_days": retentionDays,
	})
}

// ExportExchanges 导出记录
func (api *ExchangeAPI) ExportExchanges(c *gin.Context) {
	query, err := parseExchangeQuery(c, "1000", maxExportLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	data, err := api.service.Export(query)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery, "导出失败"))
		return
	}

	c.Header("Content-Disposition", "attachment; filename=exchanges_export.json")
	c.Data(http.StatusOK, "application/json", data)
}

// parseExchangeQuery 解析查询参数
func parseExchangeQuery(c *gin.Context, defaultLimit string, maxLimit int) (*models.ExchangeQuery, error) {
	query := &models.ExchangeQuery{
		Device:    c.Query("device"),
		BatchID:   c.Query("batch_id"),
		Command:   c.Query("command"),
		SessionID: c.Query("session_id"),
	}

	var err error
	if query.StartTime, err = timeQuery(c, "start_time"); err != nil {
		return nil, err
	}
	if query.EndTime, err = timeQuery(c, "end_time"); err != nil {
		return nil, err
	}

	// 是否有错误
	if hasError := c.Query("has_error"); hasError != "" {
		b, err := strconv.ParseBool(hasError)
		if err != nil {
			return nil, errors.Newf(errors.ErrInvalidParam, "has_error: %s", hasError)
		}
		query.HasError = &b
	}

	// 分页参数
	if query.Limit, err = limitQuery(c, defaultLimit, maxLimit); err != nil {
		return nil, err
	}
	if query.Offset, err = intQuery(c, "offset", "0"); err != nil {
		return nil, err
	}

	order, ok := exchangeOrders[c.Query("order")]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidParam, "order: %s", c.Query("order"))
	}
	query.OrderBy = order

	return query, nil
}

// timeQuery 解析RFC3339时间参数，缺省返回nil
func timeQuery(c *gin.Context, key string) (*time.Time, error) {
	value := c.Query(key)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidParam, "%s: %s", key, value)
	}
	return &t, nil
}

// intQuery 解析非负整数参数
func intQuery(c *gin.Context, key, defaultValue string) (int, error) {
	value := c.DefaultQuery(key, defaultValue)
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, errors.Newf(errors.ErrInvalidParam, "%s: %s", key, value)
	}
	return n, nil
}

// limitQuery 解析 limit 参数，取值范围 [1, maxLimit]
func limitQuery(c *gin.Context, defaultValue string, maxLimit int) (int, error) {
	value := c.DefaultQuery("limit", defaultValue)
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > maxLimit {
		return 0, errors.Newf(errors.ErrInvalidParam, "limit 必须在 1 到 %d 之间: %s", maxLimit, value)
	}
	return n, nil
}

// respondError 按错误码返回JSON错误
func respondError(c *gin.Context, err error) {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, middleware.GetRequestID(c)))
}
