package api

import (
	"bytes"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/queue"
	"go.uber.org/zap"
)

// BatchHandler 命令批次入队处理器
//
// 只持有队列，不接触串口。
type BatchHandler struct {
	queue  *queue.CommandQueue
	logger *zap.Logger
}

// NewBatchHandler 创建批次处理器
func NewBatchHandler(q *queue.CommandQueue, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		queue:  q,
		logger: logger,
	}
}

// RegisterRoutes 注册路由
func (h *BatchHandler) RegisterRoutes(router gin.IRoutes) {
	router.POST("/batch-queue", h.EnqueueBatch)
}

// ParseBatch 将请求体拆分为命令行
//
// 请求体必须是合法UTF-8且不含 \r；按 \n 拆分并丢弃空行。
func ParseBatch(body []byte) ([]string, error) {
	if !utf8.Valid(body) {
		return nil, errors.New(errors.ErrInvalidEncoding, "请求体不是合法的UTF-8")
	}
	if bytes.IndexByte(body, '\r') >= 0 {
		return nil, errors.New(errors.ErrInvalidParam, "请求体不能包含 \\r")
	}

	segments := strings.Split(string(body), "\n")
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			lines = append(lines, s)
		}
	}
	return lines, nil
}

// EnqueueBatch 接收一批命令并入队
//
// 成功返回200空响应；帧格式错误返回400，队列满返回503，均不入队。
func (h *BatchHandler) EnqueueBatch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("读取请求体失败", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	lines, err := ParseBatch(body)
	if err != nil {
		h.logger.Info("拒绝批次", zap.Error(err), zap.Int("bytes", len(body)))
		c.Status(http.StatusBadRequest)
		return
	}

	batchID := uuid.New().String()
	now := time.Now()
	cmds := make([]queue.Command, len(lines))
	for i, line := range lines {
		cmds[i] = queue.Command{
			Text:       line,
			BatchID:    batchID,
			Seq:        i,
			EnqueuedAt: now,
		}
	}

	if err := h.queue.PushBatch(cmds); err != nil {
		h.logger.Warn("命令队列不可用，拒绝批次",
			zap.String("batch_id", batchID),
			zap.Int("commands", len(cmds)),
			zap.Error(err))
		// 队列满可以稍后重试，队列关闭说明中继已停止
		if errors.IsRetryable(err) {
			c.Header("Retry-After", "1")
		}
		c.Status(errors.StatusOf(err))
		return
	}

	h.logger.Debug("批次已入队",
		zap.String("batch_id", batchID),
		zap.Int("commands", len(cmds)),
		zap.Int("depth", h.queue.Len()))

	c.Header("X-Batch-ID", batchID)
	c.Status(http.StatusOK)
}
