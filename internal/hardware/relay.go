package hardware

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/logger"
	"github.com/wfunc/plotter-bridge/internal/queue"
	"go.uber.org/zap"
)

// CommandTerminator 控制板命令结束符
const CommandTerminator = "\r"

// RelayState 中继状态
type RelayState int32

const (
	StateIdle RelayState = iota
	StateWriting
	StateAwaitingResponse
	StateStopped
)

// String 状态名称
func (s RelayState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RelayConfig 中继配置
type RelayConfig struct {
	Device string // 设备名，仅用于日志和统计
	// MaxReadAttempts 等待应答时允许的读超时次数，0 表示不限制
	MaxReadAttempts int
}

// Exchange 一次命令往返的记录
type Exchange struct {
	Device       string        `json:"device"`
	Command      queue.Command `json:"command"`
	Response     string        `json:"response"`
	Err          error         `json:"-"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	BytesWritten int           `json:"bytes_written"`
	ReadAttempts int           `json:"read_attempts"`
}

// ErrorMessage 错误信息，没有错误时为空
func (e *Exchange) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// ExchangeObserver 命令往返结果的订阅者
//
// OnExchange 在中继协程中同步调用，实现不能阻塞。
type ExchangeObserver interface {
	OnExchange(ex *Exchange)
}

// RelayStats 中继统计
type RelayStats struct {
	Device         string    `json:"device"`
	State          string    `json:"state"`
	Relayed        uint64    `json:"relayed"`
	Failed         uint64    `json:"failed"`
	LastCommand    string    `json:"last_command,omitempty"`
	LastResponse   string    `json:"last_response,omitempty"`
	LastExchangeAt time.Time `json:"last_exchange_at,omitempty"`
}

// CommandRelay 命令中继
//
// 独占串口，逐条从队列取出命令：写入命令并等待一行非空应答后才处理下一条。
// 串口只在 Run 所在的协程中读写，因此不需要加锁。
type CommandRelay struct {
	config    *RelayConfig
	port      SerialPort
	queue     *queue.CommandQueue
	source    io.Reader
	reader    *bufio.Reader
	writer    *bufio.Writer
	observers []ExchangeObserver
	logger    *zap.Logger

	state   atomic.Int32
	relayed atomic.Uint64
	failed  atomic.Uint64

	lastMu sync.RWMutex
	last   *Exchange
}

// NewCommandRelay 创建命令中继，port 的所有权转移给中继
func NewCommandRelay(port SerialPort, q *queue.CommandQueue, config *RelayConfig) *CommandRelay {
	if config == nil {
		config = &RelayConfig{}
	}

	source := timeoutReader{port}
	return &CommandRelay{
		config: config,
		port:   port,
		queue:  q,
		source: source,
		reader: bufio.NewReader(source),
		writer: bufio.NewWriter(port),
		logger: logger.GetModuleLogger("serial"),
	}
}

// AddObserver 注册订阅者，必须在 Run 之前调用
func (r *CommandRelay) AddObserver(o ExchangeObserver) {
	r.observers = append(r.observers, o)
}

// Run 运行中继直到 ctx 结束或发生协议错误
//
// ctx 只在空闲等待时生效，正在进行的往返不会被打断，之后不再取新命令。
// 返回时关闭队列和串口，此后入队返回 ErrQueueClosed。
func (r *CommandRelay) Run(ctx context.Context) error {
	defer func() {
		r.queue.Close()
		r.setState(StateStopped)
		if err := r.port.Close(); err != nil {
			r.logger.Warn("关闭串口失败", zap.Error(err))
		}
	}()

	r.logger.Info("命令中继已启动", zap.String("device", r.config.Device))

	for {
		r.setState(StateIdle)

		cmd, err := r.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("命令中继已停止", zap.Int("pending", r.queue.Len()))
				return nil
			}
			return err
		}

		ex := r.exchange(cmd)
		r.publish(ex)

		if ex.Err != nil {
			return ex.Err
		}
	}
}

// exchange 写入一条命令并等待应答
func (r *CommandRelay) exchange(cmd queue.Command) *Exchange {
	ex := &Exchange{
		Device:    r.config.Device,
		Command:   cmd,
		StartedAt: time.Now(),
	}
	defer func() {
		ex.Duration = time.Since(ex.StartedAt)
	}()

	// 丢弃上一条命令残留的输入
	r.reader.Reset(r.source)

	r.setState(StateWriting)
	n, err := r.writer.WriteString(cmd.Text + CommandTerminator)
	if err == nil {
		err = r.writer.Flush()
	}
	ex.BytesWritten = n
	if err != nil {
		r.writer.Reset(r.port)
		ex.Err = errors.Wrapf(err, errors.ErrSerialPortWrite, "写入命令 %q 失败", cmd.Text)
		return ex
	}

	r.setState(StateAwaitingResponse)
	ex.Response, ex.ReadAttempts, ex.Err = r.readResponse()
	return ex
}

// readResponse 读取第一行非空应答
//
// 空行跳过；每次读超时计为一次尝试，超过 MaxReadAttempts 后返回 ErrSerialTimeout。
func (r *CommandRelay) readResponse() (string, int, error) {
	var line strings.Builder
	attempts := 0

	for {
		chunk, err := r.reader.ReadString('\n')
		line.WriteString(chunk)

		if err == nil {
			text := strings.TrimRight(line.String(), "\r\n")
			line.Reset()
			if strings.TrimSpace(text) == "" {
				continue
			}
			return text, attempts, nil
		}

		if !isReadTimeout(err) {
			return "", attempts, errors.Wrap(err, errors.ErrSerialPortRead)
		}

		attempts++
		if r.config.MaxReadAttempts > 0 && attempts >= r.config.MaxReadAttempts {
			return "", attempts, errors.Newf(errors.ErrSerialTimeout,
				"%d 次读取后仍无应答 (已收到 %q)", attempts, line.String())
		}
	}
}

// timeoutReader 把 0 字节且无错误的读取转换成 io.EOF
//
// tarm/serial 在 Windows 上超时返回 (0, nil)，bufio 会连续重试 100 次才报错，
// 转换后每次串口读超时都只计为一次尝试。
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// isReadTimeout 判断是否为串口读超时，tarm/serial 在 POSIX 上超时返回 io.EOF
func isReadTimeout(err error) bool {
	return err == io.EOF || os.IsTimeout(err)
}

// publish 记录并分发往返结果
func (r *CommandRelay) publish(ex *Exchange) {
	if ex.Err != nil {
		r.failed.Add(1)
	} else {
		r.relayed.Add(1)
	}

	r.lastMu.Lock()
	r.last = ex
	r.lastMu.Unlock()

	logger.LogSerialCommand(ex.Command.Text, ex.Response, ex.Duration, ex.Err)

	for _, o := range r.observers {
		o.OnExchange(ex)
	}
}

func (r *CommandRelay) setState(s RelayState) {
	r.state.Store(int32(s))
}

// State 当前状态
func (r *CommandRelay) State() RelayState {
	return RelayState(r.state.Load())
}

// Stats 获取统计信息
func (r *CommandRelay) Stats() RelayStats {
	stats := RelayStats{
		Device:  r.config.Device,
		State:   r.State().String(),
		Relayed: r.relayed.Load(),
		Failed:  r.failed.Load(),
	}

	r.lastMu.RLock()
	if r.last != nil {
		stats.LastCommand = r.last.Command.Text
		stats.LastResponse = r.last.Response
		stats.LastExchangeAt = r.last.StartedAt.Add(r.last.Duration)
	}
	r.lastMu.RUnlock()

	return stats
}
