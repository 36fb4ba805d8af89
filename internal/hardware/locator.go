package hardware

import (
	"context"
	"strings"
	"time"

	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/logger"
	"go.uber.org/zap"
)

// PortDescriptor 枚举得到的候选串口
type PortDescriptor struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortEnumerator 枚举串口
type PortEnumerator func() ([]*PortDescriptor, error)

// PortOpener 打开串口
type PortOpener func(name string, config *LocatorConfig) (SerialPort, error)

// LocatorConfig 设备探测配置
type LocatorConfig struct {
	Device        string        // 指定设备名，精确匹配
	ProductMarker string        // 自动探测时USB产品字符串需包含的标识
	BaudRate      int           // 波特率
	ReadTimeout   time.Duration // 读取超时
	ScanInterval  time.Duration // 两次扫描间隔
}

// DefaultLocatorConfig 默认配置
func DefaultLocatorConfig() *LocatorConfig {
	return &LocatorConfig{
		ProductMarker: "EiBotBoard",
		BaudRate:      9600,
		ReadTimeout:   time.Second,
		ScanInterval:  time.Second,
	}
}

// DeviceLocator 控制板串口探测器
type DeviceLocator struct {
	config    *LocatorConfig
	enumerate PortEnumerator
	open      PortOpener
	logger    *zap.Logger
}

// NewDeviceLocator 创建设备探测器
func NewDeviceLocator(config *LocatorConfig) *DeviceLocator {
	if config == nil {
		config = DefaultLocatorConfig()
	}

	return &DeviceLocator{
		config:    config,
		enumerate: EnumeratePorts,
		open:      OpenSerialPort,
		logger:    logger.GetModuleLogger("serial"),
	}
}

// SetEnumerator 替换枚举实现
func (l *DeviceLocator) SetEnumerator(fn PortEnumerator) {
	l.enumerate = fn
}

// SetOpener 替换打开实现
func (l *DeviceLocator) SetOpener(fn PortOpener) {
	l.open = fn
}

// MatchPort 从候选列表中选出目标串口
//
// 指定 device 时只按名称精确匹配；否则选择第一个产品字符串包含 marker 的USB串口。
func MatchPort(ports []*PortDescriptor, device string, marker string) *PortDescriptor {
	for _, p := range ports {
		if p == nil {
			continue
		}
		if device != "" {
			if p.Name == device {
				return p
			}
			continue
		}
		if p.IsUSB && marker != "" && strings.Contains(p.Product, marker) {
			return p
		}
	}
	return nil
}

// Scan 扫描一次，没有匹配时返回 nil
func (l *DeviceLocator) Scan() *PortDescriptor {
	ports, err := l.enumerate()
	if err != nil {
		// 枚举失败按没有设备处理
		l.logger.Debug("枚举串口失败", zap.Error(err))
		return nil
	}
	return MatchPort(ports, l.config.Device, l.config.ProductMarker)
}

// Locate 阻塞直到找到并打开目标串口
//
// 找不到设备时按 ScanInterval 无限重试，ctx 结束时返回 ErrCanceled；
// 找到设备但打开失败时返回 ErrSerialPortOpen。
func (l *DeviceLocator) Locate(ctx context.Context) (SerialPort, *PortDescriptor, error) {
	l.logger.Info("等待串口连接...",
		zap.String("device", l.config.Device),
		zap.String("product_marker", l.config.ProductMarker))

	attempts := 0
	for {
		attempts++
		if desc := l.Scan(); desc != nil {
			port, err := l.open(desc.Name, l.config)
			if err != nil {
				return nil, desc, errors.Wrapf(err, errors.ErrSerialPortOpen, "无法打开串口 %s", desc.Name)
			}

			l.logger.Info("串口连接成功",
				zap.String("port", desc.Name),
				zap.String("product", desc.Product),
				zap.Int("baud_rate", l.config.BaudRate),
				zap.Int("attempts", attempts))
			return port, desc, nil
		}

		timer := time.NewTimer(l.config.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, errors.Wrap(ctx.Err(), errors.ErrCanceled, "设备探测已取消")
		case <-timer.C:
		}
	}
}
