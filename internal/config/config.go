package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"` // 空字符串表示监听所有网卡
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin模式: debug/release/test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr 返回监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SerialConfig 串口配置
type SerialConfig struct {
	Device          string        `mapstructure:"device"`         // 指定设备名，为空时自动探测
	ProductMarker   string        `mapstructure:"product_marker"` // USB产品字符串标识
	BaudRate        int           `mapstructure:"baud_rate"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	MaxReadAttempts int           `mapstructure:"max_read_attempts"`
}

// QueueConfig 命令队列配置
type QueueConfig struct {
	MaxDepth int `mapstructure:"max_depth"` // 0 表示不限制
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Path            string `mapstructure:"path"`
	ReadBufferSize  int    `mapstructure:"read_buffer_size"`
	WriteBufferSize int    `mapstructure:"write_buffer_size"`
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

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// flagBindings 命令行参数与配置键的对应关系
var flagBindings = map[string]string{
	"port":   "server.port",
	"device": "serial.device",
}

// Init 初始化配置，flags 可为 nil
func Init(configPath string, flags *pflag.FlagSet) error {
	var err error
	once.Do(func() {
		v, cfg, err = load(configPath, flags)
	})

	return err
}

// Load 加载一份独立的配置（不影响全局实例）
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	_, c, err := load(configPath, flags)
	return c, err
}

func load(configPath string, flags *pflag.FlagSet) (*viper.Viper, *Config, error) {
	vp := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	// 设置环境变量前缀
	vp.SetEnvPrefix("PLOTTER_BRIDGE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	// 命令行参数优先级最高
	if flags != nil {
		for name, key := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := vp.BindPFlag(key, f); err != nil {
					return nil, nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := vp.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return vp, c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 7878)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("serial.device", "")
	v.SetDefault("serial.product_marker", "EiBotBoard")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.scan_interval", "1s")
	v.SetDefault("serial.max_read_attempts", 60)

	v.SetDefault("queue.max_depth", 0)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/plotter-bridge.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention_days", 30)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws/exchanges")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "plotter-bridge.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid serial.baud_rate: %d", c.Serial.BaudRate)
	}
	if c.Serial.ReadTimeout <= 0 {
		return fmt.Errorf("invalid serial.read_timeout: %s", c.Serial.ReadTimeout)
	}
	if c.Serial.ScanInterval <= 0 {
		return fmt.Errorf("invalid serial.scan_interval: %s", c.Serial.ScanInterval)
	}
	if c.Serial.Device == "" && c.Serial.ProductMarker == "" {
		return fmt.Errorf("serial.product_marker must be set when serial.device is empty")
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("invalid queue.max_depth: %d", c.Queue.MaxDepth)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
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
	v.WatchConfig()
}

// ConfigFileUsed 返回实际使用的配置文件
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
