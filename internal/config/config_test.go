package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 7878, c.Server.Port)
	assert.Equal(t, ":7878", c.Server.Addr())
	assert.Equal(t, "", c.Serial.Device)
	assert.Equal(t, "EiBotBoard", c.Serial.ProductMarker)
	assert.Equal(t, 9600, c.Serial.BaudRate)
	assert.Equal(t, time.Second, c.Serial.ReadTimeout)
	assert.Equal(t, time.Second, c.Serial.ScanInterval)
	assert.Equal(t, 0, c.Queue.MaxDepth)
	assert.Equal(t, "/ws/exchanges", c.WebSocket.Path)
}

func TestLoadFlagsOverride(t *testing.T) {
	flags := pflag.NewFlagSet("plotter-bridge", pflag.ContinueOnError)
	flags.IntP("port", "p", 7878, "")
	flags.StringP("device", "d", "", "")
	require.NoError(t, flags.Parse([]string{"-p", "9090", "--device", "/dev/ttyACM3"}))

	c, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "/dev/ttyACM3", c.Serial.Device)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PLOTTER_BRIDGE_SERIAL_PRODUCT_MARKER", "AxiDraw")
	t.Setenv("PLOTTER_BRIDGE_QUEUE_MAX_DEPTH", "128")

	c, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "AxiDraw", c.Serial.ProductMarker)
	assert.Equal(t, 128, c.Queue.MaxDepth)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	content := `
server:
  port: 8000
serial:
  device: COM4
  max_read_attempts: 5
database:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 8000, c.Server.Port)
	assert.Equal(t, "COM4", c.Serial.Device)
	assert.Equal(t, 5, c.Serial.MaxReadAttempts)
	assert.False(t, c.Database.Enabled)
	// 未覆盖的键保持默认值
	assert.Equal(t, 9600, c.Serial.BaudRate)
}

func TestValidate(t *testing.T) {
	base, err := Load("", nil)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"端口越界", func(c *Config) { c.Server.Port = 70000 }},
		{"波特率为零", func(c *Config) { c.Serial.BaudRate = 0 }},
		{"读取超时为零", func(c *Config) { c.Serial.ReadTimeout = 0 }},
		{"缺少产品标识", func(c *Config) { c.Serial.ProductMarker = "" }},
		{"队列深度为负", func(c *Config) { c.Queue.MaxDepth = -1 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	// 指定设备名时可以不设置产品标识
	c := *base
	c.Serial.Device = "/dev/ttyACM0"
	c.Serial.ProductMarker = ""
	assert.NoError(t, c.Validate())
}
