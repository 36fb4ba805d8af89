package hardware

import "io"

// SerialPort 串口接口（用于测试）
//
// 同一时刻只能由一个所有者持有；github.com/tarm/serial 的 *serial.Port 满足该接口。
type SerialPort interface {
	io.ReadWriteCloser
}
