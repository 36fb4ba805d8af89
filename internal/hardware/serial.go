package hardware

import (
	"fmt"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

// EnumeratePorts 枚举系统中的串口设备
func EnumeratePorts() ([]*PortDescriptor, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]*PortDescriptor, 0, len(details))
	for _, d := range details {
		ports = append(ports, &PortDescriptor{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// OpenSerialPort 以固定波特率和读超时打开串口
func OpenSerialPort(name string, config *LocatorConfig) (SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        config.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: config.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
