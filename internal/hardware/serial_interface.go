package hardware

import (
	"io"
	"os"
	"time"

	"github.com/tarm/serial"
)

// SerialPort 串口接口（用于测试）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
	// ClearDTR 拉低 DTR
	ClearDTR() error
}

// PortOpener 打开串口的函数
type PortOpener func(name string, baud int, readTimeout time.Duration) (SerialPort, error)

// ttyPort tarm/serial 串口加上调制解调器控制线操作
type ttyPort struct {
	*serial.Port
	name string
}

func (p *ttyPort) ClearDTR() error {
	return clearDTR(p.name)
}

// OpenSerialPort 以 8N1 打开串口
//
// Linux 打开 tty 时内核会拉高 DTR 和 RTS，tarm/serial 没有控制线接口，
// 打开后需要调用 ClearDTR 把 DTR 拉低。
func OpenSerialPort(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &ttyPort{Port: port, name: name}, nil
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
