//go:build linux

package hardware

import (
	"os"

	"golang.org/x/sys/unix"
)

// clearDTR 通过 TIOCMBIC 清除 DTR
//
// 另开一个描述符做 ioctl，原描述符保持打开，关闭它不会触发挂断。
func clearDTR(name string) error {
	f, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.TIOCMBIC, unix.TIOCM_DTR)
}
