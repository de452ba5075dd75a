package hardware

import (
	"encoding/binary"

	"github.com/wfunc/slot-iocard/internal/errors"
)

// Arg 帧中的一个二进制参数
type Arg []byte

// ByteArg 单字节参数
func ByteArg(v byte) Arg {
	return Arg{v}
}

// Uint16Arg 小端序 uint16 参数
func Uint16Arg(v uint16) Arg {
	b := make(Arg, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// Uint32Arg 小端序 uint32 参数
func Uint32Arg(v uint32) Arg {
	b := make(Arg, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// StringArg 字符串参数
func StringArg(s string) Arg {
	return Arg(s)
}

// Frame 待发送的帧：编号加有序参数
type Frame struct {
	ID   byte
	Args []Arg
}

// Payload 按顺序拼接全部参数字节
func (f Frame) Payload() []byte {
	n := 0
	for _, a := range f.Args {
		n += len(a)
	}
	out := make([]byte, 0, n)
	for _, a := range f.Args {
		out = append(out, a...)
	}
	return out
}

// ReceivedFrame 编解码器解析出的一帧
//
// Timestamp 是连接建立后的设备相对毫秒数，只用于展示，不能用于排序。
type ReceivedFrame struct {
	ID        byte
	Args      []Arg
	Timestamp uint64
}

// ArgReader 按顺序读取帧参数，每次读取消费一个参数并校验宽度
type ArgReader struct {
	args []Arg
	pos  int
}

// NewArgReader 创建参数读取器
func NewArgReader(args []Arg) *ArgReader {
	return &ArgReader{args: args}
}

// Remaining 剩余未读参数个数
func (r *ArgReader) Remaining() int {
	return len(r.args) - r.pos
}

func (r *ArgReader) next(what string) (Arg, error) {
	if r.pos >= len(r.args) {
		return nil, errors.Newf(errors.ErrMalformedFrame, "参数 #%d (%s) 缺失", r.pos, what)
	}
	a := r.args[r.pos]
	r.pos++
	return a, nil
}

func (r *ArgReader) fixed(what string, width int) (Arg, error) {
	a, err := r.next(what)
	if err != nil {
		return nil, err
	}
	if len(a) != width {
		return nil, errors.Newf(errors.ErrMalformedFrame, "参数 #%d (%s) 长度 %d，期望 %d", r.pos-1, what, len(a), width)
	}
	return a, nil
}

// Byte 读取一个 u8 参数
func (r *ArgReader) Byte() (byte, error) {
	a, err := r.fixed("u8", 1)
	if err != nil {
		return 0, err
	}
	return a[0], nil
}

// Uint16 读取一个小端序 u16 参数
func (r *ArgReader) Uint16() (uint16, error) {
	a, err := r.fixed("u16", 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(a), nil
}

// Uint32 读取一个小端序 u32 参数
func (r *ArgReader) Uint32() (uint32, error) {
	a, err := r.fixed("u32", 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(a), nil
}

// Narrow 读取一个 u8 或 u16 参数并扩展为 u16
//
// 固件对未知命令编号以及未识别的错误码只跟随一个字节，旧版本驱动按 u16 读取。
// 两种宽度都接受，保证一个参数恰好被消费一次。
func (r *ArgReader) Narrow() (uint16, error) {
	a, err := r.next("u8/u16")
	if err != nil {
		return 0, err
	}
	switch len(a) {
	case 1:
		return uint16(a[0]), nil
	case 2:
		return binary.LittleEndian.Uint16(a), nil
	default:
		return 0, errors.Newf(errors.ErrMalformedFrame, "参数 #%d (u8/u16) 长度 %d", r.pos-1, len(a))
	}
}

// Text 读取一个字符串参数
func (r *ArgReader) Text() (string, error) {
	a, err := r.next("string")
	if err != nil {
		return "", err
	}
	return string(a), nil
}

// ByteSeq 读取一个 u8 长度前缀，随后读取对应个数的 u8 参数
func (r *ArgReader) ByteSeq() ([]byte, error) {
	n, err := r.Byte()
	if err != nil {
		return nil, err
	}
	return r.Bytes(int(n))
}

// Bytes 读取 n 个 u8 参数
func (r *ArgReader) Bytes(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := r.Byte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
