package hardware

import (
	"github.com/wfunc/slot-iocard/internal/errors"
)

// maxSeqLength u8 长度前缀能表示的最大长度
const maxSeqLength = 255

// Command 已编码、可直接发送的命令
type Command struct {
	Kind CommandKind
	ID   byte
	Args []Arg
}

// Frame 转换为待发送帧
func (c Command) Frame() Frame {
	return Frame{ID: c.ID, Args: c.Args}
}

// Request 类型化的命令请求
type Request interface {
	Kind() CommandKind
	args() ([]Arg, error)
}

// DefaultPosition 命令的默认队列位置
//
// 打断设备动作或需要及时响应的命令放在队首，被动查询放在队尾。
func DefaultPosition(kind CommandKind) QueuePosition {
	switch kind {
	case CmdGetInfo, CmdGetKeys, CmdSetOutput, CmdReadStorage:
		return QueueBack
	default:
		return QueueFront
	}
}

// Ack 确认硬币计数上报
type Ack struct{}

// GetInfo 查询设备信息
type GetInfo struct{}

// GetKeyMasks 查询按键掩码
type GetKeyMasks struct{}

// GetKeys 查询按键状态
type GetKeys struct{}

// SetOutput 设置输出口，每个字节对应8路输出
type SetOutput struct {
	Outputs []byte
}

// GetCoinCounter 查询轨道计数
type GetCoinCounter struct {
	Track byte
}

// ResetCoinCounter 清零轨道计数
type ResetCoinCounter struct {
	Track byte
}

// TickAuditCounter 推进审计计数器
type TickAuditCounter struct {
	Counter byte
	Ticks   uint32
}

// EjectCoin 从出币轨道退出指定数量的硬币
type EjectCoin struct {
	Track byte
	Count byte
}

// SetTrackLevel 设置轨道信号的有效电平
type SetTrackLevel struct {
	Track byte
	Level ActiveLevel
}

// SetEjectTimeout 设置出币超时（毫秒）
type SetEjectTimeout struct {
	Track   byte
	Timeout uint32
}

// ReadStorage 读取存储区
type ReadStorage struct {
	Address uint16
	Length  byte
}

// WriteStorage 写入存储区
type WriteStorage struct {
	Address uint16
	Data    []byte
}

// Reboot 重启设备（仅 v2）
type Reboot struct{}

func (Ack) Kind() CommandKind              { return CmdAck }
func (GetInfo) Kind() CommandKind          { return CmdGetInfo }
func (GetKeyMasks) Kind() CommandKind      { return CmdGetKeyMasks }
func (GetKeys) Kind() CommandKind          { return CmdGetKeys }
func (SetOutput) Kind() CommandKind        { return CmdSetOutput }
func (GetCoinCounter) Kind() CommandKind   { return CmdGetCoinCounter }
func (ResetCoinCounter) Kind() CommandKind { return CmdResetCoinCounter }
func (TickAuditCounter) Kind() CommandKind { return CmdTickAuditCounter }
func (EjectCoin) Kind() CommandKind        { return CmdEjectCoin }
func (SetTrackLevel) Kind() CommandKind    { return CmdSetTrackLevel }
func (SetEjectTimeout) Kind() CommandKind  { return CmdSetEjectTimeout }
func (ReadStorage) Kind() CommandKind      { return CmdReadStorage }
func (WriteStorage) Kind() CommandKind     { return CmdWriteStorage }
func (Reboot) Kind() CommandKind           { return CmdReboot }

func (Ack) args() ([]Arg, error)         { return nil, nil }
func (GetInfo) args() ([]Arg, error)     { return nil, nil }
func (GetKeyMasks) args() ([]Arg, error) { return nil, nil }
func (GetKeys) args() ([]Arg, error)     { return nil, nil }
func (Reboot) args() ([]Arg, error)      { return nil, nil }

func (r SetOutput) args() ([]Arg, error) {
	return lengthPrefixed(nil, "outputs", r.Outputs)
}

func (r GetCoinCounter) args() ([]Arg, error) {
	return []Arg{ByteArg(r.Track)}, nil
}

func (r ResetCoinCounter) args() ([]Arg, error) {
	return []Arg{ByteArg(r.Track)}, nil
}

func (r TickAuditCounter) args() ([]Arg, error) {
	return []Arg{ByteArg(r.Counter), Uint32Arg(r.Ticks)}, nil
}

func (r EjectCoin) args() ([]Arg, error) {
	return []Arg{ByteArg(r.Track), ByteArg(r.Count)}, nil
}

func (r SetTrackLevel) args() ([]Arg, error) {
	if r.Level != LevelLow && r.Level != LevelHigh {
		return nil, errors.Newf(errors.ErrArgumentOutOfRange, "level=%d", r.Level)
	}
	return []Arg{ByteArg(r.Track), ByteArg(byte(r.Level))}, nil
}

func (r SetEjectTimeout) args() ([]Arg, error) {
	return []Arg{ByteArg(r.Track), Uint32Arg(r.Timeout)}, nil
}

func (r ReadStorage) args() ([]Arg, error) {
	return []Arg{Uint16Arg(r.Address), ByteArg(r.Length)}, nil
}

func (r WriteStorage) args() ([]Arg, error) {
	return lengthPrefixed([]Arg{Uint16Arg(r.Address)}, "data", r.Data)
}

// lengthPrefixed 追加 u8 长度前缀与逐字节参数，超过255字节直接失败而不截断
func lengthPrefixed(head []Arg, name string, data []byte) ([]Arg, error) {
	if len(data) > maxSeqLength {
		return nil, errors.Newf(errors.ErrArgumentOutOfRange, "%s 长度 %d 超过 %d", name, len(data), maxSeqLength)
	}
	out := make([]Arg, 0, len(head)+1+len(data))
	out = append(out, head...)
	out = append(out, ByteArg(byte(len(data))))
	for _, b := range data {
		out = append(out, ByteArg(b))
	}
	return out, nil
}

// Encode 按本协议版本编码命令请求
func (p *Protocol) Encode(req Request) (Command, error) {
	if req == nil {
		return Command{}, errors.New(errors.ErrMissingArgument, "request")
	}
	kind := req.Kind()
	id, ok := p.commands[kind]
	if !ok {
		return Command{}, errors.Newf(errors.ErrUnsupportedCommand, "%s 不在协议 %s 中", kind, p.Name)
	}
	args, err := req.args()
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, ID: id, Args: args}, nil
}
