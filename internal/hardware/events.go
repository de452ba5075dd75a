package hardware

import (
	"fmt"
)

// Header 事件公共字段
type Header struct {
	ID        byte   // 帧编号，连接事件为0
	Timestamp uint64 // 设备相对毫秒数
}

// Meta 返回事件公共字段
func (h Header) Meta() Header { return h }

// Event 设备事件
//
// 具体类型为下列结构体之一，使用方通过 type switch 处理。
type Event interface {
	Meta() Header
	Name() string
	isEvent()
}

// Connected 连接建立
type Connected struct {
	Header
	Port     string
	BaudRate int
}

// Disconnected 连接断开，Err 为空表示主动断开
type Disconnected struct {
	Header
	Err error
}

// DeviceInfo GET_INFO_RESULT
type DeviceInfo struct {
	Header
	Manufacturer    string
	Product         string
	Version         string
	ProtocolVersion uint32
}

// CoinCounterResult COIN_COUNTER_RESULT
type CoinCounterResult struct {
	Header
	Track byte
	Coins uint32
}

// KeysResult KEYS_RESULT，第 i 字节第 b 位对应按键 i*8+b
type KeysResult struct {
	Header
	Bits []byte
}

// KeyMasksResult KEY_MASKS_RESULT，位为0表示该位置没有按键
type KeyMasksResult struct {
	Header
	Bits []byte
}

// WriteStorageResult WRITE_STORAGE_RESULT
type WriteStorageResult struct {
	Header
	Address uint16
	Length  byte
}

// ReadStorageResult READ_STORAGE_RESULT
type ReadStorageResult struct {
	Header
	Address uint16
	Data    []byte
}

// Debug 设备调试信息
type Debug struct {
	Header
	Message string
}

// ErrorEvent 设备上报的错误
type ErrorEvent struct {
	Header
	Err DeviceError
}

// Boot 设备重启完成（仅 v2）
type Boot struct {
	Header
}

// Unknown 无法识别或解析失败的帧
//
// Reason 为空表示帧编号不在协议表中；非空表示编号已知但参数不符合布局。
type Unknown struct {
	Header
	Args   []Arg
	Reason error
}

func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}
func (DeviceInfo) isEvent()         {}
func (CoinCounterResult) isEvent()  {}
func (KeysResult) isEvent()         {}
func (KeyMasksResult) isEvent()     {}
func (WriteStorageResult) isEvent() {}
func (ReadStorageResult) isEvent()  {}
func (Debug) isEvent()              {}
func (ErrorEvent) isEvent()         {}
func (Boot) isEvent()               {}
func (Unknown) isEvent()            {}

func (Connected) Name() string          { return "connected" }
func (Disconnected) Name() string       { return "disconnected" }
func (DeviceInfo) Name() string         { return "device_info" }
func (CoinCounterResult) Name() string  { return "coin_counter" }
func (KeysResult) Name() string         { return "keys" }
func (KeyMasksResult) Name() string     { return "key_masks" }
func (WriteStorageResult) Name() string { return "write_storage" }
func (ReadStorageResult) Name() string  { return "read_storage" }
func (Debug) Name() string              { return "debug" }
func (ErrorEvent) Name() string         { return "error" }
func (Boot) Name() string               { return "boot" }
func (Unknown) Name() string            { return "unknown" }

// DeviceError 设备错误，具体类型为下列结构体之一
type DeviceError interface {
	error
	Kind() ErrorKind
	isDeviceError()
}

// UnknownError 未识别的错误码，携带跟随的一个参数
type UnknownError struct {
	Code   uint16
	Detail uint16
}

// EjectInterrupted 出币被打断
type EjectInterrupted struct {
	Track       byte
	CoinsFailed byte
}

// EjectTimeout 出币超时
type EjectTimeout struct {
	Track       byte
	CoinsFailed byte
}

// NotATrack 轨道编号无效
type NotATrack struct {
	Track byte
}

// NotACounter 审计计数器编号无效
type NotACounter struct {
	Counter byte
}

// ProtectedStorage 写入受保护的存储地址
type ProtectedStorage struct {
	Address uint16
}

// TooLong 请求长度超过设备允许值
type TooLong struct {
	Desired   byte
	Requested byte
}

// UnknownCommand 设备不认识的命令编号
type UnknownCommand struct {
	CommandID uint16
}

func (UnknownError) Kind() ErrorKind     { return ErrKindUnknown }
func (EjectInterrupted) Kind() ErrorKind { return ErrKindEjectInterrupted }
func (EjectTimeout) Kind() ErrorKind     { return ErrKindEjectTimeout }
func (NotATrack) Kind() ErrorKind        { return ErrKindNotATrack }
func (NotACounter) Kind() ErrorKind      { return ErrKindNotACounter }
func (ProtectedStorage) Kind() ErrorKind { return ErrKindProtectedStorage }
func (TooLong) Kind() ErrorKind          { return ErrKindTooLong }
func (UnknownCommand) Kind() ErrorKind   { return ErrKindUnknownCommand }

func (UnknownError) isDeviceError()     {}
func (EjectInterrupted) isDeviceError() {}
func (EjectTimeout) isDeviceError()     {}
func (NotATrack) isDeviceError()        {}
func (NotACounter) isDeviceError()      {}
func (ProtectedStorage) isDeviceError() {}
func (TooLong) isDeviceError()          {}
func (UnknownCommand) isDeviceError()   {}

func (e UnknownError) Error() string {
	return fmt.Sprintf("unknown error 0x%02X (detail %d)", e.Code, e.Detail)
}

func (e EjectInterrupted) Error() string {
	return fmt.Sprintf("eject interrupted on track 0x%02X, %d coins failed", e.Track, e.CoinsFailed)
}

func (e EjectTimeout) Error() string {
	return fmt.Sprintf("eject timeout on track 0x%02X, %d coins failed", e.Track, e.CoinsFailed)
}

func (e NotATrack) Error() string {
	return fmt.Sprintf("0x%02X is not a track", e.Track)
}

func (e NotACounter) Error() string {
	return fmt.Sprintf("%d is not an audit counter", e.Counter)
}

func (e ProtectedStorage) Error() string {
	return fmt.Sprintf("storage address 0x%04X is protected", e.Address)
}

func (e TooLong) Error() string {
	return fmt.Sprintf("requested length %d exceeds %d", e.Requested, e.Desired)
}

func (e UnknownCommand) Error() string {
	return fmt.Sprintf("device does not know command 0x%02X", e.CommandID)
}

func (k ErrorKind) String() string {
	switch k {
	case ErrKindEjectInterrupted:
		return "eject_interrupted"
	case ErrKindEjectTimeout:
		return "eject_timeout"
	case ErrKindNotATrack:
		return "not_a_track"
	case ErrKindProtectedStorage:
		return "protected_storage"
	case ErrKindTooLong:
		return "too_long"
	case ErrKindNotACounter:
		return "not_a_counter"
	case ErrKindUnknownCommand:
		return "unknown_command"
	default:
		return "unknown_error"
	}
}

// ErrorFields 设备错误的扁平表示
func ErrorFields(e DeviceError) map[string]interface{} {
	fields := map[string]interface{}{"kind": e.Kind().String()}
	switch v := e.(type) {
	case UnknownError:
		fields["code"] = v.Code
		fields["detail"] = v.Detail
	case EjectInterrupted:
		fields["track"] = v.Track
		fields["coins_failed"] = v.CoinsFailed
	case EjectTimeout:
		fields["track"] = v.Track
		fields["coins_failed"] = v.CoinsFailed
	case NotATrack:
		fields["track"] = v.Track
	case NotACounter:
		fields["counter"] = v.Counter
	case ProtectedStorage:
		fields["address"] = v.Address
	case TooLong:
		fields["desired"] = v.Desired
		fields["requested"] = v.Requested
	case UnknownCommand:
		fields["command_id"] = v.CommandID
	}
	return fields
}

// EventFields 事件的扁平表示，供事件日志、WebSocket 与 MQTT 使用
func EventFields(ev Event) map[string]interface{} {
	fields := map[string]interface{}{}
	switch v := ev.(type) {
	case Connected:
		fields["port"] = v.Port
		fields["baud_rate"] = v.BaudRate
	case Disconnected:
		if v.Err != nil {
			fields["error"] = v.Err.Error()
		}
	case DeviceInfo:
		fields["manufacturer"] = v.Manufacturer
		fields["product"] = v.Product
		fields["version"] = v.Version
		fields["protocol_version"] = v.ProtocolVersion
	case CoinCounterResult:
		fields["track"] = v.Track
		fields["coins"] = v.Coins
	case KeysResult:
		fields["bits"] = intSlice(v.Bits)
	case KeyMasksResult:
		fields["bits"] = intSlice(v.Bits)
	case WriteStorageResult:
		fields["address"] = v.Address
		fields["length"] = v.Length
	case ReadStorageResult:
		fields["address"] = v.Address
		fields["data"] = intSlice(v.Data)
	case Debug:
		fields["message"] = v.Message
	case ErrorEvent:
		for k, val := range ErrorFields(v.Err) {
			fields[k] = val
		}
	case Unknown:
		fields["args"] = len(v.Args)
		if v.Reason != nil {
			fields["reason"] = v.Reason.Error()
		}
	}
	return fields
}

// intSlice 避免 []byte 被 JSON 编码成 base64
func intSlice(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
