package hardware

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wfunc/slot-iocard/internal/errors"
)

// CommandKind 命令语义类型，与具体协议版本的数值无关
type CommandKind int

const (
	CmdAck CommandKind = iota
	CmdGetInfo
	CmdGetKeyMasks
	CmdGetKeys
	CmdSetOutput
	CmdGetCoinCounter
	CmdResetCoinCounter
	CmdTickAuditCounter
	CmdEjectCoin
	CmdSetTrackLevel
	CmdSetEjectTimeout
	CmdReadStorage
	CmdWriteStorage
	CmdReboot
)

var commandNames = map[CommandKind]string{
	CmdAck:              "ACK",
	CmdGetInfo:          "GET_INFO",
	CmdGetKeyMasks:      "GET_KEY_MASKS",
	CmdGetKeys:          "GET_KEYS",
	CmdSetOutput:        "SET_OUTPUT",
	CmdGetCoinCounter:   "GET_COIN_COUNTER",
	CmdResetCoinCounter: "RESET_COIN_COUNTER",
	CmdTickAuditCounter: "TICK_AUDIT_COUNTER",
	CmdEjectCoin:        "EJECT_COIN",
	CmdSetTrackLevel:    "SET_TRACK_LEVEL",
	CmdSetEjectTimeout:  "SET_EJECT_TIMEOUT",
	CmdReadStorage:      "READ_STORAGE",
	CmdWriteStorage:     "WRITE_STORAGE",
	CmdReboot:           "REBOOT",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND(%d)", int(k))
}

// ParseCommandKind 按名称解析命令类型，不区分大小写
func ParseCommandKind(name string) (CommandKind, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for kind, n := range commandNames {
		if n == upper {
			return kind, nil
		}
	}
	return 0, errors.Newf(errors.ErrInvalidParam, "未知命令: %s", name)
}

// EventKind 事件语义类型
type EventKind int

const (
	EvtGetInfoResult EventKind = iota
	EvtKeyMasksResult
	EvtKeysResult
	EvtCoinCounterResult
	EvtReadStorageResult
	EvtWriteStorageResult
	EvtBoot
	EvtDebug
	EvtError
)

// ErrorKind 设备错误码的语义类型
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindEjectInterrupted
	ErrKindEjectTimeout
	ErrKindNotATrack
	ErrKindProtectedStorage
	ErrKindTooLong
	ErrKindNotACounter
	ErrKindUnknownCommand
)

// QueuePosition 发送队列优先级
type QueuePosition int

const (
	// QueueBack 普通查询，排在队尾
	QueueBack QueuePosition = iota
	// QueueFront 时延敏感或需要打断设备动作的命令
	QueueFront
)

func (p QueuePosition) String() string {
	if p == QueueFront {
		return "front"
	}
	return "back"
}

// ParseQueuePosition 解析 "front" / "back"
func ParseQueuePosition(s string) (QueuePosition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front":
		return QueueFront, nil
	case "back":
		return QueueBack, nil
	default:
		return QueueBack, errors.Newf(errors.ErrInvalidParam, "未知队列位置: %s", s)
	}
}

// ActiveLevel 轨道信号有效电平
type ActiveLevel byte

const (
	LevelLow  ActiveLevel = 0
	LevelHigh ActiveLevel = 1
)

// TrackKind 轨道类别
type TrackKind int

const (
	TrackUnknown TrackKind = iota
	TrackCoinInsert
	TrackBanknoteInsert
	TrackCoinEject
)

func (k TrackKind) String() string {
	switch k {
	case TrackCoinInsert:
		return "coin_insert"
	case TrackBanknoteInsert:
		return "banknote_insert"
	case TrackCoinEject:
		return "coin_eject"
	default:
		return "unknown"
	}
}

// TrackRange 一段连续的轨道编号
type TrackRange struct {
	Kind  TrackKind
	First byte
	Last  byte
}

// Protocol 一个固件协议版本的编号表
//
// 各版本的命令集合在语义上一致，差别只在数值编号、可选命令以及轨道编号布局。
// 连接时选定一个版本，编码与解码都通过它查表完成。
type Protocol struct {
	Name            string
	DefaultBaudRate int

	commands map[CommandKind]byte
	events   map[byte]EventKind
	errors   map[byte]ErrorKind
	tracks   []TrackRange
}

// CommandID 返回命令在本版本中的编号
func (p *Protocol) CommandID(kind CommandKind) (byte, bool) {
	id, ok := p.commands[kind]
	return id, ok
}

// CommandKindOf 按编号反查命令类型
func (p *Protocol) CommandKindOf(id byte) (CommandKind, bool) {
	for kind, cid := range p.commands {
		if cid == id {
			return kind, true
		}
	}
	return 0, false
}

// Supports 判断本版本是否支持该命令
func (p *Protocol) Supports(kind CommandKind) bool {
	_, ok := p.commands[kind]
	return ok
}

// Commands 返回本版本支持的命令，按类型排序
func (p *Protocol) Commands() []CommandKind {
	kinds := make([]CommandKind, 0, len(p.commands))
	for kind := range p.commands {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// EventKindOf 按帧编号查找事件类型
func (p *Protocol) EventKindOf(id byte) (EventKind, bool) {
	kind, ok := p.events[id]
	return kind, ok
}

// ErrorKindOf 按错误码查找错误类型，未知错误码返回 ErrKindUnknown
func (p *Protocol) ErrorKindOf(code byte) ErrorKind {
	if kind, ok := p.errors[code]; ok {
		return kind
	}
	return ErrKindUnknown
}

// ErrorCode 返回错误类型在本版本中的编号
func (p *Protocol) ErrorCode(kind ErrorKind) (byte, bool) {
	for code, k := range p.errors {
		if k == kind {
			return code, true
		}
	}
	return 0, false
}

// EventID 返回事件类型在本版本中的帧编号
func (p *Protocol) EventID(kind EventKind) (byte, bool) {
	for id, k := range p.events {
		if k == kind {
			return id, true
		}
	}
	return 0, false
}

// TrackKind 判断轨道编号所属的类别
func (p *Protocol) TrackKind(track byte) TrackKind {
	for _, r := range p.tracks {
		if track >= r.First && track <= r.Last {
			return r.Kind
		}
	}
	return TrackUnknown
}

// Tracks 返回轨道编号布局
func (p *Protocol) Tracks() []TrackRange {
	out := make([]TrackRange, len(p.tracks))
	copy(out, p.tracks)
	return out
}

func baseCommands() map[CommandKind]byte {
	return map[CommandKind]byte{
		CmdAck:              0x00,
		CmdGetInfo:          0x01,
		CmdGetKeyMasks:      0x02,
		CmdGetKeys:          0x10,
		CmdSetOutput:        0x11,
		CmdGetCoinCounter:   0x20,
		CmdResetCoinCounter: 0x21,
		CmdTickAuditCounter: 0x30,
		CmdEjectCoin:        0x40,
		CmdSetTrackLevel:    0x41,
		CmdSetEjectTimeout:  0x42,
		CmdReadStorage:      0x50,
		CmdWriteStorage:     0x58,
	}
}

func baseEvents() map[byte]EventKind {
	return map[byte]EventKind{
		0x01: EvtGetInfoResult,
		0x02: EvtKeyMasksResult,
		0x10: EvtKeysResult,
		0x20: EvtCoinCounterResult,
		0x50: EvtReadStorageResult,
		0x58: EvtWriteStorageResult,
		0xFE: EvtDebug,
		0xFF: EvtError,
	}
}

// 0x07 OUT_OF_RANGE 固件中有定义但从不发送，也没有参数布局，按未知错误解码
func baseErrors() map[byte]ErrorKind {
	return map[byte]ErrorKind{
		0x00: ErrKindUnknown,
		0x01: ErrKindEjectInterrupted,
		0x02: ErrKindEjectTimeout,
		0x03: ErrKindNotATrack,
		0x04: ErrKindProtectedStorage,
		0x05: ErrKindTooLong,
		0x06: ErrKindNotACounter,
		0xFF: ErrKindUnknownCommand,
	}
}

// ProtocolV1 上位机驱动使用的协议版本，轨道编号连续分段
var ProtocolV1 = newProtocolV1()

// ProtocolV2 较新固件的协议版本，增加 REBOOT 命令和 BOOT 事件
var ProtocolV2 = newProtocolV2()

func newProtocolV1() *Protocol {
	return &Protocol{
		Name:            "v1",
		DefaultBaudRate: 115200,
		commands:        baseCommands(),
		events:          baseEvents(),
		errors:          baseErrors(),
		tracks: []TrackRange{
			{Kind: TrackCoinInsert, First: 0x00, Last: 0x7F},
			{Kind: TrackBanknoteInsert, First: 0x80, Last: 0xBF},
			{Kind: TrackCoinEject, First: 0xC0, Last: 0xFF},
		},
	}
}

func newProtocolV2() *Protocol {
	p := &Protocol{
		Name:            "v2",
		DefaultBaudRate: 250000,
		commands:        baseCommands(),
		events:          baseEvents(),
		errors:          baseErrors(),
		tracks: []TrackRange{
			{Kind: TrackCoinInsert, First: 0x00, Last: 0x02},
			{Kind: TrackBanknoteInsert, First: 0x40, Last: 0x40},
			{Kind: TrackCoinEject, First: 0x80, Last: 0x80},
		},
	}
	p.commands[CmdReboot] = 0xFF
	p.events[0x80] = EvtBoot
	return p
}

var protocols = map[string]*Protocol{
	ProtocolV1.Name: ProtocolV1,
	ProtocolV2.Name: ProtocolV2,
}

// LookupProtocol 按名称查找协议版本
func LookupProtocol(name string) (*Protocol, error) {
	if p, ok := protocols[strings.ToLower(name)]; ok {
		return p, nil
	}
	return nil, errors.Newf(errors.ErrUnknownProtocol, "protocol=%q", name)
}
