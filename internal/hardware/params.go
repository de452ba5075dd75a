package hardware

import (
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/wfunc/slot-iocard/internal/errors"
)

// BuildRequest 由松散类型的参数表构造命令请求，供 HTTP 与 MQTT 入口使用
//
// 数值参数接受 JSON 解码出的 float64、各种整数类型、json.Number 以及十进制或 0x 前缀的字符串。
// 缺少必需参数返回 ErrMissingArgument，超出位宽返回 ErrArgumentOutOfRange。
func BuildRequest(kind CommandKind, params map[string]interface{}) (Request, error) {
	p := paramSet(params)
	switch kind {
	case CmdAck:
		return Ack{}, nil
	case CmdGetInfo:
		return GetInfo{}, nil
	case CmdGetKeyMasks:
		return GetKeyMasks{}, nil
	case CmdGetKeys:
		return GetKeys{}, nil
	case CmdReboot:
		return Reboot{}, nil
	case CmdSetOutput:
		outputs, err := p.bytes("outputs")
		if err != nil {
			return nil, err
		}
		return SetOutput{Outputs: outputs}, nil
	case CmdGetCoinCounter:
		track, err := p.u8("track")
		if err != nil {
			return nil, err
		}
		return GetCoinCounter{Track: track}, nil
	case CmdResetCoinCounter:
		track, err := p.u8("track")
		if err != nil {
			return nil, err
		}
		return ResetCoinCounter{Track: track}, nil
	case CmdTickAuditCounter:
		counter, err := p.u8("counter")
		if err != nil {
			return nil, err
		}
		ticks, err := p.u32("ticks")
		if err != nil {
			return nil, err
		}
		return TickAuditCounter{Counter: counter, Ticks: ticks}, nil
	case CmdEjectCoin:
		track, err := p.u8("track")
		if err != nil {
			return nil, err
		}
		count, err := p.u8("count")
		if err != nil {
			return nil, err
		}
		return EjectCoin{Track: track, Count: count}, nil
	case CmdSetTrackLevel:
		track, err := p.u8("track")
		if err != nil {
			return nil, err
		}
		level, err := p.level("level")
		if err != nil {
			return nil, err
		}
		return SetTrackLevel{Track: track, Level: level}, nil
	case CmdSetEjectTimeout:
		track, err := p.u8("track")
		if err != nil {
			return nil, err
		}
		timeout, err := p.u32("timeout")
		if err != nil {
			return nil, err
		}
		return SetEjectTimeout{Track: track, Timeout: timeout}, nil
	case CmdReadStorage:
		address, err := p.u16("address")
		if err != nil {
			return nil, err
		}
		length, err := p.u8("length")
		if err != nil {
			return nil, err
		}
		return ReadStorage{Address: address, Length: length}, nil
	case CmdWriteStorage:
		address, err := p.u16("address")
		if err != nil {
			return nil, err
		}
		data, err := p.bytes("data")
		if err != nil {
			return nil, err
		}
		return WriteStorage{Address: address, Data: data}, nil
	default:
		return nil, errors.Newf(errors.ErrUnsupportedCommand, "%s", kind)
	}
}

type paramSet map[string]interface{}

func (p paramSet) get(name string) (interface{}, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return nil, errors.New(errors.ErrMissingArgument, name)
	}
	return v, nil
}

func (p paramSet) uint(name string, max uint64) (uint64, error) {
	v, err := p.get(name)
	if err != nil {
		return 0, err
	}
	n, err := toUint(name, v)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, errors.Newf(errors.ErrArgumentOutOfRange, "%s=%d 超过 %d", name, n, max)
	}
	return n, nil
}

func (p paramSet) u8(name string) (byte, error) {
	n, err := p.uint(name, math.MaxUint8)
	return byte(n), err
}

func (p paramSet) u16(name string) (uint16, error) {
	n, err := p.uint(name, math.MaxUint16)
	return uint16(n), err
}

func (p paramSet) u32(name string) (uint32, error) {
	n, err := p.uint(name, math.MaxUint32)
	return uint32(n), err
}

func (p paramSet) level(name string) (ActiveLevel, error) {
	v, err := p.get(name)
	if err != nil {
		return 0, err
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(s) {
		case "low":
			return LevelLow, nil
		case "high":
			return LevelHigh, nil
		}
	}
	n, err := p.uint(name, 1)
	return ActiveLevel(n), err
}

// bytes 接受数值数组、[]byte 或十六进制字符串
func (p paramSet) bytes(name string) ([]byte, error) {
	v, err := p.get(name)
	if err != nil {
		return nil, err
	}
	var out []byte
	switch t := v.(type) {
	case []byte:
		out = t
	case string:
		out, err = hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(t, " ", ""), "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrInvalidParam, "%s 不是十六进制字符串", name)
		}
	case []interface{}:
		out = make([]byte, len(t))
		for i, e := range t {
			n, err := toUint(name, e)
			if err != nil {
				return nil, err
			}
			if n > math.MaxUint8 {
				return nil, errors.Newf(errors.ErrArgumentOutOfRange, "%s[%d]=%d 超过 255", name, i, n)
			}
			out[i] = byte(n)
		}
	default:
		return nil, errors.Newf(errors.ErrInvalidParam, "%s 类型 %T 不支持", name, v)
	}
	if len(out) > maxSeqLength {
		return nil, errors.Newf(errors.ErrArgumentOutOfRange, "%s 长度 %d 超过 %d", name, len(out), maxSeqLength)
	}
	return out, nil
}

func toUint(name string, v interface{}) (uint64, error) {
	switch t := v.(type) {
	case float64:
		if t < 0 || t != math.Trunc(t) || t > math.MaxUint32 {
			return 0, errors.Newf(errors.ErrArgumentOutOfRange, "%s=%v", name, t)
		}
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, errors.Newf(errors.ErrArgumentOutOfRange, "%s=%d", name, t)
		}
		return uint64(t), nil
	case int64:
		if t < 0 {
			return 0, errors.Newf(errors.ErrArgumentOutOfRange, "%s=%d", name, t)
		}
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	case json.Number:
		return toUint(name, string(t))
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 0, 64)
		if err != nil {
			return 0, errors.Wrapf(err, errors.ErrInvalidParam, "%s=%q 不是整数", name, t)
		}
		return n, nil
	default:
		return 0, errors.Newf(errors.ErrInvalidParam, "%s 类型 %T 不支持", name, v)
	}
}
