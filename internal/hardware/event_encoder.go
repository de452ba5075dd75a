package hardware

import (
	"github.com/wfunc/slot-iocard/internal/errors"
)

// EncodeEvent 把事件编码成设备侧会发出的帧，用于模拟器与测试
func (p *Protocol) EncodeEvent(ev Event) (Frame, error) {
	var kind EventKind
	var args []Arg
	var err error

	switch v := ev.(type) {
	case DeviceInfo:
		kind = EvtGetInfoResult
		args = []Arg{StringArg(v.Manufacturer), StringArg(v.Product), StringArg(v.Version), Uint32Arg(v.ProtocolVersion)}
	case CoinCounterResult:
		kind = EvtCoinCounterResult
		args = []Arg{ByteArg(v.Track), Uint32Arg(v.Coins)}
	case KeyMasksResult:
		kind = EvtKeyMasksResult
		args, err = lengthPrefixed(nil, "masks", v.Bits)
	case KeysResult:
		kind = EvtKeysResult
		args, err = lengthPrefixed(nil, "keys", v.Bits)
	case WriteStorageResult:
		kind = EvtWriteStorageResult
		args = []Arg{Uint16Arg(v.Address), ByteArg(v.Length)}
	case ReadStorageResult:
		kind = EvtReadStorageResult
		args, err = lengthPrefixed([]Arg{Uint16Arg(v.Address)}, "data", v.Data)
	case Debug:
		kind = EvtDebug
		args = []Arg{StringArg(v.Message)}
	case Boot:
		kind = EvtBoot
	case ErrorEvent:
		kind = EvtError
		args, err = p.encodeDeviceError(v.Err)
	default:
		return Frame{}, errors.Newf(errors.ErrInvalidParam, "事件 %s 没有线上表示", ev.Name())
	}
	if err != nil {
		return Frame{}, err
	}

	id, ok := p.EventID(kind)
	if !ok {
		return Frame{}, errors.Newf(errors.ErrUnsupportedCommand, "事件 %s 不在协议 %s 中", ev.Name(), p.Name)
	}
	return Frame{ID: id, Args: args}, nil
}

func (p *Protocol) encodeDeviceError(e DeviceError) ([]Arg, error) {
	if e == nil {
		return nil, errors.New(errors.ErrMissingArgument, "error")
	}
	if u, ok := e.(UnknownError); ok {
		if u.Code > 0xFF || u.Detail > 0xFF {
			return nil, errors.Newf(errors.ErrArgumentOutOfRange, "unknown error code=%d detail=%d", u.Code, u.Detail)
		}
		return []Arg{ByteArg(byte(u.Code)), ByteArg(byte(u.Detail))}, nil
	}

	code, ok := p.ErrorCode(e.Kind())
	if !ok {
		return nil, errors.Newf(errors.ErrUnsupportedCommand, "错误 %s 不在协议 %s 中", e.Kind(), p.Name)
	}
	head := ByteArg(code)
	switch v := e.(type) {
	case EjectInterrupted:
		return []Arg{head, ByteArg(v.Track), ByteArg(v.CoinsFailed)}, nil
	case EjectTimeout:
		return []Arg{head, ByteArg(v.Track), ByteArg(v.CoinsFailed)}, nil
	case NotATrack:
		return []Arg{head, ByteArg(v.Track)}, nil
	case NotACounter:
		return []Arg{head, ByteArg(v.Counter)}, nil
	case ProtectedStorage:
		return []Arg{head, Uint16Arg(v.Address)}, nil
	case TooLong:
		return []Arg{head, ByteArg(v.Desired), ByteArg(v.Requested)}, nil
	case UnknownCommand:
		if v.CommandID > 0xFF {
			return nil, errors.Newf(errors.ErrArgumentOutOfRange, "command_id=%d", v.CommandID)
		}
		return []Arg{head, ByteArg(byte(v.CommandID))}, nil
	}
	return nil, errors.Newf(errors.ErrInvalidParam, "未知的设备错误类型 %T", e)
}
