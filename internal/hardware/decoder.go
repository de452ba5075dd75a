package hardware

// Decode 把收到的帧转换成类型化事件
//
// 帧编号不在协议表中时返回 Unknown 且不读取任何参数；编号已知但参数不足或宽度不符时
// 同样返回 Unknown，并在 Reason 中给出原因。解码本身从不失败。
func (p *Protocol) Decode(f ReceivedFrame) Event {
	h := Header{ID: f.ID, Timestamp: f.Timestamp}
	kind, ok := p.events[f.ID]
	if !ok {
		return Unknown{Header: h, Args: f.Args}
	}

	ev, err := p.decodeKnown(kind, h, NewArgReader(f.Args))
	if err != nil {
		return Unknown{Header: h, Args: f.Args, Reason: err}
	}
	return ev
}

func (p *Protocol) decodeKnown(kind EventKind, h Header, r *ArgReader) (Event, error) {
	switch kind {
	case EvtGetInfoResult:
		manufacturer, err := r.Text()
		if err != nil {
			return nil, err
		}
		product, err := r.Text()
		if err != nil {
			return nil, err
		}
		version, err := r.Text()
		if err != nil {
			return nil, err
		}
		protocol, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		return DeviceInfo{Header: h, Manufacturer: manufacturer, Product: product, Version: version, ProtocolVersion: protocol}, nil

	case EvtCoinCounterResult:
		track, err := r.Byte()
		if err != nil {
			return nil, err
		}
		coins, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		return CoinCounterResult{Header: h, Track: track, Coins: coins}, nil

	case EvtKeyMasksResult:
		bits, err := r.ByteSeq()
		if err != nil {
			return nil, err
		}
		return KeyMasksResult{Header: h, Bits: bits}, nil

	case EvtKeysResult:
		bits, err := r.ByteSeq()
		if err != nil {
			return nil, err
		}
		return KeysResult{Header: h, Bits: bits}, nil

	case EvtWriteStorageResult:
		address, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		length, err := r.Byte()
		if err != nil {
			return nil, err
		}
		return WriteStorageResult{Header: h, Address: address, Length: length}, nil

	case EvtReadStorageResult:
		address, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		data, err := r.ByteSeq()
		if err != nil {
			return nil, err
		}
		return ReadStorageResult{Header: h, Address: address, Data: data}, nil

	case EvtDebug:
		msg, err := r.Text()
		if err != nil {
			return nil, err
		}
		return Debug{Header: h, Message: msg}, nil

	case EvtBoot:
		return Boot{Header: h}, nil

	case EvtError:
		devErr, err := p.decodeError(r)
		if err != nil {
			return nil, err
		}
		return ErrorEvent{Header: h, Err: devErr}, nil
	}
	return Unknown{Header: h, Args: r.args}, nil
}

// decodeError 按错误码二次分派
func (p *Protocol) decodeError(r *ArgReader) (DeviceError, error) {
	code, err := r.Byte()
	if err != nil {
		return nil, err
	}

	switch p.ErrorKindOf(code) {
	case ErrKindEjectInterrupted:
		track, coins, err := readTrackCoins(r)
		if err != nil {
			return nil, err
		}
		return EjectInterrupted{Track: track, CoinsFailed: coins}, nil

	case ErrKindEjectTimeout:
		track, coins, err := readTrackCoins(r)
		if err != nil {
			return nil, err
		}
		return EjectTimeout{Track: track, CoinsFailed: coins}, nil

	case ErrKindNotATrack:
		track, err := r.Byte()
		if err != nil {
			return nil, err
		}
		return NotATrack{Track: track}, nil

	case ErrKindNotACounter:
		counter, err := r.Byte()
		if err != nil {
			return nil, err
		}
		return NotACounter{Counter: counter}, nil

	case ErrKindProtectedStorage:
		address, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		return ProtectedStorage{Address: address}, nil

	case ErrKindTooLong:
		desired, err := r.Byte()
		if err != nil {
			return nil, err
		}
		requested, err := r.Byte()
		if err != nil {
			return nil, err
		}
		return TooLong{Desired: desired, Requested: requested}, nil

	case ErrKindUnknownCommand:
		id, err := r.Narrow()
		if err != nil {
			return nil, err
		}
		return UnknownCommand{CommandID: id}, nil

	default:
		// 未识别的错误码固定再读一个参数以保持帧对齐。
		// 这依赖设备对所有错误都只跟随一个字段，需要与实际固件核对。
		detail, err := r.Narrow()
		if err != nil {
			return nil, err
		}
		return UnknownError{Code: uint16(code), Detail: detail}, nil
	}
}

func readTrackCoins(r *ArgReader) (byte, byte, error) {
	track, err := r.Byte()
	if err != nil {
		return 0, 0, err
	}
	coins, err := r.Byte()
	if err != nil {
		return 0, 0, err
	}
	return track, coins, nil
}
