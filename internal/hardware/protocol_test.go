package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/slot-iocard/internal/errors"
)

func argsOf(bs ...[]byte) []Arg {
	out := make([]Arg, len(bs))
	for i, b := range bs {
		out[i] = Arg(b)
	}
	return out
}

func TestEncodeCommands(t *testing.T) {
	t.Run("写存储区编码", func(t *testing.T) {
		cmd, err := ProtocolV1.Encode(WriteStorage{Address: 0x0100, Data: []byte{0x12, 0x34, 0x56}})
		require.NoError(t, err)
		assert.Equal(t, byte(0x58), cmd.ID)
		assert.Equal(t, CmdWriteStorage, cmd.Kind)
		assert.Equal(t, []byte{0x00, 0x01, 0x03, 0x12, 0x34, 0x56}, cmd.Frame().Payload())
		assert.Len(t, cmd.Args, 5)
	})

	t.Run("出币编码", func(t *testing.T) {
		cmd, err := ProtocolV1.Encode(EjectCoin{Track: 0xC0, Count: 3})
		require.NoError(t, err)
		assert.Equal(t, byte(0x40), cmd.ID)
		assert.Equal(t, argsOf([]byte{0xC0}, []byte{0x03}), cmd.Args)
	})

	t.Run("审计计数器按小端序编码", func(t *testing.T) {
		cmd, err := ProtocolV1.Encode(TickAuditCounter{Counter: 2, Ticks: 0x01020304})
		require.NoError(t, err)
		assert.Equal(t, argsOf([]byte{0x02}, []byte{0x04, 0x03, 0x02, 0x01}), cmd.Args)
	})

	t.Run("无参数命令", func(t *testing.T) {
		for _, req := range []Request{Ack{}, GetInfo{}, GetKeyMasks{}, GetKeys{}} {
			cmd, err := ProtocolV1.Encode(req)
			require.NoError(t, err)
			assert.Empty(t, cmd.Args, req.Kind().String())
		}
	})

	t.Run("超过255字节不截断", func(t *testing.T) {
		_, err := ProtocolV1.Encode(SetOutput{Outputs: make([]byte, 256)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrArgumentOutOfRange))

		cmd, err := ProtocolV1.Encode(SetOutput{Outputs: make([]byte, 255)})
		require.NoError(t, err)
		assert.Len(t, cmd.Args, 256)
	})

	t.Run("非法电平", func(t *testing.T) {
		_, err := ProtocolV1.Encode(SetTrackLevel{Track: 0, Level: 7})
		assert.True(t, errors.Is(err, errors.ErrArgumentOutOfRange))
	})

	t.Run("v1不支持重启", func(t *testing.T) {
		_, err := ProtocolV1.Encode(Reboot{})
		assert.True(t, errors.Is(err, errors.ErrUnsupportedCommand))

		cmd, err := ProtocolV2.Encode(Reboot{})
		require.NoError(t, err)
		assert.Equal(t, byte(0xFF), cmd.ID)
	})
}

func TestDecodeEvents(t *testing.T) {
	t.Run("设备信息", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{
			ID:        0x01,
			Args:      []Arg{StringArg("Acme"), StringArg("Coin-X"), StringArg("1.2"), Uint32Arg(3)},
			Timestamp: 42,
		})
		info, ok := ev.(DeviceInfo)
		require.True(t, ok, "%T", ev)
		assert.Equal(t, "Acme", info.Manufacturer)
		assert.Equal(t, "Coin-X", info.Product)
		assert.Equal(t, "1.2", info.Version)
		assert.Equal(t, uint32(3), info.ProtocolVersion)
		assert.Equal(t, uint64(42), info.Timestamp)
	})

	t.Run("出币被打断", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0xFF, Args: argsOf([]byte{0x01}, []byte{0xC0}, []byte{0x03})})
		e, ok := ev.(ErrorEvent)
		require.True(t, ok, "%T", ev)
		assert.Equal(t, EjectInterrupted{Track: 0xC0, CoinsFailed: 3}, e.Err)
	})

	t.Run("受保护地址读取u16", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0xFF, Args: []Arg{ByteArg(0x04), Uint16Arg(0x0008)}})
		e := ev.(ErrorEvent)
		assert.Equal(t, ProtectedStorage{Address: 0x0008}, e.Err)
	})

	t.Run("未知命令接受u8和u16", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0xFF, Args: argsOf([]byte{0xFF}, []byte{0x99})})
		assert.Equal(t, UnknownCommand{CommandID: 0x99}, ev.(ErrorEvent).Err)

		ev = ProtocolV1.Decode(ReceivedFrame{ID: 0xFF, Args: []Arg{ByteArg(0xFF), Uint16Arg(0x0199)}})
		assert.Equal(t, UnknownCommand{CommandID: 0x0199}, ev.(ErrorEvent).Err)
	})

	t.Run("未识别错误码读取一个参数", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0xFF, Args: argsOf([]byte{0x07}, []byte{0x05})})
		assert.Equal(t, UnknownError{Code: 0x07, Detail: 5}, ev.(ErrorEvent).Err)
	})

	t.Run("未知帧编号不读取参数", func(t *testing.T) {
		args := argsOf([]byte{0x01, 0x02})
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0x77, Args: args})
		u, ok := ev.(Unknown)
		require.True(t, ok)
		assert.Nil(t, u.Reason)
		assert.Equal(t, byte(0x77), u.ID)
		assert.Equal(t, args, u.Args)
	})

	t.Run("参数宽度不符", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0x20, Args: argsOf([]byte{0x00}, []byte{0x01, 0x02})})
		u, ok := ev.(Unknown)
		require.True(t, ok)
		require.Error(t, u.Reason)
		assert.True(t, errors.Is(u.Reason, errors.ErrMalformedFrame))
	})

	t.Run("参数缺失", func(t *testing.T) {
		ev := ProtocolV1.Decode(ReceivedFrame{ID: 0x10, Args: argsOf([]byte{0x03}, []byte{0x01})})
		u, ok := ev.(Unknown)
		require.True(t, ok)
		assert.Error(t, u.Reason)
	})

	t.Run("BOOT仅v2识别", func(t *testing.T) {
		_, ok := ProtocolV2.Decode(ReceivedFrame{ID: 0x80}).(Boot)
		assert.True(t, ok)
		_, ok = ProtocolV1.Decode(ReceivedFrame{ID: 0x80}).(Unknown)
		assert.True(t, ok)
	})
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		DeviceInfo{Manufacturer: "Spark", Product: "SLOT-IO-Card", Version: "v0.0.1", ProtocolVersion: 20170123},
		CoinCounterResult{Track: 0x05, Coins: 70000},
		KeysResult{Bits: []byte{0x01, 0x80, 0x00}},
		KeyMasksResult{Bits: []byte{0xFF, 0xFF, 0x0F}},
		WriteStorageResult{Address: 0x0100, Length: 3},
		ReadStorageResult{Address: 0x0020, Data: []byte{1, 2, 3, 4}},
		Debug{Message: "hello"},
		ErrorEvent{Err: EjectTimeout{Track: 0xC1, CoinsFailed: 2}},
		ErrorEvent{Err: NotATrack{Track: 0x99}},
		ErrorEvent{Err: NotACounter{Counter: 9}},
		ErrorEvent{Err: TooLong{Desired: 32, Requested: 64}},
		ErrorEvent{Err: ProtectedStorage{Address: 0x0004}},
	}
	for _, ev := range events {
		t.Run(ev.Name(), func(t *testing.T) {
			f, err := ProtocolV1.EncodeEvent(ev)
			require.NoError(t, err)
			got := ProtocolV1.Decode(ReceivedFrame{ID: f.ID, Args: f.Args})
			assert.IsType(t, ev, got)
			assert.Equal(t, f.ID, got.Meta().ID)
			assert.Equal(t, EventFields(ev), EventFields(got))
		})
	}
}

func TestProtocolTables(t *testing.T) {
	assert.Equal(t, TrackCoinInsert, ProtocolV1.TrackKind(0x00))
	assert.Equal(t, TrackBanknoteInsert, ProtocolV1.TrackKind(0x80))
	assert.Equal(t, TrackCoinEject, ProtocolV1.TrackKind(0xC0))
	assert.Equal(t, TrackUnknown, ProtocolV2.TrackKind(0x10))
	assert.Equal(t, TrackCoinEject, ProtocolV2.TrackKind(0x80))

	assert.Equal(t, 115200, ProtocolV1.DefaultBaudRate)
	assert.Equal(t, 250000, ProtocolV2.DefaultBaudRate)
	assert.Len(t, ProtocolV1.Commands(), 13)
	assert.Len(t, ProtocolV2.Commands(), 14)

	kind, ok := ProtocolV1.CommandKindOf(0x58)
	assert.True(t, ok)
	assert.Equal(t, CmdWriteStorage, kind)

	p, err := LookupProtocol("V2")
	require.NoError(t, err)
	assert.Same(t, ProtocolV2, p)
	_, err = LookupProtocol("v9")
	assert.True(t, errors.Is(err, errors.ErrUnknownProtocol))

	k, err := ParseCommandKind("eject_coin")
	require.NoError(t, err)
	assert.Equal(t, CmdEjectCoin, k)
}

func TestDefaultPosition(t *testing.T) {
	assert.Equal(t, QueueBack, DefaultPosition(CmdGetInfo))
	assert.Equal(t, QueueBack, DefaultPosition(CmdGetKeys))
	assert.Equal(t, QueueBack, DefaultPosition(CmdSetOutput))
	assert.Equal(t, QueueBack, DefaultPosition(CmdReadStorage))
	assert.Equal(t, QueueFront, DefaultPosition(CmdAck))
	assert.Equal(t, QueueFront, DefaultPosition(CmdEjectCoin))
	assert.Equal(t, QueueFront, DefaultPosition(CmdGetKeyMasks))
}

func TestBuildRequest(t *testing.T) {
	t.Run("JSON数值", func(t *testing.T) {
		req, err := BuildRequest(CmdEjectCoin, map[string]interface{}{"track": float64(192), "count": float64(3)})
		require.NoError(t, err)
		assert.Equal(t, EjectCoin{Track: 0xC0, Count: 3}, req)
	})

	t.Run("十六进制字符串", func(t *testing.T) {
		req, err := BuildRequest(CmdWriteStorage, map[string]interface{}{"address": "0x0100", "data": "123456"})
		require.NoError(t, err)
		assert.Equal(t, WriteStorage{Address: 0x0100, Data: []byte{0x12, 0x34, 0x56}}, req)
	})

	t.Run("数组参数", func(t *testing.T) {
		req, err := BuildRequest(CmdSetOutput, map[string]interface{}{"outputs": []interface{}{float64(1), float64(255)}})
		require.NoError(t, err)
		assert.Equal(t, SetOutput{Outputs: []byte{1, 255}}, req)
	})

	t.Run("电平名称", func(t *testing.T) {
		req, err := BuildRequest(CmdSetTrackLevel, map[string]interface{}{"track": 1, "level": "high"})
		require.NoError(t, err)
		assert.Equal(t, SetTrackLevel{Track: 1, Level: LevelHigh}, req)
	})

	t.Run("缺少参数", func(t *testing.T) {
		_, err := BuildRequest(CmdGetCoinCounter, nil)
		assert.True(t, errors.Is(err, errors.ErrMissingArgument))
	})

	t.Run("超出位宽", func(t *testing.T) {
		_, err := BuildRequest(CmdGetCoinCounter, map[string]interface{}{"track": 256})
		assert.True(t, errors.Is(err, errors.ErrArgumentOutOfRange))
		_, err = BuildRequest(CmdEjectCoin, map[string]interface{}{"track": -1, "count": 1})
		assert.True(t, errors.Is(err, errors.ErrArgumentOutOfRange))
	})
}
