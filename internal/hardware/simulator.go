package hardware

import (
	"sync"
	"time"

	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/logger"
	"go.uber.org/zap"
)

const (
	simStorageSize    = 1024
	simProtectedLimit = 0x0010 // 低16字节只读
	simMaxBytesLength = 32
	simAuditCounters  = 4
)

// SimulatedLink 进程内模拟的IO卡固件（用于测试与无硬件调试）
//
// 命令在独立协程中按队列优先级处理，回包与真实设备一样通过 Receiver 异步送达。
type SimulatedLink struct {
	proto  *Protocol
	logger *zap.Logger

	mu       sync.Mutex
	receiver Receiver
	queue    *sendQueue
	stopCh   chan struct{}
	openedAt time.Time
	open     bool

	// 模拟状态
	counters      map[byte]uint32
	audit         [simAuditCounters]uint32
	masks         []byte
	keys          []byte
	outputs       []byte
	levels        map[byte]ActiveLevel
	ejectTimeouts map[byte]uint32
	storage       [simStorageSize]byte
	unacked       int
	sent          []Frame
}

// NewSimulatedLink 创建模拟链路
func NewSimulatedLink(proto *Protocol) *SimulatedLink {
	if proto == nil {
		proto = ProtocolV1
	}
	return &SimulatedLink{
		proto:         proto,
		logger:        logger.WithModule("simulator"),
		counters:      make(map[byte]uint32),
		masks:         []byte{0xFF, 0xFF, 0x0F},
		keys:          []byte{0x00, 0x00, 0x00},
		levels:        make(map[byte]ActiveLevel),
		ejectTimeouts: make(map[byte]uint32),
	}
}

// NewSimulatedLinkFactory 每次连接创建一个新的模拟设备
func NewSimulatedLinkFactory(proto *Protocol) LinkFactory {
	return func() (Link, error) {
		return NewSimulatedLink(proto), nil
	}
}

// SetReceiver 设置接收回调
func (s *SimulatedLink) SetReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = r
}

// Open 模拟打开
func (s *SimulatedLink) Open(port string, baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New(errors.ErrAlreadyConnected, port)
	}
	s.open = true
	s.queue = newSendQueue()
	s.stopCh = make(chan struct{})
	s.openedAt = time.Now()
	go s.run(s.queue, s.stopCh)

	s.logger.Info("模拟IO卡已连接", zap.String("port", port), zap.Int("baud", baud))
	return nil
}

// Send 命令入队
func (s *SimulatedLink) Send(f Frame, pos QueuePosition) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil || !q.push(f, pos) {
		return errors.New(errors.ErrLinkClosed)
	}
	return nil
}

// Close 模拟关闭
func (s *SimulatedLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.stopCh)
	s.queue.close()
	return nil
}

// InsertCoins 模拟投币，设备随后上报该轨道的计数
func (s *SimulatedLink) InsertCoins(track byte, coins uint32) {
	s.mu.Lock()
	s.counters[track] += coins
	total := s.counters[track]
	s.mu.Unlock()
	s.emit(CoinCounterResult{Track: track, Coins: total})
}

// PressKeys 模拟按键电平变化
func (s *SimulatedLink) PressKeys(bits []byte) {
	s.mu.Lock()
	s.keys = append([]byte(nil), bits...)
	s.mu.Unlock()
	s.emit(KeysResult{Bits: bits})
}

// Unacked 尚未被确认的计数上报数量
func (s *SimulatedLink) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unacked
}

// Received 模拟设备收到的全部帧
func (s *SimulatedLink) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.sent...)
}

func (s *SimulatedLink) run(q *sendQueue, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-q.ready:
		}
		for {
			f, ok := q.pop()
			if !ok {
				break
			}
			s.handle(f)
		}
	}
}

func (s *SimulatedLink) handle(f Frame) {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()

	kind, ok := s.proto.CommandKindOf(f.ID)
	if !ok {
		s.emit(ErrorEvent{Err: UnknownCommand{CommandID: uint16(f.ID)}})
		return
	}

	r := NewArgReader(f.Args)
	switch kind {
	case CmdAck:
		s.mu.Lock()
		if s.unacked > 0 {
			s.unacked--
		}
		s.mu.Unlock()
	case CmdGetInfo:
		s.emit(DeviceInfo{Manufacturer: "Spark", Product: "SLOT-IO-Card", Version: "v0.0.1", ProtocolVersion: 20170123})
	case CmdGetKeyMasks:
		s.mu.Lock()
		masks := append([]byte(nil), s.masks...)
		s.mu.Unlock()
		s.emit(KeyMasksResult{Bits: masks})
	case CmdGetKeys:
		s.mu.Lock()
		keys := append([]byte(nil), s.keys...)
		s.mu.Unlock()
		s.emit(KeysResult{Bits: keys})
	case CmdSetOutput:
		outputs, err := r.ByteSeq()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		s.mu.Lock()
		s.outputs = outputs
		s.mu.Unlock()
	case CmdGetCoinCounter, CmdResetCoinCounter:
		track, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if s.proto.TrackKind(track) == TrackUnknown {
			s.emit(ErrorEvent{Err: NotATrack{Track: track}})
			return
		}
		s.mu.Lock()
		if kind == CmdResetCoinCounter {
			s.counters[track] = 0
		}
		coins := s.counters[track]
		s.mu.Unlock()
		s.emit(CoinCounterResult{Track: track, Coins: coins})
	case CmdTickAuditCounter:
		counter, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		ticks, err := r.Uint32()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if counter >= simAuditCounters {
			s.emit(ErrorEvent{Err: NotACounter{Counter: counter}})
			return
		}
		s.mu.Lock()
		s.audit[counter] += ticks
		s.mu.Unlock()
	case CmdEjectCoin:
		track, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		count, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if s.proto.TrackKind(track) != TrackCoinEject {
			s.emit(ErrorEvent{Err: NotATrack{Track: track}})
			return
		}
		s.mu.Lock()
		s.counters[track] += uint32(count)
		coins := s.counters[track]
		s.mu.Unlock()
		s.emit(CoinCounterResult{Track: track, Coins: coins})
	case CmdSetTrackLevel:
		track, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		level, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if s.proto.TrackKind(track) == TrackUnknown {
			s.emit(ErrorEvent{Err: NotATrack{Track: track}})
			return
		}
		s.mu.Lock()
		s.levels[track] = ActiveLevel(level)
		s.mu.Unlock()
	case CmdSetEjectTimeout:
		track, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		timeout, err := r.Uint32()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if s.proto.TrackKind(track) != TrackCoinEject {
			s.emit(ErrorEvent{Err: NotATrack{Track: track}})
			return
		}
		s.mu.Lock()
		s.ejectTimeouts[track] = timeout
		s.mu.Unlock()
	case CmdReadStorage:
		address, err := r.Uint16()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		length, err := r.Byte()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if length > simMaxBytesLength {
			s.emit(ErrorEvent{Err: TooLong{Desired: simMaxBytesLength, Requested: length}})
			return
		}
		s.mu.Lock()
		data := make([]byte, length)
		for i := range data {
			data[i] = s.storage[(int(address)+i)%simStorageSize]
		}
		s.mu.Unlock()
		s.emit(ReadStorageResult{Address: address, Data: data})
	case CmdWriteStorage:
		address, err := r.Uint16()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		data, err := r.ByteSeq()
		if err != nil {
			s.malformed(kind, err)
			return
		}
		if address < simProtectedLimit {
			s.emit(ErrorEvent{Err: ProtectedStorage{Address: address}})
			return
		}
		if len(data) > simMaxBytesLength {
			s.emit(ErrorEvent{Err: TooLong{Desired: simMaxBytesLength, Requested: byte(len(data))}})
			return
		}
		s.mu.Lock()
		for i, b := range data {
			s.storage[(int(address)+i)%simStorageSize] = b
		}
		s.mu.Unlock()
		s.emit(WriteStorageResult{Address: address, Length: byte(len(data))})
	case CmdReboot:
		s.mu.Lock()
		s.counters = make(map[byte]uint32)
		s.unacked = 0
		s.mu.Unlock()
		s.emit(Boot{})
	}
}

func (s *SimulatedLink) malformed(kind CommandKind, err error) {
	s.logger.Warn("模拟设备收到格式错误的命令", zap.Stringer("command", kind), zap.Error(err))
	s.emit(Debug{Message: "malformed " + kind.String()})
}

// emit 编码事件并以帧的形式回调，保持与真实链路相同的解码路径
func (s *SimulatedLink) emit(ev Event) {
	f, err := s.proto.EncodeEvent(ev)
	if err != nil {
		s.logger.Error("模拟事件编码失败", zap.String("event", ev.Name()), zap.Error(err))
		return
	}

	s.mu.Lock()
	rx := s.receiver
	open := s.open
	if _, ok := ev.(CoinCounterResult); ok {
		s.unacked++
	}
	ts := uint64(time.Since(s.openedAt).Milliseconds())
	s.mu.Unlock()

	if !open || rx == nil {
		return
	}
	rx.OnFrame(ReceivedFrame{ID: f.ID, Args: f.Args, Timestamp: ts})
}
