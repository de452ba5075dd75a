package hardware

import (
	"sync"
	"sync/atomic"

	"github.com/wfunc/slot-iocard/internal/logger"
	"go.uber.org/zap"
)

// DefaultErrorCapacity 错误队列默认容量
const DefaultErrorCapacity = 3000

// KeyState 按键状态
type KeyState int

const (
	KeyLow KeyState = iota
	KeyHigh
	KeyUnknown
	KeyNotAKey
)

func (s KeyState) String() string {
	switch s {
	case KeyLow:
		return "low"
	case KeyHigh:
		return "high"
	case KeyNotAKey:
		return "not_a_key"
	default:
		return "unknown"
	}
}

// MarshalText 以名称输出
func (s KeyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析名称，无法识别的名称视为未知
func (s *KeyState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*s = KeyLow
	case "high":
		*s = KeyHigh
	case "not_a_key":
		*s = KeyNotAKey
	default:
		*s = KeyUnknown
	}
	return nil
}

// DropReason 错误被移出队列但未被消费的原因
type DropReason string

const (
	DropOverflow       DropReason = "overflow"
	DropCapacityChange DropReason = "capacity_change"
	DropDisconnect     DropReason = "disconnect"
	DropDetach         DropReason = "detach"
)

// DropHandler 错误丢弃通知
type DropHandler func(ev ErrorEvent, reason DropReason)

// CardSource 状态缓存需要的连接管理器能力
type CardSource interface {
	Subscribe(h EventHandler) *Subscription
	GetInfo() bool
	GetKeyMasks() bool
}

// Identity 设备信息
type Identity struct {
	Manufacturer    string `json:"manufacturer"`
	Product         string `json:"product"`
	Version         string `json:"version"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// Snapshot 缓存快照，各字段分别读取，彼此之间不保证原子性
type Snapshot struct {
	Identity      *Identity         `json:"identity"`
	CoinCounters  map[byte]uint32   `json:"coin_counters"`
	Keys          map[byte]KeyState `json:"keys"`
	PendingErrors int               `json:"pending_errors"`
	ErrorCapacity int               `json:"error_capacity"`
	Changed       bool              `json:"changed"`
}

// StateCacheOption StateCache 选项
type StateCacheOption func(*StateCache)

// WithErrorCapacity 设置错误队列容量
func WithErrorCapacity(n int) StateCacheOption {
	return func(s *StateCache) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithDropHandler 设置错误丢弃通知，默认写日志
func WithDropHandler(h DropHandler) StateCacheOption {
	return func(s *StateCache) {
		if h != nil {
			s.onDrop = h
		}
	}
}

// StateCache 把事件流折叠成供轮询使用的设备状态
//
// 设备信息、计数、按键与错误队列各自加锁；changed 在每次变更时置位，
// 消费者处理完一轮后调用 Processed 清除。
type StateCache struct {
	logger *zap.Logger
	onDrop DropHandler

	attachMu sync.Mutex
	source   CardSource
	sub      *Subscription

	// 每次 SetCard 递增，旧绑定上仍在投递的事件按代号丢弃
	deliverMu  sync.RWMutex
	generation uint64

	identityMu sync.RWMutex
	identity   *Identity

	countersMu sync.RWMutex
	counters   map[byte]uint32

	keysMu sync.RWMutex
	keys   map[byte]KeyState

	errorsMu sync.Mutex
	errors   []ErrorEvent
	capacity int

	changed atomic.Bool
}

// NewStateCache 创建状态缓存
func NewStateCache(opts ...StateCacheOption) *StateCache {
	s := &StateCache{
		logger:   logger.WithModule("cache"),
		counters: make(map[byte]uint32),
		keys:     make(map[byte]KeyState),
		capacity: DefaultErrorCapacity,
	}
	s.onDrop = s.logDrop
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCard 绑定连接管理器，传 nil 解绑
//
// 先取消旧订阅再清空缓存，重复调用是安全的；绑定同一个对象时不做任何事。
// 返回后旧绑定上的事件不会再修改缓存，包括调用时正在投递的事件。
func (s *StateCache) SetCard(src CardSource) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if src != nil && src == s.source {
		return
	}

	// 等待正在处理的事件结束，之后旧代号的事件一律丢弃
	s.deliverMu.Lock()
	s.generation++
	gen := s.generation
	s.deliverMu.Unlock()

	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.source = nil
	s.reset(DropDetach)

	if src == nil {
		return
	}
	s.source = src
	s.sub = src.Subscribe(func(ev Event) { s.handle(gen, src, ev) })
}

func (s *StateCache) handle(gen uint64, src CardSource, ev Event) {
	if !s.apply(gen, ev) {
		return
	}
	// 发送查询可能同步触发新的事件，放在 deliverMu 之外
	src.GetInfo()
	src.GetKeyMasks()
}

// apply 折叠一个事件，返回是否需要重新查询设备信息与按键掩码
func (s *StateCache) apply(gen uint64, ev Event) (bootstrap bool) {
	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()

	if gen != s.generation {
		s.logger.Debug("丢弃已解绑连接的事件", zap.String("event", ev.Name()))
		return false
	}

	switch v := ev.(type) {
	case Connected:
		s.changed.Store(true)
		return true
	case Disconnected:
		s.reset(DropDisconnect)
	case Boot:
		s.clearCounters()
		s.clearKeys()
		s.changed.Store(true)
		return true
	case DeviceInfo:
		s.onDeviceInfo(v)
	case CoinCounterResult:
		s.onCoinCounter(v)
	case KeysResult:
		s.onKeys(v)
	case KeyMasksResult:
		s.onKeyMasks(v)
	case ErrorEvent:
		s.pushError(v)
	case Debug:
		s.logger.Debug("设备调试信息", zap.Uint64("ts", v.Timestamp), zap.String("message", v.Message))
	case Unknown:
		fields := []zap.Field{zap.String("id", hexByte(v.ID)), zap.Int("args", len(v.Args))}
		if v.Reason != nil {
			fields = append(fields, zap.Error(v.Reason))
		}
		s.logger.Warn("收到未知事件", fields...)
	}
	return false
}

// reset 清空设备信息、计数、按键，并把未处理的错误逐条报告后清空
func (s *StateCache) reset(reason DropReason) {
	s.identityMu.Lock()
	s.identity = nil
	s.identityMu.Unlock()

	s.clearCounters()
	s.clearKeys()

	s.errorsMu.Lock()
	pending := s.errors
	s.errors = nil
	s.errorsMu.Unlock()

	if len(pending) > 0 {
		s.logger.Warn("清空前仍有未处理的设备错误", zap.Int("count", len(pending)), zap.String("reason", string(reason)))
		for _, ev := range pending {
			s.onDrop(ev, reason)
		}
	}
	s.changed.Store(true)
}

func (s *StateCache) clearCounters() {
	s.countersMu.Lock()
	s.counters = make(map[byte]uint32)
	s.countersMu.Unlock()
}

func (s *StateCache) clearKeys() {
	s.keysMu.Lock()
	s.keys = make(map[byte]KeyState)
	s.keysMu.Unlock()
}

func (s *StateCache) onDeviceInfo(ev DeviceInfo) {
	s.identityMu.Lock()
	s.identity = &Identity{
		Manufacturer:    ev.Manufacturer,
		Product:         ev.Product,
		Version:         ev.Version,
		ProtocolVersion: ev.ProtocolVersion,
	}
	s.identityMu.Unlock()
	s.changed.Store(true)
}

func (s *StateCache) onCoinCounter(ev CoinCounterResult) {
	s.countersMu.Lock()
	s.counters[ev.Track] = ev.Coins
	s.countersMu.Unlock()
	s.changed.Store(true)
}

// onKeys 非 NotAKey 的位置按位设置高低电平
func (s *StateCache) onKeys(ev KeysResult) {
	s.keysMu.Lock()
	for i, bits := range ev.Bits {
		for b := 0; b < 8; b++ {
			index := byte(i*8 + b)
			if s.keys[index] == KeyNotAKey {
				continue
			}
			if bits&(1<<b) != 0 {
				s.keys[index] = KeyHigh
			} else {
				s.keys[index] = KeyLow
			}
		}
	}
	s.keysMu.Unlock()
	s.changed.Store(true)
}

// onKeyMasks 掩码位为0的位置标记为 NotAKey；为1且原先是 NotAKey 的位置恢复为未知
func (s *StateCache) onKeyMasks(ev KeyMasksResult) {
	s.keysMu.Lock()
	for i, bits := range ev.Bits {
		for b := 0; b < 8; b++ {
			index := byte(i*8 + b)
			if bits&(1<<b) == 0 {
				s.keys[index] = KeyNotAKey
			} else if s.keys[index] == KeyNotAKey {
				delete(s.keys, index)
			}
		}
	}
	s.keysMu.Unlock()
	s.changed.Store(true)
}

func (s *StateCache) pushError(ev ErrorEvent) {
	var dropped []ErrorEvent

	s.errorsMu.Lock()
	for len(s.errors) >= s.capacity {
		dropped = append(dropped, s.errors[0])
		s.errors = s.errors[1:]
	}
	s.errors = append(s.errors, ev)
	s.errorsMu.Unlock()

	for _, d := range dropped {
		s.onDrop(d, DropOverflow)
	}
	s.changed.Store(true)
}

func (s *StateCache) logDrop(ev ErrorEvent, reason DropReason) {
	logger.LogDeviceError("设备错误被丢弃", ev.Err.Kind().String(), map[string]interface{}{
		"reason": string(reason),
		"ts":     ev.Timestamp,
		"error":  ErrorFields(ev.Err),
	})
}

// PopError 取出最早的一条错误，队列为空时返回 false
func (s *StateCache) PopError() (ErrorEvent, bool) {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	if len(s.errors) == 0 {
		return ErrorEvent{}, false
	}
	ev := s.errors[0]
	s.errors[0] = ErrorEvent{}
	s.errors = s.errors[1:]
	return ev, true
}

// ErrorCount 队列中的错误数
func (s *StateCache) ErrorCount() int {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	return len(s.errors)
}

// ErrorCapacity 错误队列容量
func (s *StateCache) ErrorCapacity() int {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	return s.capacity
}

// SetErrorCapacity 修改容量，超出部分从最早的开始丢弃并逐条通知
func (s *StateCache) SetErrorCapacity(n int) {
	if n <= 0 {
		return
	}

	var dropped []ErrorEvent
	s.errorsMu.Lock()
	s.capacity = n
	if over := len(s.errors) - n; over > 0 {
		dropped = append(dropped, s.errors[:over]...)
		s.errors = append([]ErrorEvent(nil), s.errors[over:]...)
	}
	s.errorsMu.Unlock()

	for _, d := range dropped {
		s.onDrop(d, DropCapacityChange)
	}
	if len(dropped) > 0 {
		s.changed.Store(true)
	}
}

// IsChanged 自上次 Processed 以来是否有变化
func (s *StateCache) IsChanged() bool {
	return s.changed.Load()
}

// Processed 清除变化标记
func (s *StateCache) Processed() {
	s.changed.Store(false)
}

// GetCoinCounter 轨道计数，没有记录时为0
func (s *StateCache) GetCoinCounter(track byte) uint32 {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	return s.counters[track]
}

// GetKey 按键状态，没有记录时为 KeyUnknown
func (s *StateCache) GetKey(index byte) KeyState {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	if state, ok := s.keys[index]; ok {
		return state
	}
	return KeyUnknown
}

// Identity 设备信息，未收到时返回 nil
func (s *StateCache) Identity() *Identity {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Manufacturer 厂商，未知时为空串
func (s *StateCache) Manufacturer() string {
	if id := s.Identity(); id != nil {
		return id.Manufacturer
	}
	return ""
}

// Product 产品名
func (s *StateCache) Product() string {
	if id := s.Identity(); id != nil {
		return id.Product
	}
	return ""
}

// Version 固件版本
func (s *StateCache) Version() string {
	if id := s.Identity(); id != nil {
		return id.Version
	}
	return ""
}

// ProtocolVersion 设备协议版本号，未知时为 -1
func (s *StateCache) ProtocolVersion() int64 {
	if id := s.Identity(); id != nil {
		return int64(id.ProtocolVersion)
	}
	return -1
}

// Snapshot 逐字段复制当前状态
func (s *StateCache) Snapshot() Snapshot {
	snap := Snapshot{Identity: s.Identity()}

	s.countersMu.RLock()
	snap.CoinCounters = make(map[byte]uint32, len(s.counters))
	for k, v := range s.counters {
		snap.CoinCounters[k] = v
	}
	s.countersMu.RUnlock()

	s.keysMu.RLock()
	snap.Keys = make(map[byte]KeyState, len(s.keys))
	for k, v := range s.keys {
		snap.Keys[k] = v
	}
	s.keysMu.RUnlock()

	s.errorsMu.Lock()
	snap.PendingErrors = len(s.errors)
	snap.ErrorCapacity = s.capacity
	s.errorsMu.Unlock()

	snap.Changed = s.changed.Load()
	return snap
}
